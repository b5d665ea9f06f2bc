// Package config handles toolhost configuration loading.
//
// Two documents are involved. The host config (YAML) sets logging,
// timeouts, restart policy and the optional admin API and MQTT
// publisher. The server definitions (JSON, in the "mcpServers" format
// shared with other assistant tooling) say which tool servers to run.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/toolhost/internal/connwatch"
	"github.com/nugget/toolhost/internal/host"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/toolhost/config.yaml, /etc/toolhost/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "toolhost", "config.yaml"))
	}

	paths = append(paths, "/etc/toolhost/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all toolhost configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text (default) or json

	// DataDir holds the catalog database. Empty disables persistence.
	DataDir string `yaml:"data_dir"`

	// ServersFile is the mcpServers JSON document.
	ServersFile string `yaml:"servers_file"`

	StartConcurrency int `yaml:"start_concurrency"`

	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Restart  RestartConfig  `yaml:"restart"`
	Health   HealthConfig   `yaml:"health"`
	Listen   ListenConfig   `yaml:"listen"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
}

// TimeoutsConfig bounds the protocol phases. Durations use Go syntax
// ("30s", "2m").
type TimeoutsConfig struct {
	Call          time.Duration `yaml:"call"`
	Initialize    time.Duration `yaml:"initialize"`
	Discovery     time.Duration `yaml:"discovery"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// RestartConfig is the crash restart policy. MaxRetries counts
// consecutive attempts after one crash; 0 disables restarts.
type RestartConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// HealthConfig enables liveness pings of Ready servers.
type HealthConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"` // 0 disables
	PingTimeout  time.Duration `yaml:"ping_timeout"`
}

// ListenConfig defines the admin API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// MQTTConfig configures the optional status publisher. Publishing is
// enabled when Broker is set.
type MQTTConfig struct {
	Broker          string        `yaml:"broker"` // e.g. mqtt://broker:1883
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	DeviceName      string        `yaml:"device_name"`
	DiscoveryPrefix string        `yaml:"discovery_prefix"`
	PublishInterval time.Duration `yaml:"publish_interval"`
}

// Configured reports whether an MQTT broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file. Fields absent from the
// file keep their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	h := host.DefaultConfig()
	return &Config{
		LogLevel:         "info",
		LogFormat:        "text",
		StartConcurrency: h.StartConcurrency,
		Timeouts: TimeoutsConfig{
			Call:          h.CallTimeout,
			Initialize:    h.InitTimeout,
			Discovery:     h.DiscoveryTimeout,
			ShutdownGrace: h.ShutdownGrace,
		},
		Restart: RestartConfig{
			MaxRetries:   h.Restart.MaxRetries,
			InitialDelay: h.Restart.InitialDelay,
			MaxDelay:     h.Restart.MaxDelay,
			Multiplier:   h.Restart.Multiplier,
		},
		Health: HealthConfig{
			PingTimeout: h.PingTimeout,
		},
		Listen: ListenConfig{Port: 8787},
		MQTT: MQTTConfig{
			DeviceName:      "toolhost",
			DiscoveryPrefix: "homeassistant",
			PublishInterval: time.Minute,
		},
	}
}

// Validate rejects values that cannot work.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	if c.Restart.MaxRetries < 0 {
		return fmt.Errorf("restart.max_retries must not be negative")
	}
	if c.Restart.Multiplier != 0 && c.Restart.Multiplier < 1 {
		return fmt.Errorf("restart.multiplier must be at least 1")
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	return nil
}

// HostConfig converts the file settings into the host's runtime policy.
func (c *Config) HostConfig() host.Config {
	return host.Config{
		StartConcurrency: c.StartConcurrency,
		CallTimeout:      c.Timeouts.Call,
		InitTimeout:      c.Timeouts.Initialize,
		DiscoveryTimeout: c.Timeouts.Discovery,
		ShutdownGrace:    c.Timeouts.ShutdownGrace,
		Restart: connwatch.BackoffConfig{
			MaxRetries:   c.Restart.MaxRetries,
			InitialDelay: c.Restart.InitialDelay,
			MaxDelay:     c.Restart.MaxDelay,
			Multiplier:   c.Restart.Multiplier,
		},
		PingInterval: c.Health.PingInterval,
		PingTimeout:  c.Health.PingTimeout,
	}
}

// CatalogPath returns the catalog database path, or "" when no data
// directory is configured.
func (c *Config) CatalogPath() string {
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, "catalog.db")
}
