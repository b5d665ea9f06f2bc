package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nugget/toolhost/internal/catalog"
	"github.com/nugget/toolhost/internal/config"
	"github.com/nugget/toolhost/internal/events"
	"github.com/nugget/toolhost/internal/host"
)

// app is everything a command needs once configuration is resolved.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	bus      *events.Bus
	host     *host.Host
	store    *catalog.Store
	registry *prometheus.Registry
}

// newApp loads configuration and server definitions and builds the host.
// Servers are not started.
func newApp(stderr io.Writer, o options, getenv func(string) string) (*app, error) {
	cfg, cfgPath, err := loadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(stderr, cfg)
	if cfgPath != "" {
		logger.Debug("config loaded", "path", cfgPath)
	} else {
		logger.Debug("no config file found, using defaults")
	}

	serversPath := config.ResolveServersPath(o.serversPath, cfg.ServersFile, getenv(config.EnvServersFile))
	defs, err := config.LoadServers(serversPath)
	if err != nil {
		return nil, err
	}
	logger.Info("server definitions loaded", "path", serversPath, "servers", len(defs))

	a := &app{
		cfg:      cfg,
		logger:   logger,
		bus:      events.New(),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if path := cfg.CatalogPath(); path != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		a.store, err = catalog.OpenStore(path)
		if err != nil {
			return nil, fmt.Errorf("open catalog store: %w", err)
		}
	}

	a.host, err = host.New(defs, cfg.HostConfig(), host.Options{
		Logger:     logger,
		Bus:        a.bus,
		Store:      a.store,
		Registerer: a.registry,
	})
	if err != nil {
		a.closeStore()
		return nil, err
	}
	return a, nil
}

// start launches every server and logs the ones that failed.
func (a *app) start(ctx context.Context) []host.StartResult {
	results := a.host.Start(ctx)
	for _, r := range results {
		if r.Err != nil {
			a.logger.Warn("tool server unavailable", "server", r.Server, "error", r.Err)
		}
	}
	return results
}

// close shuts the host down within the configured grace period (plus
// headroom for the servers' own shutdown) and closes the store.
func (a *app) close() {
	grace := a.cfg.Timeouts.ShutdownGrace
	ctx, cancel := context.WithTimeout(context.Background(), 2*grace+5*time.Second)
	defer cancel()
	if err := a.host.Shutdown(ctx); err != nil {
		a.logger.Warn("shutdown incomplete", "error", err)
	}
	a.closeStore()
}

func (a *app) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close catalog store", "error", err)
	}
}
