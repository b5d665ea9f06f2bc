package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/nugget/toolhost/internal/mcp"
)

// EnvServersFile names the environment variable that may point at the
// server definitions document. Only the command layer reads it.
const EnvServersFile = "TOOLHOST_MCP_CONFIG"

// serversFile is the on-disk shape:
//
//	{"mcpServers": {"name": {"command": "...", "args": [...], "env": {...}}}}
type serversFile struct {
	MCPServers map[string]serverEntry `json:"mcpServers"`
}

type serverEntry struct {
	Command  string            `json:"command"`
	Args     []string          `json:"args"`
	Env      map[string]string `json:"env"`
	Cwd      string            `json:"cwd"`
	Disabled bool              `json:"disabled"`
}

// DefaultServersPath returns ~/.config/toolhost/mcp.json, or "" if the
// home directory is unknown.
func DefaultServersPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "toolhost", "mcp.json")
}

// ResolveServersPath picks the server definitions file: the flag value,
// then the config file's servers_file, then the environment value, then
// DefaultServersPath. The first non-empty candidate wins; existence is
// checked by LoadServers.
func ResolveServersPath(flag, configured, env string) string {
	for _, p := range []string{flag, configured, env} {
		if p != "" {
			return p
		}
	}
	return DefaultServersPath()
}

// LoadServers reads the server definitions at path. Definitions are
// returned sorted by name; disabled entries are skipped. An entry
// without a command is an error. Environment references in commands,
// arguments and env values are expanded.
func LoadServers(path string) ([]mcp.ServerDefinition, error) {
	if path == "" {
		return nil, errors.New("no server definitions file configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read server definitions: %w", err)
	}

	var doc serversFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if doc.MCPServers == nil {
		return nil, fmt.Errorf("%s: missing mcpServers object", path)
	}

	names := make([]string, 0, len(doc.MCPServers))
	for name := range doc.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]mcp.ServerDefinition, 0, len(names))
	for _, name := range names {
		e := doc.MCPServers[name]
		if e.Disabled {
			continue
		}
		if name == "" {
			return nil, fmt.Errorf("%s: server with empty name", path)
		}
		if e.Command == "" {
			return nil, fmt.Errorf("%s: server %q has no command", path, name)
		}

		def := mcp.ServerDefinition{
			Name:    name,
			Command: os.ExpandEnv(e.Command),
			Dir:     os.ExpandEnv(e.Cwd),
		}
		for _, a := range e.Args {
			def.Args = append(def.Args, os.ExpandEnv(a))
		}
		if len(e.Env) > 0 {
			def.Env = make(map[string]string, len(e.Env))
			for k, v := range e.Env {
				def.Env[k] = os.ExpandEnv(v)
			}
		}
		defs = append(defs, def)
	}
	return defs, nil
}
