// Toolhost runs MCP tool servers as child processes and routes tool
// calls to them.
//
// Servers are defined in an "mcpServers" JSON document. Host behavior
// (timeouts, restart policy, admin API, MQTT) comes from an optional
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	toolhost serve                  Run servers and the admin API until signalled
//	toolhost tools                  Start servers and list their tools
//	toolhost call <tool> [json]     Start servers and invoke one tool
//	toolhost status                 Start servers and report their state
//	toolhost init [dir]             Write example config files
//	toolhost version                Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nugget/toolhost/internal/buildinfo"
	"github.com/nugget/toolhost/internal/config"
)

// main builds the OS-level environment and hands off to [run] so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:], os.Getenv); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options is the parsed command line.
type options struct {
	configPath  string
	serversPath string
	outputFmt   string // "text" or "json"
	server      string // routing hint for call
	timeout     time.Duration
	command     string
	args        []string
}

// parseArgs parses flags by hand. The flag package's global state gets
// in the way of running [run] from parallel tests.
func parseArgs(args []string) (options, error) {
	var o options

	value := func(i int, name string) (string, error) {
		if i+1 >= len(args) {
			return "", fmt.Errorf("flag %s needs a value", name)
		}
		return args[i+1], nil
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if o.command != "" && !strings.HasPrefix(arg, "-") {
			o.args = append(o.args, arg)
			continue
		}

		name, inline, hasInline := strings.Cut(arg, "=")
		get := func() (string, error) {
			if hasInline {
				return inline, nil
			}
			v, err := value(i, name)
			if err == nil {
				i++
			}
			return v, err
		}

		var err error
		switch name {
		case "-config", "--config":
			o.configPath, err = get()
		case "-servers", "--servers":
			o.serversPath, err = get()
		case "-o", "--output":
			o.outputFmt, err = get()
		case "-server", "--server":
			o.server, err = get()
		case "-timeout", "--timeout":
			var v string
			if v, err = get(); err == nil {
				o.timeout, err = time.ParseDuration(v)
				if err != nil {
					err = fmt.Errorf("invalid -timeout %q: %w", v, err)
				}
			}
		case "-h", "-help", "--help":
			o.command = "help"
		default:
			if strings.HasPrefix(arg, "-") {
				return o, fmt.Errorf("unknown flag: %s", arg)
			}
			o.command = arg
		}
		if err != nil {
			return o, err
		}
	}

	if o.outputFmt == "" {
		o.outputFmt = "text"
	}
	if o.outputFmt != "text" && o.outputFmt != "json" {
		return o, fmt.Errorf("unknown output format: %q (expected text or json)", o.outputFmt)
	}
	return o, nil
}

// run is the real entry point. getenv supplies the environment so tests
// can control TOOLHOST_MCP_CONFIG. It returns nil on clean exit.
func run(ctx context.Context, stdout, stderr io.Writer, args []string, getenv func(string) string) error {
	o, err := parseArgs(args)
	if err != nil {
		return err
	}

	switch o.command {
	case "serve":
		return runServe(ctx, stderr, o, getenv)
	case "tools":
		return runTools(ctx, stdout, stderr, o, getenv)
	case "call":
		if len(o.args) == 0 {
			return fmt.Errorf("usage: toolhost call <tool> [json-arguments]")
		}
		return runCall(ctx, stdout, stderr, o, getenv)
	case "status":
		return runStatus(ctx, stdout, stderr, o, getenv)
	case "init":
		dir := "."
		if len(o.args) > 0 {
			dir = o.args[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, o.outputFmt)
	case "", "help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", o.command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "toolhost - MCP tool server host")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: toolhost [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                 Run servers and the admin API until signalled")
	fmt.Fprintln(w, "  tools                 Start servers and list their tools")
	fmt.Fprintln(w, "  call <tool> [json]    Start servers and invoke one tool")
	fmt.Fprintln(w, "  status                Start servers and report their state")
	fmt.Fprintln(w, "  init [dir]            Write example config files (default: .)")
	fmt.Fprintln(w, "  version               Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>        Host config file (default: auto-discover)")
	fmt.Fprintln(w, "  -servers <path>       Server definitions (default: servers_file, $"+config.EnvServersFile+",")
	fmt.Fprintln(w, "                        then ~/.config/toolhost/mcp.json)")
	fmt.Fprintln(w, "  -server <name>        Route call to this server")
	fmt.Fprintln(w, "  -timeout <duration>   Per-call timeout for call (e.g. 10s)")
	fmt.Fprintln(w, "  -o, --output fmt      Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// loadConfig finds and parses the host config. With no explicit path
// and nothing found, defaults apply.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// newLogger builds the configured logger. Logs always go to stderr so
// stdout stays clean for command output.
func newLogger(stderr io.Writer, cfg *config.Config) *slog.Logger {
	// Validate already rejected bad levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(stderr, level, cfg.LogFormat)
}
