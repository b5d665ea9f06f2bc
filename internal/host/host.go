// Package host owns every configured tool server and the machinery
// around them: the tool catalog, the invocation router, liveness
// watchers and the event bus. It is the single entry point used by the
// CLI and the admin API.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/toolhost/internal/catalog"
	"github.com/nugget/toolhost/internal/connwatch"
	"github.com/nugget/toolhost/internal/events"
	"github.com/nugget/toolhost/internal/invoke"
	"github.com/nugget/toolhost/internal/mcp"
)

// Config holds the runtime policy applied to all servers.
type Config struct {
	// StartConcurrency limits how many servers are launched at once.
	StartConcurrency int

	CallTimeout      time.Duration
	InitTimeout      time.Duration
	DiscoveryTimeout time.Duration
	ShutdownGrace    time.Duration

	// Restart is the crash restart policy. MaxRetries of zero disables
	// restarts.
	Restart connwatch.BackoffConfig

	// PingInterval enables liveness probing when positive.
	PingInterval time.Duration
	PingTimeout  time.Duration

	MaxFrameSize int
}

// DefaultConfig returns the policy used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		StartConcurrency: 4,
		CallTimeout:      invoke.DefaultCallTimeout,
		InitTimeout:      30 * time.Second,
		DiscoveryTimeout: 30 * time.Second,
		ShutdownGrace:    5 * time.Second,
		Restart:          connwatch.DefaultBackoffConfig(),
		PingTimeout:      10 * time.Second,
	}
}

// Options carries the collaborators of a Host. All are optional.
type Options struct {
	Logger *slog.Logger
	Bus    *events.Bus

	// Store persists discovered catalogs and preloads them on Start.
	Store *catalog.Store

	// Registerer receives the router and server metrics.
	Registerer prometheus.Registerer
}

// Host manages a fixed set of tool servers.
type Host struct {
	cfg     Config
	logger  *slog.Logger
	bus     *events.Bus
	catalog *catalog.Catalog
	router  *invoke.Router
	watch   *connwatch.Manager

	servers map[string]*mcp.ServerConn
	order   []string

	// discovering serializes catalog refreshes per server so a slow
	// tools/list can never install its listing over a newer one.
	discovering map[string]*sync.Mutex

	// ctx spans the host's lifetime; Shutdown cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

// registry exposes servers to the router.
type registry map[string]*mcp.ServerConn

func (r registry) Server(name string) (invoke.Server, bool) {
	sc, ok := r[name]
	if !ok {
		return nil, false
	}
	return sc, true
}

// New builds a host for defs. Server names must be unique and
// non-empty. Nothing is launched until Start.
func New(defs []mcp.ServerDefinition, cfg Config, opts Options) (*Host, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.StartConcurrency <= 0 {
		cfg.StartConcurrency = defaults.StartConcurrency
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = defaults.DiscoveryTimeout
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = defaults.PingTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		cfg:     cfg,
		logger:  logger,
		bus:     opts.Bus,
		watch:   connwatch.NewManager(logger),
		servers: make(map[string]*mcp.ServerConn, len(defs)),
		ctx:     ctx,
		cancel:  cancel,

		discovering: make(map[string]*sync.Mutex, len(defs)),
	}
	h.catalog = catalog.New(catalog.Options{
		Logger: logger,
		Bus:    opts.Bus,
		Store:  opts.Store,
	})

	for _, def := range defs {
		if def.Name == "" {
			cancel()
			return nil, errors.New("server definition without a name")
		}
		if _, dup := h.servers[def.Name]; dup {
			cancel()
			return nil, fmt.Errorf("duplicate server name %q", def.Name)
		}
		h.servers[def.Name] = mcp.NewServerConn(def, mcp.ServerConnOptions{
			Logger:         logger,
			Bus:            opts.Bus,
			InitTimeout:    cfg.InitTimeout,
			ShutdownGrace:  cfg.ShutdownGrace,
			Restart:        cfg.Restart,
			MaxFrameSize:   cfg.MaxFrameSize,
			OnReady:        h.discover,
			OnToolsChanged: h.discover,
		})
		h.discovering[def.Name] = &sync.Mutex{}
		h.order = append(h.order, def.Name)
	}
	sort.Strings(h.order)

	var metrics *invoke.Metrics
	if opts.Registerer != nil {
		metrics = invoke.NewMetrics(opts.Registerer)
		opts.Registerer.MustRegister(&collector{host: h})
	}
	h.router = invoke.NewRouter(invoke.Config{
		Catalog:     h.catalog,
		Registry:    registry(h.servers),
		Logger:      logger,
		Bus:         opts.Bus,
		Metrics:     metrics,
		CallTimeout: cfg.CallTimeout,
	})
	return h, nil
}

// StartResult reports how one server's start went.
type StartResult struct {
	Server string
	Err    error
}

// Start preloads any persisted catalog, then launches every server,
// StartConcurrency at a time. A server that fails to start is left
// Terminated and reported; the others are unaffected. Results are
// ordered by server name.
func (h *Host) Start(ctx context.Context) []StartResult {
	if n, err := h.catalog.Warm(h.order); err != nil {
		h.logger.Warn("failed to preload cached tool catalog", "error", err)
	} else if n > 0 {
		h.logger.Info("preloaded cached tool catalog", "servers", n)
	}

	results := make([]StartResult, len(h.order))
	var g errgroup.Group
	g.SetLimit(h.cfg.StartConcurrency)
	for i, name := range h.order {
		sc := h.servers[name]
		g.Go(func() error {
			err := sc.Start(ctx)
			results[i] = StartResult{Server: name, Err: err}
			if err == nil {
				h.watchServer(sc)
			}
			return nil
		})
	}
	_ = g.Wait()

	var ready int
	for _, r := range results {
		if r.Err == nil {
			ready++
		}
	}
	h.logger.Info("tool servers started", "ready", ready, "configured", len(h.order))
	return results
}

// discover refreshes a server's catalog entry. It runs on every Ready
// transition and on tools/list_changed.
func (h *Host) discover(ctx context.Context, sc *mcp.ServerConn) {
	h.refresh(ctx, sc.Name(), sc)
}

// refresh fetches and installs one server's listing. Refreshes of the
// same server run one at a time, so the listing installed last is the
// one fetched last.
func (h *Host) refresh(ctx context.Context, server string, src catalog.Source) {
	mu := h.discovering[server]
	mu.Lock()
	defer mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, h.cfg.DiscoveryTimeout)
	defer cancel()
	_, _ = h.catalog.Discover(dctx, server, src)
}

// watchServer installs a liveness watcher for sc when probing is on.
func (h *Host) watchServer(sc *mcp.ServerConn) {
	if h.cfg.PingInterval <= 0 {
		return
	}
	h.watch.Watch(h.ctx, connwatch.WatcherConfig{
		Name:     sc.Name(),
		Probe:    livenessProbe(sc),
		Interval: h.cfg.PingInterval,
		Timeout:  h.cfg.PingTimeout,
		OnDown: func(err error) {
			sc.Recycle(fmt.Sprintf("liveness probe failed: %v", err))
		},
		Logger: h.logger,
	})
}

// livenessProbe pings sc while it is Ready. Other states belong to the
// restart policy and always pass.
func livenessProbe(sc *mcp.ServerConn) connwatch.ProbeFunc {
	return func(ctx context.Context) error {
		if sc.State() != mcp.StateReady {
			return nil
		}
		return sc.Ping(ctx)
	}
}

// Invoke routes a tool invocation.
func (h *Host) Invoke(ctx context.Context, inv invoke.Invocation) (*mcp.ToolResult, error) {
	return h.router.Invoke(ctx, inv)
}

// Catalog returns the tool catalog.
func (h *Host) Catalog() *catalog.Catalog {
	return h.catalog
}

// Bus returns the event bus, which may be nil.
func (h *Host) Bus() *events.Bus {
	return h.bus
}

// Tools returns every known tool, ordered by server.
func (h *Host) Tools() []*catalog.Descriptor {
	return h.catalog.All()
}

// Servers returns the configured server names, sorted.
func (h *Host) Servers() []string {
	return append([]string(nil), h.order...)
}

// ServerStatus combines a server's lifecycle state with its catalog and
// liveness information.
type ServerStatus struct {
	mcp.ServerStatus
	Command      string                   `json:"command"`
	Tools        int                      `json:"tools"`
	DiscoveredAt time.Time                `json:"discovered_at,omitzero"`
	Liveness     *connwatch.ServiceStatus `json:"liveness,omitempty"`
}

// Status returns every server's status ordered by name.
func (h *Host) Status() []ServerStatus {
	live := h.watch.Status()
	out := make([]ServerStatus, 0, len(h.order))
	for _, name := range h.order {
		sc := h.servers[name]
		st := ServerStatus{
			ServerStatus: sc.Status(),
			Command:      sc.Definition().Command,
			Tools:        len(h.catalog.Tools(name)),
		}
		st.DiscoveredAt, _ = h.catalog.DiscoveredAt(name)
		if ls, ok := live[name]; ok {
			st.Liveness = &ls
		}
		out = append(out, st)
	}
	return out
}

// Shutdown stops liveness probing and terminates every server in
// parallel. Errors from individual servers are aggregated. Safe to call
// more than once.
func (h *Host) Shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(func() {
		h.cancel()
		h.watch.Stop()

		var (
			mu   sync.Mutex
			errs *multierror.Error
			wg   sync.WaitGroup
		)
		for _, name := range h.order {
			sc := h.servers[name]
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := sc.Shutdown(ctx); err != nil {
					mu.Lock()
					errs = multierror.Append(errs, err)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		h.shutdownErr = errs.ErrorOrNil()
		if h.shutdownErr != nil {
			h.logger.Warn("tool host shutdown incomplete", "error", h.shutdownErr)
		} else {
			h.logger.Info("tool host stopped", "servers", len(h.order))
		}
	})
	return h.shutdownErr
}
