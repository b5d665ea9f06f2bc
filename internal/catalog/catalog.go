// Package catalog keeps the tool listings of all connected servers.
//
// Each server's listing is fetched with tools/list and stored as an
// immutable snapshot. Rediscovery builds a complete new snapshot and
// swaps it in under the write lock, so readers see either the old
// listing or the new one and never a mix. A failed rediscovery keeps
// the previous listing.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/toolhost/internal/events"
	"github.com/nugget/toolhost/internal/mcp"
)

// Source lists the tools of one server. *mcp.ServerConn implements it.
type Source interface {
	ListTools(ctx context.Context) ([]mcp.ToolDefinition, error)
}

// DiscoveryError reports a failed tools/list. The server's previous
// listing, if any, is still in the catalog.
type DiscoveryError struct {
	Server string
	Err    error
}

// Error implements the error interface.
func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover tools of %q: %v", e.Server, e.Err)
}

// Unwrap returns the underlying failure.
func (e *DiscoveryError) Unwrap() error { return e.Err }

// Options configures a Catalog.
type Options struct {
	Logger *slog.Logger
	Bus    *events.Bus

	// Store, when set, receives every successful discovery and backs
	// Warm.
	Store *Store
}

// snapshot is an immutable view of every listing. It is never
// modified after it is published.
type snapshot struct {
	byServer   map[string][]*Descriptor
	byName     map[string][]*Descriptor
	discovered map[string]time.Time
}

func (s *snapshot) with(server string, tools []*Descriptor, at time.Time) *snapshot {
	next := &snapshot{
		byServer:   make(map[string][]*Descriptor, len(s.byServer)+1),
		byName:     make(map[string][]*Descriptor),
		discovered: make(map[string]time.Time, len(s.discovered)+1),
	}
	for name, ds := range s.byServer {
		if name != server {
			next.byServer[name] = ds
			next.discovered[name] = s.discovered[name]
		}
	}
	if tools != nil {
		next.byServer[server] = tools
		next.discovered[server] = at
	}
	for _, ds := range next.byServer {
		for _, d := range ds {
			next.byName[d.Name] = append(next.byName[d.Name], d)
		}
	}
	for _, ds := range next.byName {
		sort.Slice(ds, func(i, j int) bool { return ds[i].Server < ds[j].Server })
	}
	return next
}

// Catalog holds the current tool listings. It is safe for concurrent
// use.
type Catalog struct {
	logger *slog.Logger
	bus    *events.Bus
	store  *Store

	mu   sync.RWMutex
	snap *snapshot
}

// New returns an empty catalog.
func New(opts Options) *Catalog {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		logger: logger,
		bus:    opts.Bus,
		store:  opts.Store,
		snap: &snapshot{
			byServer:   map[string][]*Descriptor{},
			byName:     map[string][]*Descriptor{},
			discovered: map[string]time.Time{},
		},
	}
}

// Discover fetches server's tool listing from src and replaces the
// catalog entry for it. On failure the previous entry is retained and
// a *DiscoveryError is returned.
func (c *Catalog) Discover(ctx context.Context, server string, src Source) ([]*Descriptor, error) {
	start := time.Now()
	defs, err := src.ListTools(ctx)
	if err != nil {
		derr := &DiscoveryError{Server: server, Err: err}
		c.logger.Warn("tool discovery failed, keeping previous listing",
			"server", server,
			"error", err,
		)
		c.bus.Emit(events.SourceCatalog, events.KindDiscoveryFailed, map[string]any{
			"server": server,
			"error":  err.Error(),
		})
		return nil, derr
	}

	tools := c.Replace(server, defs)

	c.logger.Info("tools discovered",
		"server", server,
		"tools", len(tools),
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
	)
	c.bus.Emit(events.SourceCatalog, events.KindDiscovery, map[string]any{
		"server": server,
		"tools":  len(tools),
	})

	if c.store != nil {
		if err := c.store.Save(server, defs, time.Now()); err != nil {
			c.logger.Warn("failed to persist tool listing", "server", server, "error", err)
		}
	}
	return tools, nil
}

// Replace installs defs as server's complete listing. Tools with an
// empty name are dropped, as are repeated names (the first wins).
func (c *Catalog) Replace(server string, defs []mcp.ToolDefinition) []*Descriptor {
	return c.install(server, defs, false)
}

func (c *Catalog) install(server string, defs []mcp.ToolDefinition, cached bool) []*Descriptor {
	tools := make([]*Descriptor, 0, len(defs))
	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			c.logger.Warn("dropping tool without a name", "server", server)
			continue
		}
		if seen[def.Name] {
			c.logger.Warn("dropping duplicate tool", "server", server, "tool", def.Name)
			continue
		}
		seen[def.Name] = true
		tools = append(tools, &Descriptor{
			Server:      server,
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
			Cached:      cached,
		})
	}

	for _, d := range tools {
		if err := d.SchemaError(); err != nil {
			c.logger.Warn("tool input schema unusable, arguments will not be validated",
				"server", server,
				"tool", d.Name,
				"error", err,
			)
		}
	}

	c.mu.Lock()
	c.snap = c.snap.with(server, tools, time.Now())
	c.mu.Unlock()
	return tools
}

// Remove drops server's listing.
func (c *Catalog) Remove(server string) {
	c.mu.Lock()
	c.snap = c.snap.with(server, nil, time.Time{})
	c.mu.Unlock()
}

// Forget drops server's listing from the catalog and from the store.
// It is used for servers that are no longer configured.
func (c *Catalog) Forget(server string) error {
	c.Remove(server)
	if c.store == nil {
		return nil
	}
	return c.store.Delete(server)
}

// Warm preloads the last persisted listings of the configured servers.
// Servers whose live discovery has already completed are left alone.
// Stored listings of servers not in configured are forgotten so they
// can never satisfy a lookup.
func (c *Catalog) Warm(configured []string) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	snaps, err := c.store.Load()
	if err != nil {
		return 0, err
	}

	keep := make(map[string]bool, len(configured))
	for _, name := range configured {
		keep[name] = true
	}

	var n int
	for _, s := range snaps {
		if !keep[s.Server] {
			if err := c.Forget(s.Server); err != nil {
				c.logger.Warn("failed to forget cached listing of retired server",
					"server", s.Server,
					"error", err,
				)
				continue
			}
			c.logger.Info("forgot cached listing of retired server",
				"server", s.Server,
				"tools", len(s.Tools),
			)
			continue
		}

		c.mu.RLock()
		_, known := c.snap.byServer[s.Server]
		c.mu.RUnlock()
		if known {
			continue
		}
		c.install(s.Server, s.Tools, true)
		n++
		c.logger.Debug("preloaded cached tool listing",
			"server", s.Server,
			"tools", len(s.Tools),
			"discovered_at", s.DiscoveredAt,
		)
	}
	return n, nil
}

// Lookup returns the named tool of the named server.
func (c *Catalog) Lookup(server, tool string) (*Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, d := range c.snap.byServer[server] {
		if d.Name == tool {
			return d, true
		}
	}
	return nil, false
}

// Find returns every server's descriptor for tool, ordered by server
// name. Tool names are only unique per server.
func (c *Catalog) Find(tool string) []*Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Descriptor(nil), c.snap.byName[tool]...)
}

// Tools returns server's listing in advertised order.
func (c *Catalog) Tools(server string) []*Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Descriptor(nil), c.snap.byServer[server]...)
}

// All returns every descriptor ordered by server, then advertised order.
func (c *Catalog) All() []*Descriptor {
	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()

	servers := sortedKeys(snap.byServer)
	var out []*Descriptor
	for _, s := range servers {
		out = append(out, snap.byServer[s]...)
	}
	return out
}

// Servers returns the names of servers with a listing, sorted.
func (c *Catalog) Servers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.snap.byServer)
}

// DiscoveredAt returns when server's listing was installed.
func (c *Catalog) DiscoveredAt(server string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	at, ok := c.snap.discovered[server]
	return at, ok
}

func sortedKeys(m map[string][]*Descriptor) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
