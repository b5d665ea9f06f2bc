// Package invoke routes tool invocations to the server that provides
// the tool.
//
// A Router resolves the tool name against the catalog, validates the
// arguments against the tool's input schema, submits tools/call to the
// owning server and waits for the outcome under a timeout. Resolution
// and validation failures are returned without touching the wire. Any
// number of invocations may be in flight at once, including several on
// the same server.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/toolhost/internal/catalog"
	"github.com/nugget/toolhost/internal/events"
	"github.com/nugget/toolhost/internal/mcp"
)

// DefaultCallTimeout bounds an invocation that names no timeout of its
// own.
const DefaultCallTimeout = 60 * time.Second

// Server submits tools/call requests. *mcp.ServerConn implements it.
type Server interface {
	SubmitTool(tool string, arguments any) *mcp.Call
}

// Registry finds the live connection for a server name.
type Registry interface {
	Server(name string) (Server, bool)
}

// Invocation is one request to run a tool.
type Invocation struct {
	// ID identifies the invocation in logs and events. A UUIDv7 is
	// assigned when empty.
	ID string

	// Tool is the unqualified tool name.
	Tool string

	// Arguments must marshal to a JSON object. Nil means none.
	Arguments any

	// Server, when set, restricts resolution to that server.
	Server string

	// Timeout overrides the router's call timeout when positive.
	Timeout time.Duration
}

// Config configures a Router.
type Config struct {
	Catalog  *catalog.Catalog
	Registry Registry
	Logger   *slog.Logger
	Bus      *events.Bus
	Metrics  *Metrics

	// CallTimeout applies to invocations without their own timeout.
	// Zero means DefaultCallTimeout.
	CallTimeout time.Duration
}

// Router dispatches invocations. It is safe for concurrent use.
type Router struct {
	catalog  *catalog.Catalog
	registry Registry
	logger   *slog.Logger
	bus      *events.Bus
	metrics  *Metrics
	timeout  time.Duration
}

// NewRouter creates a router from cfg.
func NewRouter(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Router{
		catalog:  cfg.Catalog,
		registry: cfg.Registry,
		logger:   logger,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		timeout:  timeout,
	}
}

// Resolve finds the descriptor an invocation of tool would use.
func (r *Router) Resolve(tool, server string) (*catalog.Descriptor, error) {
	if server != "" {
		d, ok := r.catalog.Lookup(server, tool)
		if !ok {
			return nil, &UnknownToolError{Tool: tool, Server: server}
		}
		return d, nil
	}

	found := r.catalog.Find(tool)
	switch len(found) {
	case 0:
		return nil, &UnknownToolError{Tool: tool}
	case 1:
		return found[0], nil
	}
	servers := make([]string, len(found))
	for i, d := range found {
		servers[i] = d.Server
	}
	return nil, &AmbiguousToolError{Tool: tool, Servers: servers}
}

// Invoke runs one tool invocation and waits for its outcome, the
// timeout, or ctx to end. When ctx ends first the request is abandoned
// and ctx.Err() is returned.
func (r *Router) Invoke(ctx context.Context, inv Invocation) (*mcp.ToolResult, error) {
	if inv.ID == "" {
		inv.ID = newInvocationID()
	}
	log := r.logger.With("invocation_id", inv.ID, "tool", inv.Tool)

	desc, err := r.Resolve(inv.Tool, inv.Server)
	if err != nil {
		// Names that did not resolve come from the caller and must not
		// become label values. An ambiguous name is in the catalog.
		var tool string
		var ambiguous *AmbiguousToolError
		if errors.As(err, &ambiguous) {
			tool = inv.Tool
		}
		r.metrics.rejected("", tool, classify(err))
		log.Debug("tool resolution failed", "error", err)
		return nil, err
	}
	server := desc.Server
	log = log.With("server", server)

	if err := desc.Validate(inv.Arguments); err != nil {
		r.metrics.rejected(server, inv.Tool, OutcomeInvalidArguments)
		log.Debug("tool arguments rejected", "error", err)
		return nil, &InvalidArgumentsError{Server: server, Tool: inv.Tool, Err: err}
	}

	srv, ok := r.registry.Server(server)
	if !ok {
		err := &mcp.DisconnectedError{Server: server, Cause: errors.New("server is not running")}
		r.metrics.rejected(server, inv.Tool, OutcomeDisconnected)
		return nil, err
	}

	timeout := r.timeout
	if inv.Timeout > 0 {
		timeout = inv.Timeout
	}

	start := time.Now()
	r.metrics.begin(server)
	r.bus.Emit(events.SourceRouter, events.KindToolCall, map[string]any{
		"invocation_id": inv.ID,
		"server":        server,
		"tool":          inv.Tool,
	})
	log.Debug("tool call submitted", "timeout", timeout)

	result, err := r.await(ctx, srv.SubmitTool(inv.Tool, inv.Arguments), server, inv.Tool, timeout)

	elapsed := time.Since(start)
	outcome := classify(err)
	r.metrics.end(server, inv.Tool, outcome, elapsed)
	r.bus.Emit(events.SourceRouter, events.KindToolDone, map[string]any{
		"invocation_id": inv.ID,
		"server":        server,
		"tool":          inv.Tool,
		"ok":            err == nil,
		"outcome":       outcome,
		"duration_ms":   elapsed.Milliseconds(),
	})

	if err != nil {
		log.Info("tool call failed",
			"outcome", outcome,
			"elapsed", elapsed.Round(time.Millisecond).String(),
			"error", err,
		)
		return nil, err
	}
	log.Info("tool call completed", "elapsed", elapsed.Round(time.Millisecond).String())
	return result, nil
}

// await waits for call under timeout and decodes the response.
func (r *Router) await(ctx context.Context, call *mcp.Call, server, tool string, timeout time.Duration) (*mcp.ToolResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-call.Done():
	case <-timer.C:
		if call.Abandon(ErrTimeout) {
			return nil, &timeoutError{server: server, tool: tool, after: timeout}
		}
	case <-ctx.Done():
		if call.Abandon(ctx.Err()) {
			return nil, ctx.Err()
		}
	}

	// Fulfilled, possibly by a response that won the race against the
	// timer or ctx.
	resp, err := call.Result()
	if err != nil {
		return nil, err
	}
	return mcp.DecodeToolResult(server, tool, resp)
}

// timeoutError matches ErrTimeout and names the call that expired.
type timeoutError struct {
	server string
	tool   string
	after  time.Duration
}

func (e *timeoutError) Error() string {
	return fmt.Sprintf("tool %s on %q timed out after %s", e.tool, e.server, e.after)
}

func (e *timeoutError) Is(target error) bool { return target == ErrTimeout }

// classify maps an invocation error to its metrics outcome label.
func classify(err error) string {
	var (
		unknown   *UnknownToolError
		ambiguous *AmbiguousToolError
		invalid   *InvalidArgumentsError
		toolErr   *mcp.ToolError
	)
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	case errors.Is(err, mcp.ErrServerDisconnected):
		return OutcomeDisconnected
	case errors.As(err, &unknown):
		return OutcomeUnknownTool
	case errors.As(err, &ambiguous):
		return OutcomeAmbiguousTool
	case errors.As(err, &invalid):
		return OutcomeInvalidArguments
	case errors.As(err, &toolErr):
		return OutcomeToolError
	default:
		return OutcomeError
	}
}

func newInvocationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
