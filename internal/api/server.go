// Package api implements the toolhost admin HTTP API.
//
// Routes:
//
//	GET  /health          liveness of the API itself
//	GET  /v1/version      build and runtime info
//	GET  /v1/servers      per-server state, restarts and liveness
//	GET  /v1/tools        the tool catalog
//	POST /v1/tools/call   run a tool
//	GET  /v1/events       websocket stream of operational events
//	GET  /metrics         Prometheus metrics
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/toolhost/internal/buildinfo"
	"github.com/nugget/toolhost/internal/catalog"
	"github.com/nugget/toolhost/internal/events"
	"github.com/nugget/toolhost/internal/host"
	"github.com/nugget/toolhost/internal/invoke"
	"github.com/nugget/toolhost/internal/mcp"
)

// Host is the subset of *host.Host the API serves.
type Host interface {
	Invoke(ctx context.Context, inv invoke.Invocation) (*mcp.ToolResult, error)
	Tools() []*catalog.Descriptor
	Status() []host.ServerStatus
	Bus() *events.Bus
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the admin HTTP API server.
type Server struct {
	address  string
	port     int
	host     Host
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates an API server for h. Metrics are served from
// gatherer; nil selects the default registry.
func NewServer(address string, port int, h Host, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		host:     h,
		gatherer: gatherer,
		logger:   logger,
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("GET /v1/servers", s.handleServers)
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("POST /v1/tools/call", s.handleToolCall)

	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // tool calls and the event stream are long-lived
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting admin API server", "address", addr, "port", s.port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"servers": s.host.Status()}, s.logger)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	tools := s.host.Tools()
	if server := r.URL.Query().Get("server"); server != "" {
		filtered := tools[:0:0]
		for _, d := range tools {
			if d.Server == server {
				filtered = append(filtered, d)
			}
		}
		tools = filtered
	}
	if tools == nil {
		tools = []*catalog.Descriptor{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tools": tools}, s.logger)
}

// ToolCallRequest is the body of POST /v1/tools/call.
type ToolCallRequest struct {
	Tool      string          `json:"tool"`
	Server    string          `json:"server,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	TimeoutMS int64           `json:"timeout_ms,omitempty"`
}

// ToolCallResponse is a successful tool call.
type ToolCallResponse struct {
	InvocationID string             `json:"invocation_id"`
	Server       string             `json:"server"`
	Tool         string             `json:"tool"`
	Text         string             `json:"text"`
	Content      []mcp.ContentBlock `json:"content,omitempty"`
	Result       json.RawMessage    `json:"result,omitempty"`
	DurationMS   int64              `json:"duration_ms"`
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	var req ToolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Tool == "" {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request", "tool is required")
		return
	}

	inv := invoke.Invocation{
		ID:      newRequestID(),
		Tool:    req.Tool,
		Server:  req.Server,
		Timeout: time.Duration(req.TimeoutMS) * time.Millisecond,
	}
	if len(req.Arguments) > 0 {
		inv.Arguments = req.Arguments
	}

	start := time.Now()
	res, err := s.host.Invoke(r.Context(), inv)
	if err != nil {
		s.invokeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ToolCallResponse{
		InvocationID: inv.ID,
		Server:       res.Server,
		Tool:         res.Tool,
		Text:         res.Text(),
		Content:      res.Content,
		Result:       res.Raw,
		DurationMS:   time.Since(start).Milliseconds(),
	}, s.logger)
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// invokeError maps an invocation failure onto an HTTP status and a
// typed error body.
func (s *Server) invokeError(w http.ResponseWriter, err error) {
	var (
		unknown   *invoke.UnknownToolError
		ambiguous *invoke.AmbiguousToolError
		invalid   *invoke.InvalidArgumentsError
		toolErr   *mcp.ToolError
	)
	switch {
	case errors.As(err, &unknown):
		s.errorResponse(w, http.StatusNotFound, "unknown_tool", err.Error())
	case errors.As(err, &ambiguous):
		s.errorBody(w, http.StatusConflict, map[string]any{
			"message": err.Error(),
			"type":    "ambiguous_tool",
			"code":    http.StatusConflict,
			"servers": ambiguous.Servers,
		})
	case errors.As(err, &invalid):
		s.errorResponse(w, http.StatusBadRequest, "invalid_arguments", err.Error())
	case errors.As(err, &toolErr):
		body := map[string]any{
			"message":  toolErr.Message,
			"type":     "tool_error",
			"code":     http.StatusBadGateway,
			"server":   toolErr.Server,
			"tool":     toolErr.Tool,
			"rpc_code": toolErr.Code,
		}
		if len(toolErr.Data) > 0 {
			body["data"] = json.RawMessage(toolErr.Data)
		}
		s.errorBody(w, http.StatusBadGateway, body)
	case errors.Is(err, invoke.ErrTimeout):
		s.errorResponse(w, http.StatusGatewayTimeout, "timeout", err.Error())
	case errors.Is(err, mcp.ErrServerDisconnected):
		s.errorResponse(w, http.StatusServiceUnavailable, "server_disconnected", err.Error())
	default:
		s.logger.Warn("tool call failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, kind, message string) {
	s.errorBody(w, code, map[string]any{
		"message": message,
		"type":    kind,
		"code":    code,
	})
}

func (s *Server) errorBody(w http.ResponseWriter, code int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{"error": body}, s.logger)
}
