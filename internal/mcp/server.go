package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/toolhost/internal/buildinfo"
	"github.com/nugget/toolhost/internal/connwatch"
	"github.com/nugget/toolhost/internal/events"
)

// State is the lifecycle state of a [ServerConn].
type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateInitializing
	StateReady
	StateDegraded
	StateTerminated
)

var stateNames = [...]string{
	StateNotStarted:   "not_started",
	StateStarting:     "starting",
	StateInitializing: "initializing",
	StateReady:        "ready",
	StateDegraded:     "degraded",
	StateTerminated:   "terminated",
}

// String returns the snake_case state name used in logs and events.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText renders the state by name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const (
	defaultInitTimeout   = 30 * time.Second
	defaultShutdownGrace = 5 * time.Second

	// stdoutDrainTimeout bounds how long a crashed server's remaining
	// output is read before its pending requests are failed.
	stdoutDrainTimeout = 100 * time.Millisecond
)

// errShutdown is the disconnect cause reported to requests cut off by
// an orderly shutdown.
var errShutdown = errors.New("server shut down")

// ServerConnOptions configures a [ServerConn].
type ServerConnOptions struct {
	Logger *slog.Logger
	Bus    *events.Bus

	// InitTimeout bounds the initialize handshake (default 30s).
	InitTimeout time.Duration

	// ShutdownGrace is how long a server gets to exit after its stdin
	// closes before it is killed (default 5s).
	ShutdownGrace time.Duration

	// Restart is the crash restart policy. MaxRetries of zero disables
	// restarts.
	Restart connwatch.BackoffConfig

	// MaxFrameSize bounds inbound lines. Zero selects DefaultMaxFrameSize.
	MaxFrameSize int

	// Client identifies us in the handshake. Defaults to the build info.
	Client ClientInfo

	// OnReady runs every time the server reaches Ready, including after
	// a restart. It runs on the starting goroutine (Start's caller or
	// the supervisor), outside any lock.
	OnReady func(ctx context.Context, sc *ServerConn)

	// OnToolsChanged runs in its own goroutine when the server sends
	// notifications/tools/list_changed.
	OnToolsChanged func(ctx context.Context, sc *ServerConn)
}

// ServerConn manages one tool server across its whole life: spawn,
// handshake, request routing while Ready, crash detection and bounded
// restart, and shutdown.
type ServerConn struct {
	def    ServerDefinition
	opts   ServerConnOptions
	logger *slog.Logger
	bus    *events.Bus

	// ctx spans the ServerConn's lifetime; Shutdown cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	proc       *Process
	conn       *Conn
	info       *InitializeResult
	lastErr    error
	restarts   int
	readySince time.Time

	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewServerConn returns a ServerConn in NotStarted for def.
func NewServerConn(def ServerDefinition, opts ServerConnOptions) *ServerConn {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = defaultInitTimeout
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = defaultShutdownGrace
	}
	if opts.Client.Name == "" {
		opts.Client = ClientInfo{Name: buildinfo.ClientName, Version: buildinfo.Version}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ServerConn{
		def:    def,
		opts:   opts,
		logger: opts.Logger.With("server", def.Name),
		bus:    opts.Bus,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Name returns the server name.
func (sc *ServerConn) Name() string {
	return sc.def.Name
}

// Definition returns the definition the server was created from.
func (sc *ServerConn) Definition() ServerDefinition {
	return sc.def
}

// State returns the current lifecycle state.
func (sc *ServerConn) State() State {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

// Start spawns the server and performs the initialize handshake. On
// success the server is Ready, OnReady has run, and crash supervision
// is active. On failure the server is Terminated and will never be
// used; the error is a *SpawnError or an *InitializeError.
func (sc *ServerConn) Start(ctx context.Context) error {
	sc.mu.Lock()
	if sc.state != StateNotStarted {
		state := sc.state
		sc.mu.Unlock()
		return fmt.Errorf("server %q already started (state %s)", sc.def.Name, state)
	}
	sc.mu.Unlock()

	if err := sc.launch(ctx); err != nil {
		sc.terminate(err)
		sc.logger.Error("tool server failed to start", "error", err)
		return err
	}

	sc.mu.Lock()
	if sc.state == StateTerminated {
		sc.mu.Unlock()
		return &DisconnectedError{Server: sc.def.Name, Cause: errShutdown}
	}
	sc.wg.Add(1)
	sc.mu.Unlock()

	go sc.supervise()

	sc.onReady(ctx)
	return nil
}

// launch runs one incarnation up to Ready: spawn, connect, handshake.
// On failure everything it created is torn down and the state is left
// at Degraded (or Terminated if a shutdown raced it).
func (sc *ServerConn) launch(ctx context.Context) error {
	if !sc.transition(StateStarting) {
		return &DisconnectedError{Server: sc.def.Name, Cause: errShutdown}
	}

	proc, err := Spawn(sc.def, sc.logger)
	if err != nil {
		sc.transition(StateDegraded)
		return err
	}

	conn := NewConn(sc.def.Name, proc.Stdout, proc.Stdin, ConnOptions{
		Logger:         sc.logger,
		Bus:            sc.bus,
		MaxFrameSize:   sc.opts.MaxFrameSize,
		OnNotification: sc.handleNotification,
	})

	sc.mu.Lock()
	if sc.state == StateTerminated {
		sc.mu.Unlock()
		conn.Close(errShutdown)
		proc.Terminate(sc.opts.ShutdownGrace)
		return &DisconnectedError{Server: sc.def.Name, Cause: errShutdown}
	}
	sc.proc = proc
	sc.conn = conn
	sc.mu.Unlock()

	sc.bus.Emit(events.SourceSupervisor, events.KindProcessStarted, map[string]any{
		"server": sc.def.Name,
		"pid":    proc.PID(),
	})

	if !sc.transition(StateInitializing) {
		return &DisconnectedError{Server: sc.def.Name, Cause: errShutdown}
	}

	initCtx, cancel := context.WithTimeout(ctx, sc.opts.InitTimeout)
	info, err := initialize(initCtx, conn, sc.opts.Client)
	cancel()
	if err != nil {
		err = &InitializeError{Server: sc.def.Name, Err: err}
		sc.transition(StateDegraded)
		conn.Close(err)
		proc.Terminate(sc.opts.ShutdownGrace)
		return err
	}

	sc.mu.Lock()
	if sc.state == StateTerminated {
		sc.mu.Unlock()
		return &DisconnectedError{Server: sc.def.Name, Cause: errShutdown}
	}
	from := sc.state
	sc.state = StateReady
	sc.info = info
	sc.lastErr = nil
	sc.readySince = time.Now()
	sc.mu.Unlock()
	sc.emitState(from, StateReady)

	sc.logger.Info("tool server ready",
		"pid", proc.PID(),
		"server_name", info.ServerInfo.Name,
		"server_version", info.ServerInfo.Version,
		"protocol_version", info.ProtocolVersion,
	)
	return nil
}

// supervise watches the live incarnation and runs the restart policy
// when it dies. It exits on shutdown or when the restart budget is
// spent.
func (sc *ServerConn) supervise() {
	defer sc.wg.Done()

	for {
		sc.mu.Lock()
		proc, conn := sc.proc, sc.conn
		sc.mu.Unlock()

		select {
		case <-sc.ctx.Done():
			return
		case <-proc.Exited():
		case <-conn.Done():
		}

		if !sc.handleCrash(proc, conn) {
			return
		}
		if !sc.restart() {
			return
		}
		sc.onReady(sc.ctx)
	}
}

// handleCrash moves a dead incarnation to Degraded and releases it. It
// returns false if a shutdown got there first.
func (sc *ServerConn) handleCrash(proc *Process, conn *Conn) bool {
	sc.mu.Lock()
	if sc.state == StateTerminated {
		sc.mu.Unlock()
		return false
	}
	from := sc.state
	sc.state = StateDegraded
	sc.mu.Unlock()
	sc.emitState(from, StateDegraded)

	var cause error
	select {
	case <-proc.Exited():
		cause = fmt.Errorf("process exited: %s", proc.Exit().Description)
		// Responses written just before the exit may still be in the
		// pipe. A grandchild holding stdout open must not delay the
		// pending requests for long.
		select {
		case <-conn.Done():
		case <-time.After(stdoutDrainTimeout):
		}
	default:
		cause = conn.Err()
		if cause == nil {
			cause = errors.New("connection closed")
		}
		proc.Kill()
		<-proc.Exited()
	}

	conn.Close(cause)
	<-proc.Done()
	proc.Close()

	exit := proc.Exit()
	sc.mu.Lock()
	sc.lastErr = cause
	sc.mu.Unlock()

	sc.logger.Warn("tool server died",
		"pid", proc.PID(),
		"exit_code", exit.Code,
		"exit", exit.Description,
		"cause", cause,
	)
	sc.bus.Emit(events.SourceSupervisor, events.KindProcessExited, map[string]any{
		"server":      sc.def.Name,
		"pid":         proc.PID(),
		"exit_code":   exit.Code,
		"description": exit.Description,
		"stderr":      proc.StderrTail(),
	})
	return true
}

// restart runs the restart policy. It returns true once a new
// incarnation is Ready.
func (sc *ServerConn) restart() bool {
	err := connwatch.Retry(sc.ctx, sc.opts.Restart, sc.logger, sc.def.Name,
		func(ctx context.Context, attempt int) error {
			sc.mu.Lock()
			sc.restarts++
			sc.mu.Unlock()

			sc.bus.Emit(events.SourceSupervisor, events.KindRestart, map[string]any{
				"server":      sc.def.Name,
				"attempt":     attempt,
				"max_retries": sc.opts.Restart.MaxRetries,
			})
			return sc.launch(ctx)
		})
	if err == nil {
		return true
	}

	if sc.ctx.Err() == nil {
		sc.logger.Error("tool server restart budget exhausted, giving up", "error", err)
	}
	sc.terminate(err)
	return false
}

// terminate moves the server to Terminated and records why.
func (sc *ServerConn) terminate(cause error) {
	sc.mu.Lock()
	from := sc.state
	if from == StateTerminated {
		sc.mu.Unlock()
		return
	}
	sc.state = StateTerminated
	sc.lastErr = cause
	sc.mu.Unlock()
	sc.emitState(from, StateTerminated)
}

// transition sets the state unless the server has been terminated. It
// reports whether the transition happened.
func (sc *ServerConn) transition(to State) bool {
	sc.mu.Lock()
	from := sc.state
	if from == StateTerminated {
		sc.mu.Unlock()
		return false
	}
	sc.state = to
	sc.mu.Unlock()

	if from != to {
		sc.emitState(from, to)
	}
	return true
}

func (sc *ServerConn) emitState(from, to State) {
	sc.logger.Debug("server state change", "from", from.String(), "to", to.String())
	sc.bus.Emit(events.SourceSupervisor, events.KindStateChange, map[string]any{
		"server": sc.def.Name,
		"from":   from.String(),
		"to":     to.String(),
	})
}

func (sc *ServerConn) onReady(ctx context.Context) {
	if sc.opts.OnReady != nil {
		sc.opts.OnReady(ctx, sc)
	}
}

// readyConn returns the live connection, or an error matching
// ErrServerDisconnected if the server is not Ready.
func (sc *ServerConn) readyConn() (*Conn, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.state != StateReady || sc.conn == nil {
		return nil, &DisconnectedError{Server: sc.def.Name, Cause: fmt.Errorf("server is %s", sc.state)}
	}
	return sc.conn, nil
}

// Submit sends a request to the server. When the server is not Ready
// the returned Call has already failed with ErrServerDisconnected.
func (sc *ServerConn) Submit(method string, params any) *Call {
	conn, err := sc.readyConn()
	if err != nil {
		return failedCall(method, err)
	}
	return conn.Submit(method, params)
}

// SubmitTool sends a tools/call request for tool with the given
// arguments. Nil arguments are sent as an empty object.
func (sc *ServerConn) SubmitTool(tool string, arguments any) *Call {
	if arguments == nil {
		arguments = map[string]any{}
	}
	return sc.Submit(MethodToolsCall, map[string]any{
		"name":      tool,
		"arguments": arguments,
	})
}

// CallTool invokes tool and waits for the outcome or for ctx to end.
func (sc *ServerConn) CallTool(ctx context.Context, tool string, arguments any) (*ToolResult, error) {
	resp, err := sc.SubmitTool(tool, arguments).Wait(ctx)
	if err != nil {
		return nil, err
	}
	return DecodeToolResult(sc.def.Name, tool, resp)
}

// ListTools fetches the server's complete tool listing.
func (sc *ServerConn) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	conn, err := sc.readyConn()
	if err != nil {
		return nil, err
	}
	return listTools(ctx, conn)
}

// Ping checks that the server is answering. A JSON-RPC error reply
// still proves the server is alive and counts as success.
func (sc *ServerConn) Ping(ctx context.Context) error {
	conn, err := sc.readyConn()
	if err != nil {
		return err
	}
	_, err = conn.Call(ctx, MethodPing, nil)
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return nil
	}
	return err
}

// Recycle kills the current process so the crash path and restart
// policy take over. It does nothing unless the server is Ready.
func (sc *ServerConn) Recycle(reason string) {
	sc.mu.Lock()
	proc, state := sc.proc, sc.state
	sc.mu.Unlock()

	if state != StateReady || proc == nil {
		return
	}
	sc.logger.Warn("recycling tool server", "reason", reason, "pid", proc.PID())
	proc.Kill()
}

// Shutdown terminates the server: pending requests fail with
// ErrServerDisconnected, the process gets ShutdownGrace to exit before
// it is killed, and the supervisor goroutine is joined. Safe to call
// more than once; later calls return nil immediately.
func (sc *ServerConn) Shutdown(ctx context.Context) error {
	var err error
	sc.shutdownOnce.Do(func() {
		sc.cancel()

		sc.mu.Lock()
		from := sc.state
		sc.state = StateTerminated
		proc, conn := sc.proc, sc.conn
		sc.mu.Unlock()

		if from != StateTerminated {
			sc.emitState(from, StateTerminated)
		}
		if conn != nil {
			conn.Close(errShutdown)
		}

		done := make(chan struct{})
		go func() {
			if proc != nil {
				proc.Terminate(sc.opts.ShutdownGrace)
			}
			sc.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			sc.logger.Info("tool server stopped")
		case <-ctx.Done():
			err = fmt.Errorf("shutdown %q: %w", sc.def.Name, ctx.Err())
		}
	})
	return err
}

// ServerStatus is a point-in-time view of a ServerConn.
type ServerStatus struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	PID             int       `json:"pid,omitempty"`
	ServerName      string    `json:"server_name,omitempty"`
	ServerVersion   string    `json:"server_version,omitempty"`
	ProtocolVersion string    `json:"protocol_version,omitempty"`
	ReadySince      time.Time `json:"ready_since,omitzero"`
	Restarts        int       `json:"restarts"`
	Pending         int       `json:"pending"`
	LastError       string    `json:"last_error,omitempty"`
}

// Status returns a snapshot of the server's state.
func (sc *ServerConn) Status() ServerStatus {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	st := ServerStatus{
		Name:     sc.def.Name,
		State:    sc.state,
		Restarts: sc.restarts,
	}
	if sc.state == StateReady {
		if sc.proc != nil {
			st.PID = sc.proc.PID()
		}
		if sc.conn != nil {
			st.Pending = sc.conn.Pending()
		}
		st.ReadySince = sc.readySince
	}
	if sc.info != nil {
		st.ServerName = sc.info.ServerInfo.Name
		st.ServerVersion = sc.info.ServerInfo.Version
		st.ProtocolVersion = sc.info.ProtocolVersion
	}
	if sc.lastErr != nil {
		st.LastError = sc.lastErr.Error()
	}
	return st
}

// logMessage is the params payload of notifications/message.
type logMessage struct {
	Level  string          `json:"level"`
	Logger string          `json:"logger,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// handleNotification runs on the reader goroutine and must not block.
func (sc *ServerConn) handleNotification(n *Notification) {
	switch n.Method {
	case MethodToolsListChanged:
		sc.logger.Info("server reported tool list change")
		if sc.opts.OnToolsChanged != nil {
			go sc.opts.OnToolsChanged(sc.ctx, sc)
		}
	case MethodLogMessage:
		var msg logMessage
		if err := json.Unmarshal(n.Params, &msg); err != nil {
			sc.logger.Debug("unparsable server log message", "error", err)
			return
		}
		sc.logger.Log(context.Background(), serverLogLevel(msg.Level), "tool server log",
			"logger", msg.Logger,
			"data", string(msg.Data),
		)
	default:
		sc.logger.Debug("server notification", "method", n.Method)
		sc.bus.Emit(events.SourceConnection, events.KindNotification, map[string]any{
			"server": sc.def.Name,
			"method": n.Method,
		})
	}
}

// serverLogLevel maps MCP (syslog-style) levels onto slog levels.
func serverLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info", "notice":
		return slog.LevelInfo
	case "warning":
		return slog.LevelWarn
	case "error", "critical", "alert", "emergency":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
