package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/toolhost/internal/events"
)

// levelTrace matches config.LevelTrace; full wire frames are logged at
// this level.
const levelTrace = slog.Level(-8)

// maxAbandoned bounds how many abandoned ids a Conn remembers so that
// their late responses can be discarded quietly.
const maxAbandoned = 1024

// ConnOptions configures a [Conn].
type ConnOptions struct {
	// Logger is the structured logger for connection diagnostics.
	Logger *slog.Logger

	// Bus receives protocol_error and notification events. May be nil.
	Bus *events.Bus

	// MaxFrameSize bounds a single inbound line. Zero selects
	// DefaultMaxFrameSize.
	MaxFrameSize int

	// OnNotification is called from the reader goroutine for every
	// server notification. It must not block. Optional.
	OnNotification func(*Notification)
}

// Call is the completion handle for one outstanding request. It is
// fulfilled exactly once, either with the server's response or with a
// failure.
type Call struct {
	ID          int64
	Method      string
	SubmittedAt time.Time

	conn *Conn
	done chan struct{}
	resp *Response
	err  error
}

func newCall(c *Conn, id int64, method string) *Call {
	return &Call{
		ID:          id,
		Method:      method,
		SubmittedAt: time.Now(),
		conn:        c,
		done:        make(chan struct{}),
	}
}

// failedCall returns a Call that is already fulfilled with err.
func failedCall(method string, err error) *Call {
	call := &Call{Method: method, SubmittedAt: time.Now(), done: make(chan struct{})}
	call.fulfill(nil, err)
	return call
}

// fulfill completes the call. Only the party that removed the call from
// the correlation table (or created it detached) may call this.
func (c *Call) fulfill(resp *Response, err error) {
	c.resp = resp
	c.err = err
	close(c.done)
}

// Done is closed when the call has been fulfilled.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result blocks until the call is fulfilled and returns the response or
// the failure. A JSON-RPC error response is returned as a response with
// Error set, not as a Go error.
func (c *Call) Result() (*Response, error) {
	<-c.done
	return c.resp, c.err
}

// Wait blocks until the call is fulfilled or ctx ends. When ctx ends
// first the call is abandoned and ctx.Err() is returned.
func (c *Call) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-c.done:
		return c.resp, c.err
	case <-ctx.Done():
		if c.Abandon(ctx.Err()) {
			return nil, ctx.Err()
		}
		// The response won the race.
		return c.Result()
	}
}

// Abandon removes the call from its connection's correlation table and
// fulfills it locally with err. It returns false if the call had
// already been fulfilled. The server may still execute the request; a
// late response is discarded.
func (c *Call) Abandon(err error) bool {
	if c.conn == nil || !c.conn.abandon(c.ID) {
		return false
	}
	c.fulfill(nil, err)
	return true
}

// Conn is a JSON-RPC session over a byte stream pair. Any number of
// requests may be outstanding at once; a single reader goroutine
// demultiplexes responses by id.
//
// The correlation table is the only state shared between submitters
// and the reader, and it is guarded by mu alone.
type Conn struct {
	name   string
	r      io.ReadCloser
	w      io.WriteCloser
	enc    *Encoder
	dec    *Decoder
	logger *slog.Logger
	bus    *events.Bus
	notify func(*Notification)

	nextID atomic.Int64

	mu             sync.Mutex
	pending        map[int64]*Call
	abandoned      map[int64]struct{}
	abandonedOrder []int64
	closed         bool
	closeErr       error

	done       chan struct{}
	readerDone chan struct{}
}

// NewConn starts a connection reading frames from r and writing frames
// to w. The Conn owns both streams and closes them on Close.
func NewConn(name string, r io.ReadCloser, w io.WriteCloser, opts ConnOptions) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		name:       name,
		r:          r,
		w:          w,
		enc:        NewEncoder(w),
		dec:        NewDecoder(r, opts.MaxFrameSize),
		logger:     logger,
		bus:        opts.Bus,
		notify:     opts.OnNotification,
		pending:    make(map[int64]*Call),
		abandoned:  make(map[int64]struct{}),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Name returns the server name this connection talks to.
func (c *Conn) Name() string {
	return c.name
}

// Done is closed when the connection has been torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the teardown cause, or nil while the connection is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Pending returns the number of outstanding requests.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Submit sends a request and returns its completion handle without
// waiting for the response. If the connection is closed the handle is
// returned already failed with ErrServerDisconnected.
func (c *Conn) Submit(method string, params any) *Call {
	id := c.nextID.Add(1)

	data, err := json.Marshal(NewRequest(id, method, params))
	if err != nil {
		return failedCall(method, fmt.Errorf("marshal %s request: %w", method, err))
	}

	call := newCall(c, id, method)

	c.mu.Lock()
	if c.closed {
		cause := c.closeErr
		c.mu.Unlock()
		call.fulfill(nil, &DisconnectedError{Server: c.name, Cause: cause})
		return call
	}
	c.pending[id] = call
	c.mu.Unlock()

	c.logger.Log(context.Background(), levelTrace, "jsonrpc send", "frame", string(data))

	if err := c.enc.WriteFrame(data); err != nil {
		// A broken stdin is unrecoverable; this call fails together
		// with everything else in flight.
		c.Close(fmt.Errorf("write %s request: %w", method, err))
	}
	return call
}

// response returns the fulfilled response, converting a JSON-RPC error
// response into *RPCError.
func (c *Call) response() (*Response, error) {
	resp, err := c.Result()
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp, nil
}

// Call sends a request and waits for the response or for ctx to end.
// A JSON-RPC error response is returned as *RPCError.
func (c *Conn) Call(ctx context.Context, method string, params any) (*Response, error) {
	call := c.Submit(method, params)
	if _, err := call.Wait(ctx); err != nil {
		return nil, err
	}
	return call.response()
}

// Notify sends a notification. No response is expected.
func (c *Conn) Notify(method string, params any) error {
	c.mu.Lock()
	if c.closed {
		cause := c.closeErr
		c.mu.Unlock()
		return &DisconnectedError{Server: c.name, Cause: cause}
	}
	c.mu.Unlock()

	if err := c.enc.Encode(NewNotification(method, params)); err != nil {
		err = fmt.Errorf("write %s notification: %w", method, err)
		c.Close(err)
		return &DisconnectedError{Server: c.name, Cause: err}
	}
	return nil
}

// Close tears the connection down: every outstanding request is
// fulfilled with ErrServerDisconnected (wrapping cause) and both
// streams are closed. Safe to call more than once.
func (c *Conn) Close(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if cause == nil {
		cause = errors.New("connection closed")
	}
	c.closeErr = cause
	pending := c.pending
	c.pending = make(map[int64]*Call)
	c.mu.Unlock()

	if len(pending) > 0 {
		c.logger.Info("failing in-flight requests", "count", len(pending), "cause", cause)
	}
	disconnected := &DisconnectedError{Server: c.name, Cause: cause}
	for _, call := range pending {
		call.fulfill(nil, disconnected)
	}

	c.w.Close()
	c.r.Close()
	close(c.done)
}

// abandon drops id from the correlation table. It reports whether the
// id was still outstanding.
func (c *Conn) abandon(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)

	c.abandoned[id] = struct{}{}
	c.abandonedOrder = append(c.abandonedOrder, id)
	if len(c.abandonedOrder) > maxAbandoned {
		delete(c.abandoned, c.abandonedOrder[0])
		c.abandonedOrder = c.abandonedOrder[1:]
	}
	return true
}

// readLoop is the only reader of the inbound stream.
func (c *Conn) readLoop() {
	defer close(c.readerDone)

	for {
		line, err := c.dec.Next()
		if err != nil {
			var fe *FrameError
			if errors.As(err, &fe) {
				c.protocolError(&ProtocolError{Reason: fe.Error()})
				continue
			}
			if errors.Is(err, io.EOF) {
				c.Close(io.EOF)
			} else {
				c.Close(fmt.Errorf("read: %w", err))
			}
			return
		}

		c.logger.Log(context.Background(), levelTrace, "jsonrpc recv", "frame", string(line))

		msg, err := classify(line)
		if err != nil {
			var pe *ProtocolError
			if errors.As(err, &pe) {
				c.protocolError(pe)
			}
			continue
		}

		switch msg.kind {
		case kindResponse:
			c.deliver(msg.response)
		case kindNotification:
			c.handleNotification(&Notification{JSONRPC: jsonrpcVersion, Method: msg.method, Params: msg.params})
		case kindRequest:
			c.answerServerRequest(msg)
		}
	}
}

// deliver routes a response to the call waiting on its id.
func (c *Conn) deliver(resp *Response) {
	c.mu.Lock()
	call, ok := c.pending[resp.ID]
	wasAbandoned := false
	if ok {
		delete(c.pending, resp.ID)
	} else if _, wasAbandoned = c.abandoned[resp.ID]; wasAbandoned {
		delete(c.abandoned, resp.ID)
	}
	c.mu.Unlock()

	switch {
	case ok:
		call.fulfill(resp, nil)
	case wasAbandoned:
		c.logger.Debug("discarding late response for abandoned request", "id", resp.ID)
	default:
		c.protocolError(&ProtocolError{ID: resp.ID, Reason: "response id matches no outstanding request"})
	}
}

func (c *Conn) handleNotification(n *Notification) {
	if c.notify != nil {
		c.notify(n)
		return
	}
	c.logger.Debug("ignoring server notification", "method", n.Method)
}

// serverReply answers a server-initiated request. The id is echoed
// verbatim since servers may use string ids.
type serverReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// answerServerRequest replies to requests the server sends us. Only
// ping is supported; everything else gets "method not found".
func (c *Conn) answerServerRequest(msg *inbound) {
	reply := serverReply{JSONRPC: jsonrpcVersion, ID: msg.rawID}
	if msg.method == "ping" {
		reply.Result = struct{}{}
	} else {
		c.logger.Debug("rejecting server request", "method", msg.method)
		reply.Error = &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + msg.method}
	}
	if err := c.enc.Encode(reply); err != nil {
		c.Close(fmt.Errorf("write reply to %s: %w", msg.method, err))
	}
}

func (c *Conn) protocolError(pe *ProtocolError) {
	pe.Server = c.name
	c.logger.Warn("dropping malformed message", "error", pe, "line", pe.Line)
	c.bus.Emit(events.SourceConnection, events.KindProtocolError, map[string]any{
		"server": c.name,
		"reason": pe.Reason,
		"id":     pe.ID,
	})
}
