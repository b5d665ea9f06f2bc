// Package mcptest provides a scriptable fake tool server for tests. It
// speaks newline-delimited JSON-RPC 2.0 over any reader/writer pair,
// so it can be driven through io.Pipe in-process or run as a real
// child process by re-executing the test binary (see Helper).
package mcptest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"
)

// ErrCrash, returned by a tool handler, makes Serve stop immediately
// without answering, simulating a server that dies mid-request.
var ErrCrash = errors.New("mcptest: crash requested")

// Error is a JSON-RPC error a handler can return to produce an error
// response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// HandlerFunc implements a tool. The returned value becomes the
// tools/call result verbatim.
type HandlerFunc func(ctx context.Context, s *Server, args map[string]any) (any, error)

// Tool is one tool the fake server exposes.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     HandlerFunc
}

// InitMode selects how the server answers initialize.
type InitMode int

const (
	InitOK        InitMode = iota // well-formed object result
	InitError                     // JSON-RPC error response
	InitMalformed                 // result that is not an object
	InitSilent                    // never answer
)

// Options configures a Server.
type Options struct {
	Name  string
	Tools []Tool
	Init  InitMode

	// PageSize splits tools/list into pages linked by nextCursor. Zero
	// returns everything at once.
	PageSize int

	// Sequential handles requests one at a time in arrival order.
	// By default each request runs in its own goroutine so responses
	// may come back out of order.
	Sequential bool
}

// Server is a fake tool server.
type Server struct {
	opts Options

	wmu sync.Mutex
	w   io.Writer

	mu          sync.Mutex
	initialized bool
	calls       map[string]int
	received    []string
}

// New returns a server with the given options. Tools default to
// DefaultTools.
func New(opts Options) *Server {
	if opts.Name == "" {
		opts.Name = "mcptest"
	}
	if opts.Tools == nil {
		opts.Tools = DefaultTools()
	}
	return &Server{opts: opts, calls: make(map[string]int)}
}

type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type reply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Serve reads requests from r and writes responses to w until r hits
// EOF (nil is returned) or a handler requests a crash (ErrCrash).
func (s *Server) Serve(r io.Reader, w io.Writer) error {
	s.wmu.Lock()
	s.w = w
	s.wmu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	crashed := make(chan struct{})
	var crashOnce sync.Once

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 32<<20)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-crashed:
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-crashed:
			return ErrCrash
		case err := <-readErr:
			cancel()
			wg.Wait()
			select {
			case <-crashed:
				return ErrCrash
			default:
			}
			return err
		case line := <-lines:
			var msg message
			if err := json.Unmarshal(line, &msg); err != nil {
				continue
			}
			s.record(msg.Method)

			if len(msg.ID) == 0 {
				if msg.Method == "notifications/initialized" {
					s.mu.Lock()
					s.initialized = true
					s.mu.Unlock()
				}
				continue
			}

			handle := func() {
				if err := s.handle(ctx, &msg); errors.Is(err, ErrCrash) {
					crashOnce.Do(func() { close(crashed) })
				}
			}
			if s.opts.Sequential {
				handle()
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				handle()
			}()
		}
	}
}

func (s *Server) handle(ctx context.Context, msg *message) error {
	switch msg.Method {
	case "initialize":
		switch s.opts.Init {
		case InitError:
			return s.respond(msg.ID, nil, &Error{Code: -32603, Message: "initialization refused"})
		case InitMalformed:
			return s.respond(msg.ID, "not an object", nil)
		case InitSilent:
			return nil
		}
		return s.respond(msg.ID, map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": s.opts.Name, "version": "0.0.1"},
			"capabilities":    map[string]any{"tools": true},
		}, nil)

	case "tools/list":
		return s.respond(msg.ID, s.listPage(msg.Params), nil)

	case "tools/call":
		var p struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return s.respond(msg.ID, nil, &Error{Code: -32602, Message: "invalid params"})
		}
		s.mu.Lock()
		s.calls[p.Name]++
		s.mu.Unlock()

		tool, ok := s.tool(p.Name)
		if !ok {
			return s.respond(msg.ID, nil, &Error{Code: -32601, Message: "unknown tool: " + p.Name})
		}
		result, err := tool.Handler(ctx, s, p.Arguments)
		if err != nil {
			if errors.Is(err, ErrCrash) {
				return err
			}
			var rpcErr *Error
			if errors.As(err, &rpcErr) {
				return s.respond(msg.ID, nil, rpcErr)
			}
			return s.respond(msg.ID, nil, &Error{Code: -32603, Message: err.Error()})
		}
		return s.respond(msg.ID, result, nil)

	case "ping":
		return s.respond(msg.ID, map[string]any{}, nil)

	default:
		return s.respond(msg.ID, nil, &Error{Code: -32601, Message: "Method not found"})
	}
}

func (s *Server) listPage(params json.RawMessage) map[string]any {
	var p struct {
		Cursor string `json:"cursor"`
	}
	_ = json.Unmarshal(params, &p)

	s.mu.Lock()
	all := s.opts.Tools
	s.mu.Unlock()

	start, _ := strconv.Atoi(p.Cursor)
	if start < 0 || start > len(all) {
		start = len(all)
	}
	end := len(all)
	if s.opts.PageSize > 0 && start+s.opts.PageSize < end {
		end = start + s.opts.PageSize
	}

	tools := make([]map[string]any, 0, end-start)
	for _, t := range all[start:end] {
		entry := map[string]any{"name": t.Name, "description": t.Description}
		if t.InputSchema != nil {
			entry["inputSchema"] = t.InputSchema
		}
		tools = append(tools, entry)
	}

	page := map[string]any{"tools": tools}
	if end < len(all) {
		page["nextCursor"] = strconv.Itoa(end)
	}
	return page
}

func (s *Server) tool(name string) (Tool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.opts.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

func (s *Server) record(method string) {
	s.mu.Lock()
	s.received = append(s.received, method)
	s.mu.Unlock()
}

func (s *Server) respond(id json.RawMessage, result any, rpcErr *Error) error {
	r := reply{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil {
		r.Result = result
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.WriteLine(string(data))
}

// WriteLine writes one raw line (a newline is appended). Tests use it
// to inject garbage or unsolicited responses.
func (s *Server) WriteLine(line string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.w == nil {
		return errors.New("mcptest: server not serving")
	}
	_, err := io.WriteString(s.w, line+"\n")
	return err
}

// Notify sends a notification to the client.
func (s *Server) Notify(method string, params any) error {
	msg := map[string]any{"jsonrpc": "2.0", "method": method}
	if params != nil {
		msg["params"] = params
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.WriteLine(string(data))
}

// SetTools replaces the advertised tool set.
func (s *Server) SetTools(tools []Tool) {
	s.mu.Lock()
	s.opts.Tools = tools
	s.mu.Unlock()
}

// Initialized reports whether the client sent notifications/initialized.
func (s *Server) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Calls returns how many times the named tool was invoked.
func (s *Server) Calls(tool string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[tool]
}

// Received returns every method name received, in arrival order.
func (s *Server) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// TextResult builds a tools/call result with a single text block.
func TextResult(text string) map[string]any {
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	}
}

// DefaultTools is the standard tool set:
//
//   - hello_world {name}: "Hello, <name>!"
//   - echo {message}: {"output": message}
//   - sleep {ms}: waits, then "slept"
//   - fail: an isError result
//   - garbage: writes a non-JSON line, then answers normally
//   - crash: the server dies without answering
func DefaultTools() []Tool {
	return []Tool{
		{
			Name:        "hello_world",
			Description: "Greets the caller by name.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`),
			Handler: func(ctx context.Context, s *Server, args map[string]any) (any, error) {
				name, _ := args["name"].(string)
				return TextResult("Hello, " + name + "!"), nil
			},
		},
		{
			Name:        "echo",
			Description: "Echoes a message.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"}}}`),
			Handler: func(ctx context.Context, s *Server, args map[string]any) (any, error) {
				msg, _ := args["message"].(string)
				return map[string]any{"output": msg}, nil
			},
		},
		{
			Name:        "sleep",
			Description: "Sleeps for ms milliseconds.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"ms":{"type":"integer","minimum":0}}}`),
			Handler: func(ctx context.Context, s *Server, args map[string]any) (any, error) {
				ms, _ := args["ms"].(float64)
				select {
				case <-time.After(time.Duration(ms) * time.Millisecond):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				return TextResult("slept"), nil
			},
		},
		{
			Name:        "fail",
			Description: "Always reports a tool-level error.",
			Handler: func(ctx context.Context, s *Server, args map[string]any) (any, error) {
				return map[string]any{
					"content": []map[string]any{{"type": "text", "text": "tool failed"}},
					"isError": true,
				}, nil
			},
		},
		{
			Name:        "garbage",
			Description: "Emits a malformed line before answering.",
			Handler: func(ctx context.Context, s *Server, args map[string]any) (any, error) {
				if err := s.WriteLine("this is not json"); err != nil {
					return nil, err
				}
				return TextResult("after garbage"), nil
			},
		},
		{
			Name:        "crash",
			Description: "Terminates the server.",
			Handler: func(ctx context.Context, s *Server, args map[string]any) (any, error) {
				return nil, ErrCrash
			},
		},
	}
}
