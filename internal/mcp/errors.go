package mcp

import (
	"errors"
	"fmt"
)

// ErrServerDisconnected is the sentinel matched by every failure caused
// by a server process exiting, its pipes breaking, or the connection
// not being Ready. Use errors.Is to test for it.
var ErrServerDisconnected = errors.New("server disconnected")

// DisconnectedError reports which server went away and why. It matches
// ErrServerDisconnected under errors.Is.
type DisconnectedError struct {
	Server string
	Cause  error
}

// Error implements the error interface.
func (e *DisconnectedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("server %q disconnected", e.Server)
	}
	return fmt.Sprintf("server %q disconnected: %v", e.Server, e.Cause)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *DisconnectedError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrServerDisconnected}
	}
	return []error{ErrServerDisconnected, e.Cause}
}

// SpawnError is returned when a server executable cannot be launched.
// It is fatal for that server.
type SpawnError struct {
	Server  string
	Command string
	Err     error
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn server %q (%s): %v", e.Server, e.Command, e.Err)
}

// Unwrap returns the underlying exec error.
func (e *SpawnError) Unwrap() error { return e.Err }

// InitializeError is returned when the initialize handshake fails. A
// server that cannot complete the handshake is never used.
type InitializeError struct {
	Server string
	Err    error
}

// Error implements the error interface.
func (e *InitializeError) Error() string {
	return fmt.Sprintf("initialize server %q: %v", e.Server, e.Err)
}

// Unwrap returns the handshake failure.
func (e *InitializeError) Unwrap() error { return e.Err }

// ProtocolError describes an inbound unit that could not be used:
// unparsable JSON, a wrong shape, or an id that refers to nothing
// outstanding. Protocol errors are logged and published as events;
// they never fail unrelated requests.
type ProtocolError struct {
	Server string
	ID     int64
	Reason string
	Line   string
	Err    error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	msg := "protocol error"
	if e.Server != "" {
		msg += fmt.Sprintf(" from %q", e.Server)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying decode error, if any.
func (e *ProtocolError) Unwrap() error { return e.Err }

// ToolError is a failure reported by the server itself, either as a
// JSON-RPC error response or as a tools/call result flagged isError.
// The server's code and message are passed through unchanged.
type ToolError struct {
	Server  string
	Tool    string
	Code    int
	Message string
	Data    []byte
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("tool %s on %q returned error: %s", e.Tool, e.Server, e.Message)
	}
	return fmt.Sprintf("tool %s on %q failed with code %d: %s", e.Tool, e.Server, e.Code, e.Message)
}

// IsMethodNotFound reports whether the server rejected the call with
// the JSON-RPC "method not found" code.
func (e *ToolError) IsMethodNotFound() bool {
	return e.Code == CodeMethodNotFound
}
