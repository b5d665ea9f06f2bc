package invoke

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTimeout is matched by invocations that ran out of time before the
// server answered. The request is abandoned; the server may still run
// it to completion.
var ErrTimeout = errors.New("tool call timed out")

// UnknownToolError is returned when no server advertises the tool, or
// the hinted server does not.
type UnknownToolError struct {
	Tool   string
	Server string
}

// Error implements the error interface.
func (e *UnknownToolError) Error() string {
	if e.Server != "" {
		return fmt.Sprintf("unknown tool %q on server %q", e.Tool, e.Server)
	}
	return fmt.Sprintf("unknown tool %q", e.Tool)
}

// AmbiguousToolError is returned when several servers advertise the
// tool and no server hint was given.
type AmbiguousToolError struct {
	Tool    string
	Servers []string
}

// Error implements the error interface.
func (e *AmbiguousToolError) Error() string {
	return fmt.Sprintf("tool %q is provided by several servers (%s); name one",
		e.Tool, strings.Join(e.Servers, ", "))
}

// InvalidArgumentsError is returned when arguments fail the tool's
// input schema. Nothing is sent to the server.
type InvalidArgumentsError struct {
	Server string
	Tool   string
	Err    error
}

// Error implements the error interface.
func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for %s/%s: %v", e.Server, e.Tool, e.Err)
}

// Unwrap returns the validation failure.
func (e *InvalidArgumentsError) Unwrap() error { return e.Err }
