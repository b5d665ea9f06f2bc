package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response is a JSON-RPC 2.0 response message. Exactly one of Result
// or Error is set in a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected).
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC 2.0 notification. Params that
// cannot be marshaled are dropped; callers pass plain maps and structs.
func NewNotification(method string, params any) *Notification {
	n := &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
	}
	if params != nil {
		if data, err := json.Marshal(params); err == nil {
			n.Params = data
		}
	}
	return n
}

// messageKind classifies an inbound line.
type messageKind int

const (
	kindResponse messageKind = iota + 1
	kindNotification
	kindRequest
)

// wireMessage is the union of every inbound JSON-RPC shape. Presence
// of fields decides the classification, so id and result stay raw.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// inbound is a classified inbound message.
type inbound struct {
	kind     messageKind
	id       int64
	rawID    json.RawMessage
	response *Response
	method   string
	params   json.RawMessage
}

// classify parses one line and decides whether it is a response, a
// notification, or a server-initiated request. Anything that fits none
// of those shapes is a *ProtocolError.
func classify(line []byte) (*inbound, error) {
	var msg wireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, &ProtocolError{Reason: "invalid JSON", Line: truncateLine(line), Err: err}
	}
	if msg.JSONRPC != jsonrpcVersion {
		return nil, &ProtocolError{Reason: fmt.Sprintf("unsupported jsonrpc version %q", msg.JSONRPC), Line: truncateLine(line)}
	}

	hasID := len(msg.ID) > 0 && !bytes.Equal(msg.ID, []byte("null"))

	if msg.Method != "" {
		if !hasID {
			return &inbound{kind: kindNotification, method: msg.Method, params: msg.Params}, nil
		}
		return &inbound{kind: kindRequest, rawID: msg.ID, method: msg.Method, params: msg.Params}, nil
	}

	if !hasID {
		return nil, &ProtocolError{Reason: "message has neither method nor id", Line: truncateLine(line)}
	}

	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		return nil, &ProtocolError{Reason: "response id is not an integer", Line: truncateLine(line), Err: err}
	}

	hasResult := len(msg.Result) > 0
	hasError := len(msg.Error) > 0 && !bytes.Equal(msg.Error, []byte("null"))
	if hasResult == hasError {
		return nil, &ProtocolError{ID: id, Reason: "response must carry exactly one of result or error", Line: truncateLine(line)}
	}

	resp := &Response{JSONRPC: msg.JSONRPC, ID: id, Result: msg.Result}
	if hasError {
		var rpcErr RPCError
		if err := json.Unmarshal(msg.Error, &rpcErr); err != nil {
			return nil, &ProtocolError{ID: id, Reason: "malformed error object", Line: truncateLine(line), Err: err}
		}
		resp.Error = &rpcErr
		resp.Result = nil
	}

	return &inbound{kind: kindResponse, id: id, response: resp}, nil
}

// maxLoggedLine caps how much of an offending line ends up in errors
// and events.
const maxLoggedLine = 256

func truncateLine(line []byte) string {
	if len(line) <= maxLoggedLine {
		return string(line)
	}
	return string(line[:maxLoggedLine]) + "..."
}
