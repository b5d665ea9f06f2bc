package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ProtocolVersion is the MCP protocol version advertised during
// initialization.
const ProtocolVersion = "2024-11-05"

// MCP method names used by the client.
const (
	MethodInitialize       = "initialize"
	MethodInitialized      = "notifications/initialized"
	MethodToolsList        = "tools/list"
	MethodToolsCall        = "tools/call"
	MethodPing             = "ping"
	MethodToolsListChanged = "notifications/tools/list_changed"
	MethodLogMessage       = "notifications/message"
)

// maxListPages stops a server that keeps returning cursors from
// looping discovery forever.
const maxListPages = 100

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// callToolResult is the result payload of a tools/call response.
type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools      []ToolDefinition `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// ServerInfo identifies the server implementation, as reported in the
// initialize response.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the initialize response result. Capabilities are
// kept raw because servers in the wild disagree on their shape (some
// send "tools": true, others "tools": {}).
type InitializeResult struct {
	ProtocolVersion string                     `json:"protocolVersion"`
	ServerInfo      ServerInfo                 `json:"serverInfo"`
	Capabilities    map[string]json.RawMessage `json:"capabilities"`
}

// ClientInfo identifies this client in the initialize request.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolResult is the successful outcome of a tools/call.
type ToolResult struct {
	Server  string          `json:"server"`
	Tool    string          `json:"tool"`
	Content []ContentBlock  `json:"content,omitempty"`
	Raw     json.RawMessage `json:"raw"`
}

// Text renders the result as a single string. Content blocks are joined
// with newlines (non-text blocks become inline markers). Results that
// carry no content blocks fall back to an "output" string field, then
// to a bare JSON string, then to the raw JSON.
func (r *ToolResult) Text() string {
	if len(r.Content) > 0 {
		return extractText(r.Content)
	}

	var output struct {
		Output *string `json:"output"`
	}
	if err := json.Unmarshal(r.Raw, &output); err == nil && output.Output != nil {
		return *output.Output
	}

	var s string
	if err := json.Unmarshal(r.Raw, &s); err == nil {
		return s
	}

	return string(r.Raw)
}

// initialize performs the MCP handshake on conn: an initialize request
// followed by the initialized notification. The result must be a JSON
// object; anything else means the server cannot be trusted.
func initialize(ctx context.Context, conn *Conn, client ClientInfo) (*InitializeResult, error) {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      client,
	}

	resp, err := conn.Call(ctx, MethodInitialize, params)
	if err != nil {
		return nil, err
	}

	if !isJSONObject(resp.Result) {
		return nil, fmt.Errorf("initialize result is not an object: %s", truncateLine(resp.Result))
	}

	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal initialize result: %w", err)
	}

	if err := conn.Notify(MethodInitialized, nil); err != nil {
		return nil, fmt.Errorf("send initialized notification: %w", err)
	}

	return &result, nil
}

// listTools calls tools/list, following pagination cursors.
func listTools(ctx context.Context, conn *Conn) ([]ToolDefinition, error) {
	var tools []ToolDefinition
	cursor := ""

	for page := 0; page < maxListPages; page++ {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}

		resp, err := conn.Call(ctx, MethodToolsList, params)
		if err != nil {
			return nil, err
		}

		var result toolsListResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
		}
		if result.Tools == nil && !hasKey(resp.Result, "tools") {
			return nil, fmt.Errorf("tools/list result has no tools array")
		}

		tools = append(tools, result.Tools...)
		if result.NextCursor == "" {
			return tools, nil
		}
		cursor = result.NextCursor
	}

	return nil, fmt.Errorf("tools/list returned more than %d pages", maxListPages)
}

// DecodeToolResult turns a fulfilled tools/call response into either a
// *ToolResult or a *ToolError. JSON-RPC error responses and results
// flagged isError both become *ToolError.
func DecodeToolResult(server, tool string, resp *Response) (*ToolResult, error) {
	if resp.Error != nil {
		return nil, &ToolError{
			Server:  server,
			Tool:    tool,
			Code:    resp.Error.Code,
			Message: resp.Error.Message,
			Data:    resp.Error.Data,
		}
	}

	result := &ToolResult{Server: server, Tool: tool, Raw: resp.Result}

	if isJSONObject(resp.Result) {
		var payload callToolResult
		if err := json.Unmarshal(resp.Result, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal tools/call result: %w", err)
		}
		result.Content = payload.Content
		if payload.IsError {
			return nil, &ToolError{Server: server, Tool: tool, Message: result.Text()}
		}
	}

	return result, nil
}

// extractText joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func hasKey(raw json.RawMessage, key string) bool {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return false
	}
	_, ok := m[key]
	return ok
}
