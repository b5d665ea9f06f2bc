// Package mcp implements the client side of the Model Context Protocol
// for tool servers that run as child processes.
//
// MCP uses JSON-RPC 2.0 framed as one message per line on the child's
// stdin and stdout. Each configured server is owned by a [ServerConn],
// which spawns the process ([Spawn]), performs the initialize handshake,
// and multiplexes any number of concurrent requests over a single [Conn].
// Responses are correlated strictly by request id, so a slow tool call
// never blocks a fast one on the same server.
//
// When a process exits unexpectedly every in-flight request fails with
// [ErrServerDisconnected] and a bounded restart policy re-spawns the
// server. Stderr is never part of the protocol stream; it is drained
// into the logger for diagnostics.
//
// Toolhost only acts as an MCP client. It never serves MCP itself.
package mcp
