package mcp

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNewRequest(t *testing.T) {
	req := NewRequest(42, "tools/list", map[string]any{"cursor": "abc"})

	if req.JSONRPC != "2.0" {
		t.Errorf("JSONRPC = %q, want %q", req.JSONRPC, "2.0")
	}
	if req.ID != 42 {
		t.Errorf("ID = %d, want 42", req.ID)
	}
	if req.Method != "tools/list" {
		t.Errorf("Method = %q, want %q", req.Method, "tools/list")
	}
}

func TestRPCErrorString(t *testing.T) {
	e := &RPCError{Code: -32600, Message: "Invalid Request"}
	got := e.Error()
	want := "jsonrpc error -32600: Invalid Request"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNotificationOmitsNilParams(t *testing.T) {
	notif := NewNotification("test", nil)
	data, err := json.Marshal(notif)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if _, ok := m["params"]; ok {
		t.Error("params should be omitted when nil")
	}
	if _, ok := m["id"]; ok {
		t.Error("notifications must not carry an id")
	}
}

func TestRequestOmitsNilParams(t *testing.T) {
	data, err := json.Marshal(NewRequest(1, "ping", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "params") {
		t.Errorf("params should be omitted when nil: %s", data)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		line       string
		wantKind   messageKind
		wantID     int64
		wantMethod string
		wantErr    string
	}{
		{
			name:     "result response",
			line:     `{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`,
			wantKind: kindResponse,
			wantID:   1,
		},
		{
			name:     "error response",
			line:     `{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"Method not found"}}`,
			wantKind: kindResponse,
			wantID:   2,
		},
		{
			name:     "null result is still a result",
			line:     `{"jsonrpc":"2.0","id":3,"result":null}`,
			wantKind: kindResponse,
			wantID:   3,
		},
		{
			name:       "notification",
			line:       `{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`,
			wantKind:   kindNotification,
			wantMethod: "notifications/tools/list_changed",
		},
		{
			name:       "server request with string id",
			line:       `{"jsonrpc":"2.0","id":"srv-1","method":"ping"}`,
			wantKind:   kindRequest,
			wantMethod: "ping",
		},
		{
			name:    "invalid json",
			line:    `{"jsonrpc":"2.0","id":1,"result":`,
			wantErr: "invalid JSON",
		},
		{
			name:    "plain text",
			line:    `Starting server...`,
			wantErr: "invalid JSON",
		},
		{
			name:    "wrong version",
			line:    `{"jsonrpc":"1.0","id":1,"result":{}}`,
			wantErr: "unsupported jsonrpc version",
		},
		{
			name:    "neither method nor id",
			line:    `{"jsonrpc":"2.0","result":{}}`,
			wantErr: "neither method nor id",
		},
		{
			name:    "string id on response",
			line:    `{"jsonrpc":"2.0","id":"abc","result":{}}`,
			wantErr: "not an integer",
		},
		{
			name:    "both result and error",
			line:    `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`,
			wantErr: "exactly one of result or error",
		},
		{
			name:    "neither result nor error",
			line:    `{"jsonrpc":"2.0","id":1}`,
			wantErr: "exactly one of result or error",
		},
		{
			name:    "malformed error object",
			line:    `{"jsonrpc":"2.0","id":1,"error":"boom"}`,
			wantErr: "malformed error object",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := classify([]byte(tt.line))
			if tt.wantErr != "" {
				var pe *ProtocolError
				if !errors.As(err, &pe) {
					t.Fatalf("classify() error = %v, want *ProtocolError", err)
				}
				if !strings.Contains(pe.Reason, tt.wantErr) {
					t.Errorf("Reason = %q, want it to contain %q", pe.Reason, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("classify() error = %v", err)
			}
			if msg.kind != tt.wantKind {
				t.Errorf("kind = %v, want %v", msg.kind, tt.wantKind)
			}
			if tt.wantKind == kindResponse && msg.response.ID != tt.wantID {
				t.Errorf("response.ID = %d, want %d", msg.response.ID, tt.wantID)
			}
			if msg.method != tt.wantMethod {
				t.Errorf("method = %q, want %q", msg.method, tt.wantMethod)
			}
		})
	}
}

func TestClassifyErrorResponse(t *testing.T) {
	msg, err := classify([]byte(`{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"Method not found","data":{"hint":"x"}}}`))
	if err != nil {
		t.Fatalf("classify() error = %v", err)
	}
	resp := msg.response
	if resp.Error == nil {
		t.Fatal("Error is nil, want non-nil")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("Error.Code = %d, want %d", resp.Error.Code, CodeMethodNotFound)
	}
	if string(resp.Error.Data) != `{"hint":"x"}` {
		t.Errorf("Error.Data = %s, want %s", resp.Error.Data, `{"hint":"x"}`)
	}
	if resp.Result != nil {
		t.Errorf("Result = %s, want nil", resp.Result)
	}
}

func TestTruncateLine(t *testing.T) {
	short := "short line"
	if got := truncateLine([]byte(short)); got != short {
		t.Errorf("truncateLine(short) = %q, want %q", got, short)
	}

	long := strings.Repeat("x", maxLoggedLine+100)
	got := truncateLine([]byte(long))
	if len(got) != maxLoggedLine+3 || !strings.HasSuffix(got, "...") {
		t.Errorf("truncateLine(long) has length %d, want %d with ellipsis", len(got), maxLoggedLine+3)
	}
}
