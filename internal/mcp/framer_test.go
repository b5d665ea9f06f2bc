package mcp

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
)

func TestDecoderNext(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "single frame",
			input: "{\"a\":1}\n",
			want:  []string{`{"a":1}`},
		},
		{
			name:  "skips blank lines",
			input: "\n\n{\"a\":1}\n   \n{\"b\":2}\n",
			want:  []string{`{"a":1}`, `{"b":2}`},
		},
		{
			name:  "crlf endings",
			input: "{\"a\":1}\r\n{\"b\":2}\r\n",
			want:  []string{`{"a":1}`, `{"b":2}`},
		},
		{
			name:  "final line without newline",
			input: "{\"a\":1}\n{\"b\":2}",
			want:  []string{`{"a":1}`, `{"b":2}`},
		},
		{
			name:  "empty stream",
			input: "",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input), 0)
			var got []string
			for {
				line, err := dec.Next()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					t.Fatalf("Next() error = %v", err)
				}
				got = append(got, string(line))
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d frames %q, want %d %q", len(got), got, len(tt.want), tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("frame %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDecoderOversizedFrameResyncs(t *testing.T) {
	big := strings.Repeat("x", 200*1024)
	input := "{\"a\":1}\n" + big + "\n{\"b\":2}\n"

	dec := NewDecoder(strings.NewReader(input), 1024)

	line, err := dec.Next()
	if err != nil || string(line) != `{"a":1}` {
		t.Fatalf("first Next() = %q, %v; want {\"a\":1}", line, err)
	}

	_, err = dec.Next()
	var fe *FrameError
	if !errors.As(err, &fe) {
		t.Fatalf("second Next() error = %v, want *FrameError", err)
	}
	if fe.Limit != 1024 {
		t.Errorf("Limit = %d, want 1024", fe.Limit)
	}
	if fe.Size <= 1024 {
		t.Errorf("Size = %d, want > 1024", fe.Size)
	}

	line, err = dec.Next()
	if err != nil || string(line) != `{"b":2}` {
		t.Fatalf("third Next() = %q, %v; want {\"b\":2}", line, err)
	}

	if _, err := dec.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("final Next() error = %v, want io.EOF", err)
	}
}

func TestDecoderLongFrameWithinLimit(t *testing.T) {
	// Longer than the bufio buffer but under the frame limit.
	payload := `{"data":"` + strings.Repeat("y", 300*1024) + `"}`
	dec := NewDecoder(strings.NewReader(payload+"\n"), 0)

	line, err := dec.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if string(line) != payload {
		t.Errorf("frame length = %d, want %d", len(line), len(payload))
	}
}

func TestEncoderWritesOneLinePerMessage(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	if err := enc.Encode(NewRequest(1, "ping", nil)); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if err := enc.Encode(NewNotification("notifications/initialized", nil)); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	want := `{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n" +
		`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
}

func TestEncoderMarshalError(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.Encode(map[string]any{"bad": make(chan int)}); err == nil {
		t.Fatal("Encode() error = nil, want marshal error")
	}
	if buf.Len() != 0 {
		t.Errorf("wrote %d bytes on marshal failure, want 0", buf.Len())
	}
}

// chunkWriter records each Write call separately.
type chunkWriter struct {
	mu     sync.Mutex
	writes [][]byte
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, append([]byte(nil), p...))
	return len(p), nil
}

func TestEncoderConcurrentWritersNeverInterleave(t *testing.T) {
	w := &chunkWriter{}
	enc := NewEncoder(w)

	const writers = 20
	const perWriter = 50

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				_ = enc.Encode(NewRequest(int64(i*perWriter+j), "tools/call", map[string]any{
					"payload": strings.Repeat("z", 512),
				}))
			}
		}(i)
	}
	wg.Wait()

	if len(w.writes) != writers*perWriter {
		t.Fatalf("got %d writes, want %d", len(w.writes), writers*perWriter)
	}

	var all bytes.Buffer
	for _, chunk := range w.writes {
		if bytes.Count(chunk, []byte("\n")) != 1 || chunk[len(chunk)-1] != '\n' {
			t.Fatalf("write is not exactly one frame: %q", chunk)
		}
		all.Write(chunk)
	}

	dec := NewDecoder(&all, 0)
	for n := 0; ; n++ {
		line, err := dec.Next()
		if errors.Is(err, io.EOF) {
			if n != writers*perWriter {
				t.Errorf("decoded %d frames, want %d", n, writers*perWriter)
			}
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if _, err := classify(line); err != nil {
			t.Fatalf("frame %d does not parse: %v", n, err)
		}
	}
}
