package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxFrameSize bounds a single inbound line. Tool results can be
// large (file contents, search dumps) so the limit is generous.
const DefaultMaxFrameSize = 16 << 20

// FrameError reports an inbound line that was skipped. It is not fatal:
// the decoder resynchronizes on the next newline.
type FrameError struct {
	Size  int
	Limit int
}

// Error implements the error interface.
func (e *FrameError) Error() string {
	return fmt.Sprintf("frame of %d bytes exceeds limit of %d bytes", e.Size, e.Limit)
}

// Encoder writes newline-delimited JSON messages. Each message is
// written with a single Write under a mutex, so concurrent callers
// never interleave bytes on the wire.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode marshals v and writes it as one frame.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return e.WriteFrame(data)
}

// WriteFrame writes an already-encoded message followed by a newline.
// The message must not contain a raw newline; encoding/json output
// never does.
func (e *Encoder) WriteFrame(data []byte) error {
	frame := make([]byte, 0, len(data)+1)
	frame = append(frame, data...)
	frame = append(frame, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.w.Write(frame)
	return err
}

// Decoder splits a byte stream into newline-delimited frames.
type Decoder struct {
	r   *bufio.Reader
	max int
	buf []byte
}

// NewDecoder returns a decoder reading from r. A maxFrame of zero or
// less selects DefaultMaxFrameSize.
func NewDecoder(r io.Reader, maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Decoder{
		r:   bufio.NewReaderSize(r, 64*1024),
		max: maxFrame,
	}
}

// Next returns the next non-blank frame without its trailing newline.
// The returned slice is only valid until the following call.
//
// An oversized frame is consumed up to its delimiter and reported as a
// *FrameError; the caller may keep reading. Any other error (including
// io.EOF) means the stream is finished. A final line that lacks a
// newline before EOF is still returned as a frame.
func (d *Decoder) Next() ([]byte, error) {
	for {
		line, err := d.readLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

func (d *Decoder) readLine() ([]byte, error) {
	d.buf = d.buf[:0]
	size := 0
	oversized := false

	for {
		chunk, err := d.r.ReadSlice('\n')
		size += len(chunk)
		if !oversized {
			if size > d.max {
				oversized = true
				d.buf = d.buf[:0]
			} else {
				d.buf = append(d.buf, chunk...)
			}
		}

		switch {
		case err == nil:
			if oversized {
				return nil, &FrameError{Size: size, Limit: d.max}
			}
			return d.buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && size > 0:
			if oversized {
				return nil, &FrameError{Size: size, Limit: d.max}
			}
			return d.buf, nil
		default:
			return nil, err
		}
	}
}
