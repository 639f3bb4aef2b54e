// Package sseutil implements C8 (stream peek & heartbeat filter) and
// C9 (stream-to-JSON collector) from spec.md §4.8/§4.9. Both operate on
// an already-translated OpenAI-format SSE byte stream; Gemini-specific
// wire translation lives in internal/translate.
package sseutil

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ChunkReader reads one SSE event at a time (the run of lines up to and
// including the terminating blank line) from a raw byte stream.
type ChunkReader struct {
	br *bufio.Reader
}

func NewChunkReader(r io.Reader) *ChunkReader {
	return &ChunkReader{br: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next SSE event's raw bytes, or an error (io.EOF at a
// clean stream end).
func (c *ChunkReader) Next() ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := c.br.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if buf.Len() > 0 {
				return buf.Bytes(), nil
			}
			if err != nil {
				return nil, err
			}
			continue
		}
		buf.WriteString(line)
		if err != nil {
			return buf.Bytes(), nil
		}
	}
}

// SignalRetry is returned by Peek when the orchestrator should abandon
// the current account and retry on another (spec.md §4.8).
type SignalRetry struct {
	Reason string
}

func (e *SignalRetry) Error() string { return e.Reason }

// NextReader yields one SSE event at a time. ChunkReader satisfies it
// directly; callers that need to translate each raw upstream chunk
// before Peek/Collect see it (e.g. Gemini SSE -> OpenAI SSE) wrap a
// ChunkReader in their own NextReader.
type NextReader interface {
	Next() ([]byte, error)
}

// Peek reads chunks from cr until it finds one that is neither empty
// nor a heartbeat/comment, bounded by deadline per chunk (spec.md's 60s
// wall-clock peek deadline). An inline error-shaped chunk, a stream
// that ends, a timeout, or a transport error all produce a typed
// *SignalRetry so the orchestrator can rotate accounts and retry.
func Peek(ctx context.Context, cr NextReader, deadline time.Duration) ([]byte, error) {
	for {
		type result struct {
			chunk []byte
			err   error
		}
		ch := make(chan result, 1)
		go func() {
			chunk, err := cr.Next()
			ch <- result{chunk, err}
		}()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(deadline):
			return nil, &SignalRetry{Reason: "Timeout waiting for first data"}
		case r := <-ch:
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					return nil, &SignalRetry{Reason: "Empty response stream during peek"}
				}
				return nil, &SignalRetry{Reason: fmt.Sprintf("Stream error during peek: %v", r.err)}
			}
			if isHeartbeat(r.chunk) {
				continue
			}
			if bytes.Contains(r.chunk, []byte(`"error"`)) {
				return nil, &SignalRetry{Reason: "Error event during peek"}
			}
			return r.chunk, nil
		}
	}
}

// isHeartbeat reports whether chunk is empty or an SSE comment/ping
// frame (spec.md §4.8/§8 invariant 7: no heartbeat is ever forwarded).
func isHeartbeat(chunk []byte) bool {
	trimmed := bytes.TrimSpace(chunk)
	if len(trimmed) == 0 {
		return true
	}
	return bytes.HasPrefix(trimmed, []byte(":")) || bytes.HasPrefix(trimmed, []byte("data: :"))
}

// IsHeartbeat is the exported form, used by callers forwarding the
// remainder of the stream chunk-by-chunk after a successful peek.
func IsHeartbeat(chunk []byte) bool { return isHeartbeat(chunk) }
