package sseutil

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestChunkReaderSplitsOnBlankLine(t *testing.T) {
	r := NewChunkReader(strings.NewReader("data: one\n\ndata: two\nid: 2\n\n"))

	first, err := r.Next()
	if err != nil {
		t.Fatalf("first Next() error: %v", err)
	}
	if string(first) != "data: one\n" {
		t.Fatalf("first = %q", first)
	}

	second, err := r.Next()
	if err != nil {
		t.Fatalf("second Next() error: %v", err)
	}
	if second2 := string(second); second2 != "data: two\nid: 2\n" {
		t.Fatalf("second = %q", second2)
	}
}

func TestChunkReaderEOFAtCleanEnd(t *testing.T) {
	r := NewChunkReader(strings.NewReader(""))
	if _, err := r.Next(); err == nil {
		t.Fatal("expected an error at empty stream end")
	}
}

func TestIsHeartbeatRecognizesCommentAndBlank(t *testing.T) {
	cases := map[string]bool{
		":\n":            true,
		"":                true,
		"   \n":          true,
		"data: :ping\n":  true,
		"data: hi\n":     false,
	}
	for in, want := range cases {
		if got := IsHeartbeat([]byte(in)); got != want {
			t.Errorf("IsHeartbeat(%q) = %v, want %v", in, got, want)
		}
	}
}

type sliceReader struct {
	chunks [][]byte
	i      int
}

func (s *sliceReader) Next() ([]byte, error) {
	if s.i >= len(s.chunks) {
		return nil, errors.New("EOF")
	}
	c := s.chunks[s.i]
	s.i++
	return c, nil
}

type blockingReader struct{}

func (blockingReader) Next() ([]byte, error) {
	select {}
}

func TestPeekSkipsHeartbeatsAndReturnsFirstRealChunk(t *testing.T) {
	cr := &sliceReader{chunks: [][]byte{
		[]byte(": ping\n"),
		[]byte(": ping\n"),
		[]byte("data: {\"ok\":true}\n"),
	}}

	chunk, err := Peek(context.Background(), cr, time.Second)
	if err != nil {
		t.Fatalf("Peek error: %v", err)
	}
	if string(chunk) != "data: {\"ok\":true}\n" {
		t.Fatalf("chunk = %q", chunk)
	}
}

func TestPeekErrorShapedChunkSignalsRetry(t *testing.T) {
	cr := &sliceReader{chunks: [][]byte{[]byte(`data: {"error": {"message": "boom"}}` + "\n")}}

	_, err := Peek(context.Background(), cr, time.Second)
	var sr *SignalRetry
	if !errors.As(err, &sr) {
		t.Fatalf("expected *SignalRetry, got %v", err)
	}
}

func TestPeekEmptyStreamSignalsRetry(t *testing.T) {
	cr := &sliceReader{}

	_, err := Peek(context.Background(), cr, time.Second)
	var sr *SignalRetry
	if !errors.As(err, &sr) {
		t.Fatalf("expected *SignalRetry on EOF, got %v", err)
	}
}

func TestPeekTimeoutSignalsRetry(t *testing.T) {
	_, err := Peek(context.Background(), blockingReader{}, 10*time.Millisecond)
	var sr *SignalRetry
	if !errors.As(err, &sr) {
		t.Fatalf("expected *SignalRetry on timeout, got %v", err)
	}
}

func TestPeekContextCancellationPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Peek(ctx, blockingReader{}, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCollectConcatenatesDeltasAndKeepsLastFinishReason(t *testing.T) {
	cr := &sliceReader{chunks: [][]byte{
		[]byte(`data: {"choices":[{"index":0,"delta":{"content":" world"}}]}` + "\n"),
		[]byte(`data: {"choices":[{"index":0,"delta":{"content":"!"},"finish_reason":"stop"}],"usage":{"total_tokens":9}}` + "\n"),
		[]byte("data: [DONE]\n"),
	}}

	out := Collect([]byte(`data: {"choices":[{"index":0,"delta":{"content":"hello"}}]}`+"\n"), cr, "id-1", "gemini-2.5-pro")

	choices := out["choices"].([]any)
	msg := choices[0].(map[string]any)["message"].(map[string]any)
	if msg["content"] != "hello world!" {
		t.Fatalf("content = %v", msg["content"])
	}
	if choices[0].(map[string]any)["finish_reason"] != "stop" {
		t.Fatalf("finish_reason = %v", choices[0].(map[string]any)["finish_reason"])
	}
	usage := out["usage"].(map[string]any)
	if usage["total_tokens"] != float64(9) {
		t.Fatalf("usage = %+v", usage)
	}
}

func TestCollectNoChoicesProducesEmptyPlaceholder(t *testing.T) {
	cr := &sliceReader{chunks: [][]byte{[]byte("data: [DONE]\n")}}

	out := Collect([]byte(": heartbeat\n"), cr, "id-2", "model")

	choices := out["choices"].([]any)
	if len(choices) != 1 {
		t.Fatalf("choices = %+v", choices)
	}
	msg := choices[0].(map[string]any)["message"].(map[string]any)
	if msg["content"] != "" {
		t.Fatalf("content = %v", msg["content"])
	}
}

func TestCollectIgnoresUnparsableChunks(t *testing.T) {
	cr := &sliceReader{chunks: [][]byte{
		[]byte("data: not json\n"),
		[]byte(`data: {"choices":[{"index":0,"delta":{"content":"ok"}}]}` + "\n"),
		[]byte("data: [DONE]\n"),
	}}

	out := Collect([]byte("data: also not json\n"), cr, "id-3", "model")

	msg := out["choices"].([]any)[0].(map[string]any)["message"].(map[string]any)
	if msg["content"] != "ok" {
		t.Fatalf("content = %v", msg["content"])
	}
}
