// Package upstream implements C7: the upstream invoker that issues
// generateContent / streamGenerateContent calls against the Gemini
// Cloud Code backend (spec.md §4.7). Caller is the fixed interface;
// GeminiClient is this repo's own implementation of it, using the
// per-account TLS-fingerprinted transport pool (internal/transport).
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/yansir/cc-relayer/internal/account"
	"github.com/yansir/cc-relayer/internal/config"
	"github.com/yansir/cc-relayer/internal/transport"
)

// Caller issues a single upstream call. acct selects which per-account
// transport (proxy, TLS fingerprint) to use; bearer is the OAuth access
// token for that account.
type Caller interface {
	Call(ctx context.Context, acct *account.Account, method, bearer string, body map[string]any, query string) (*Response, error)
}

// Response wraps the upstream HTTP response with the three accessors
// spec.md §4.7 requires: bytes_stream(), text(), json(). The caller
// owns the body and must call Close (directly, or implicitly via Text
// / JSON) exactly once.
type Response struct {
	StatusCode int
	Header     http.Header
	body       io.ReadCloser
}

// NewResponse builds a Response from an already-obtained status, header,
// and body, for Caller implementations other than GeminiClient (fakes in
// tests, or alternate backends) that still need to satisfy the same
// bytes_stream/text/json contract.
func NewResponse(statusCode int, header http.Header, body io.ReadCloser) *Response {
	return &Response{StatusCode: statusCode, Header: header, body: body}
}

// BytesStream exposes the raw response body for streaming consumption.
func (r *Response) BytesStream() io.ReadCloser { return r.body }

// Close releases the underlying connection. Safe to call after
// BytesStream has been fully drained, or instead of ever reading it.
func (r *Response) Close() error { return r.body.Close() }

// Text reads and closes the body, returning it as a string.
func (r *Response) Text() (string, error) {
	defer r.body.Close()
	b, err := io.ReadAll(r.body)
	return string(b), err
}

// JSON reads and closes the body, decoding it into v.
func (r *Response) JSON(v any) error {
	defer r.body.Close()
	return json.NewDecoder(r.body).Decode(v)
}

// GeminiClient is the concrete Caller: it sends the outbound body
// schema from spec.md §6 to the configured Gemini Cloud Code endpoint.
type GeminiClient struct {
	cfg       *config.Config
	transport *transport.Manager
}

func NewGeminiClient(cfg *config.Config, tm *transport.Manager) *GeminiClient {
	return &GeminiClient{cfg: cfg, transport: tm}
}

func (g *GeminiClient) Call(ctx context.Context, acct *account.Account, method, bearer string, body map[string]any, query string) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	url := fmt.Sprintf("%s:%s", g.cfg.GeminiUpstreamURL, method)
	if query != "" {
		url += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)
	if method == "streamGenerateContent" {
		req.Header.Set("Accept", "text/event-stream")
	}

	client := g.transport.GetClient(acct)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		body:       resp.Body,
	}, nil
}
