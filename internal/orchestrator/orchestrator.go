// Package orchestrator implements the request orchestrator (C10):
// the top-level state machine that ties the normalizer, model router,
// request config resolver, session affinity, token manager, upstream
// invoker, and the two SSE helpers together for every text-completion
// endpoint (spec.md §4.10). It serves /v1/chat/completions,
// /v1/completions, and /v1/responses behind one shared handler, since
// the dialect each body carries — not the URL it arrived on — decides
// how the normalizer and the non-streaming response projection behave.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/yansir/cc-relayer/internal/canon"
	"github.com/yansir/cc-relayer/internal/config"
	"github.com/yansir/cc-relayer/internal/events"
	"github.com/yansir/cc-relayer/internal/httperr"
	"github.com/yansir/cc-relayer/internal/modelrouter"
	"github.com/yansir/cc-relayer/internal/normalize"
	"github.com/yansir/cc-relayer/internal/reqconfig"
	"github.com/yansir/cc-relayer/internal/retry"
	"github.com/yansir/cc-relayer/internal/session"
	"github.com/yansir/cc-relayer/internal/sseutil"
	"github.com/yansir/cc-relayer/internal/tokenmanager"
	"github.com/yansir/cc-relayer/internal/translate"
	"github.com/yansir/cc-relayer/internal/upstream"
)

// Orchestrator ties C1-C9 together behind the three text endpoints.
type Orchestrator struct {
	cfg    *config.Config
	router *modelrouter.Router
	tokens tokenmanager.TokenSource
	caller upstream.Caller
	bus    *events.Bus
}

func New(cfg *config.Config, router *modelrouter.Router, tokens tokenmanager.TokenSource, caller upstream.Caller) *Orchestrator {
	return &Orchestrator{cfg: cfg, router: router, tokens: tokens, caller: caller}
}

// WithBus attaches an event bus for rotate/signature-recovery/exhausted
// transitions, the way the teacher's admin package feeds its own bus
// subscribers from the request path. Returns o for chaining at
// construction time; nil bus (the zero value) is a valid no-op state.
func (o *Orchestrator) WithBus(bus *events.Bus) *Orchestrator {
	o.bus = bus
	return o
}

func (o *Orchestrator) publish(typ events.EventType, msg string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{Type: typ, Message: msg, Timestamp: time.Now()})
}

// Handle serves /v1/chat/completions, /v1/completions, and
// /v1/responses: all three run the same 10-step loop (spec.md §4.10);
// only the non-streaming projection at the end differs, and that
// depends on the body's dialect rather than which of the three routes
// was hit.
func (o *Orchestrator) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := decodeBody(r, o.cfg.MaxRequestBodyMB)
	if err != nil {
		w.Header().Set("X-Mapped-Model", o.router.Resolve(""))
		writeJSONError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: "+err.Error())
		return
	}

	legacy := normalize.IsLegacyPrompt(body)
	canonReq := normalize.Normalize(body)
	clientWantsStream := canonReq.Stream

	// 1. Resolve model route, once, outside the retry loop.
	mappedModel := o.router.Resolve(canonReq.Model)
	// 2. Resolve request config.
	reqCfg := reqconfig.Resolve(canonReq.Model, mappedModel, canonReq.Tools)
	// 3. Extract session fingerprint.
	sessionFP := session.Compute(*canonReq, extractConversationID(body))

	traceID := fmt.Sprintf("req_%03d", time.Now().Nanosecond()/1_000_000)
	attempts := maxAttempts(o.tokens.Len(ctx))

	var lastErr string
	var lastEmail string
	forceRotate := false

	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return
		}

		// 4. get_token.
		ticket, err := o.tokens.GetToken(ctx, reqCfg.RequestType, forceRotate, string(sessionFP), mappedModel)
		if err != nil {
			w.Header().Set("X-Mapped-Model", mappedModel)
			writeJSONError(w, http.StatusServiceUnavailable, "api_error", fmt.Sprintf("Token error: %v", err))
			return
		}
		lastEmail = ticket.Email

		acct, err := o.tokens.ResolveAccount(ctx, ticket.Email)
		if err != nil {
			lastErr = err.Error()
			forceRotate = true
			continue
		}

		// 5. Translate to the Gemini wire body.
		geminiBody := translate.ToGeminiBody(canonReq, reqCfg, ticket.ProjectID, mappedModel, "chat-"+uuid.New().String())

		// 6. Always open a streaming upstream call (spec.md §9c):
		// better quota behavior than generateContent regardless of
		// what the client asked for; clientWantsStream only changes
		// how the *result* is delivered.
		resp, err := o.caller.Call(ctx, acct, "streamGenerateContent", ticket.AccessToken, geminiBody, "alt=sse")
		if err != nil {
			lastErr = err.Error()
			forceRotate = true
			slog.Debug("orchestrator: upstream call failed", "attempt", attempt, "email", ticket.Email, "error", err)
			continue
		}

		if resp.StatusCode >= 400 {
			rotateNext, terminalBody := o.handleFailure(ctx, resp, ticket.Email, mappedModel, attempt, canonReq, &lastErr)
			if terminalBody != nil {
				w.Header().Set("X-Mapped-Model", mappedModel)
				w.Header().Set("X-Account-Email", ticket.Email)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(resp.StatusCode)
				w.Write(terminalBody)
				return
			}
			if rotateNext {
				o.publish(events.EventRotate, fmt.Sprintf("rotating off %s after status %d", ticket.Email, resp.StatusCode))
			}
			forceRotate = rotateNext
			continue
		}

		// 8. Peek the stream before committing to anything.
		reader := &translatingReader{raw: sseutil.NewChunkReader(resp.BytesStream()), id: traceID, model: mappedModel}
		first, err := sseutil.Peek(ctx, reader, o.cfg.PeekTimeout)
		if err != nil {
			resp.Close()
			var sig *sseutil.SignalRetry
			if errors.As(err, &sig) {
				lastErr = sig.Reason
				forceRotate = true
				slog.Debug("orchestrator: peek signaled retry", "attempt", attempt, "email", ticket.Email, "reason", sig.Reason)
				continue
			}
			return // client disconnected or context canceled
		}

		o.tokens.MarkSuccess(ticket.Email)

		if clientWantsStream {
			o.streamPassthrough(w, first, reader, resp, ticket.Email, mappedModel)
			return
		}

		result := sseutil.Collect(first, reader, traceID, mappedModel)
		resp.Close()
		if legacy {
			result = projectLegacy(result)
		}
		w.Header().Set("X-Mapped-Model", mappedModel)
		w.Header().Set("X-Account-Email", ticket.Email)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(result)
		return
	}

	// 10. Attempts exhausted.
	o.publish(events.EventExhausted, fmt.Sprintf("all accounts exhausted: %s", lastErr))
	w.Header().Set("X-Mapped-Model", mappedModel)
	if lastEmail != "" {
		w.Header().Set("X-Account-Email", lastEmail)
	}
	writeJSONError(w, http.StatusTooManyRequests, "rate_limit_error", fmt.Sprintf("All accounts exhausted. Last error: %s", lastErr))
}

// handleFailure classifies a >=400 upstream response (step 9). For a
// retryable strategy it sleeps and returns the force_rotate value the
// next attempt's get_token call should use, with a nil body. For the
// non-retryable "everything else" path it returns the labeled body the
// caller must forward verbatim, status unchanged.
func (o *Orchestrator) handleFailure(ctx context.Context, resp *upstream.Response, email, mappedModel string, attempt int, canonReq *canon.CanonicalChatRequest, lastErr *string) (forceRotateNext bool, terminalBody []byte) {
	retryAfter := resp.Header.Get("Retry-After")
	errText, _ := resp.Text()
	*lastErr = errText

	strategy := retry.Classify(resp.StatusCode, errText, false, retryAfter)
	strategy.BackoffAttempt = attempt

	if retry.MarksRateLimit(resp.StatusCode) {
		var delay time.Duration
		if strategy.Kind == canon.RetryAfterHeader {
			delay = strategy.Delay
		}
		o.tokens.MarkRateLimited(email, resp.StatusCode, delay, errText, mappedModel)
	}

	switch {
	case strategy.SignatureRecovery:
		normalize.AppendRecoveryPrompt(canonReq, o.cfg.SignatureRecoveryPrompt)
		slog.Info("signature recovery: retrying same account", "attempt", attempt, "email", email)
		o.publish(events.EventSignatureFix, fmt.Sprintf("repairing signature on %s, attempt %d", email, attempt))
		return false, nil

	case strategy.Kind == canon.RetryNone:
		return false, httperr.Label(resp.StatusCode, []byte(errText))

	default:
		if !strategy.Rotate {
			slog.Debug("retry: keeping same account", "status", resp.StatusCode, "email", email)
		}
		sleepCtx(ctx, delayFor(strategy))
		return strategy.Rotate, nil
	}
}

func (o *Orchestrator) streamPassthrough(w http.ResponseWriter, first []byte, reader *translatingReader, resp *upstream.Response, email, mappedModel string) {
	defer resp.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Mapped-Model", mappedModel)
	w.Header().Set("X-Account-Email", email)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	w.Write(first)
	if flusher != nil {
		flusher.Flush()
	}

	for {
		chunk, err := reader.Next()
		if err != nil {
			break
		}
		if sseutil.IsHeartbeat(chunk) {
			continue
		}
		if _, err := w.Write(chunk); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// translatingReader adapts a raw Gemini SSE ChunkReader into an
// sseutil.NextReader of already-OpenAI-shaped chunks, so Peek/Collect
// never need to know about Gemini's wire format (internal/sseutil
// stays translate-agnostic; see its package doc).
type translatingReader struct {
	raw       *sseutil.ChunkReader
	id, model string
}

func (t *translatingReader) Next() ([]byte, error) {
	chunk, err := t.raw.Next()
	if err != nil {
		return nil, err
	}
	return translate.TranslateChunk(chunk, t.id, t.model), nil
}

// maxAttempts implements spec.md §4.5's advisory pool-size rule:
// max(2, min(3, pool_size+1)).
func maxAttempts(poolSize int) int {
	n := poolSize + 1
	if n > 3 {
		n = 3
	}
	if n < 2 {
		n = 2
	}
	return n
}

// delayFor computes the actual sleep for a retry strategy, resolving
// the exponential-backoff case against the attempt already stamped
// onto strategy.BackoffAttempt by the caller.
func delayFor(s canon.RetryStrategy) time.Duration {
	switch s.Kind {
	case canon.RetryExponentialBackoff:
		return s.BackoffDelay()
	default:
		return s.Delay
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// projectLegacy converts a collected chat.completion object into the
// Legacy Completions shape (spec.md §4.10 step 8): message.content
// becomes choices[].text, and object becomes "text_completion".
func projectLegacy(resp map[string]any) map[string]any {
	choices, _ := resp["choices"].([]any)
	out := make([]any, 0, len(choices))
	for _, c := range choices {
		choice, ok := c.(map[string]any)
		if !ok {
			continue
		}
		text := ""
		if msg, ok := choice["message"].(map[string]any); ok {
			text, _ = msg["content"].(string)
		}
		out = append(out, map[string]any{
			"index":         choice["index"],
			"text":          text,
			"finish_reason": choice["finish_reason"],
		})
	}
	resp["object"] = "text_completion"
	resp["choices"] = out
	return resp
}

// extractConversationID pulls a stable client-supplied conversation
// identifier out of the raw body, the way the session fingerprint
// (C6) expects to receive one: metadata.user_id first (the OpenAI
// convention this relay's clients use for Claude-Code-style session
// ids), then a bare top-level "user" field.
func extractConversationID(body map[string]any) string {
	if metadata, ok := body["metadata"].(map[string]any); ok {
		if uid, ok := metadata["user_id"].(string); ok && uid != "" {
			return uid
		}
	}
	if u, ok := body["user"].(string); ok {
		return u
	}
	return ""
}

func decodeBody(r *http.Request, maxMB int) (map[string]any, error) {
	defer r.Body.Close()
	if maxMB <= 0 {
		maxMB = 60
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, int64(maxMB)<<20))
	if err != nil {
		return nil, err
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	return body, nil
}

func writeJSONError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"type": errType, "message": msg},
	})
}
