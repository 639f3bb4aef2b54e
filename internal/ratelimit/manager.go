// Package ratelimit tracks per-account, per-request-type cooldowns on
// behalf of the token manager's mark_rate_limited/mark_success
// operations (C5).
package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yansir/cc-relayer/internal/events"
	"github.com/yansir/cc-relayer/internal/store"
)

// Manager tracks upstream rate limits observed on pooled accounts.
type Manager struct {
	store store.Store
	bus   *events.Bus
}

func NewManager(s store.Store) *Manager {
	return &Manager{store: s}
}

// WithBus attaches an event bus so rate-limit/recovery transitions are
// published for the admin-visible event stream, the way the teacher's
// server package feeds its own bus subscribers. Returns m for chaining
// at construction time.
func (m *Manager) WithBus(bus *events.Bus) *Manager {
	m.bus = bus
	return m
}

// MarkRateLimited records that an account hit a retryable status for a
// given request type, honoring an explicit Retry-After duration when
// present and falling back to a status-keyed default cooldown
// otherwise. It is asynchronous/best-effort by contract (C5) — callers
// invoke it in a goroutine and never wait on it.
func (m *Manager) MarkRateLimited(ctx context.Context, accountID string, status int, retryAfter time.Duration, errorText, requestType string) {
	until := time.Now().Add(cooldownFor(status, retryAfter))

	data, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		slog.Warn("mark_rate_limited: get account failed", "accountId", accountID, "error", err)
		return
	}

	cooldowns := decodeCooldowns(data["cooldowns"])
	cooldowns[requestType] = until

	fields := map[string]string{
		"cooldowns":       encodeCooldowns(cooldowns),
		"overloadedUntil": until.Format(time.RFC3339),
	}
	if err := m.store.SetAccountFields(ctx, accountID, fields); err != nil {
		slog.Warn("mark_rate_limited: persist failed", "accountId", accountID, "error", err)
		return
	}
	slog.Warn("account rate limited", "accountId", accountID, "status", status, "requestType", requestType, "until", until, "error", errorText)
	m.publish(events.EventRateLimit, accountID, errorText)
}

// MarkSuccess resets any consecutive-failure bookkeeping for an
// account after a confirmed useful result.
func (m *Manager) MarkSuccess(ctx context.Context, accountID string) {
	_ = m.store.SetAccountField(ctx, accountID, "consecutiveFailures", "0")
}

// publish is a no-op when no bus was attached — WithBus is optional,
// tests construct a bare Manager without one.
func (m *Manager) publish(typ events.EventType, accountID, msg string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{Type: typ, AccountID: accountID, Message: msg, Timestamp: time.Now()})
}

// CaptureHeaders honors an upstream Retry-After header when present,
// independent of the status-driven mark_rate_limited call.
func (m *Manager) CaptureHeaders(ctx context.Context, accountID string, headers http.Header) time.Duration {
	ra := headers.Get("Retry-After")
	if ra == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(ra)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(ra); err == nil {
		return time.Until(t)
	}
	return 0
}

// RunCleanup periodically clears expired cooldowns so accounts rejoin
// the pool without requiring a request to observe their expiry.
func (m *Manager) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup(ctx)
		}
	}
}

func (m *Manager) cleanup(ctx context.Context) {
	ids, err := m.store.ListAccountIDs(ctx)
	if err != nil {
		slog.Error("cleanup list accounts", "error", err)
		return
	}

	now := time.Now()
	for _, id := range ids {
		data, err := m.store.GetAccount(ctx, id)
		if err != nil {
			continue
		}

		if until, err := time.Parse(time.RFC3339, data["overloadedUntil"]); err == nil {
			if now.After(until) {
				_ = m.store.SetAccountFields(ctx, id, map[string]string{"overloadedUntil": ""})
				m.publish(events.EventRecover, id, "cooldown expired")
			}
		}

		cooldowns := decodeCooldowns(data["cooldowns"])
		changed := false
		for rt, until := range cooldowns {
			if now.After(until) {
				delete(cooldowns, rt)
				changed = true
			}
		}
		if changed {
			_ = m.store.SetAccountField(ctx, id, "cooldowns", encodeCooldowns(cooldowns))
		}
	}
}

func decodeCooldowns(raw string) map[string]time.Time {
	out := make(map[string]time.Time)
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func encodeCooldowns(m map[string]time.Time) string {
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

func cooldownFor(status int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	switch status {
	case http.StatusTooManyRequests:
		return time.Minute
	case http.StatusInternalServerError, http.StatusServiceUnavailable:
		return 2 * time.Minute
	case 529:
		return 5 * time.Minute
	default:
		return 30 * time.Second
	}
}
