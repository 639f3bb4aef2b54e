// Package tokenmanager implements C5's contract: select an account,
// mark it rate-limited or successful, and report pool size. TokenSource
// is the spec's interface (spec.md §4.5); Manager is this repo's own
// concrete, pool-backed implementation of it — a runnable module needs
// a default, not just the interface.
package tokenmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yansir/cc-relayer/internal/account"
	"github.com/yansir/cc-relayer/internal/canon"
	"github.com/yansir/cc-relayer/internal/ratelimit"
	"github.com/yansir/cc-relayer/internal/reqconfig"
	"github.com/yansir/cc-relayer/internal/scheduler"
)

// TokenSource is the externally-consumed contract C10 orchestrates
// against (spec.md §4.5).
type TokenSource interface {
	GetToken(ctx context.Context, requestType canon.RequestType, forceRotate bool, sessionID string, mappedModel string) (canon.AccountTicket, error)
	MarkRateLimited(email string, status int, retryAfter time.Duration, errorText, mappedModel string)
	MarkSuccess(email string)
	Len(ctx context.Context) int
	// ResolveAccount looks up the full account record behind a ticket's
	// email, for callers (the upstream invoker) that need per-account
	// transport selection beyond the fixed AccountTicket shape.
	ResolveAccount(ctx context.Context, email string) (*account.Account, error)
}

// Manager is the pool-backed TokenSource: it asks the scheduler for an
// account, ensures its OAuth access token is fresh, and forwards
// outcome signals to the rate-limit tracker.
type Manager struct {
	scheduler *scheduler.Scheduler
	accounts  *account.AccountStore
	oauth     *account.TokenManager
	ratelimit *ratelimit.Manager

	mu          sync.Mutex
	lastSession map[string]string // sessionID -> last-selected account ID, for force_rotate
	emailToID   map[string]string // email -> account ID, for mark_* by email
}

func New(sched *scheduler.Scheduler, as *account.AccountStore, oauth *account.TokenManager, rl *ratelimit.Manager) *Manager {
	return &Manager{
		scheduler:   sched,
		accounts:    as,
		oauth:       oauth,
		ratelimit:   rl,
		lastSession: make(map[string]string),
		emailToID:   make(map[string]string),
	}
}

// GetToken selects an account, ensures its access token is valid, and
// returns a ticket for one attempt. When forceRotate is set and
// sessionID has a remembered prior selection, that account is excluded
// so a different one is returned if available (spec.md §4.5).
func (m *Manager) GetToken(ctx context.Context, requestType canon.RequestType, forceRotate bool, sessionID, mappedModel string) (canon.AccountTicket, error) {
	var exclude []string
	if forceRotate && sessionID != "" {
		m.mu.Lock()
		if prev, ok := m.lastSession[sessionID]; ok {
			exclude = append(exclude, prev)
		}
		m.mu.Unlock()
	}

	acct, err := m.scheduler.Select(ctx, scheduler.SelectOptions{
		SessionHash: sessionID,
		RequestType: string(requestType),
		ExcludeIDs:  exclude,
	})
	if err != nil {
		return canon.AccountTicket{}, err
	}

	accessToken, err := m.oauth.EnsureValidToken(ctx, acct.ID)
	if err != nil {
		return canon.AccountTicket{}, err
	}

	now := time.Now().UTC()
	_ = m.accounts.Update(ctx, acct.ID, map[string]string{
		"lastUsedAt": now.Format(time.RFC3339),
	})

	m.mu.Lock()
	if sessionID != "" {
		m.lastSession[sessionID] = acct.ID
	}
	m.emailToID[acct.Email] = acct.ID
	m.mu.Unlock()

	return canon.AccountTicket{
		AccessToken: accessToken,
		ProjectID:   acct.ProjectID,
		Email:       acct.Email,
	}, nil
}

// MarkRateLimited is asynchronous and best-effort by contract (C5) — it
// never blocks the hot path. The cooldown is recorded under the request
// type that mappedModel alone resolves to (image, code-assist or chat),
// the key the scheduler checks; a web-search tool is not visible here.
func (m *Manager) MarkRateLimited(email string, status int, retryAfter time.Duration, errorText, mappedModel string) {
	id := m.resolveID(email)
	if id == "" {
		return
	}
	requestType := string(reqconfig.Resolve("", mappedModel, nil).RequestType)
	go m.ratelimit.MarkRateLimited(context.Background(), id, status, retryAfter, errorText, requestType)
}

// MarkSuccess resets consecutive-failure bookkeeping for the account.
func (m *Manager) MarkSuccess(email string) {
	id := m.resolveID(email)
	if id == "" {
		return
	}
	go m.ratelimit.MarkSuccess(context.Background(), id)
}

// Len reports the current pool size; the orchestrator treats it as
// advisory only (spec.md §4.5).
func (m *Manager) Len(ctx context.Context) int {
	return m.scheduler.Len(ctx)
}

// ResolveAccount looks up the full account record for email, using the
// id cached at selection time.
func (m *Manager) ResolveAccount(ctx context.Context, email string) (*account.Account, error) {
	id := m.resolveID(email)
	if id == "" {
		return nil, fmt.Errorf("tokenmanager: no account cached for email %q", email)
	}
	return m.accounts.Get(ctx, id)
}

func (m *Manager) resolveID(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emailToID[email]
}
