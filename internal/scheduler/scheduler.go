// Package scheduler selects an account from the pool for a given
// attempt, honoring sticky-session affinity and priority/round-robin
// ordering (spec.md §4.1/§4.6, supplemented by §4.5's rotation rule).
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/yansir/cc-relayer/internal/account"
	"github.com/yansir/cc-relayer/internal/config"
	"github.com/yansir/cc-relayer/internal/store"
)

// Scheduler selects accounts for requests.
type Scheduler struct {
	store    store.Store
	accounts *account.AccountStore
	cfg      *config.Config
}

func New(s store.Store, as *account.AccountStore, cfg *config.Config) *Scheduler {
	return &Scheduler{store: s, accounts: as, cfg: cfg}
}

// SelectOptions provides context for account selection.
type SelectOptions struct {
	SessionHash string   // sticky session fingerprint, empty if none
	RequestType string   // request_type, for per-account cooldown lookups
	ExcludeIDs  []string // accounts to skip (failed on this request already)
}

// Select picks the best available account for a request. When
// SessionHash is set and a sticky binding exists, it is honored unless
// the bound account is excluded or unavailable, in which case
// selection falls through to pool ranking (this is what "force_rotate"
// looks like from the scheduler's side — the token manager achieves it
// by adding the session's previous account to ExcludeIDs).
func (s *Scheduler) Select(ctx context.Context, opts SelectOptions) (*account.Account, error) {
	if opts.SessionHash != "" {
		accountID, err := s.store.GetStickySession(ctx, opts.SessionHash)
		if err == nil && accountID != "" && !contains(opts.ExcludeIDs, accountID) {
			acct, err := s.accounts.Get(ctx, accountID)
			if err == nil && acct != nil && s.isAvailable(acct, opts) {
				_ = s.store.SetStickySession(ctx, opts.SessionHash, accountID, s.cfg.SessionBindingTTL)
				return acct, nil
			}
		}
	}

	all, err := s.accounts.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	var candidates []*account.Account
	for _, acct := range all {
		if contains(opts.ExcludeIDs, acct.ID) {
			continue
		}
		if !s.isAvailable(acct, opts) {
			continue
		}
		candidates = append(candidates, acct)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no available accounts")
	}

	// priority DESC, then lastUsedAt ASC for a round-robin effect
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		ti := timeOrZero(candidates[i].LastUsedAt)
		tj := timeOrZero(candidates[j].LastUsedAt)
		return ti.Before(tj)
	})

	selected := candidates[0]

	if opts.SessionHash != "" {
		_ = s.store.SetStickySession(ctx, opts.SessionHash, selected.ID, s.cfg.SessionBindingTTL)
	}

	slog.Debug("account selected", "accountId", selected.ID, "email", selected.Email, "priority", selected.Priority)
	return selected, nil
}

// Len reports the current pool size; the token manager's Len passes it
// on to the orchestrator, which computes max_attempts (spec.md §4.5).
func (s *Scheduler) Len(ctx context.Context) int {
	ids, err := s.accounts.List(ctx)
	if err != nil {
		return 0
	}
	return len(ids)
}

func (s *Scheduler) isAvailable(acct *account.Account, opts SelectOptions) bool {
	if acct.Status != "active" {
		return false
	}
	if !acct.Schedulable {
		return false
	}
	if acct.OverloadedUntil != nil && time.Now().Before(*acct.OverloadedUntil) {
		return false
	}
	if opts.RequestType != "" && acct.Cooldowns != nil {
		if until, ok := acct.Cooldowns[opts.RequestType]; ok && time.Now().Before(until) {
			return false
		}
	}
	return true
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
