package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/yansir/cc-relayer/internal/account"
	"github.com/yansir/cc-relayer/internal/config"
	"github.com/yansir/cc-relayer/internal/store"
)

func newTestDeps(t *testing.T) (*store.SQLiteStore, *account.AccountStore) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	crypto := account.NewCrypto("0123456789abcdef0123456789abcdef")
	return s, account.NewAccountStore(s, crypto)
}

func mustCreate(t *testing.T, as *account.AccountStore, email string, priority int) *account.Account {
	t.Helper()
	acct, err := as.Create(context.Background(), email, "proj-1", "refresh-token", nil, priority)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := as.Update(context.Background(), acct.ID, map[string]string{"status": "active"}); err != nil {
		t.Fatalf("activate account: %v", err)
	}
	acct.Status = "active"
	return acct
}

func TestSelectPrefersHigherPriority(t *testing.T) {
	s, as := newTestDeps(t)
	mustCreate(t, as, "low@example.com", 10)
	high := mustCreate(t, as, "high@example.com", 90)

	sched := New(s, as, &config.Config{SessionBindingTTL: time.Hour})

	selected, err := sched.Select(context.Background(), SelectOptions{})
	if err != nil {
		t.Fatalf("Select error: %v", err)
	}
	if selected.ID != high.ID {
		t.Fatalf("Select() picked %q, want the higher-priority account %q", selected.Email, high.Email)
	}
}

func TestSelectSkipsExcludedAccounts(t *testing.T) {
	s, as := newTestDeps(t)
	a := mustCreate(t, as, "a@example.com", 50)
	b := mustCreate(t, as, "b@example.com", 50)

	sched := New(s, as, &config.Config{SessionBindingTTL: time.Hour})

	selected, err := sched.Select(context.Background(), SelectOptions{ExcludeIDs: []string{a.ID}})
	if err != nil {
		t.Fatalf("Select error: %v", err)
	}
	if selected.ID != b.ID {
		t.Fatalf("Select() = %q, want the non-excluded account %q", selected.Email, b.Email)
	}
}

func TestSelectErrorsWhenPoolExhausted(t *testing.T) {
	s, as := newTestDeps(t)
	a := mustCreate(t, as, "only@example.com", 50)

	sched := New(s, as, &config.Config{SessionBindingTTL: time.Hour})

	if _, err := sched.Select(context.Background(), SelectOptions{ExcludeIDs: []string{a.ID}}); err == nil {
		t.Fatal("expected an error when every account is excluded")
	}
}

func TestSelectSkipsNonSchedulableAndInactiveAccounts(t *testing.T) {
	s, as := newTestDeps(t)
	good := mustCreate(t, as, "good@example.com", 50)
	disabled := mustCreate(t, as, "disabled@example.com", 90)
	if err := as.Update(context.Background(), disabled.ID, map[string]string{"schedulable": "false"}); err != nil {
		t.Fatalf("disable account: %v", err)
	}

	sched := New(s, as, &config.Config{SessionBindingTTL: time.Hour})

	selected, err := sched.Select(context.Background(), SelectOptions{})
	if err != nil {
		t.Fatalf("Select error: %v", err)
	}
	if selected.ID != good.ID {
		t.Fatalf("Select() = %q, want the only schedulable account %q", selected.Email, good.Email)
	}
}

func TestSelectHonorsStickySession(t *testing.T) {
	s, as := newTestDeps(t)
	a := mustCreate(t, as, "a@example.com", 90)
	b := mustCreate(t, as, "b@example.com", 10)

	sched := New(s, as, &config.Config{SessionBindingTTL: time.Hour})

	first, err := sched.Select(context.Background(), SelectOptions{SessionHash: "sess-1"})
	if err != nil {
		t.Fatalf("Select error: %v", err)
	}
	if first.ID != a.ID {
		t.Fatalf("first Select() = %q, want the higher-priority account", first.Email)
	}

	if err := s.SetStickySession(context.Background(), "sess-1", b.ID, time.Hour); err != nil {
		t.Fatalf("seed sticky session: %v", err)
	}

	second, err := sched.Select(context.Background(), SelectOptions{SessionHash: "sess-1"})
	if err != nil {
		t.Fatalf("Select error: %v", err)
	}
	if second.ID != b.ID {
		t.Fatalf("Select() = %q, want the sticky-bound account %q", second.Email, b.Email)
	}
}

func TestSelectFallsThroughWhenStickyAccountExcluded(t *testing.T) {
	s, as := newTestDeps(t)
	a := mustCreate(t, as, "a@example.com", 50)
	b := mustCreate(t, as, "b@example.com", 40)

	sched := New(s, as, &config.Config{SessionBindingTTL: time.Hour})
	if err := s.SetStickySession(context.Background(), "sess-2", a.ID, time.Hour); err != nil {
		t.Fatalf("seed sticky session: %v", err)
	}

	selected, err := sched.Select(context.Background(), SelectOptions{SessionHash: "sess-2", ExcludeIDs: []string{a.ID}})
	if err != nil {
		t.Fatalf("Select error: %v", err)
	}
	if selected.ID != b.ID {
		t.Fatalf("Select() = %q, want fallback to %q once the sticky account is excluded", selected.Email, b.Email)
	}
}

func TestSelectSkipsAccountsInCooldownForRequestType(t *testing.T) {
	s, as := newTestDeps(t)
	cooling := mustCreate(t, as, "cooling@example.com", 90)
	healthy := mustCreate(t, as, "healthy@example.com", 10)

	cooldowns := map[string]time.Time{"chat": time.Now().Add(time.Hour)}
	cdJSON := `{"chat":"` + cooldowns["chat"].UTC().Format(time.RFC3339) + `"}`
	if err := as.Update(context.Background(), cooling.ID, map[string]string{"cooldowns": cdJSON}); err != nil {
		t.Fatalf("set cooldown: %v", err)
	}

	sched := New(s, as, &config.Config{SessionBindingTTL: time.Hour})

	selected, err := sched.Select(context.Background(), SelectOptions{RequestType: "chat"})
	if err != nil {
		t.Fatalf("Select error: %v", err)
	}
	if selected.ID != healthy.ID {
		t.Fatalf("Select() = %q, want the account without a cooldown %q", selected.Email, healthy.Email)
	}
}

func TestLenReportsPoolSize(t *testing.T) {
	s, as := newTestDeps(t)
	mustCreate(t, as, "a@example.com", 50)
	mustCreate(t, as, "b@example.com", 50)

	sched := New(s, as, &config.Config{SessionBindingTTL: time.Hour})

	if got := sched.Len(context.Background()); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
}
