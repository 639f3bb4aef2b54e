package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newStoreForTest(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPingSucceedsOnFreshStore(t *testing.T) {
	s := newStoreForTest(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping error: %v", err)
	}
}

func TestSetAndGetAccountRoundTrips(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()

	if err := s.SetAccount(ctx, "acct-1", map[string]string{"email": "a@example.com", "status": "active"}); err != nil {
		t.Fatalf("SetAccount: %v", err)
	}

	got, err := s.GetAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got["email"] != "a@example.com" || got["status"] != "active" {
		t.Fatalf("GetAccount() = %+v", got)
	}
}

func TestSetAccountFieldUpdatesSingleField(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()
	_ = s.SetAccount(ctx, "acct-1", map[string]string{"email": "a@example.com", "status": "created"})

	if err := s.SetAccountField(ctx, "acct-1", "status", "active"); err != nil {
		t.Fatalf("SetAccountField: %v", err)
	}

	got, _ := s.GetAccount(ctx, "acct-1")
	if got["status"] != "active" || got["email"] != "a@example.com" {
		t.Fatalf("GetAccount() after field update = %+v", got)
	}
}

func TestDeleteAccountRemovesItFromListing(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()
	_ = s.SetAccount(ctx, "acct-1", map[string]string{"email": "a@example.com"})
	_ = s.SetAccount(ctx, "acct-2", map[string]string{"email": "b@example.com"})

	if err := s.DeleteAccount(ctx, "acct-1"); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}

	ids, err := s.ListAccountIDs(ctx)
	if err != nil {
		t.Fatalf("ListAccountIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "acct-2" {
		t.Fatalf("ListAccountIDs() = %v, want only acct-2", ids)
	}
}

func TestStickySessionRoundTripsUntilExpiry(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()

	if err := s.SetStickySession(ctx, "hash-1", "acct-1", time.Hour); err != nil {
		t.Fatalf("SetStickySession: %v", err)
	}
	got, err := s.GetStickySession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetStickySession: %v", err)
	}
	if got != "acct-1" {
		t.Fatalf("GetStickySession() = %q", got)
	}
}

func TestStickySessionExpiresAfterTTL(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()

	if err := s.SetStickySession(ctx, "hash-1", "acct-1", time.Millisecond); err != nil {
		t.Fatalf("SetStickySession: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	got, err := s.GetStickySession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetStickySession: %v", err)
	}
	if got != "" {
		t.Fatalf("GetStickySession() = %q, want empty after expiry", got)
	}
}

func TestSessionBindingRenewExtendsExpiry(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()

	if err := s.SetSessionBinding(ctx, "sess-1", "acct-1", 50*time.Millisecond); err != nil {
		t.Fatalf("SetSessionBinding: %v", err)
	}
	if err := s.RenewSessionBinding(ctx, "sess-1", time.Hour); err != nil {
		t.Fatalf("RenewSessionBinding: %v", err)
	}
	time.Sleep(80 * time.Millisecond)

	got, err := s.GetSessionBinding(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSessionBinding: %v", err)
	}
	if got["accountId"] != "acct-1" && got["accountID"] != "acct-1" {
		t.Fatalf("expected binding to survive renewal, got %+v", got)
	}
}

func TestRefreshLockIsExclusiveUntilReleased(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()

	ok, err := s.AcquireRefreshLock(ctx, "acct-1", "lock-a")
	if err != nil || !ok {
		t.Fatalf("first AcquireRefreshLock = %v, %v, want true", ok, err)
	}

	ok2, err := s.AcquireRefreshLock(ctx, "acct-1", "lock-b")
	if err != nil {
		t.Fatalf("second AcquireRefreshLock error: %v", err)
	}
	if ok2 {
		t.Fatal("expected second AcquireRefreshLock to fail while the first holds the lock")
	}

	if err := s.ReleaseRefreshLock(ctx, "acct-1", "lock-a"); err != nil {
		t.Fatalf("ReleaseRefreshLock: %v", err)
	}

	ok3, err := s.AcquireRefreshLock(ctx, "acct-1", "lock-b")
	if err != nil || !ok3 {
		t.Fatalf("AcquireRefreshLock after release = %v, %v, want true", ok3, err)
	}
}

func TestOAuthSessionGetDelConsumesTheSession(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()

	if err := s.SetOAuthSession(ctx, "sess-1", `{"state":"abc"}`, time.Hour); err != nil {
		t.Fatalf("SetOAuthSession: %v", err)
	}

	data, err := s.GetDelOAuthSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetDelOAuthSession: %v", err)
	}
	if data != `{"state":"abc"}` {
		t.Fatalf("GetDelOAuthSession() = %q", data)
	}

	again, err := s.GetDelOAuthSession(ctx, "sess-1")
	if err == nil {
		t.Fatal("expected an error from GetDelOAuthSession for an already-consumed session")
	}
	if again != "" {
		t.Fatalf("expected the session to be consumed, got %q", again)
	}
}

func TestCreateUserAndLookupByTokenHash(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()

	u := &User{ID: "u1", Name: "alice", TokenHash: "hash-abc", Status: "active", CreatedAt: time.Now().UTC()}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	got, err := s.GetUserByTokenHash(ctx, "hash-abc")
	if err != nil {
		t.Fatalf("GetUserByTokenHash: %v", err)
	}
	if got == nil || got.Name != "alice" {
		t.Fatalf("GetUserByTokenHash() = %+v", got)
	}
}

func TestGetUserByTokenHashUnknownReturnsNil(t *testing.T) {
	s := newStoreForTest(t)
	got, err := s.GetUserByTokenHash(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("GetUserByTokenHash: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for an unknown token hash, got %+v", got)
	}
}

func TestUpdateUserStatusPersists(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()
	u := &User{ID: "u1", Name: "alice", TokenHash: "hash-abc", Status: "active", CreatedAt: time.Now().UTC()}
	_ = s.CreateUser(ctx, u)

	if err := s.UpdateUserStatus(ctx, "u1", "disabled"); err != nil {
		t.Fatalf("UpdateUserStatus: %v", err)
	}

	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 1 || users[0].Status != "disabled" {
		t.Fatalf("ListUsers() = %+v", users)
	}
}

func TestDeleteUserRemovesIt(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()
	_ = s.CreateUser(ctx, &User{ID: "u1", Name: "alice", TokenHash: "hash-abc", Status: "active", CreatedAt: time.Now().UTC()})

	if err := s.DeleteUser(ctx, "u1"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}

	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("ListUsers() = %+v, want empty after delete", users)
	}
}

func TestInsertAndQueryRequestLogs(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()

	log := &RequestLog{
		UserID: "u1", AccountID: "acct-1", Model: "gpt-4o",
		InputTokens: 10, OutputTokens: 20, CostUSD: 0.01,
		Status: "success", DurationMs: 150, CreatedAt: time.Now().UTC(),
	}
	if err := s.InsertRequestLog(ctx, log); err != nil {
		t.Fatalf("InsertRequestLog: %v", err)
	}

	logs, total, err := s.QueryRequestLogs(ctx, RequestLogQuery{UserID: "u1", Limit: 10})
	if err != nil {
		t.Fatalf("QueryRequestLogs: %v", err)
	}
	if total != 1 || len(logs) != 1 {
		t.Fatalf("QueryRequestLogs() = %d logs, total %d, want 1/1", len(logs), total)
	}
	if logs[0].Model != "gpt-4o" {
		t.Fatalf("logs[0].Model = %q", logs[0].Model)
	}
}

func TestPurgeOldLogsRemovesOnlyStaleEntries(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()

	old := &RequestLog{UserID: "u1", Model: "gpt-4o", Status: "success", CreatedAt: time.Now().UTC().Add(-48 * time.Hour)}
	fresh := &RequestLog{UserID: "u1", Model: "gpt-4o", Status: "success", CreatedAt: time.Now().UTC()}
	_ = s.InsertRequestLog(ctx, old)
	_ = s.InsertRequestLog(ctx, fresh)

	n, err := s.PurgeOldLogs(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeOldLogs: %v", err)
	}
	if n != 1 {
		t.Fatalf("PurgeOldLogs() purged %d, want 1", n)
	}

	_, total, err := s.QueryRequestLogs(ctx, RequestLogQuery{Limit: 10})
	if err != nil {
		t.Fatalf("QueryRequestLogs: %v", err)
	}
	if total != 1 {
		t.Fatalf("remaining logs = %d, want 1", total)
	}
}
