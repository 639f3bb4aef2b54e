package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// bindingEntry holds session binding data in memory.
type bindingEntry struct {
	AccountID  string
	CreatedAt  string
	LastUsedAt string
}

// SQLiteStore implements Store using SQLite for durable account/user/log
// persistence and in-memory maps for ephemeral data (sticky sessions,
// session bindings, OAuth PKCE sessions, refresh locks).
type SQLiteStore struct {
	db            *sql.DB
	sticky        *TTLMap[string]
	bindings      *TTLMap[bindingEntry]
	oauthSessions *TTLMap[string]
	refreshLocks  sync.Map // accountID → *sync.Mutex
	cleanupCancel context.CancelFunc
}

// New creates a SQLiteStore, initializes the schema, and starts background cleanup.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &SQLiteStore{
		db:            db,
		sticky:        NewTTLMap[string](),
		bindings:      NewTTLMap[bindingEntry](),
		oauthSessions: NewTTLMap[string](),
		cleanupCancel: cancel,
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sticky.Cleanup()
				s.bindings.Cleanup()
				s.oauthSessions.Cleanup()
			}
		}
	}()

	return s, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLiteStore) Close() error                    { s.cleanupCancel(); return s.db.Close() }

// ---------------------------------------------------------------------------
// Field mapping: Account struct key (camelCase) ↔ SQLite snake_case column
// ---------------------------------------------------------------------------

type colInfo struct {
	col  string
	conv func(string) interface{}
}

var fieldMap = map[string]colInfo{
	"id":                  {"id", sqlStr},
	"email":               {"email", sqlStr},
	"projectId":           {"project_id", sqlStr},
	"status":              {"status", sqlStr},
	"schedulable":         {"schedulable", sqlBool},
	"priority":            {"priority", sqlInt},
	"errorMessage":        {"error_message", sqlStr},
	"refreshToken":        {"refresh_token_enc", sqlStr},
	"accessToken":         {"access_token_enc", sqlStr},
	"expiresAt":           {"expires_at", sqlInt64},
	"createdAt":           {"created_at", sqlTime},
	"lastUsedAt":          {"last_used_at", sqlTimeNullable},
	"lastRefreshAt":       {"last_refresh_at", sqlTimeNullable},
	"proxy":               {"proxy_json", sqlStr},
	"cooldowns":           {"cooldowns_json", sqlStr},
	"overloadedUntil":     {"overloaded_until", sqlTimeNullable},
	"consecutiveFailures": {"consecutive_failures", sqlInt},
}

func sqlStr(s string) interface{}  { return s }
func sqlBool(s string) interface{} { return boolInt(s == "true") }
func sqlInt(s string) interface{}  { n, _ := strconv.Atoi(s); return n }
func sqlInt64(s string) interface{} {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
func sqlTime(s string) interface{} {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now().Unix()
	}
	return t.Unix()
}
func sqlTimeNullable(s string) interface{} {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return t.Unix()
}
func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
func boolStr(v int) string {
	if v != 0 {
		return "true"
	}
	return "false"
}

func setTimeField(m map[string]string, key string, v sql.NullInt64) {
	if v.Valid && v.Int64 > 0 {
		m[key] = time.Unix(v.Int64, 0).UTC().Format(time.RFC3339)
	}
}

// ---------------------------------------------------------------------------
// Sticky session (in-memory)
// ---------------------------------------------------------------------------

func (s *SQLiteStore) GetStickySession(_ context.Context, hash string) (string, error) {
	v, ok := s.sticky.Get(hash)
	if !ok {
		return "", nil
	}
	return v, nil
}

func (s *SQLiteStore) SetStickySession(_ context.Context, hash, accountID string, ttl time.Duration) error {
	s.sticky.Set(hash, accountID, ttl)
	return nil
}

// ---------------------------------------------------------------------------
// Session binding (in-memory)
// ---------------------------------------------------------------------------

func (s *SQLiteStore) GetSessionBinding(_ context.Context, sessionUUID string) (map[string]string, error) {
	e, ok := s.bindings.Get(sessionUUID)
	if !ok {
		return nil, nil
	}
	return map[string]string{
		"accountId":  e.AccountID,
		"createdAt":  e.CreatedAt,
		"lastUsedAt": e.LastUsedAt,
	}, nil
}

func (s *SQLiteStore) SetSessionBinding(_ context.Context, sessionUUID, accountID string, ttl time.Duration) error {
	now := time.Now().UTC().Format(time.RFC3339)
	s.bindings.Set(sessionUUID, bindingEntry{
		AccountID:  accountID,
		CreatedAt:  now,
		LastUsedAt: now,
	}, ttl)
	return nil
}

func (s *SQLiteStore) RenewSessionBinding(_ context.Context, sessionUUID string, ttl time.Duration) error {
	s.bindings.Update(sessionUUID, func(e *bindingEntry) {
		e.LastUsedAt = time.Now().UTC().Format(time.RFC3339)
	}, ttl)
	return nil
}

func (s *SQLiteStore) ListSessionBindingsForAccount(_ context.Context, accountID string) ([]SessionBindingInfo, error) {
	entries := s.bindings.Entries()
	result := make([]SessionBindingInfo, 0)
	for _, e := range entries {
		if e.Value.AccountID != accountID {
			continue
		}
		result = append(result, SessionBindingInfo{
			SessionUUID: e.Key,
			AccountID:   e.Value.AccountID,
			CreatedAt:   e.Value.CreatedAt,
			LastUsedAt:  e.Value.LastUsedAt,
			ExpiresAt:   e.ExpiresAt,
		})
	}
	return result, nil
}

// ---------------------------------------------------------------------------
// Token refresh lock (in-memory mutex)
// ---------------------------------------------------------------------------

func (s *SQLiteStore) AcquireRefreshLock(_ context.Context, accountID, _ string) (bool, error) {
	mu, _ := s.refreshLocks.LoadOrStore(accountID, &sync.Mutex{})
	return mu.(*sync.Mutex).TryLock(), nil
}

func (s *SQLiteStore) ReleaseRefreshLock(_ context.Context, accountID, _ string) error {
	mu, ok := s.refreshLocks.Load(accountID)
	if ok {
		mu.(*sync.Mutex).Unlock()
	}
	return nil
}

// ---------------------------------------------------------------------------
// OAuth session (in-memory with TTL)
// ---------------------------------------------------------------------------

func (s *SQLiteStore) SetOAuthSession(_ context.Context, sessionID, data string, ttl time.Duration) error {
	s.oauthSessions.Set(sessionID, data, ttl)
	return nil
}

func (s *SQLiteStore) GetDelOAuthSession(_ context.Context, sessionID string) (string, error) {
	v, ok := s.oauthSessions.GetAndDelete(sessionID)
	if !ok {
		return "", fmt.Errorf("invalid or expired session")
	}
	return v, nil
}

// ---------------------------------------------------------------------------
// WebUI: in-memory state views
// ---------------------------------------------------------------------------

func (s *SQLiteStore) ListSessionBindings(_ context.Context) ([]SessionBindingInfo, error) {
	entries := s.bindings.Entries()
	result := make([]SessionBindingInfo, 0, len(entries))
	for _, e := range entries {
		result = append(result, SessionBindingInfo{
			SessionUUID: e.Key,
			AccountID:   e.Value.AccountID,
			CreatedAt:   e.Value.CreatedAt,
			LastUsedAt:  e.Value.LastUsedAt,
			ExpiresAt:   e.ExpiresAt,
		})
	}
	return result, nil
}

func (s *SQLiteStore) ListStickySessions(_ context.Context) ([]StickySessionInfo, error) {
	entries := s.sticky.Entries()
	result := make([]StickySessionInfo, 0, len(entries))
	for _, e := range entries {
		result = append(result, StickySessionInfo{
			Hash:      e.Key,
			AccountID: e.Value,
			ExpiresAt: e.ExpiresAt,
		})
	}
	return result, nil
}

func (s *SQLiteStore) DeleteSessionBinding(_ context.Context, sessionUUID string) error {
	s.bindings.Delete(sessionUUID)
	return nil
}

func (s *SQLiteStore) DeleteStickySession(_ context.Context, hash string) error {
	s.sticky.Delete(hash)
	return nil
}

func (s *SQLiteStore) ListOAuthSessions(_ context.Context) ([]OAuthSessionInfo, error) {
	entries := s.oauthSessions.Entries()
	result := make([]OAuthSessionInfo, 0, len(entries))
	for _, e := range entries {
		result = append(result, OAuthSessionInfo{
			SessionID: e.Key,
			ExpiresAt: e.ExpiresAt,
		})
	}
	return result, nil
}
