package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/yansir/cc-relayer/internal/account"
	"github.com/yansir/cc-relayer/internal/config"
	"github.com/yansir/cc-relayer/internal/events"
	"github.com/yansir/cc-relayer/internal/store"
	"github.com/yansir/cc-relayer/internal/transport"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := &config.Config{
		StaticToken:       "admin-secret",
		GeminiUpstreamURL: "https://cloudcode-pa.googleapis.com/v1internal",
	}
	crypto := account.NewCrypto("0123456789abcdef0123456789abcdef")
	tm := transport.NewManager(cfg)
	bus := events.NewBus(50)
	lh := events.NewLogHandler(slog.LevelInfo, 50)

	return New(cfg, s, crypto, tm, bus, lh, "test")
}

func doServerRequest(srv *Server, method, path string, body any, token string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpointReportsOK(t *testing.T) {
	srv := newTestServer(t)
	rec := doServerRequest(srv, http.MethodGet, "/health", nil, "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestListModelsRequiresAuth(t *testing.T) {
	srv := newTestServer(t)
	rec := doServerRequest(srv, http.MethodGet, "/v1/models", nil, "")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without a token", rec.Code)
	}
}

func TestListModelsReturnsKnownModels(t *testing.T) {
	srv := newTestServer(t)
	rec := doServerRequest(srv, http.MethodGet, "/v1/models", nil, "admin-secret")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	data, ok := out["data"].([]any)
	if !ok || len(data) == 0 {
		t.Fatalf("expected a non-empty model list, got %+v", out)
	}
}

func TestAdminLoginAcceptsStaticToken(t *testing.T) {
	srv := newTestServer(t)
	rec := doServerRequest(srv, http.MethodPost, "/admin/login", map[string]string{"token": "admin-secret"}, "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if out["is_admin"] != true {
		t.Fatalf("is_admin = %v, want true", out["is_admin"])
	}
}

func TestAdminLoginRejectsBadToken(t *testing.T) {
	srv := newTestServer(t)
	rec := doServerRequest(srv, http.MethodPost, "/admin/login", map[string]string{"token": "wrong"}, "")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateAndListUsersRequiresAdmin(t *testing.T) {
	srv := newTestServer(t)

	rec := doServerRequest(srv, http.MethodPost, "/admin/users", map[string]string{"name": "alice"}, "admin-secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("create user status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if created["token"] == "" || created["name"] != "alice" {
		t.Fatalf("created user = %+v", created)
	}

	listRec := doServerRequest(srv, http.MethodGet, "/admin/users", nil, "admin-secret")
	if listRec.Code != http.StatusOK {
		t.Fatalf("list users status = %d, body = %s", listRec.Code, listRec.Body.String())
	}
}

func TestCreateUserRejectsNonAdminCaller(t *testing.T) {
	srv := newTestServer(t)

	// Seed a non-admin user token.
	rec := doServerRequest(srv, http.MethodPost, "/admin/users", map[string]string{"name": "bob"}, "admin-secret")
	var created map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	userToken, _ := created["token"].(string)

	rec2 := doServerRequest(srv, http.MethodPost, "/admin/users", map[string]string{"name": "carol"}, userToken)
	if rec2.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 for a non-admin caller", rec2.Code)
	}
}
