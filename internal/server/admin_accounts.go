package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yansir/cc-relayer/internal/account"
)

// handleListAccounts returns all accounts (without tokens).
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.accounts.List(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to list accounts")
		return
	}

	type accountView struct {
		ID                  string     `json:"id"`
		Email               string     `json:"email"`
		ProjectID           string     `json:"project_id"`
		Status              string     `json:"status"`
		Priority            int        `json:"priority"`
		Schedulable         bool       `json:"schedulable"`
		LastUsedAt          *time.Time `json:"lastUsedAt,omitempty"`
		OverloadedUntil     *time.Time `json:"overloadedUntil,omitempty"`
		ConsecutiveFailures int        `json:"consecutiveFailures"`
	}

	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, accountView{
			ID:                  a.ID,
			Email:               a.Email,
			ProjectID:           a.ProjectID,
			Status:              a.Status,
			Priority:            a.Priority,
			Schedulable:         a.Schedulable,
			LastUsedAt:          a.LastUsedAt,
			OverloadedUntil:     a.OverloadedUntil,
			ConsecutiveFailures: a.ConsecutiveFailures,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// handleDeleteAccount removes an account by ID.
func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "account id is required")
		return
	}

	acct, err := s.accounts.Get(r.Context(), id)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to get account")
		return
	}
	if acct == nil {
		writeAdminError(w, http.StatusNotFound, "not_found", "account not found")
		return
	}

	if err := s.accounts.Delete(r.Context(), id); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to delete account")
		return
	}

	slog.Info("account deleted", "id", id, "email", acct.Email)
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

// handleAddAccount registers a new pooled account from a refresh token.
func (s *Server) handleAddAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email        string               `json:"email"`
		ProjectID    string               `json:"project_id"`
		RefreshToken string               `json:"refresh_token"`
		Priority     int                  `json:"priority"`
		Proxy        *account.ProxyConfig `json:"proxy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	req.RefreshToken = strings.TrimSpace(req.RefreshToken)
	if req.Email == "" || req.RefreshToken == "" {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "email and refresh_token are required")
		return
	}

	acct, err := s.accounts.Create(r.Context(), req.Email, req.ProjectID, req.RefreshToken, req.Proxy, req.Priority)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to create account: "+err.Error())
		return
	}
	slog.Info("account added", "id", acct.ID, "email", acct.Email)
	writeJSON(w, http.StatusCreated, map[string]string{"id": acct.ID, "email": acct.Email})
}

// ---------------------------------------------------------------------------
// Account detail (authenticated)
// ---------------------------------------------------------------------------

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "account id is required")
		return
	}

	acct, err := s.accounts.Get(r.Context(), id)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to get account")
		return
	}
	if acct == nil {
		writeAdminError(w, http.StatusNotFound, "not_found", "account not found")
		return
	}

	sessions, _ := s.store.ListSessionBindingsForAccount(r.Context(), id)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":                  acct.ID,
		"email":               acct.Email,
		"project_id":          acct.ProjectID,
		"status":              acct.Status,
		"priority":            acct.Priority,
		"schedulable":         acct.Schedulable,
		"errorMessage":        acct.ErrorMessage,
		"createdAt":           acct.CreatedAt,
		"lastUsedAt":          acct.LastUsedAt,
		"lastRefreshAt":       acct.LastRefreshAt,
		"expiresAt":           acct.ExpiresAt,
		"overloadedUntil":     acct.OverloadedUntil,
		"consecutiveFailures": acct.ConsecutiveFailures,
		"cooldowns":           acct.Cooldowns,
		"sessions":            sessions,
	})
}

// ---------------------------------------------------------------------------
// Account actions (authenticated)
// ---------------------------------------------------------------------------

func (s *Server) handleUpdateAccountEmail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || len(req.Email) > 100 {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "email must be 1-100 characters")
		return
	}

	acct, err := s.accounts.Get(r.Context(), id)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to get account")
		return
	}
	if acct == nil {
		writeAdminError(w, http.StatusNotFound, "not_found", "account not found")
		return
	}

	if err := s.accounts.Update(r.Context(), id, map[string]string{"email": req.Email}); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to update account email")
		return
	}
	slog.Info("account email updated", "id", id, "email", req.Email)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "email": req.Email})
}

func (s *Server) handleUpdateAccountStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || (req.Status != "active" && req.Status != "disabled") {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "status must be 'active' or 'disabled'")
		return
	}

	acct, err := s.accounts.Get(r.Context(), id)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to get account")
		return
	}
	if acct == nil {
		writeAdminError(w, http.StatusNotFound, "not_found", "account not found")
		return
	}

	fields := map[string]string{"status": req.Status}
	if req.Status == "disabled" {
		fields["schedulable"] = "false"
	} else {
		fields["schedulable"] = "true"
		fields["errorMessage"] = ""
	}
	if err := s.accounts.Update(r.Context(), id, fields); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to update account status")
		return
	}
	slog.Info("account status updated", "id", id, "status", req.Status)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": req.Status})
}

func (s *Server) handleUpdateAccountPriority(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Priority int `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	acct, err := s.accounts.Get(r.Context(), id)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to get account")
		return
	}
	if acct == nil {
		writeAdminError(w, http.StatusNotFound, "not_found", "account not found")
		return
	}

	fields := map[string]string{"priority": fmt.Sprintf("%d", req.Priority)}
	if err := s.accounts.Update(r.Context(), id, fields); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to update priority")
		return
	}
	slog.Info("account priority updated", "id", id, "priority", req.Priority)
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "priority": req.Priority})
}

func (s *Server) handleRefreshAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	acct, err := s.accounts.Get(r.Context(), id)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to get account")
		return
	}
	if acct == nil {
		writeAdminError(w, http.StatusNotFound, "not_found", "account not found")
		return
	}

	if _, err := s.tokens.ForceRefresh(r.Context(), id); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "token refresh failed: "+err.Error())
		return
	}
	slog.Info("account token force refreshed", "id", id)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "refreshed"})
}

// ---------------------------------------------------------------------------
// Account test endpoint
// ---------------------------------------------------------------------------

// handleTestAccount issues a minimal generateContent call through the
// account's own transport to confirm its credentials and network path
// are healthy, without touching the retry/scheduling pool.
func (s *Server) handleTestAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	acct, err := s.accounts.Get(r.Context(), id)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to get account")
		return
	}
	if acct == nil {
		writeAdminError(w, http.StatusNotFound, "not_found", "account not found")
		return
	}

	accessToken, err := s.tokens.EnsureValidToken(r.Context(), acct.ID)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":    false,
			"error": "token unavailable: " + err.Error(),
		})
		return
	}

	testBody := `{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`
	testURL := s.cfg.GeminiUpstreamURL + ":generateContent"
	testReq, err := http.NewRequestWithContext(r.Context(), "POST", testURL, strings.NewReader(testBody))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":    false,
			"error": "failed to create request",
		})
		return
	}
	testReq.Header.Set("Content-Type", "application/json")
	testReq.Header.Set("Authorization", "Bearer "+accessToken)

	client := s.transportMgr.GetClient(acct)
	start := time.Now()
	resp, err := client.Do(testReq)
	latencyMs := time.Since(start).Milliseconds()

	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":         false,
			"latency_ms": latencyMs,
			"error":      err.Error(),
		})
		return
	}
	defer resp.Body.Close()
	io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":         false,
			"latency_ms": latencyMs,
			"error":      fmt.Sprintf("upstream returned %d", resp.StatusCode),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":         true,
		"latency_ms": latencyMs,
	})
}
