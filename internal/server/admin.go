package server

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/yansir/cc-relayer/internal/account"
	"github.com/yansir/cc-relayer/internal/auth"
	"github.com/yansir/cc-relayer/internal/store"
)

// handleGenerateAuthURL generates a PKCE-secured auth URL for manual browser-based OAuth.
// Returns session_id and auth_url. PKCE params are stored with 10 min TTL.
func (s *Server) handleGenerateAuthURL(w http.ResponseWriter, r *http.Request) {
	authURL, session, err := account.GenerateAuthURL(s.cfg.OAuthClientID)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	sessionID := uuid.New().String()
	sessionJSON, _ := json.Marshal(session)

	if err := s.store.SetOAuthSession(r.Context(), sessionID, string(sessionJSON), 10*time.Minute); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to store oauth session")
		return
	}

	slog.Info("oauth auth URL generated", "sessionId", sessionID)
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": sessionID,
		"auth_url":   authURL,
	})
}

// handleExchangeCode accepts an auth code and exchanges it for tokens.
// Supports two modes:
//   - session_id mode: pass session_id + code (or callback_url). PKCE params from store.
//   - direct mode: pass code + code_verifier + state directly.
func (s *Server) handleExchangeCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		// Session mode
		SessionID   string `json:"session_id"`
		CallbackURL string `json:"callback_url"`
		// Direct mode
		Code         string `json:"code"`
		CodeVerifier string `json:"code_verifier"`
		State        string `json:"state"`
		ProjectID    string `json:"project_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	// Session mode: look up PKCE from store
	if req.SessionID != "" {
		sessionJSON, err := s.store.GetDelOAuthSession(r.Context(), req.SessionID)
		if err != nil {
			writeAdminError(w, http.StatusBadRequest, "invalid_request", "invalid or expired session_id")
			return
		}
		var session account.OAuthSession
		if err := json.Unmarshal([]byte(sessionJSON), &session); err != nil {
			writeAdminError(w, http.StatusInternalServerError, "internal_error", "corrupt session data")
			return
		}
		req.CodeVerifier = session.CodeVerifier
		req.State = session.State
		// Extract code from callback URL if provided
		if req.CallbackURL != "" && req.Code == "" {
			req.Code = account.ExtractCodeFromCallback(req.CallbackURL)
		}
	}
	if req.Code != "" {
		req.Code = account.ExtractCodeFromCallback(req.Code)
	}

	if req.Code == "" || req.CodeVerifier == "" || req.State == "" {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "code, code_verifier, and state are required")
		return
	}

	result, err := account.ExchangeCode(r.Context(), s.cfg.OAuthTokenURL, s.cfg.OAuthClientID, s.cfg.OAuthClientSecret, req.Code, req.CodeVerifier)
	if err != nil {
		slog.Error("exchange code failed", "error", err)
		writeAdminError(w, http.StatusBadGateway, "oauth_error", err.Error())
		return
	}

	email, err := account.FetchEmailWithToken(r.Context(), result.AccessToken)
	if err != nil {
		slog.Warn("fetch account email failed, using fallback", "error", err)
		email = "account-" + time.Now().Format("0102-1504")
	}

	acct, err := s.accounts.Create(r.Context(), email, req.ProjectID, result.RefreshToken, nil, 50)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to create account")
		return
	}

	if err := s.accounts.StoreTokens(r.Context(), acct.ID, result.AccessToken, result.RefreshToken, result.ExpiresIn); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to store tokens")
		return
	}

	slog.Info("account created via code exchange", "id", acct.ID, "email", email)
	writeJSON(w, http.StatusOK, map[string]string{
		"id":     acct.ID,
		"email":  email,
		"status": "active",
	})
}

// ---------------------------------------------------------------------------
// Auth helpers
// ---------------------------------------------------------------------------

func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	ki := auth.GetKeyInfo(r.Context())
	if ki == nil || !ki.IsAdmin {
		writeAdminError(w, http.StatusForbidden, "forbidden", "admin access required")
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Login
// ---------------------------------------------------------------------------

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}

	// Quick validation: try admin first, then user
	ki, valid := s.authMw.ValidateToken(r.Context(), req.Token)
	if !valid || ki == nil {
		writeAdminError(w, http.StatusUnauthorized, "authentication_error", "invalid token")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "cc_session",
		Value:    req.Token,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   86400 * 30,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"is_admin": ki.IsAdmin,
		"name":     ki.Name,
	})
}

// ---------------------------------------------------------------------------
// User CRUD (admin only)
// ---------------------------------------------------------------------------

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}

	plaintext, hashStr, prefix := generateUserToken(req.Name)
	u := &store.User{
		ID:          uuid.New().String(),
		Name:        req.Name,
		TokenHash:   hashStr,
		TokenPrefix: prefix,
		Status:      "active",
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateUser(r.Context(), u); err != nil {
		slog.Error("create user failed", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to create user")
		return
	}

	slog.Info("user created", "id", u.ID, "name", u.Name)
	writeJSON(w, http.StatusOK, map[string]string{
		"id":    u.ID,
		"name":  u.Name,
		"token": plaintext,
	})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to list users")
		return
	}

	totalCosts, _ := s.store.QueryUserTotalCosts(r.Context())

	type userView struct {
		ID           string     `json:"id"`
		Name         string     `json:"name"`
		TokenPrefix  string     `json:"token_prefix"`
		Status       string     `json:"status"`
		CreatedAt    time.Time  `json:"created_at"`
		LastActiveAt *time.Time `json:"last_active_at,omitempty"`
		TotalCostUSD float64    `json:"total_cost_usd"`
	}
	views := make([]userView, 0, len(users))
	for _, u := range users {
		views = append(views, userView{
			ID:           u.ID,
			Name:         u.Name,
			TokenPrefix:  u.TokenPrefix,
			Status:       u.Status,
			CreatedAt:    u.CreatedAt,
			LastActiveAt: u.LastActiveAt,
			TotalCostUSD: totalCosts[u.ID],
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	id := r.PathValue("id")
	if err := s.store.DeleteUser(r.Context(), id); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to delete user")
		return
	}
	slog.Info("user deleted", "id", id)
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleRegenerateUserToken(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	id := r.PathValue("id")

	// We need the user's name for the token format
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to lookup user")
		return
	}
	var userName string
	for _, u := range users {
		if u.ID == id {
			userName = u.Name
			break
		}
	}
	if userName == "" {
		writeAdminError(w, http.StatusNotFound, "not_found", "user not found")
		return
	}

	plaintext, hashStr, prefix := generateUserToken(userName)
	if err := s.store.UpdateUserToken(r.Context(), id, hashStr, prefix); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to update token")
		return
	}

	slog.Info("user token regenerated", "id", id)
	writeJSON(w, http.StatusOK, map[string]string{
		"id":    id,
		"token": plaintext,
	})
}

func (s *Server) handleUpdateUserStatus(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	id := r.PathValue("id")
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || (req.Status != "active" && req.Status != "disabled") {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "status must be 'active' or 'disabled'")
		return
	}
	if err := s.store.UpdateUserStatus(r.Context(), id, req.Status); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to update user status")
		return
	}
	slog.Info("user status updated", "id", id, "status", req.Status)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": req.Status})
}

func generateUserToken(name string) (plaintext, hashStr, prefix string) {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	hexStr := hex.EncodeToString(b)
	plaintext = fmt.Sprintf("tk_%s_%s", name, hexStr)
	h := sha256.Sum256([]byte(plaintext))
	hashStr = hex.EncodeToString(h[:])
	prefix = fmt.Sprintf("tk_%s_%s...", name, hexStr[:4])
	return
}

// ---------------------------------------------------------------------------
// Dashboard & Usage (admin only)
// ---------------------------------------------------------------------------

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	periods, err := s.store.QueryUsagePeriods(r.Context(), "")
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to query usage periods")
		return
	}
	modelUsage, err := s.store.QueryModelUsage(r.Context(), "")
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to query model usage")
		return
	}
	accounts, err := s.accounts.List(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to list accounts")
		return
	}

	activeAccounts := 0
	for _, a := range accounts {
		if a.Status == "active" && a.Schedulable {
			activeAccounts++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"periods":         periods,
		"model_usage":     modelUsage,
		"total_accounts":  len(accounts),
		"active_accounts": activeAccounts,
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	userID := r.URL.Query().Get("user_id")
	periods, err := s.store.QueryUsagePeriods(r.Context(), userID)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to query usage")
		return
	}
	writeJSON(w, http.StatusOK, periods)
}

func (s *Server) handleRequestLog(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	opts := store.RequestLogQuery{
		UserID:    r.URL.Query().Get("user_id"),
		AccountID: r.URL.Query().Get("account_id"),
		Limit:     limit,
		Offset:    offset,
	}
	logs, total, err := s.store.QueryRequestLogs(r.Context(), opts)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to query request logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total": total,
		"items": logs,
	})
}

// ---------------------------------------------------------------------------
// Sessions (admin only)
// ---------------------------------------------------------------------------

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	bindings, _ := s.store.ListSessionBindings(r.Context())
	sticky, _ := s.store.ListStickySessions(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bindings": bindings,
		"sticky":   sticky,
	})
}

func (s *Server) handleDeleteSessionBinding(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	id := r.PathValue("id")
	_ = s.store.DeleteSessionBinding(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleDeleteStickySession(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	id := r.PathValue("id")
	_ = s.store.DeleteStickySession(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

// ---------------------------------------------------------------------------
// SSE Events stream (admin only)
// ---------------------------------------------------------------------------

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Catch-up: send recent events
	eventID, eventCh, recentEvents := s.bus.Subscribe()
	defer s.bus.Unsubscribe(eventID)
	for _, e := range recentEvents {
		data, _ := json.Marshal(e)
		fmt.Fprintf(w, "event: event\ndata: %s\n\n", data)
	}

	// Catch-up: send recent logs
	logID, logCh, recentLogs := s.logHandler.Subscribe()
	defer s.logHandler.Unsubscribe(logID)
	for _, l := range recentLogs {
		data, _ := json.Marshal(l)
		fmt.Fprintf(w, "event: log\ndata: %s\n\n", data)
	}
	flusher.Flush()

	// Stream new events and logs
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-eventCh:
			if !ok {
				return
			}
			data, _ := json.Marshal(e)
			fmt.Fprintf(w, "event: event\ndata: %s\n\n", data)
			flusher.Flush()
		case l, ok := <-logCh:
			if !ok {
				return
			}
			data, _ := json.Marshal(l)
			fmt.Fprintf(w, "event: log\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// ---------------------------------------------------------------------------
// Health (authenticated)
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sqliteStatus := "ok"
	if err := s.store.Ping(r.Context()); err != nil {
		sqliteStatus = err.Error()
	}
	d := time.Since(s.startTime)
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	uptime := fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	writeJSON(w, http.StatusOK, map[string]string{
		"sqlite":  sqliteStatus,
		"uptime":  uptime,
		"version": s.version,
	})
}

// ---------------------------------------------------------------------------
// User detail (admin only)
// ---------------------------------------------------------------------------

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	id := r.PathValue("id")

	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to list users")
		return
	}
	var user *store.User
	for _, u := range users {
		if u.ID == id {
			user = u
			break
		}
	}
	if user == nil {
		writeAdminError(w, http.StatusNotFound, "not_found", "user not found")
		return
	}

	periods, _ := s.store.QueryUsagePeriods(r.Context(), id)
	modelUsage, _ := s.store.QueryModelUsage(r.Context(), id)
	recentRequests, _, _ := s.store.QueryRequestLogs(r.Context(), store.RequestLogQuery{
		UserID: id,
		Limit:  20,
	})

	if modelUsage == nil {
		modelUsage = []store.ModelUsageRow{}
	}
	if recentRequests == nil {
		recentRequests = []*store.RequestLog{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":              user.ID,
		"name":            user.Name,
		"token_prefix":    user.TokenPrefix,
		"status":          user.Status,
		"created_at":      user.CreatedAt,
		"last_active_at":  user.LastActiveAt,
		"usage_periods":   periods,
		"model_usage":     modelUsage,
		"recent_requests": recentRequests,
	})
}

// ---------------------------------------------------------------------------
// OAuth sessions (admin only)
// ---------------------------------------------------------------------------

func (s *Server) handleListOAuthSessions(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	sessions, err := s.store.ListOAuthSessions(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to list oauth sessions")
		return
	}
	if sessions == nil {
		sessions = []store.OAuthSessionInfo{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeAdminError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"type":"error","error":{"type":"%s","message":"%s"}}`, errType, msg)
}
