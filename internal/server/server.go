package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yansir/cc-relayer/internal/account"
	"github.com/yansir/cc-relayer/internal/auth"
	"github.com/yansir/cc-relayer/internal/config"
	"github.com/yansir/cc-relayer/internal/events"
	"github.com/yansir/cc-relayer/internal/images"
	"github.com/yansir/cc-relayer/internal/modelrouter"
	"github.com/yansir/cc-relayer/internal/orchestrator"
	"github.com/yansir/cc-relayer/internal/ratelimit"
	"github.com/yansir/cc-relayer/internal/scheduler"
	"github.com/yansir/cc-relayer/internal/store"
	"github.com/yansir/cc-relayer/internal/tokenmanager"
	"github.com/yansir/cc-relayer/internal/transport"
	"github.com/yansir/cc-relayer/internal/upstream"
)

// Server is the main HTTP server: the OpenAI-compatible relay surface
// (orchestrator, images, models) plus the admin API kept from the
// teacher almost unchanged (account/user management, dashboard,
// health, login).
type Server struct {
	cfg          *config.Config
	store        store.Store
	accounts     *account.AccountStore
	tokens       *account.TokenManager
	authMw       *auth.Middleware
	scheduler    *scheduler.Scheduler
	rateLimit    *ratelimit.Manager
	transportMgr *transport.Manager
	bus          *events.Bus
	logHandler   *events.LogHandler

	router       *modelrouter.Router
	tokenSource  tokenmanager.TokenSource
	caller       upstream.Caller
	orchestrator *orchestrator.Orchestrator
	images       *images.Handler

	httpServer *http.Server
	version    string
	startTime  time.Time
}

func New(cfg *config.Config, s store.Store, crypto *account.Crypto, tm *transport.Manager, bus *events.Bus, lh *events.LogHandler, version string) *Server {
	as := account.NewAccountStore(s, crypto)
	oauthTM := account.NewTokenManager(s, as, cfg, tm)
	authMw := auth.NewMiddleware(cfg.StaticToken, s)
	sched := scheduler.New(s, as, cfg)
	rl := ratelimit.NewManager(s).WithBus(bus)

	router := modelrouter.New()
	tokenSource := tokenmanager.New(sched, as, oauthTM, rl)
	caller := upstream.NewGeminiClient(cfg, tm)

	srv := &Server{
		cfg:          cfg,
		store:        s,
		accounts:     as,
		tokens:       oauthTM,
		authMw:       authMw,
		scheduler:    sched,
		rateLimit:    rl,
		transportMgr: tm,
		bus:          bus,
		logHandler:   lh,
		router:       router,
		tokenSource:  tokenSource,
		caller:       caller,
		orchestrator: orchestrator.New(cfg, router, tokenSource, caller).WithBus(bus),
		images:       images.New(tokenSource, caller),
		version:      version,
		startTime:    time.Now(),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.RequestTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	auth := s.authMw.Authenticate

	// OpenAI-compatible relay surface (authenticated) — spec.md §6.
	mux.Handle("POST /v1/chat/completions", auth(http.HandlerFunc(s.orchestrator.Handle)))
	mux.Handle("POST /v1/completions", auth(http.HandlerFunc(s.orchestrator.Handle)))
	mux.Handle("POST /v1/responses", auth(http.HandlerFunc(s.orchestrator.Handle)))
	mux.Handle("POST /v1/images/generations", auth(http.HandlerFunc(s.images.Generate)))
	mux.Handle("POST /v1/images/edits", auth(http.HandlerFunc(s.images.Edit)))
	mux.Handle("GET /v1/models", auth(http.HandlerFunc(s.handleListModels)))

	// Telemetry sink — intercept without authentication
	mux.HandleFunc("POST /api/event_logging/batch", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success":true}`))
	})

	// Admin: accounts (authenticated)
	mux.Handle("POST /admin/accounts/generate-auth-url", auth(http.HandlerFunc(s.handleGenerateAuthURL)))
	mux.Handle("POST /admin/accounts/exchange-code", auth(http.HandlerFunc(s.handleExchangeCode)))
	mux.Handle("GET /admin/accounts", auth(http.HandlerFunc(s.handleListAccounts)))
	mux.Handle("POST /admin/accounts", auth(http.HandlerFunc(s.handleAddAccount)))
	mux.Handle("GET /admin/accounts/{id}", auth(http.HandlerFunc(s.handleGetAccount)))
	mux.Handle("DELETE /admin/accounts/{id}", auth(http.HandlerFunc(s.handleDeleteAccount)))
	mux.Handle("POST /admin/accounts/{id}/email", auth(http.HandlerFunc(s.handleUpdateAccountEmail)))
	mux.Handle("POST /admin/accounts/{id}/status", auth(http.HandlerFunc(s.handleUpdateAccountStatus)))
	mux.Handle("POST /admin/accounts/{id}/priority", auth(http.HandlerFunc(s.handleUpdateAccountPriority)))
	mux.Handle("POST /admin/accounts/{id}/refresh", auth(http.HandlerFunc(s.handleRefreshAccount)))
	mux.Handle("POST /admin/accounts/{id}/test", auth(http.HandlerFunc(s.handleTestAccount)))

	// Admin: login (no auth — this IS the auth endpoint)
	mux.HandleFunc("POST /admin/login", s.handleLogin)

	// Admin: users (authenticated, admin-only checked in handler)
	mux.Handle("POST /admin/users", auth(http.HandlerFunc(s.handleCreateUser)))
	mux.Handle("GET /admin/users", auth(http.HandlerFunc(s.handleListUsers)))
	mux.Handle("GET /admin/users/{id}", auth(http.HandlerFunc(s.handleGetUser)))
	mux.Handle("DELETE /admin/users/{id}", auth(http.HandlerFunc(s.handleDeleteUser)))
	mux.Handle("POST /admin/users/{id}/regenerate", auth(http.HandlerFunc(s.handleRegenerateUserToken)))
	mux.Handle("POST /admin/users/{id}/status", auth(http.HandlerFunc(s.handleUpdateUserStatus)))

	// Admin: dashboard, usage, logs, and session bindings (authenticated)
	mux.Handle("GET /admin/dashboard", auth(http.HandlerFunc(s.handleDashboard)))
	mux.Handle("GET /admin/events", auth(http.HandlerFunc(s.handleEvents)))
	mux.Handle("GET /admin/usage", auth(http.HandlerFunc(s.handleUsage)))
	mux.Handle("GET /admin/request-log", auth(http.HandlerFunc(s.handleRequestLog)))
	mux.Handle("GET /admin/sessions", auth(http.HandlerFunc(s.handleSessions)))
	mux.Handle("DELETE /admin/sessions/{id}", auth(http.HandlerFunc(s.handleDeleteSessionBinding)))
	mux.Handle("DELETE /admin/sessions/sticky/{id}", auth(http.HandlerFunc(s.handleDeleteStickySession)))
	mux.Handle("GET /admin/oauth-sessions", auth(http.HandlerFunc(s.handleListOAuthSessions)))

	// Admin: health (authenticated)
	mux.Handle("GET /admin/health", auth(http.HandlerFunc(s.handleHealth)))

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"error","store":"%s"}`, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
}

// modelCreated is the fixed "created" timestamp the original handler
// reports for every listed model (spec.md §6) — not this server's
// start time, so restarts don't change clients' cached listings.
const modelCreated = 1706745600

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	ids := s.router.KnownModels()
	data := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		data = append(data, map[string]any{
			"id":       id,
			"object":   "model",
			"created":  modelCreated,
			"owned_by": "antigravity",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Background goroutines
	go s.rateLimit.RunCleanup(ctx, 5*time.Minute)
	go s.transportMgr.RunCleanup(ctx)
	go s.runLogPurge(ctx)

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// requestLogger logs all incoming HTTP requests for debugging.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// runLogPurge deletes request_log entries older than 30 days every 6 hours.
func (s *Server) runLogPurge(ctx context.Context) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			before := time.Now().Add(-30 * 24 * time.Hour)
			n, err := s.store.PurgeOldLogs(ctx, before)
			if err != nil {
				slog.Error("purge old logs failed", "error", err)
			} else if n > 0 {
				slog.Info("purged old request logs", "count", n)
			}
		}
	}
}
