package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server
	Host string
	Port int

	// Database
	DBPath string

	// Security
	EncryptionKey string
	StaticToken   string

	// Gemini upstream
	GeminiUpstreamURL string

	// Google OAuth (account pool credential refresh/acquisition)
	OAuthTokenURL     string
	OAuthClientID     string
	OAuthClientSecret string

	// Scheduling
	SessionBindingTTL   time.Duration
	TokenRefreshAdvance time.Duration

	// Error pause durations
	ErrorPause401 time.Duration
	ErrorPause403 time.Duration
	ErrorPause429 time.Duration
	ErrorPause529 time.Duration

	// Request
	RequestTimeout   time.Duration
	MaxRequestBodyMB int
	MaxRetryAccounts int // MAX_RETRY_ACCOUNTS, default 3; the orchestrator's attempt cap is the constant 3 and does not read it

	// Streaming
	PeekTimeout time.Duration // default 60s; PEEK_TIMEOUT (milliseconds) overrides it

	// Signature recovery
	SignatureRecoveryPrompt string

	// Logging
	LogLevel string
}

func Load() *Config {
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 3000),

		DBPath: envOr("DB_PATH", "./antigravity-relay.db"),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		StaticToken:   os.Getenv("API_TOKEN"),

		GeminiUpstreamURL: envOr("GEMINI_UPSTREAM_URL", "https://cloudcode-pa.googleapis.com/v1internal"),

		OAuthTokenURL:     envOr("OAUTH_TOKEN_URL", "https://oauth2.googleapis.com/token"),
		OAuthClientID:     os.Getenv("OAUTH_CLIENT_ID"),
		OAuthClientSecret: os.Getenv("OAUTH_CLIENT_SECRET"),

		SessionBindingTTL:   envDuration("SESSION_BINDING_TTL", 24*time.Hour),
		TokenRefreshAdvance: envDuration("TOKEN_REFRESH_ADVANCE", 60*time.Second),

		ErrorPause401: envDuration("ERROR_PAUSE_401", 30*time.Minute),
		ErrorPause403: envDuration("ERROR_PAUSE_403", 10*time.Minute),
		ErrorPause429: envDuration("ERROR_PAUSE_429", 60*time.Second),
		ErrorPause529: envDuration("ERROR_PAUSE_529", 5*time.Minute),

		RequestTimeout:   envDuration("REQUEST_TIMEOUT", 5*time.Minute),
		MaxRequestBodyMB: envInt("REQUEST_MAX_SIZE_MB", 60),
		MaxRetryAccounts: envInt("MAX_RETRY_ACCOUNTS", 3),

		PeekTimeout: envDuration("PEEK_TIMEOUT", 60*time.Second),

		SignatureRecoveryPrompt: envOr("SIGNATURE_RECOVERY_PROMPT",
			"Your previous response included a corrupted thought signature. Please regenerate your last turn from scratch."),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return errMissing("ENCRYPTION_KEY")
	}
	if c.StaticToken == "" {
		return errMissing("API_TOKEN")
	}
	return nil
}

type configError struct{ field string }

func (e *configError) Error() string { return "missing required env: " + e.field }
func errMissing(f string) error      { return &configError{field: f} }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}
