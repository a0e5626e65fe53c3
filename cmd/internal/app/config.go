package app

import (
	"errors"
	"strings"
	"time"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// Session tokens issued after the OAuth callback.
	SessionSecret string
	SessionTTL    time.Duration

	// Upstream chat API.
	RemoteBaseURL string
	RemoteTimeout time.Duration

	// OAuth client for the upstream API.
	OAuthClientID     string
	OAuthClientSecret string
	OAuthAuthURL      string
	OAuthTokenURL     string
	OAuthRedirectURL  string
	OAuthScopes       []string

	// Poll cadence.
	PollListInterval    time.Duration
	PollMessageInterval time.Duration

	// Encryption at rest for persisted OAuth tokens. Either a base64 32-byte
	// key, or a passphrase + salt pair the key is derived from.
	TokenEncKey        string
	TokenEncPassphrase string
	TokenEncSalt       string

	// Security policy:
	// If true, persisted tokens MUST be encrypted (key or passphrase set)
	// whenever a database is configured.
	RequireTokenCrypto bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("PARLEY_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("PARLEY_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("PARLEY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("PARLEY_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("PARLEY_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("PARLEY_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("PARLEY_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("PARLEY_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("PARLEY_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("PARLEY_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("PARLEY_READINESS_REQUIRE_DB", false),

		CORSAllowedOrigins:   EnvCSV("PARLEY_CORS_ALLOWED_ORIGINS", "http://localhost:*,http://127.0.0.1:*"),
		CORSAllowCredentials: EnvBool("PARLEY_CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAgeSeconds:    EnvInt("PARLEY_CORS_MAX_AGE_SECONDS", 600),

		SessionSecret: EnvString("PARLEY_SESSION_SECRET", ""),
		SessionTTL:    EnvDuration("PARLEY_SESSION_TTL", 12*time.Hour),

		RemoteBaseURL: EnvString("PARLEY_REMOTE_BASE_URL", ""),
		RemoteTimeout: EnvDuration("PARLEY_REMOTE_TIMEOUT", 15*time.Second),

		OAuthClientID:     EnvString("PARLEY_OAUTH_CLIENT_ID", ""),
		OAuthClientSecret: EnvString("PARLEY_OAUTH_CLIENT_SECRET", ""),
		OAuthAuthURL:      EnvString("PARLEY_OAUTH_AUTH_URL", ""),
		OAuthTokenURL:     EnvString("PARLEY_OAUTH_TOKEN_URL", ""),
		OAuthRedirectURL:  EnvString("PARLEY_OAUTH_REDIRECT_URL", ""),
		OAuthScopes:       EnvCSV("PARLEY_OAUTH_SCOPES", "openid,offline_access,chat.read,chat.write"),

		PollListInterval:    EnvDuration("PARLEY_POLL_LIST_INTERVAL", 15*time.Second),
		PollMessageInterval: EnvDuration("PARLEY_POLL_MESSAGE_INTERVAL", 3*time.Second),

		TokenEncKey:        EnvString("PARLEY_TOKEN_ENC_KEY", ""),
		TokenEncPassphrase: EnvString("PARLEY_TOKEN_ENC_PASSPHRASE", ""),
		TokenEncSalt:       EnvString("PARLEY_TOKEN_ENC_SALT", ""),

		RequireTokenCrypto: EnvBool("PARLEY_REQUIRE_TOKEN_CRYPTO", false),
	}
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.SessionSecret) == "" {
		return errors.New("config: PARLEY_SESSION_SECRET is required")
	}
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return errors.New("config: PARLEY_REMOTE_BASE_URL is required")
	}
	return nil
}
