// Package app wires the Parley server runtime: config, logging, HTTP routes,
// the websocket gateway, and the per-user poll loops.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/oauth2"

	"parley/cmd/internal/api"
	"parley/cmd/internal/auth"
	"parley/cmd/internal/poll"
	"parley/cmd/internal/realtime"
	"parley/cmd/internal/remote"
	"parley/cmd/internal/telemetry"
	"parley/cmd/internal/tokens"
)

// App is the Parley server runtime: it owns HTTP server wiring and the
// realtime/poll dependencies.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	tokenStore tokens.Store

	registry *realtime.Registry
	sched    *poll.Scheduler
	ws       *realtime.WSGateway
	oauth    *auth.OAuthHandler
	rest     *api.Handler

	tracingShutdown func()
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	telemetry.Init()
	tracingShutdown, err := telemetry.InitTracing("parley", "")
	if err != nil {
		log.Warn("tracing.init.fail", "err", err)
		tracingShutdown = func() {}
	}

	sessions, err := auth.NewSessionManager(cfg.SessionSecret, cfg.SessionTTL)
	if err != nil {
		return nil, err
	}

	oacfg := &oauth2.Config{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		RedirectURL:  cfg.OAuthRedirectURL,
		Scopes:       cfg.OAuthScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.OAuthAuthURL,
			TokenURL: cfg.OAuthTokenURL,
		},
	}

	rc := remote.NewClient(log, cfg.RemoteBaseURL, cfg.RemoteTimeout)

	tokenStore, dbPool, dbEnabled, err := newTokenStore(context.Background(), cfg, log)
	if err != nil {
		tracingShutdown()
		return nil, err
	}

	sources := tokens.NewSources(log, tokenStore, oacfg)

	registry := realtime.NewRegistry(log)
	det := poll.NewDetector(log, rc)
	sched := poll.NewScheduler(log, det, registry, cfg.PollListInterval, cfg.PollMessageInterval)

	// Last connection gone -> poll loop stops and per-user state is dropped.
	registry.SetIdleHandler(sched.Stop)

	ws := realtime.NewWSGateway(log, context.Background(), registry, rc, sched, sources, sessions)
	oauthHandler := auth.NewOAuthHandler(log, oacfg, sessions, tokenStore, rc)
	rest := api.NewHandler(log, rc, sources, sessions, registry)

	return &App{
		cfg:             cfg,
		log:             log,
		dbPool:          dbPool,
		dbEnabled:       dbEnabled,
		tokenStore:      tokenStore,
		registry:        registry,
		sched:           sched,
		ws:              ws,
		oauth:           oauthHandler,
		rest:            rest,
		tracingShutdown: tracingShutdown,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.oauth, a.rest)

	handler := WithRequestLogging(WithSecurityHeaders(WithCORS(mux, a.cfg, a.log)), a.log)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"url", runtimeBaseURL(a.cfg.HTTPAddr),
		"ws_url", wsBaseURL(runtimeBaseURL(a.cfg.HTTPAddr))+"/ws",
		"db_enabled", a.dbEnabled,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.sched.StopAll()

	if err := a.tokenStore.Close(); err != nil {
		a.log.Error("tokens.close.fail", "err", err)
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
	a.tracingShutdown()

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newTokenStore decides between Postgres-backed token persistence and the
// in-memory dev store.
//
// Ownership model:
// - app owns pool lifecycle
// - PostgresStore.Close() is a no-op
func newTokenStore(ctx context.Context, cfg Config, log Logger) (tokens.Store, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_token_store")
		return tokens.NewInMemoryStore(), nil, false, nil
	}

	enc, err := newEncryptor(cfg)
	if err != nil {
		return nil, nil, false, err
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, err
	}

	store, err := tokens.NewPostgresStore(ctx, pool, enc)
	if err != nil {
		pool.Close()
		return nil, nil, false, err
	}

	log.Info("db.enabled.postgres_token_store")
	return store, pool, true, nil
}

func newEncryptor(cfg Config) (tokens.Encryptor, error) {
	switch {
	case cfg.TokenEncKey != "":
		return tokens.NewAESEncryptor(cfg.TokenEncKey)
	case cfg.TokenEncPassphrase != "":
		return tokens.NewAESEncryptorFromPassphrase(cfg.TokenEncPassphrase, cfg.TokenEncSalt)
	default:
		return nil, errors.New("config: persisted tokens require PARLEY_TOKEN_ENC_KEY or PARLEY_TOKEN_ENC_PASSPHRASE")
	}
}

// runtimeBaseURL derives a reachable HTTP URL from a bind address, for
// startup logs.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	if strings.Contains(host, ":") {
		return fmt.Sprintf("http://[%s]:%s", host, port)
	}
	return fmt.Sprintf("http://%s:%s", host, port)
}

// wsBaseURL maps an HTTP base URL onto its websocket scheme.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
