package auth

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"parley/cmd/internal/remote"
	"parley/cmd/internal/tokens"
)

const stateTTL = 10 * time.Minute

// OAuthHandler hosts the login flow: it redirects the browser to the
// upstream authorize endpoint, exchanges the returned code, persists the
// upstream token, and hands back a Parley session token.
type OAuthHandler struct {
	log      *slog.Logger
	cfg      *oauth2.Config
	sessions *SessionManager
	store    tokens.Store
	remote   *remote.Client

	stateMu sync.Mutex
	states  map[string]time.Time
}

// NewOAuthHandler constructs the login flow handler.
func NewOAuthHandler(log *slog.Logger, cfg *oauth2.Config, sessions *SessionManager, store tokens.Store, rc *remote.Client) *OAuthHandler {
	if log == nil {
		log = slog.Default()
	}
	return &OAuthHandler{
		log:      log,
		cfg:      cfg,
		sessions: sessions,
		store:    store,
		remote:   rc,
		states:   make(map[string]time.Time),
	}
}

// Register mounts the login flow routes.
func (h *OAuthHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/auth/login", h.HandleLogin)
	mux.HandleFunc("/auth/callback", h.HandleCallback)
}

// HandleLogin redirects to the upstream authorize endpoint with a fresh
// anti-forgery state.
func (h *OAuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if h.cfg.ClientID == "" || h.cfg.RedirectURL == "" {
		http.Error(w, "oauth not configured", http.StatusServiceUnavailable)
		return
	}

	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state generation failed", http.StatusInternalServerError)
		return
	}
	state := hex.EncodeToString(b)
	h.addState(state)

	http.Redirect(w, r, h.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline), http.StatusFound)
}

// HandleCallback exchanges the authorization code, resolves the upstream
// identity, persists the token, and returns a session token.
func (h *OAuthHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	if !h.takeState(state) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tok, err := h.cfg.Exchange(ctx, code)
	if err != nil {
		h.log.Warn("auth.exchange.fail", "err", err)
		http.Error(w, "code exchange failed", http.StatusBadGateway)
		return
	}

	me, err := h.remote.Me(ctx, oauth2.StaticTokenSource(tok))
	if err != nil {
		h.log.Warn("auth.me.fail", "err", err)
		http.Error(w, "identity lookup failed", http.StatusBadGateway)
		return
	}

	if err := h.store.Put(ctx, me.ID, tok); err != nil {
		h.log.Error("auth.token.persist.fail", "user_id", me.ID, "err", err)
		http.Error(w, "token persistence failed", http.StatusInternalServerError)
		return
	}

	session, err := h.sessions.Issue(me.ID, me.DisplayName)
	if err != nil {
		http.Error(w, "session issue failed", http.StatusInternalServerError)
		return
	}

	h.log.Info("auth.login.ok", "user_id", me.ID)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token":        session,
		"user_id":      me.ID,
		"display_name": me.DisplayName,
	})
}

// ---- state tracking ----

func (h *OAuthHandler) addState(state string) {
	now := time.Now()
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	for s, exp := range h.states {
		if now.After(exp) {
			delete(h.states, s)
		}
	}
	h.states[state] = now.Add(stateTTL)
}

func (h *OAuthHandler) takeState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	exp, ok := h.states[state]
	if !ok {
		return false
	}
	delete(h.states, state)
	return time.Now().Before(exp)
}
