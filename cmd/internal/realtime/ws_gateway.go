package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/oauth2"

	"parley/cmd/internal/auth"
	"parley/cmd/internal/ids"
	"parley/cmd/internal/poll"
	"parley/cmd/internal/remote"
	v1 "parley/contracts/realtime/v1"
)

const (
	wsSubprotocolV1 = "parley.realtime.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// ChatAPI is the slice of the upstream client the gateway needs for the
// initial list burst and for sending messages.
type ChatAPI interface {
	ListConversations(ctx context.Context, cred oauth2.TokenSource) ([]remote.Conversation, error)
	ListChannels(ctx context.Context, cred oauth2.TokenSource) ([]remote.Channel, error)
	SendMessage(ctx context.Context, cred oauth2.TokenSource, conversationID, text string) (remote.Message, error)
}

// PollControl is the slice of the poll scheduler the gateway drives. Stopping
// is not here: the registry's idle handler owns that transition.
type PollControl interface {
	Start(userID string, cred oauth2.TokenSource)
	SetInterest(userID string, conversationIDs []string)
}

// CredentialSource resolves a user's upstream credential.
type CredentialSource interface {
	Source(ctx context.Context, userID string) (oauth2.TokenSource, error)
}

// WSGateway is the WebSocket entrypoint.
//
// It enforces origin policy, session authentication, subprotocol selection,
// rate limits, and heartbeats; admits connections into the Registry; and
// routes validated envelopes to the upstream API and the poll scheduler.
type WSGateway struct {
	log      *slog.Logger
	registry *Registry
	chat     ChatAPI
	sched    PollControl
	creds    CredentialSource
	sessions auth.Validator

	// appCtx outlives individual connections; upstream credentials are bound
	// to it so token refresh keeps working across connection churn.
	appCtx context.Context

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
func NewWSGateway(log *slog.Logger, appCtx context.Context, registry *Registry, chat ChatAPI, sched PollControl, creds CredentialSource, sessions auth.Validator) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if appCtx == nil {
		appCtx = context.Background()
	}
	if registry == nil {
		registry = NewRegistry(log)
	}

	g := &WSGateway{
		log:      log,
		registry: registry,
		chat:     chat,
		sched:    sched,
		creds:    creds,
		sessions: sessions,
		appCtx:   appCtx,
	}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("PARLEY_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("PARLEY_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("PARLEY_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// IMPORTANT:
	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("PARLEY_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("PARLEY_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("PARLEY_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("PARLEY_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("PARLEY_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("PARLEY_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("PARLEY_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates, upgrades an HTTP request to a WebSocket session,
// and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Authenticate before the upgrade so a bad token gets a clean 401 instead
	// of a websocket close code.
	identity, err := g.authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	cred, err := g.creds.Source(g.appCtx, identity.UserID)
	if err != nil {
		g.log.Info("ws.reject.credential", "user_id", identity.UserID, "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID := ids.New(time.Now().UTC())
	client := NewClient(identity.UserID, sessionID, g.sendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Broadcast safety: client.Send remains open and room removal happens
	// inside Unregister before client.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.registry.Unregister(sessionID)
			// The remaining connections define the polled set. No-op once
			// the idle handler has stopped the user's loop.
			g.sched.SetInterest(identity.UserID, g.registry.ActiveConversations(identity.UserID))
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	g.registry.Register(client)
	g.sched.Start(identity.UserID, cred)

	// A conversation id in the handshake joins its room and resumes
	// message-level polling without waiting for a select_chat frame.
	if convID := strings.TrimSpace(r.URL.Query().Get("conversation_id")); convID != "" {
		g.registry.SelectConversation(sessionID, convID)
		g.sched.SetInterest(identity.UserID, g.registry.ActiveConversations(identity.UserID))
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	g.sendConnected(ctx, client)
	g.sendInitialLists(ctx, client, cred)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeSelectChat:
			if err := g.onSelectChat(client, env); err != nil {
				g.trySendError(ctx, client, "select_failed", err.Error())
				continue readLoop
			}

		case v1.TypeSendMessage:
			if err := g.onSendMessage(ctx, client, cred, env, now); err != nil {
				code := "send_failed"
				if errors.Is(err, remote.ErrUnauthorized) {
					code = "unauthorized"
				} else if remote.IsTransient(err) {
					code = "remote_unavailable"
				}
				g.trySendError(ctx, client, code, err.Error())
				continue readLoop
			}

		case v1.TypeTyping:
			if err := g.onTyping(client, env, now); err != nil {
				g.trySendError(ctx, client, "typing_failed", err.Error())
				continue readLoop
			}

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func (g *WSGateway) authenticate(r *http.Request) (auth.Identity, error) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		h := strings.TrimSpace(r.Header.Get("Authorization"))
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			token = strings.TrimSpace(after)
		}
	}
	if token == "" {
		return auth.Identity{}, errors.New("missing token")
	}
	return g.sessions.Validate(token)
}

// ---- handlers ----

func (g *WSGateway) onSelectChat(client *Client, env v1.Envelope) error {
	var p v1.SelectChatPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return errors.New("missing conversation_id")
	}

	g.registry.SelectConversation(client.SessionID, convID)
	g.sched.SetInterest(client.UserID, g.registry.ActiveConversations(client.UserID))
	return nil
}

func (g *WSGateway) onSendMessage(ctx context.Context, client *Client, cred oauth2.TokenSource, env v1.Envelope, now time.Time) error {
	var p v1.SendMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return errors.New("missing conversation_id")
	}

	text := strings.TrimSpace(p.Text)
	if text == "" {
		return errors.New("empty text")
	}
	if len([]rune(text)) > maxMessageChars {
		return fmt.Errorf("message too long: max=%d chars", maxMessageChars)
	}

	sent, err := g.chat.SendMessage(ctx, cred, convID, text)
	if err != nil {
		return err
	}

	msg := v1.Message{
		ID:             sent.ID,
		ConversationID: convID,
		Text:           sent.Body,
		CreatedAt:      sent.CreatedAt,
		SenderID:       client.UserID,
		FromMe:         true,
	}
	if msg.Text == "" {
		msg.Text = text
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}

	ackPayload, _ := json.Marshal(v1.MessagePayload{ConversationID: convID, Message: msg})
	ack := newEnvelope(v1.TypeMessageSent, ackPayload, now)
	if !g.enqueue(ctx, client, ack) {
		return errors.New("backpressure: message_sent")
	}

	// Other members viewing the conversation see the message immediately
	// instead of waiting a poll interval. Their copies carry from_me=false;
	// the id is the de-duplication key against the poll-detected copy.
	echo := msg
	echo.FromMe = false
	echoPayload, _ := json.Marshal(v1.MessagePayload{ConversationID: convID, Message: echo})
	g.registry.BroadcastExcept(poll.ConversationRoom(convID), client.SessionID, newEnvelope(v1.TypeMessage, echoPayload, now))
	return nil
}

func (g *WSGateway) onTyping(client *Client, env v1.Envelope, now time.Time) error {
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return errors.New("missing conversation_id")
	}

	// Relay carries the originating user id; the indicator is ephemeral and
	// never persisted or fanned out beyond the conversation room.
	relayPayload, _ := json.Marshal(v1.TypingPayload{
		UserID:         client.UserID,
		ConversationID: convID,
		IsTyping:       p.IsTyping,
	})
	g.registry.BroadcastExcept(poll.ConversationRoom(convID), client.SessionID, newEnvelope(v1.TypeTyping, relayPayload, now))
	return nil
}

// ---- initial burst ----

func (g *WSGateway) sendConnected(ctx context.Context, client *Client) {
	p, _ := json.Marshal(v1.ConnectedPayload{SessionID: client.SessionID, UserID: client.UserID})
	_ = g.enqueue(ctx, client, newEnvelope(v1.TypeConnected, p, time.Now().UTC()))
}

// sendInitialLists pushes the current conversation and channel lists so the
// UI renders without waiting for the first poll tick. Fetch failures degrade
// to empty lists; the poll loop repairs the view on its next pass.
func (g *WSGateway) sendInitialLists(ctx context.Context, client *Client, cred oauth2.TokenSource) {
	now := time.Now().UTC()

	convs, err := g.chat.ListConversations(ctx, cred)
	if err != nil {
		g.log.Warn("ws.initial.chats.fail", "session_id", client.SessionID, "err", err)
	}
	chats := make([]v1.Chat, 0, len(convs))
	for _, c := range convs {
		chats = append(chats, v1.Chat{
			ID:           c.ID,
			Topic:        c.Topic,
			Preview:      c.Preview,
			UnreadCount:  c.UnreadCount,
			LastActivity: c.LastActivity,
		})
	}
	chatsPayload, _ := json.Marshal(v1.ChatsLoadedPayload{Chats: chats})
	_ = g.enqueue(ctx, client, newEnvelope(v1.TypeChatsLoaded, chatsPayload, now))

	chans, err := g.chat.ListChannels(ctx, cred)
	if err != nil {
		g.log.Warn("ws.initial.channels.fail", "session_id", client.SessionID, "err", err)
	}
	channels := make([]v1.Channel, 0, len(chans))
	for _, ch := range chans {
		channels = append(channels, v1.Channel{ID: ch.ID, TeamID: ch.TeamID, DisplayName: ch.DisplayName})
	}
	chansPayload, _ := json.Marshal(v1.ChannelsLoadedPayload{Channels: channels})
	_ = g.enqueue(ctx, client, newEnvelope(v1.TypeChannelsLoaded, chansPayload, now))
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.New(ts),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
