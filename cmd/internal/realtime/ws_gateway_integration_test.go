package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/oauth2"

	"parley/cmd/internal/auth"
	"parley/cmd/internal/poll"
	"parley/cmd/internal/remote"
	v1 "parley/contracts/realtime/v1"
)

type fakeChatAPI struct {
	mu    sync.Mutex
	convs []remote.Conversation
	chans []remote.Channel
	sent  []string
}

func (f *fakeChatAPI) ListConversations(ctx context.Context, cred oauth2.TokenSource) ([]remote.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.convs, nil
}

func (f *fakeChatAPI) ListChannels(ctx context.Context, cred oauth2.TokenSource) ([]remote.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chans, nil
}

func (f *fakeChatAPI) SendMessage(ctx context.Context, cred oauth2.TokenSource, conversationID, text string) (remote.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, conversationID+"|"+text)
	return remote.Message{
		ID:        "srv-msg-1",
		Body:      text,
		CreatedAt: time.Now().UTC(),
	}, nil
}

type fakePollControl struct {
	mu        sync.Mutex
	started   []string
	interests map[string][]string
}

func (f *fakePollControl) Start(userID string, cred oauth2.TokenSource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, userID)
}

func (f *fakePollControl) SetInterest(userID string, conversationIDs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.interests == nil {
		f.interests = make(map[string][]string)
	}
	f.interests[userID] = conversationIDs
}

func (f *fakePollControl) interestFor(userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interests[userID]
}

type fakeCreds struct{}

func (fakeCreds) Source(ctx context.Context, userID string) (oauth2.TokenSource, error) {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "upstream-" + userID}), nil
}

// fakeValidator maps session tokens straight to identities.
type fakeValidator struct{ users map[string]auth.Identity }

func (f fakeValidator) Validate(token string) (auth.Identity, error) {
	id, ok := f.users[token]
	if !ok {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return id, nil
}

type gatewayFixture struct {
	srv   *httptest.Server
	chat  *fakeChatAPI
	sched *fakePollControl
	reg   *Registry
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := NewRegistry(log)
	chat := &fakeChatAPI{
		convs: []remote.Conversation{{ID: "c1", Topic: "General", Preview: "hello"}},
		chans: []remote.Channel{{ID: "ch1", TeamID: "t1", DisplayName: "Announcements"}},
	}
	sched := &fakePollControl{}
	validator := fakeValidator{users: map[string]auth.Identity{
		"tok-alice": {UserID: "alice", DisplayName: "Alice"},
		"tok-bob":   {UserID: "bob", DisplayName: "Bob"},
	}}

	gw := NewWSGateway(log, context.Background(), reg, chat, sched, fakeCreds{}, validator)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &gatewayFixture{srv: srv, chat: chat, sched: sched, reg: reg}
}

func (fx *gatewayFixture) dial(t *testing.T, ctx context.Context, token string) *websocket.Conn {
	t.Helper()
	return fx.dialWith(t, ctx, "token="+token)
}

func (fx *gatewayFixture) dialWith(t *testing.T, ctx context.Context, query string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(fx.srv.URL, "http") + "/ws?" + query
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
		HTTPHeader:   http.Header{"Origin": []string{fx.srv.URL}},
	})
	if err != nil {
		code := 0
		if resp != nil {
			code = resp.StatusCode
		}
		t.Fatalf("dial: %v (status=%d)", err, code)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func sendEnvelope(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := v1.Envelope{V: v1.Version, Type: typ, ID: "cli-1", TS: time.Now().UTC(), Payload: b}
	data, _ := json.Marshal(env)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// awaitType reads envelopes until one of the wanted type arrives, skipping
// unrelated server pushes.
func awaitType(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string) v1.Envelope {
	t.Helper()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read waiting for %q: %v", typ, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
}

func TestWSGateway_ConnectDeliversInitialBurst(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fx := newGatewayFixture(t)
	conn := fx.dial(t, ctx, "tok-alice")

	env := awaitType(t, ctx, conn, v1.TypeConnected)
	var connected v1.ConnectedPayload
	if err := json.Unmarshal(env.Payload, &connected); err != nil {
		t.Fatalf("decode connected: %v", err)
	}
	if connected.UserID != "alice" {
		t.Fatalf("user_id=%q want alice", connected.UserID)
	}
	if connected.SessionID == "" {
		t.Fatalf("connected without session id")
	}

	env = awaitType(t, ctx, conn, v1.TypeChatsLoaded)
	var chats v1.ChatsLoadedPayload
	if err := json.Unmarshal(env.Payload, &chats); err != nil {
		t.Fatalf("decode chats_loaded: %v", err)
	}
	if len(chats.Chats) != 1 || chats.Chats[0].ID != "c1" {
		t.Fatalf("chats=%+v want [c1]", chats.Chats)
	}

	env = awaitType(t, ctx, conn, v1.TypeChannelsLoaded)
	var channels v1.ChannelsLoadedPayload
	if err := json.Unmarshal(env.Payload, &channels); err != nil {
		t.Fatalf("decode channels_loaded: %v", err)
	}
	if len(channels.Channels) != 1 || channels.Channels[0].ID != "ch1" {
		t.Fatalf("channels=%+v want [ch1]", channels.Channels)
	}

	fx.sched.mu.Lock()
	started := len(fx.sched.started) == 1 && fx.sched.started[0] == "alice"
	fx.sched.mu.Unlock()
	if !started {
		t.Fatalf("poll loop not started for alice")
	}
}

func TestWSGateway_RejectsBadToken(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fx := newGatewayFixture(t)
	url := "ws" + strings.TrimPrefix(fx.srv.URL, "http") + "/ws?token=nope"
	_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
		HTTPHeader:   http.Header{"Origin": []string{fx.srv.URL}},
	})
	if err == nil {
		t.Fatalf("dial with bad token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 before upgrade, got %+v", resp)
	}
}

func TestWSGateway_RejectsMissingToken(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fx := newGatewayFixture(t)
	url := "ws" + strings.TrimPrefix(fx.srv.URL, "http") + "/ws"
	_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
		HTTPHeader:   http.Header{"Origin": []string{fx.srv.URL}},
	})
	if err == nil {
		t.Fatalf("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 before upgrade, got %+v", resp)
	}
}

func TestWSGateway_SelectChatUpdatesInterest(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fx := newGatewayFixture(t)
	conn := fx.dial(t, ctx, "tok-alice")
	awaitType(t, ctx, conn, v1.TypeChannelsLoaded)

	sendEnvelope(t, ctx, conn, v1.TypeSelectChat, v1.SelectChatPayload{ConversationID: "c1"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := fx.sched.interestFor("alice")
		if len(got) == 1 && got[0] == "c1" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("interest never updated: %v", fx.sched.interestFor("alice"))
}

func TestWSGateway_ConnectionParamJoinsConversation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fx := newGatewayFixture(t)
	conn := fx.dialWith(t, ctx, "token=tok-alice&conversation_id=c1")

	// The room join and interest update happen before the initial burst.
	awaitType(t, ctx, conn, v1.TypeConnected)

	if got := fx.sched.interestFor("alice"); len(got) != 1 || got[0] != "c1" {
		t.Fatalf("interest=%v want [c1]", got)
	}
	if got := fx.reg.ActiveConversations("alice"); len(got) != 1 || got[0] != "c1" {
		t.Fatalf("active conversations=%v want [c1]", got)
	}

	awaitType(t, ctx, conn, v1.TypeChannelsLoaded)

	// The connection receives conversation-room broadcasts without ever
	// having sent a select_chat frame.
	fx.reg.Broadcast(poll.ConversationRoom("c1"), v1.Envelope{V: v1.Version, Type: v1.TypeTyping, ID: "srv-1", TS: time.Now().UTC()})
	awaitType(t, ctx, conn, v1.TypeTyping)
}

func TestWSGateway_DisconnectRecomputesInterest(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fx := newGatewayFixture(t)

	keep := fx.dial(t, ctx, "tok-alice")
	awaitType(t, ctx, keep, v1.TypeChannelsLoaded)

	viewer := fx.dial(t, ctx, "tok-alice")
	awaitType(t, ctx, viewer, v1.TypeChannelsLoaded)

	sendEnvelope(t, ctx, viewer, v1.TypeSelectChat, v1.SelectChatPayload{ConversationID: "c1"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := fx.sched.interestFor("alice"); len(got) == 1 && got[0] == "c1" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := fx.sched.interestFor("alice"); len(got) != 1 {
		t.Fatalf("interest never reached [c1]: %v", got)
	}

	// The viewing connection leaves; the surviving connection has no
	// conversation open, so message-level polling must wind down.
	_ = viewer.Close(websocket.StatusNormalClosure, "leaving")

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fx.reg.ConnectionCount("alice") == 1 && len(fx.sched.interestFor("alice")) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("interest=%v connections=%d after viewer disconnect, want empty interest and 1 connection",
		fx.sched.interestFor("alice"), fx.reg.ConnectionCount("alice"))
}

func TestWSGateway_SendMessageAcksAndRelays(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fx := newGatewayFixture(t)
	alice := fx.dial(t, ctx, "tok-alice")
	bob := fx.dial(t, ctx, "tok-bob")
	awaitType(t, ctx, alice, v1.TypeChannelsLoaded)
	awaitType(t, ctx, bob, v1.TypeChannelsLoaded)

	sendEnvelope(t, ctx, alice, v1.TypeSelectChat, v1.SelectChatPayload{ConversationID: "c1"})
	sendEnvelope(t, ctx, bob, v1.TypeSelectChat, v1.SelectChatPayload{ConversationID: "c1"})

	// Wait until both sessions are members before sending.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(fx.reg.ActiveConversations("alice")) == 1 && len(fx.reg.ActiveConversations("bob")) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	sendEnvelope(t, ctx, alice, v1.TypeSendMessage, v1.SendMessagePayload{ConversationID: "c1", Text: "hi bob"})

	ack := awaitType(t, ctx, alice, v1.TypeMessageSent)
	var ackPayload v1.MessagePayload
	if err := json.Unmarshal(ack.Payload, &ackPayload); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !ackPayload.Message.FromMe {
		t.Fatalf("ack not marked from_me")
	}
	if ackPayload.Message.Text != "hi bob" {
		t.Fatalf("ack text=%q", ackPayload.Message.Text)
	}

	relay := awaitType(t, ctx, bob, v1.TypeMessage)
	var relayPayload v1.MessagePayload
	if err := json.Unmarshal(relay.Payload, &relayPayload); err != nil {
		t.Fatalf("decode relay: %v", err)
	}
	if relayPayload.Message.FromMe {
		t.Fatalf("relay marked from_me for a peer")
	}
	if relayPayload.Message.ID != ackPayload.Message.ID {
		t.Fatalf("relay id=%q ack id=%q want equal (dedup key)", relayPayload.Message.ID, ackPayload.Message.ID)
	}

	fx.chat.mu.Lock()
	sent := len(fx.chat.sent) == 1 && fx.chat.sent[0] == "c1|hi bob"
	fx.chat.mu.Unlock()
	if !sent {
		t.Fatalf("upstream send not recorded")
	}
}

func TestWSGateway_TypingRelayCarriesUserID(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fx := newGatewayFixture(t)
	alice := fx.dial(t, ctx, "tok-alice")
	bob := fx.dial(t, ctx, "tok-bob")
	awaitType(t, ctx, alice, v1.TypeChannelsLoaded)
	awaitType(t, ctx, bob, v1.TypeChannelsLoaded)

	sendEnvelope(t, ctx, alice, v1.TypeSelectChat, v1.SelectChatPayload{ConversationID: "c1"})
	sendEnvelope(t, ctx, bob, v1.TypeSelectChat, v1.SelectChatPayload{ConversationID: "c1"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(fx.reg.ActiveConversations("alice")) == 1 && len(fx.reg.ActiveConversations("bob")) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	sendEnvelope(t, ctx, alice, v1.TypeTyping, v1.TypingPayload{ConversationID: "c1", IsTyping: true})

	relay := awaitType(t, ctx, bob, v1.TypeTyping)
	var p v1.TypingPayload
	if err := json.Unmarshal(relay.Payload, &p); err != nil {
		t.Fatalf("decode typing: %v", err)
	}
	if p.UserID != "alice" || !p.IsTyping {
		t.Fatalf("typing relay=%+v want alice typing", p)
	}
}

func TestWSGateway_InvalidInputGetsErrorEnvelope(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fx := newGatewayFixture(t)
	conn := fx.dial(t, ctx, "tok-alice")
	awaitType(t, ctx, conn, v1.TypeChannelsLoaded)

	if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	env := awaitType(t, ctx, conn, v1.TypeError)
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if p.Code != "bad_json" {
		t.Fatalf("code=%q want bad_json", p.Code)
	}

	sendEnvelope(t, ctx, conn, "bogus_type", struct{}{})
	env = awaitType(t, ctx, conn, v1.TypeError)
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if p.Code != "bad_envelope" {
		t.Fatalf("code=%q want bad_envelope", p.Code)
	}
}

func TestWSGateway_DisconnectUnregistersConnection(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fx := newGatewayFixture(t)
	conn := fx.dial(t, ctx, "tok-alice")
	awaitType(t, ctx, conn, v1.TypeConnected)

	if got := fx.reg.ConnectionCount("alice"); got != 1 {
		t.Fatalf("connections=%d want 1", got)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "leaving")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fx.reg.ConnectionCount("alice") == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("connection never unregistered")
}
