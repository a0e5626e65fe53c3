package realtime

import (
	"log/slog"
	"sync"

	"parley/cmd/internal/poll"
	"parley/cmd/internal/telemetry"
	v1 "parley/contracts/realtime/v1"
)

// Registry owns the live connection set and the rooms they belong to. Every
// connection is a member of its user room for as long as it lives, plus at
// most one conversation room at a time.
//
// The registry is also the Broadcaster the poll scheduler fans events through:
// broadcast to an unknown room is a no-op, which is what makes delivery to a
// just-disconnected client safe.
type Registry struct {
	log *slog.Logger

	mu        sync.RWMutex
	rooms     map[string]*Room
	sessions  map[string]*session
	userConns map[string]int

	onIdle func(userID string)
}

// session tracks registry-side state for one connection.
type session struct {
	client   *Client
	convRoom string
}

// NewRegistry constructs a Registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:       log,
		rooms:     make(map[string]*Room),
		sessions:  make(map[string]*session),
		userConns: make(map[string]int),
	}
}

// SetIdleHandler registers the callback invoked when a user's last connection
// unregisters. Must be called before connections are admitted.
func (reg *Registry) SetIdleHandler(fn func(userID string)) {
	reg.onIdle = fn
}

// Register admits a connection: it joins the user room and starts counting
// toward the user's connection total.
func (reg *Registry) Register(client *Client) {
	if client == nil || client.SessionID == "" {
		return
	}

	reg.mu.Lock()
	reg.sessions[client.SessionID] = &session{client: client}
	reg.userConns[client.UserID]++
	room := reg.roomLocked(poll.UserRoom(client.UserID))
	reg.mu.Unlock()

	room.Join(client)
	if telemetry.ConnectedClients != nil {
		telemetry.ConnectedClients.Inc()
	}
	reg.log.Info("registry.register", "session_id", client.SessionID, "user_id", client.UserID)
}

// Unregister removes a connection from every room it belongs to and closes
// the client. When this was the user's last connection, the idle handler
// fires (after the registry lock is released).
func (reg *Registry) Unregister(sessionID string) {
	reg.mu.Lock()
	sess, ok := reg.sessions[sessionID]
	if !ok {
		reg.mu.Unlock()
		return
	}
	delete(reg.sessions, sessionID)

	userID := sess.client.UserID
	userRoom := reg.rooms[poll.UserRoom(userID)]
	var convRoom *Room
	if sess.convRoom != "" {
		convRoom = reg.rooms[sess.convRoom]
	}

	reg.userConns[userID]--
	idle := reg.userConns[userID] <= 0
	if idle {
		delete(reg.userConns, userID)
	}
	reg.mu.Unlock()

	userRoom.Leave(sessionID)
	convRoom.Leave(sessionID)
	reg.pruneEmpty(poll.UserRoom(userID))
	if sess.convRoom != "" {
		reg.pruneEmpty(sess.convRoom)
	}

	sess.client.Close()
	if telemetry.ConnectedClients != nil {
		telemetry.ConnectedClients.Dec()
	}
	reg.log.Info("registry.unregister", "session_id", sessionID, "user_id", userID, "idle", idle)

	if idle && reg.onIdle != nil {
		reg.onIdle(userID)
	}
}

// SelectConversation moves a connection into the room of the given
// conversation, leaving its previous conversation room if any. An empty id
// leaves the current conversation without joining a new one.
func (reg *Registry) SelectConversation(sessionID, conversationID string) {
	reg.mu.Lock()
	sess, ok := reg.sessions[sessionID]
	if !ok {
		reg.mu.Unlock()
		return
	}

	prev := sess.convRoom
	next := ""
	if conversationID != "" {
		next = poll.ConversationRoom(conversationID)
	}
	if prev == next {
		reg.mu.Unlock()
		return
	}
	sess.convRoom = next

	var prevRoom, nextRoom *Room
	if prev != "" {
		prevRoom = reg.rooms[prev]
	}
	if next != "" {
		nextRoom = reg.roomLocked(next)
	}
	client := sess.client
	reg.mu.Unlock()

	prevRoom.Leave(sessionID)
	if prev != "" {
		reg.pruneEmpty(prev)
	}
	nextRoom.Join(client)
}

// ActiveConversations returns the conversation ids currently open in at least
// one of the user's connections. This is the interest set handed to the poll
// scheduler.
func (reg *Registry) ActiveConversations(userID string) []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, sess := range reg.sessions {
		if sess.client.UserID != userID || sess.convRoom == "" {
			continue
		}
		id := sess.convRoom[len("conv:"):]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Broadcast fans an envelope out to a room. Unknown rooms are a no-op.
func (reg *Registry) Broadcast(roomID string, env v1.Envelope) {
	reg.BroadcastExcept(roomID, "", env)
}

// BroadcastExcept is Broadcast skipping the originating session.
func (reg *Registry) BroadcastExcept(roomID, exceptSession string, env v1.Envelope) {
	reg.mu.RLock()
	room := reg.rooms[roomID]
	reg.mu.RUnlock()
	room.Broadcast(env, exceptSession)
}

// ConnectionCount reports the number of live connections for a user.
func (reg *Registry) ConnectionCount(userID string) int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.userConns[userID]
}

func (reg *Registry) roomLocked(id string) *Room {
	if room, ok := reg.rooms[id]; ok {
		return room
	}
	room := NewRoom(reg.log, id)
	reg.rooms[id] = room
	return room
}

func (reg *Registry) pruneEmpty(id string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if room, ok := reg.rooms[id]; ok && room.Empty() {
		delete(reg.rooms, id)
	}
}
