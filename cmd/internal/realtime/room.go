package realtime

import (
	"log/slog"
	"sync"

	"parley/cmd/internal/telemetry"
	v1 "parley/contracts/realtime/v1"
)

// Room is an in-memory membership + broadcast fanout primitive. A room is
// either a user room (all connections of one user) or a conversation room
// (connections currently viewing one conversation).
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Room struct {
	log *slog.Logger
	ID  string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewRoom constructs a room.
func NewRoom(log *slog.Logger, id string) *Room {
	return &Room{
		log:     log,
		ID:      id,
		members: make(map[string]*Client),
	}
}

// Join adds a client to membership.
func (r *Room) Join(client *Client) {
	if r == nil || client == nil || client.SessionID == "" {
		return
	}

	r.mu.Lock()
	r.members[client.SessionID] = client
	r.mu.Unlock()

	r.log.Debug("room.member.join", "room_id", r.ID, "session_id", client.SessionID)
}

// Leave removes a client from membership. It deliberately does NOT close the
// client: a connection switching conversations leaves one room and joins the
// next with its goroutines intact. Closing is owned by the registry when the
// connection itself goes away.
func (r *Room) Leave(sessionID string) {
	if r == nil || sessionID == "" {
		return
	}

	r.mu.Lock()
	delete(r.members, sessionID)
	r.mu.Unlock()

	r.log.Debug("room.member.leave", "room_id", r.ID, "session_id", sessionID)
}

// Empty reports whether the room has no members.
func (r *Room) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members) == 0
}

// Broadcast fanouts an envelope to all members, optionally skipping one
// session (the originator of a relayed event).
// Non-blocking: if a member queue is full or the client is shutting down, it is dropped.
func (r *Room) Broadcast(env v1.Envelope, exceptSession string) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, m := range r.members {
		if m == nil || id == exceptSession {
			continue
		}

		select {
		case <-m.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			// Drop rather than block the whole room.
			if telemetry.BroadcastDropped != nil {
				telemetry.BroadcastDropped.Inc()
			}
			r.log.Warn("room.broadcast.drop", "room_id", r.ID, "session_id", id, "type", env.Type)
		}
	}
}
