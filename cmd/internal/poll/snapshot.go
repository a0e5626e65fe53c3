package poll

import (
	"time"

	v1 "parley/contracts/realtime/v1"
)

// ChatSummary is the tracked state of one conversation. A diff compares
// LastActivity, Preview, and UnreadCount; Topic is carried for payloads but
// does not by itself constitute a change.
type ChatSummary struct {
	ID           string
	Topic        string
	Preview      string
	UnreadCount  int
	LastActivity time.Time
}

// ChannelSummary is the tracked state of one channel, keyed by its id scoped
// to the parent team.
type ChannelSummary struct {
	ID          string
	TeamID      string
	DisplayName string
}

// Snapshot is the last-seen state of a user's tracked entities, used as the
// diff baseline. It always reflects the last fetch that was actually diffed:
// it is replaced after comparison, never before, so a diff is always against
// the previously-broadcast state.
//
// A Snapshot is exclusively owned by its user's poll loop; nothing else
// mutates it.
type Snapshot struct {
	Chats    map[string]ChatSummary
	Channels map[string]ChannelSummary

	// LastMessageID maps conversation id to the newest message id seen for
	// conversations under active interest.
	LastMessageID map[string]string
}

// NewSnapshot returns an empty Snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Chats:         make(map[string]ChatSummary),
		Channels:      make(map[string]ChannelSummary),
		LastMessageID: make(map[string]string),
	}
}

func channelKey(teamID, id string) string {
	return teamID + "/" + id
}

func (c ChatSummary) wire() v1.Chat {
	return v1.Chat{
		ID:           c.ID,
		Topic:        c.Topic,
		Preview:      c.Preview,
		UnreadCount:  c.UnreadCount,
		LastActivity: c.LastActivity,
	}
}

func (c ChannelSummary) wire() v1.Channel {
	return v1.Channel{
		ID:          c.ID,
		TeamID:      c.TeamID,
		DisplayName: c.DisplayName,
	}
}

// UserRoom is the room id carrying list-level events for a user. A connection
// is always a member of its user room.
func UserRoom(userID string) string { return "user:" + userID }

// ConversationRoom is the room id carrying message-level events for a
// conversation. A connection belongs to at most one conversation room.
func ConversationRoom(conversationID string) string { return "conv:" + conversationID }
