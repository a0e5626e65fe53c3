// Package poll is the real-time synchronization core: a per-user snapshot +
// diff engine (Detector) driven by a per-user timer loop (Scheduler). The
// upstream API offers no push mechanism reachable by this deployment, so
// changes are detected by comparing periodic fetches against the last-seen
// snapshot and fanning the resulting events out to live connections.
package poll

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"parley/cmd/internal/remote"
	v1 "parley/contracts/realtime/v1"
)

// RemoteAPI is the slice of the upstream client the detector needs.
type RemoteAPI interface {
	ListConversations(ctx context.Context, cred oauth2.TokenSource) ([]remote.Conversation, error)
	ListChannels(ctx context.Context, cred oauth2.TokenSource) ([]remote.Channel, error)
	ListMessages(ctx context.Context, cred oauth2.TokenSource, conversationID string) ([]remote.Message, error)
}

// Event is one detected change, addressed to a broadcast room.
type Event struct {
	Type    string
	Room    string
	Payload any
}

// Detector diffs fetched remote state against a user's Snapshot and emits
// change events. It is stateless; all per-user state lives in the Snapshot
// passed in by the scheduler.
type Detector struct {
	log    *slog.Logger
	remote RemoteAPI
}

// NewDetector constructs a Detector over the upstream API.
func NewDetector(log *slog.Logger, api RemoteAPI) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{log: log, remote: api}
}

// DiffLists fetches the conversation and channel lists and diffs them against
// the snapshot. Entities present now but absent from the snapshot emit
// created events; entities whose compared fields changed emit updated events.
// Entities gone from the remote are dropped from tracking without an event.
//
// The returned error is the fetch error for the conversation list; a channel
// list failure only skips the channel diff so the conversation diff still
// lands (and vice versa the channel snapshot stays untouched for a retry on
// the next tick).
func (d *Detector) DiffLists(ctx context.Context, cred oauth2.TokenSource, userID string, snap *Snapshot) ([]Event, error) {
	room := UserRoom(userID)
	var events []Event

	convs, convErr := d.remote.ListConversations(ctx, cred)
	if convErr != nil {
		convErr = fmt.Errorf("list conversations: %w", convErr)
	} else {
		next := make(map[string]ChatSummary, len(convs))
		for _, c := range convs {
			sum := ChatSummary{
				ID:           c.ID,
				Topic:        c.Topic,
				Preview:      c.Preview,
				UnreadCount:  c.UnreadCount,
				LastActivity: c.LastActivity,
			}
			next[c.ID] = sum

			old, known := snap.Chats[c.ID]
			switch {
			case !known:
				events = append(events, Event{Type: v1.TypeChatCreated, Room: room, Payload: v1.ChatEventPayload{Chat: sum.wire()}})
			case chatChanged(old, sum):
				events = append(events, Event{Type: v1.TypeChatUpdated, Room: room, Payload: v1.ChatEventPayload{Chat: sum.wire()}})
			}
		}
		snap.Chats = next
	}

	chans, chanErr := d.remote.ListChannels(ctx, cred)
	if chanErr != nil {
		d.log.Warn("poll.channels.fetch.fail", "user_id", userID, "err", chanErr)
	} else {
		next := make(map[string]ChannelSummary, len(chans))
		for _, ch := range chans {
			sum := ChannelSummary{ID: ch.ID, TeamID: ch.TeamID, DisplayName: ch.DisplayName}
			key := channelKey(ch.TeamID, ch.ID)
			next[key] = sum

			old, known := snap.Channels[key]
			switch {
			case !known:
				events = append(events, Event{Type: v1.TypeChannelCreated, Room: room, Payload: v1.ChannelEventPayload{Channel: sum.wire()}})
			case old.DisplayName != sum.DisplayName:
				events = append(events, Event{Type: v1.TypeChannelUpdated, Room: room, Payload: v1.ChannelEventPayload{Channel: sum.wire()}})
			}
		}
		snap.Channels = next
	}

	return events, convErr
}

// DiffMessages diffs the message tail of every conversation under active
// interest. Failures are isolated per conversation: a failed fetch is logged,
// that conversation's last-known id stays untouched, and the next tick
// retries; other conversations proceed.
//
// The first time a conversation is tracked, its newest message id is seeded
// without emitting events (the UI loads history through the REST surface).
// If a previously-known id is no longer present in the fetched list, every
// fetched message is conservatively treated as new; clients de-duplicate by
// message id.
func (d *Detector) DiffMessages(ctx context.Context, cred oauth2.TokenSource, userID string, snap *Snapshot, interest []string) []Event {
	var events []Event

	tracked := make(map[string]struct{}, len(interest))
	for _, convID := range interest {
		tracked[convID] = struct{}{}

		msgs, err := d.remote.ListMessages(ctx, cred, convID)
		if err != nil {
			d.log.Warn("poll.messages.fetch.fail", "user_id", userID, "conversation_id", convID, "err", err)
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		newest := msgs[len(msgs)-1].ID
		last, known := snap.LastMessageID[convID]
		if !known {
			snap.LastMessageID[convID] = newest
			continue
		}
		if last == newest {
			continue
		}

		fresh := msgs
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].ID == last {
				fresh = msgs[i+1:]
				break
			}
		}

		room := ConversationRoom(convID)
		for _, m := range fresh {
			events = append(events, Event{
				Type: v1.TypeMessage,
				Room: room,
				Payload: v1.MessagePayload{
					ConversationID: convID,
					Message:        wireMessage(convID, userID, m),
				},
			})
		}
		snap.LastMessageID[convID] = newest
	}

	// Drop tracking state for conversations no longer under interest.
	for convID := range snap.LastMessageID {
		if _, ok := tracked[convID]; !ok {
			delete(snap.LastMessageID, convID)
		}
	}

	return events
}

func chatChanged(old, cur ChatSummary) bool {
	return !old.LastActivity.Equal(cur.LastActivity) ||
		old.Preview != cur.Preview ||
		old.UnreadCount != cur.UnreadCount
}

func wireMessage(convID, userID string, m remote.Message) v1.Message {
	return v1.Message{
		ID:             m.ID,
		ConversationID: convID,
		Text:           m.Body,
		CreatedAt:      m.CreatedAt,
		SenderID:       m.From.ID,
		SenderName:     m.From.DisplayName,
		FromMe:         m.From.ID == userID,
	}
}
