// Package v1 defines the Parley realtime wire protocol.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server and browser clients to keep the wire
// protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeSelectChat switches the connection's active conversation (client -> server).
	TypeSelectChat = "select_chat"
	// TypeSendMessage requests sending a message into a conversation (client -> server).
	TypeSendMessage = "send_message"
	// TypeTyping is the typing indicator; client -> server carries the local
	// state, server -> conversation members carries the originating user id.
	TypeTyping = "typing"

	// TypeConnected acknowledges a newly admitted connection (server -> client).
	TypeConnected = "connected"
	// TypeChatsLoaded delivers the current conversation list (server -> client).
	TypeChatsLoaded = "chats_loaded"
	// TypeChannelsLoaded delivers the current channel list (server -> client).
	TypeChannelsLoaded = "channels_loaded"

	// TypeChatCreated announces a conversation not previously tracked.
	TypeChatCreated = "chat_created"
	// TypeChatUpdated announces a change to a tracked conversation.
	TypeChatUpdated = "chat_updated"
	// TypeChannelCreated announces a channel not previously tracked.
	TypeChannelCreated = "channel_created"
	// TypeChannelUpdated announces a change to a tracked channel.
	TypeChannelUpdated = "channel_updated"

	// TypeMessage broadcasts a message detected in or sent to a conversation.
	TypeMessage = "message"
	// TypeMessageSent acknowledges a send request to its originator.
	TypeMessageSent = "message_sent"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeSelectChat,
		TypeSendMessage,
		TypeTyping,
		TypeConnected,
		TypeChatsLoaded,
		TypeChannelsLoaded,
		TypeChatCreated,
		TypeChatUpdated,
		TypeChannelCreated,
		TypeChannelUpdated,
		TypeMessage,
		TypeMessageSent,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Entities ----

// Chat is the summarized view of one conversation as tracked by the server.
type Chat struct {
	ID           string    `json:"id"`
	Topic        string    `json:"topic,omitempty"`
	Preview      string    `json:"preview,omitempty"`
	UnreadCount  int       `json:"unread_count"`
	LastActivity time.Time `json:"last_activity,omitempty"`
}

// Channel is a named chat-capable sub-space of a team.
type Channel struct {
	ID          string `json:"id"`
	TeamID      string `json:"team_id"`
	DisplayName string `json:"display_name"`
}

// Message is one chat message as delivered over the socket.
// ID is unique within a conversation and is the de-duplication key on both
// ends of the wire.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name,omitempty"`
	FromMe         bool      `json:"from_me"`
}

// ---- Payloads ----

// SelectChatPayload requests switching the active conversation room.
type SelectChatPayload struct {
	ConversationID string `json:"conversation_id"`
}

// SendMessagePayload requests sending a message into a conversation.
type SendMessagePayload struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

// TypingPayload is the typing indicator in both directions. UserID is filled
// by the server on relay and must be empty on the client -> server leg.
type TypingPayload struct {
	UserID         string `json:"user_id,omitempty"`
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// ConnectedPayload acknowledges admission and reports the session identity.
type ConnectedPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// ChatsLoadedPayload carries the initial (or refreshed) conversation list.
type ChatsLoadedPayload struct {
	Chats []Chat `json:"chats"`
}

// ChannelsLoadedPayload carries the initial (or refreshed) channel list.
type ChannelsLoadedPayload struct {
	Channels []Channel `json:"channels"`
}

// ChatEventPayload carries one conversation for chat_created / chat_updated.
type ChatEventPayload struct {
	Chat Chat `json:"chat"`
}

// ChannelEventPayload carries one channel for channel_created / channel_updated.
type ChannelEventPayload struct {
	Channel Channel `json:"channel"`
}

// MessagePayload carries one message for message / message_sent.
type MessagePayload struct {
	ConversationID string  `json:"conversation_id"`
	Message        Message `json:"message"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
