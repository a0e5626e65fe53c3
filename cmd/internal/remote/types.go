package remote

import "time"

// Conversation is the upstream summary of one chat thread.
type Conversation struct {
	ID           string    `json:"id"`
	Topic        string    `json:"topic"`
	Preview      string    `json:"lastMessagePreview"`
	UnreadCount  int       `json:"unreadCount"`
	LastActivity time.Time `json:"lastActivityAt"`
}

// Channel is a named chat-capable sub-space scoped by its parent team.
type Channel struct {
	ID          string `json:"id"`
	TeamID      string `json:"teamId"`
	DisplayName string `json:"displayName"`
}

// Sender identifies the author of a message.
type Sender struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Message is one chat message as returned by the upstream API.
// Messages within a conversation are listed oldest-first and ID is unique
// per conversation.
type Message struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
	From      Sender    `json:"from"`
}

// User is the profile of the authenticated account.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}
