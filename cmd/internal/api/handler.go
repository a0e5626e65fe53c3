// Package api is the REST surface of the proxy: history loading and a
// send fallback for clients without a live socket. Every route is a
// pass-through to the upstream chat API under the caller's own credential.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"parley/cmd/internal/auth"
	"parley/cmd/internal/poll"
	"parley/cmd/internal/remote"
	v1 "parley/contracts/realtime/v1"
)

// ChatAPI is the slice of the upstream client the REST surface needs.
type ChatAPI interface {
	ListConversations(ctx context.Context, cred oauth2.TokenSource) ([]remote.Conversation, error)
	ListChannels(ctx context.Context, cred oauth2.TokenSource) ([]remote.Channel, error)
	ListMessages(ctx context.Context, cred oauth2.TokenSource, conversationID string) ([]remote.Message, error)
	SendMessage(ctx context.Context, cred oauth2.TokenSource, conversationID, text string) (remote.Message, error)
}

// CredentialSource resolves a user's upstream credential.
type CredentialSource interface {
	Source(ctx context.Context, userID string) (oauth2.TokenSource, error)
}

// Handler serves the authenticated REST routes.
type Handler struct {
	log      *slog.Logger
	chat     ChatAPI
	creds    CredentialSource
	sessions auth.Validator
	bc       poll.Broadcaster
}

// NewHandler constructs the REST handler. The broadcaster may be nil; sends
// then skip the out-of-band fanout and rely on the poll loop alone.
func NewHandler(log *slog.Logger, chat ChatAPI, creds CredentialSource, sessions auth.Validator, bc poll.Broadcaster) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, chat: chat, creds: creds, sessions: sessions, bc: bc}
}

// Register mounts the REST routes on a mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /api/chats", h.withAuth(h.handleListChats))
	mux.Handle("GET /api/channels", h.withAuth(h.handleListChannels))
	mux.Handle("GET /api/chats/{id}/messages", h.withAuth(h.handleListMessages))
	mux.Handle("POST /api/chats/{id}/messages", h.withAuth(h.handleSendMessage))
}

type authedHandler func(w http.ResponseWriter, r *http.Request, identity auth.Identity, cred oauth2.TokenSource)

// withAuth validates the Bearer session token and resolves the caller's
// upstream credential before invoking the route handler.
func (h *Handler) withAuth(next authedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}

		identity, err := h.sessions.Validate(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
			return
		}

		cred, err := h.creds.Source(r.Context(), identity.UserID)
		if err != nil {
			h.log.Info("api.credential.fail", "user_id", identity.UserID, "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized", "no upstream credential; sign in again")
			return
		}

		next(w, r, identity, cred)
	})
}

func (h *Handler) handleListChats(w http.ResponseWriter, r *http.Request, identity auth.Identity, cred oauth2.TokenSource) {
	convs, err := h.chat.ListConversations(r.Context(), cred)
	if err != nil {
		h.writeRemoteError(w, identity.UserID, "list chats", err)
		return
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
	writeJSON(w, http.StatusOK, v1.ChatsLoadedPayload{Chats: chats})
}

func (h *Handler) handleListChannels(w http.ResponseWriter, r *http.Request, identity auth.Identity, cred oauth2.TokenSource) {
	chans, err := h.chat.ListChannels(r.Context(), cred)
	if err != nil {
		h.writeRemoteError(w, identity.UserID, "list channels", err)
		return
	}

	channels := make([]v1.Channel, 0, len(chans))
	for _, ch := range chans {
		channels = append(channels, v1.Channel{ID: ch.ID, TeamID: ch.TeamID, DisplayName: ch.DisplayName})
	}
	writeJSON(w, http.StatusOK, v1.ChannelsLoadedPayload{Channels: channels})
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request, identity auth.Identity, cred oauth2.TokenSource) {
	convID := r.PathValue("id")
	if strings.TrimSpace(convID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing conversation id")
		return
	}

	msgs, err := h.chat.ListMessages(r.Context(), cred, convID)
	if err != nil {
		h.writeRemoteError(w, identity.UserID, "list messages", err)
		return
	}

	out := make([]v1.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, v1.Message{
			ID:             m.ID,
			ConversationID: convID,
			Text:           m.Body,
			CreatedAt:      m.CreatedAt,
			SenderID:       m.From.ID,
			SenderName:     m.From.DisplayName,
			FromMe:         m.From.ID == identity.UserID,
		})
	}
	writeJSON(w, http.StatusOK, struct {
		ConversationID string       `json:"conversation_id"`
		Messages       []v1.Message `json:"messages"`
	}{ConversationID: convID, Messages: out})
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request, identity auth.Identity, cred oauth2.TokenSource) {
	convID := r.PathValue("id")
	if strings.TrimSpace(convID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing conversation id")
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "empty text")
		return
	}

	sent, err := h.chat.SendMessage(r.Context(), cred, convID, text)
	if err != nil {
		h.writeRemoteError(w, identity.UserID, "send message", err)
		return
	}

	now := time.Now().UTC()
	msg := v1.Message{
		ID:             sent.ID,
		ConversationID: convID,
		Text:           sent.Body,
		CreatedAt:      sent.CreatedAt,
		SenderID:       identity.UserID,
		SenderName:     identity.DisplayName,
		FromMe:         true,
	}
	if msg.Text == "" {
		msg.Text = text
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}

	// Connected viewers of the conversation see the message ahead of the next
	// poll pass. Their copies are not from_me; message id is the dedup key.
	if h.bc != nil {
		echo := msg
		echo.FromMe = false
		h.bc.Broadcast(poll.ConversationRoom(convID), poll.NewEnvelope(v1.TypeMessage, v1.MessagePayload{
			ConversationID: convID,
			Message:        echo,
		}, now))
	}

	writeJSON(w, http.StatusCreated, v1.MessagePayload{ConversationID: convID, Message: msg})
}

// writeRemoteError maps upstream failure classes onto HTTP statuses.
func (h *Handler) writeRemoteError(w http.ResponseWriter, userID, op string, err error) {
	h.log.Warn("api.remote.fail", "user_id", userID, "op", op, "err", err)

	switch {
	case errors.Is(err, remote.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", "upstream rejected the credential; sign in again")
	case remote.IsTransient(err):
		writeError(w, http.StatusBadGateway, "remote_unavailable", "upstream temporarily unavailable")
	default:
		var sendErr *remote.SendError
		if errors.As(err, &sendErr) && sendErr.Status >= 400 && sendErr.Status < 500 {
			writeError(w, http.StatusBadRequest, "send_failed", "upstream rejected the message")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "unexpected upstream failure")
	}
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, v1.ErrorPayload{Code: code, Message: msg})
}
