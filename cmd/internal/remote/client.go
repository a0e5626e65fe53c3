// Package remote is the client for the upstream messaging API. It is a thin
// fetch-by-id/list layer: conversations, channels, ordered messages, and the
// send endpoint, authenticated per call with an OAuth2 token source.
//
// List responses wrap their items in a "value" array. A response missing that
// field decodes as zero items; the sync layer relies on that rather than
// treating it as an error.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"parley/cmd/internal/telemetry"
)

const defaultRequestTimeout = 5 * time.Second

// Client talks to the upstream messaging API.
type Client struct {
	log     *slog.Logger
	baseURL string
	httpc   *http.Client
	timeout time.Duration
}

// NewClient constructs a Client for the given API base URL.
func NewClient(log *slog.Logger, baseURL string, timeout time.Duration) *Client {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		log:     log,
		baseURL: baseURL,
		httpc:   &http.Client{},
		timeout: timeout,
	}
}

// SetHTTPClient overrides the underlying HTTP client (tests).
func (c *Client) SetHTTPClient(hc *http.Client) {
	if hc != nil {
		c.httpc = hc
	}
}

// Me resolves the profile of the account owning the credential.
func (c *Client) Me(ctx context.Context, cred oauth2.TokenSource) (User, error) {
	var u User
	body, err := c.get(ctx, cred, "/v1/me", "me")
	if err != nil {
		return User{}, err
	}
	if err := json.Unmarshal(body, &u); err != nil {
		return User{}, fmt.Errorf("remote: decode me: %w", err)
	}
	if u.ID == "" {
		return User{}, fmt.Errorf("remote: me response missing id")
	}
	return u, nil
}

// ListConversations fetches the current conversation list for the credential.
func (c *Client) ListConversations(ctx context.Context, cred oauth2.TokenSource) ([]Conversation, error) {
	body, err := c.get(ctx, cred, "/v1/me/conversations", "list_conversations")
	if err != nil {
		return nil, err
	}
	var out struct {
		Value []Conversation `json:"value"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		// Malformed responses count as zero items, not failures.
		c.log.Warn("remote.decode.malformed", "op", "list_conversations", "err", err)
		return nil, nil
	}
	return out.Value, nil
}

// ListChannels fetches the channel list, grouped upstream by parent team.
func (c *Client) ListChannels(ctx context.Context, cred oauth2.TokenSource) ([]Channel, error) {
	body, err := c.get(ctx, cred, "/v1/me/channels", "list_channels")
	if err != nil {
		return nil, err
	}
	var out struct {
		Value []Channel `json:"value"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		c.log.Warn("remote.decode.malformed", "op", "list_channels", "err", err)
		return nil, nil
	}
	return out.Value, nil
}

// ListMessages fetches the ordered (oldest-first) messages of a conversation.
func (c *Client) ListMessages(ctx context.Context, cred oauth2.TokenSource, conversationID string) ([]Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("remote: missing conversation id")
	}
	body, err := c.get(ctx, cred, "/v1/conversations/"+conversationID+"/messages", "list_messages")
	if err != nil {
		return nil, err
	}
	var out struct {
		Value []Message `json:"value"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		c.log.Warn("remote.decode.malformed", "op", "list_messages", "conversation_id", conversationID, "err", err)
		return nil, nil
	}
	return out.Value, nil
}

// SendMessage posts a message into a conversation and returns the stored
// message as echoed by the upstream API.
func (c *Client) SendMessage(ctx context.Context, cred oauth2.TokenSource, conversationID, text string) (Message, error) {
	if conversationID == "" {
		return Message{}, &SendError{ConversationID: conversationID, Err: fmt.Errorf("missing conversation id")}
	}

	payload, _ := json.Marshal(map[string]string{"body": text})
	body, status, err := c.do(ctx, cred, http.MethodPost, "/v1/conversations/"+conversationID+"/messages", payload, "send_message")
	if err != nil {
		return Message{}, &SendError{ConversationID: conversationID, Status: status, Err: err}
	}

	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, &SendError{ConversationID: conversationID, Err: fmt.Errorf("decode response: %w", err)}
	}
	return m, nil
}

// ---- transport ----

func (c *Client) get(ctx context.Context, cred oauth2.TokenSource, path, op string) ([]byte, error) {
	body, _, err := c.do(ctx, cred, http.MethodGet, path, nil, op)
	return body, err
}

func (c *Client) do(ctx context.Context, cred oauth2.TokenSource, method, path string, payload []byte, op string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := telemetry.StartSpan(ctx, "remote", op,
		telemetry.HTTPMethodAttr(method),
		telemetry.HTTPRouteAttr(path),
	)
	defer span.End()

	tok, err := cred.Token()
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, 0, fmt.Errorf("%w: token: %v", ErrUnauthorized, err)
	}

	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if telemetry.RemoteRequestDuration != nil {
		telemetry.RemoteRequestDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if telemetry.RemoteErrors != nil {
			telemetry.RemoteErrors.Inc()
		}
		telemetry.RecordError(span, err)
		return nil, 0, &TransientError{Op: op, Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.log.Warn("remote.body.close", "err", err)
		}
	}()

	telemetry.SetSpanHTTPStatus(span, resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return nil, resp.StatusCode, &TransientError{Op: op, Err: err}
		}
		return body, resp.StatusCode, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if telemetry.RemoteErrors != nil {
			telemetry.RemoteErrors.Inc()
		}
		return nil, resp.StatusCode, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		if telemetry.RemoteErrors != nil {
			telemetry.RemoteErrors.Inc()
		}
		return nil, resp.StatusCode, &TransientError{Op: op, Status: resp.StatusCode}

	default:
		if telemetry.RemoteErrors != nil {
			telemetry.RemoteErrors.Inc()
		}
		return nil, resp.StatusCode, fmt.Errorf("remote: %s: unexpected status %d", op, resp.StatusCode)
	}
}
