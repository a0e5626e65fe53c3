// Package tokens persists per-user upstream OAuth tokens and hands out
// auto-refreshing token sources for the sync layer and the REST API.
package tokens

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
)

// ErrNotFound is returned when no token is stored for a user.
var ErrNotFound = errors.New("tokens: not found")

// Store persists upstream OAuth tokens keyed by user id.
type Store interface {
	Get(ctx context.Context, userID string) (*oauth2.Token, error)
	Put(ctx context.Context, userID string, tok *oauth2.Token) error
	Delete(ctx context.Context, userID string) error
	Close() error
}
