package tokens

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/oauth2"
)

// InMemoryStore is the fallback when no database is configured. Tokens are
// lost on restart; users re-run the login flow.
type InMemoryStore struct {
	mu   sync.Mutex
	toks map[string]oauth2.Token
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{toks: make(map[string]oauth2.Token)}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Get returns the stored token for a user.
func (s *InMemoryStore) Get(ctx context.Context, userID string) (*oauth2.Token, error) {
	if userID == "" {
		return nil, errors.New("tokens: missing user id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.toks[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := tok
	return &cp, nil
}

// Put stores or replaces the token for a user.
func (s *InMemoryStore) Put(ctx context.Context, userID string, tok *oauth2.Token) error {
	if userID == "" || tok == nil {
		return errors.New("tokens: invalid input")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.toks[userID] = *tok
	return nil
}

// Delete removes the token for a user (noop when absent).
func (s *InMemoryStore) Delete(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.toks, userID)
	return nil
}
