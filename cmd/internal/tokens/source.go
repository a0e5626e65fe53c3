package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"
)

// Sources hands out per-user token sources that refresh through the OAuth
// config and write refreshed tokens back to the store.
type Sources struct {
	log   *slog.Logger
	store Store
	cfg   *oauth2.Config
}

// NewSources constructs a Sources over a store and an OAuth2 client config.
func NewSources(log *slog.Logger, store Store, cfg *oauth2.Config) *Sources {
	if log == nil {
		log = slog.Default()
	}
	return &Sources{log: log, store: store, cfg: cfg}
}

// Source returns an auto-refreshing token source for a user. The returned
// source is safe for concurrent use and persists refreshed tokens.
func (s *Sources) Source(ctx context.Context, userID string) (oauth2.TokenSource, error) {
	tok, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("tokens: load for %s: %w", userID, err)
	}

	base := s.cfg.TokenSource(ctx, tok)
	return &persistingSource{
		log:    s.log,
		ctx:    ctx,
		store:  s.store,
		userID: userID,
		inner:  oauth2.ReuseTokenSource(tok, base),
		last:   tok.AccessToken,
	}, nil
}

// persistingSource writes tokens back to the store whenever the inner source
// rotated the access token (i.e. a refresh happened).
type persistingSource struct {
	log    *slog.Logger
	ctx    context.Context
	store  Store
	userID string
	inner  oauth2.TokenSource

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.inner.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	rotated := tok.AccessToken != p.last
	if rotated {
		p.last = tok.AccessToken
	}
	p.mu.Unlock()

	if rotated {
		if err := p.store.Put(p.ctx, p.userID, tok); err != nil {
			// Refresh succeeded; persistence is best-effort until next rotation.
			p.log.Warn("tokens.persist.fail", "user_id", p.userID, "err", err)
		} else {
			p.log.Info("tokens.refreshed", "user_id", p.userID)
		}
	}
	return tok, nil
}
