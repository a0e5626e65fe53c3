package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/oauth2"
)

// storedToken is the serialized form written to the database (encrypted).
type storedToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// PostgresStore is a Store backed by PostgreSQL. Token material is encrypted
// at rest with the configured Encryptor.
//
// Ownership model: the store does NOT own the pgx pool; the caller closes it.
type PostgresStore struct {
	pool *pgxpool.Pool
	enc  Encryptor
}

// NewPostgresStore constructs a Postgres-backed Store and ensures its table
// exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, enc Encryptor) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("tokens: nil pool")
	}
	if enc == nil {
		return nil, errors.New("tokens: nil encryptor")
	}

	s := &PostgresStore{pool: pool, enc: enc}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS oauth_tokens (
			user_id    TEXT PRIMARY KEY,
			token      BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("tokens: ensure schema: %w", err)
	}
	return nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Get returns the decrypted token for a user.
func (s *PostgresStore) Get(ctx context.Context, userID string) (*oauth2.Token, error) {
	if userID == "" {
		return nil, errors.New("tokens: missing user id")
	}

	var ciphertext []byte
	err := s.pool.QueryRow(ctx, `SELECT token FROM oauth_tokens WHERE user_id=$1`, userID).Scan(&ciphertext)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tokens: query: %w", err)
	}

	plaintext, err := s.enc.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	var st storedToken
	if err := json.Unmarshal(plaintext, &st); err != nil {
		return nil, fmt.Errorf("tokens: decode: %w", err)
	}
	return &oauth2.Token{
		AccessToken:  st.AccessToken,
		RefreshToken: st.RefreshToken,
		TokenType:    st.TokenType,
		Expiry:       st.Expiry,
	}, nil
}

// Put stores or replaces the token for a user.
func (s *PostgresStore) Put(ctx context.Context, userID string, tok *oauth2.Token) error {
	if userID == "" || tok == nil {
		return errors.New("tokens: invalid input")
	}

	plaintext, err := json.Marshal(storedToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	})
	if err != nil {
		return fmt.Errorf("tokens: encode: %w", err)
	}
	ciphertext, err := s.enc.Encrypt(plaintext)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO oauth_tokens (user_id, token, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET token = EXCLUDED.token, updated_at = NOW()`,
		userID, ciphertext)
	if err != nil {
		return fmt.Errorf("tokens: upsert: %w", err)
	}
	return nil
}

// Delete removes the token for a user.
func (s *PostgresStore) Delete(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("tokens: missing user id")
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM oauth_tokens WHERE user_id=$1`, userID); err != nil {
		return fmt.Errorf("tokens: delete: %w", err)
	}
	return nil
}
