// Package auth issues and validates Parley session tokens, and hosts the
// OAuth login flow against the upstream identity provider. The upstream
// access token never reaches the browser; the browser only holds a signed
// session token carrying the upstream user id.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers malformed, mis-signed, and expired session tokens.
var ErrInvalidToken = errors.New("auth: invalid or expired token")

const defaultSessionTTL = 12 * time.Hour

// Identity is the validated caller of a connection or request.
type Identity struct {
	UserID      string
	DisplayName string
}

// Validator is the contract the gateway and the REST API authenticate with.
type Validator interface {
	Validate(token string) (Identity, error)
}

// SessionManager issues and validates HMAC-signed session tokens.
type SessionManager struct {
	secret []byte
	ttl    time.Duration
}

// NewSessionManager constructs a SessionManager. The secret must be at least
// 32 bytes.
func NewSessionManager(secret string, ttl time.Duration) (*SessionManager, error) {
	if len(secret) < 32 {
		return nil, errors.New("auth: session secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &SessionManager{secret: []byte(secret), ttl: ttl}, nil
}

// Issue returns a signed session token for a user.
func (m *SessionManager) Issue(userID, displayName string) (string, error) {
	if userID == "" {
		return "", errors.New("auth: missing user id")
	}
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub":  userID,
		"name": displayName,
		"iat":  now.Unix(),
		"exp":  now.Add(m.ttl).Unix(),
		"iss":  "parley",
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a session token, returning the identity it
// carries.
func (m *SessionManager) Validate(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	userID, _ := claims["sub"].(string)
	if userID == "" {
		return Identity{}, ErrInvalidToken
	}
	name, _ := claims["name"].(string)
	return Identity{UserID: userID, DisplayName: name}, nil
}
