package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestSessionManager_IssueValidateRoundTrip(t *testing.T) {
	t.Parallel()

	m, err := NewSessionManager(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	tok, err := m.Issue("user-1", "Ada Lovelace")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	id, err := m.Validate(tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if id.UserID != "user-1" {
		t.Fatalf("user id=%q want user-1", id.UserID)
	}
	if id.DisplayName != "Ada Lovelace" {
		t.Fatalf("display name=%q want Ada Lovelace", id.DisplayName)
	}
}

func TestSessionManager_ExpiredTokenRejected(t *testing.T) {
	t.Parallel()

	m, err := NewSessionManager(testSecret, time.Millisecond)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	tok, err := m.Issue("user-2", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	time.Sleep(1100 * time.Millisecond) // jwt exp has second granularity

	if _, err := m.Validate(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestSessionManager_WrongSecretRejected(t *testing.T) {
	t.Parallel()

	a, _ := NewSessionManager(testSecret, time.Hour)
	b, _ := NewSessionManager(strings.Repeat("x", 32), time.Hour)

	tok, err := a.Issue("user-3", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := b.Validate(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", err)
	}
}

func TestSessionManager_GarbageRejected(t *testing.T) {
	t.Parallel()

	m, _ := NewSessionManager(testSecret, time.Hour)

	for _, tok := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := m.Validate(tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("token %q: expected ErrInvalidToken, got %v", tok, err)
		}
	}
}

func TestNewSessionManager_ShortSecretRejected(t *testing.T) {
	t.Parallel()

	if _, err := NewSessionManager("short", time.Hour); err == nil {
		t.Fatalf("expected error for short secret")
	}
}
