package remote

import (
	"errors"
	"fmt"
)

// ErrUnauthorized indicates the credential was rejected by the upstream API.
// Connections presenting such a credential must not be admitted; polling for
// that user cannot make progress until the token is refreshed or re-acquired.
var ErrUnauthorized = errors.New("remote: unauthorized")

// TransientError covers network failures, 5xx responses and throttling.
// Callers retry on the next tick and never surface it to clients as a hard
// error.
type TransientError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote: %s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("remote: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable remote failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// SendError indicates a message send was rejected. It is propagated to the
// originating connection as an error event and does not affect polling state.
type SendError struct {
	ConversationID string
	Status         int
	Err            error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("remote: send to %s failed: %v", e.ConversationID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
