// Package ids provides ID primitives (ULID) used across the service.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// New returns a new ULID string (26 chars). ULIDs are lexicographically
// sortable, which keeps session and envelope ids readable in logs.
// In the extremely rare case entropy fails, it returns an empty string;
// callers should treat empty as an error-like condition in logs/tests.
func New(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return ""
	}
	return id.String()
}
