// Package ids provides the ULID primitive used for every server-assigned id
// (messages, contacts, groups, memberships, calls, sessions).
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs sort lexicographically by creation time, which gives messages a
// stable tiebreak when two share a timestamp.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Generator produces ids; tests swap it for a deterministic sequence.
type Generator func(now time.Time) (string, error)

// Valid reports whether s parses as a ULID.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
