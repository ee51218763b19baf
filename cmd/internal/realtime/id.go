package realtime

import (
	"time"

	"github.com/ditu87/Builder-echo-haven/cmd/internal/ids"
)

// NewSessionID returns a ULID used as websocket session id.
func NewSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
// ULID is preferable to random hex for tracing and ordering in logs.
func NewEnvelopeID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// newEnvelopeID never fails; envelope ids are informational.
func newEnvelopeID() string {
	return ids.MustULID(time.Now().UTC())
}
