package realtime

import (
	"sync"

	"github.com/ditu87/Builder-echo-haven/cmd/internal/inbox"
)

// Subscriber is one live subscription handed out by Hub.
//
// Design notes:
// - Only the hub closes ch, under its write lock.
// - Close is idempotent.
type Subscriber struct {
	ViewerID string

	hub  *Hub
	ch   chan inbox.Message
	stop func() bool

	mu  sync.Mutex
	err error
}

// Messages returns the feed. It is closed when the subscription ends.
func (s *Subscriber) Messages() <-chan inbox.Message { return s.ch }

// Err reports why the feed ended; nil after Close or cancellation.
func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription (idempotent).
func (s *Subscriber) Close() error {
	s.hub.remove(s, nil)
	return nil
}

// finish is called by the hub with its write lock held, exactly once.
func (s *Subscriber) finish(cause error) {
	s.mu.Lock()
	s.err = cause
	s.mu.Unlock()
	close(s.ch)
}
