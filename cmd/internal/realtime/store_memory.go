package realtime

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ditu87/Builder-echo-haven/cmd/internal/ids"
	"github.com/ditu87/Builder-echo-haven/cmd/internal/inbox"
)

const memMaxMessages = 100_000

// MemoryStore is a dev-only MessageStore used when no database is configured.
//
// Messages are kept in insertion order and bounded; the oldest are evicted first.
// Every successful insert is handed to the publisher after the lock is released.
type MemoryStore struct {
	log       *slog.Logger
	publisher Publisher

	mu   sync.Mutex
	msgs []inbox.Message
}

// NewMemoryStore constructs an in-memory store. publisher may be nil.
func NewMemoryStore(log *slog.Logger, publisher Publisher) *MemoryStore {
	if log == nil {
		log = slog.Default()
	}
	return &MemoryStore{
		log:       log,
		publisher: publisher,
		msgs:      make([]inbox.Message, 0, 256),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// FetchMessagesInvolving returns every message where viewerID is a participant, in insertion order.
func (s *MemoryStore) FetchMessagesInvolving(ctx context.Context, viewerID string) ([]inbox.Message, error) {
	if viewerID == "" {
		return nil, errors.New("missing viewer_id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []inbox.Message
	for _, m := range s.msgs {
		if m.SenderID == viewerID || m.ReceiverID == viewerID {
			out = append(out, m)
		}
	}
	return out, nil
}

// FetchThread returns the messages between the two users ordered by (created_at, id).
func (s *MemoryStore) FetchThread(ctx context.Context, viewerID, counterpartID string) ([]inbox.Message, error) {
	if viewerID == "" || counterpartID == "" {
		return nil, errors.New("missing participant")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	var out []inbox.Message
	for _, m := range s.msgs {
		if (m.SenderID == viewerID && m.ReceiverID == counterpartID) ||
			(m.SenderID == counterpartID && m.ReceiverID == viewerID) {
			out = append(out, m)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(out, inbox.Compare)
	return out, nil
}

// InsertMessage stores a new message with a ULID id.
func (s *MemoryStore) InsertMessage(ctx context.Context, in inbox.SendInput) (inbox.Message, error) {
	if !validInsert(in) {
		return inbox.Message{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return inbox.Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return inbox.Message{}, err
	}

	m := inbox.Message{
		ID:         id,
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Body:       in.Body,
		CreatedAt:  now,
		ProductRef: in.ProductRef,
	}

	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	if len(s.msgs) > memMaxMessages {
		s.msgs = slices.Clone(s.msgs[len(s.msgs)-memMaxMessages:])
	}
	s.mu.Unlock()

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, m); err != nil {
			// The insert is committed; live delivery is best effort and reconciled later.
			s.log.Warn("store.publish.fail", "message_id", m.ID, "err", err)
		}
	}
	return m, nil
}

// SetRead marks unread messages from senderID to receiverID as read.
func (s *MemoryStore) SetRead(ctx context.Context, receiverID, senderID string) (int, error) {
	if receiverID == "" || senderID == "" {
		return 0, errors.New("missing participant")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for i := range s.msgs {
		m := &s.msgs[i]
		if m.ReceiverID == receiverID && m.SenderID == senderID && !m.IsRead {
			m.IsRead = true
			n++
		}
	}
	return n, nil
}
