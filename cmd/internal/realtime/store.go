// Package realtime provides the collaborators of the inbox engine: message stores,
// the in-process push hub, cross-instance feeds and the WebSocket push gateway.
package realtime

import (
	"context"
	"strings"

	"github.com/ditu87/Builder-echo-haven/cmd/internal/inbox"
	v1 "github.com/ditu87/Builder-echo-haven/shared/contracts/realtime/v1"
)

// Publisher receives messages right after the store persisted them.
type Publisher interface {
	Publish(ctx context.Context, m inbox.Message) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, m inbox.Message) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, m inbox.Message) error { return f(ctx, m) }

// Compile-time checks.
var (
	_ inbox.MessageStore = (*MemoryStore)(nil)
	_ inbox.MessageStore = (*PostgresStore)(nil)
	_ inbox.Transport    = (*Hub)(nil)
	_ inbox.Transport    = (*WSTransport)(nil)
	_ Publisher          = (*Hub)(nil)
	_ Publisher          = (*RedisBridge)(nil)
)

func validInsert(in inbox.SendInput) bool {
	return strings.TrimSpace(in.SenderID) != "" &&
		strings.TrimSpace(in.ReceiverID) != "" &&
		in.SenderID != in.ReceiverID &&
		strings.TrimSpace(in.Body) != ""
}

// ToWire converts a message to its wire form.
func ToWire(m inbox.Message) v1.Message {
	return v1.Message{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Body:       m.Body,
		CreatedAt:  m.CreatedAt,
		IsRead:     m.IsRead,
		ProductRef: m.ProductRef,
	}
}

// FromWire converts a wire message.
func FromWire(m v1.Message) inbox.Message {
	return inbox.Message{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Body:       m.Body,
		CreatedAt:  m.CreatedAt,
		IsRead:     m.IsRead,
		ProductRef: m.ProductRef,
	}
}
