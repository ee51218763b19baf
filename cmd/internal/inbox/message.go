// Package inbox is the conversation aggregation and realtime synchronization engine.
//
// It turns an unordered, append-only stream of directed messages into a consistent,
// incrementally updated set of per-counterpart conversations for one viewer:
//   - Normalize orders and deduplicates raw batches.
//   - Index holds one Conversation per counterpart and serializes all mutations.
//   - UnreadTracker clears read state against the store and the Index atomically.
//   - LiveChannel merges pushed messages and reconciles after reconnect gaps.
//   - Selector resolves (deep-linked) conversations and drops stale thread fetches.
//
// Engine ties these together for a single viewer; Registry owns one Engine per viewer.
package inbox

import (
	"strings"
	"time"
	"unicode/utf8"
)

// MaxBodyChars bounds the message body length accepted by SendMessage.
const MaxBodyChars = 4000

// Message is a directed message between two users.
// All fields are immutable once created except IsRead, which only moves false -> true.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
	IsRead     bool      `json:"is_read"`
	ProductRef string    `json:"product_ref,omitempty"`
}

// Validate checks structural invariants. It returns an *InvalidMessageError.
func (m Message) Validate() error {
	switch {
	case strings.TrimSpace(m.ID) == "":
		return invalid("inbox.Validate", m.ID, "missing id")
	case strings.TrimSpace(m.SenderID) == "" || strings.TrimSpace(m.ReceiverID) == "":
		return invalid("inbox.Validate", m.ID, "missing participant")
	case m.SenderID == m.ReceiverID:
		return invalid("inbox.Validate", m.ID, "self-addressed")
	case strings.TrimSpace(m.Body) == "":
		return invalid("inbox.Validate", m.ID, "empty body")
	case m.CreatedAt.IsZero():
		return invalid("inbox.Validate", m.ID, "missing created_at")
	}
	return nil
}

// Counterpart returns the participant that is not viewerID.
// ok is false when the message does not involve viewerID.
func (m Message) Counterpart(viewerID string) (string, bool) {
	switch viewerID {
	case m.ReceiverID:
		return m.SenderID, true
	case m.SenderID:
		return m.ReceiverID, true
	default:
		return "", false
	}
}

// Inbound reports whether the message was sent to viewerID.
func (m Message) Inbound(viewerID string) bool {
	return m.ReceiverID == viewerID
}

// Conversation is a viewer-scoped summary of all messages with one counterpart.
// LastMessage is nil only for placeholder entries returned by Selector.Resolve.
type Conversation struct {
	CounterpartID string   `json:"counterpart_id"`
	LastMessage   *Message `json:"last_message"`
	UnreadCount   int      `json:"unread_count"`
	ProductRef    string   `json:"product_ref,omitempty"`
}

// ConversationView is what the UI shows for an opened conversation.
type ConversationView struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
	Generation   uint64       `json:"generation"`
}

// SendInput describes an outbound message written through the store.
type SendInput struct {
	SenderID   string
	ReceiverID string
	Body       string
	ProductRef string
	Now        time.Time
}

func normalizeBody(body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", invalid("inbox.SendMessage", "", "empty body")
	}
	if utf8.RuneCountInString(body) > MaxBodyChars {
		return "", invalid("inbox.SendMessage", "", "body too long")
	}
	return body, nil
}
