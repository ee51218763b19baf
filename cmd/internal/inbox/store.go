package inbox

import "context"

// MessageStore is the authoritative append-only message log.
//
// Requirements:
//   - FetchMessagesInvolving returns every message where viewerID is sender or receiver.
//   - FetchThread returns the messages between the two users, ordered by (created_at, id).
//   - InsertMessage assigns id and created_at; the returned message is what was persisted.
//   - SetRead flips unread messages from senderID to receiverID and returns how many changed.
type MessageStore interface {
	FetchMessagesInvolving(ctx context.Context, viewerID string) ([]Message, error)
	FetchThread(ctx context.Context, viewerID, counterpartID string) ([]Message, error)
	InsertMessage(ctx context.Context, in SendInput) (Message, error)
	SetRead(ctx context.Context, receiverID, senderID string) (int, error)
}

// Transport is the realtime push collaborator.
type Transport interface {
	// Subscribe starts delivering messages addressed to viewerID.
	Subscribe(ctx context.Context, viewerID string) (Subscription, error)
}

// Subscription is a cancellable feed of pushed messages.
//
// Messages is closed when the feed ends, either after Close or because the connection
// dropped; Err then reports the reason (nil after Close).
type Subscription interface {
	Messages() <-chan Message
	Err() error
	Close() error
}
