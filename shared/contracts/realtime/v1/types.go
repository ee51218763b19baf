package v1

import "time"

// HelloPayload names the viewer whose feed the connection subscribes to.
type HelloPayload struct {
	ViewerID string `json:"viewer_id"`
}

// HelloAckPayload confirms the subscription.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	ViewerID  string `json:"viewer_id"`
}

// Message is the wire form of a directed message.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
	IsRead     bool      `json:"is_read"`
	ProductRef string    `json:"product_ref,omitempty"`
}

// MessageNewPayload is pushed for every message created for the viewer.
type MessageNewPayload struct {
	Message Message `json:"message"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
