package inboxapi

import (
	"github.com/ditu87/Builder-echo-haven/cmd/internal/inbox"
	"github.com/ditu87/Builder-echo-haven/cmd/internal/marketplace"
)

type selectRequest struct {
	ProductRef string `json:"product_ref"`
}

type sendRequest struct {
	CounterpartID string `json:"counterpart_id"`
	Body          string `json:"body"`
	ProductRef    string `json:"product_ref"`
}

type conversationsResponse struct {
	Version       uint64               `json:"version"`
	LiveState     string               `json:"live_state"`
	TotalUnread   int                  `json:"total_unread"`
	Conversations []inbox.Conversation `json:"conversations"`
}

type viewResponse struct {
	View inbox.ConversationView `json:"view"`
}

type messageResponse struct {
	Message inbox.Message `json:"message"`
}

type markReadResponse struct {
	Cleared int `json:"cleared"`
}

type filtersResponse struct {
	Version uint64              `json:"version"`
	Filters marketplace.Filters `json:"filters"`
}
