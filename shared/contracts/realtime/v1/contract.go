// Package v1 defines the Haven push feed protocol, version 1.
//
// It is shared between the server gateway and clients and has no dependencies beyond
// the standard library.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated on the WebSocket upgrade.
const Subprotocol = "haven.inbox.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session and names the viewer to subscribe (client -> server).
	TypeHello = "hello"
	// TypeHelloAck confirms the subscription (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeMessageNew carries a newly created message addressed to the viewer (server -> client).
	TypeMessageNew = "message_new"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}

	switch strings.TrimSpace(e.Type) {
	case "":
		return errors.New("missing field: type")
	case TypeHello, TypeHelloAck, TypeMessageNew, TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// Decode unmarshals the payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// New builds an envelope around payload.
func New(typ, id string, ts time.Time, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts, Payload: b}, nil
}
