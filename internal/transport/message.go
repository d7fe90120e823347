package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned when sending on a closed connection
var ErrClosed = errors.New("transport closed")

// Message is one inbound envelope: either a diff for a scope or the
// acknowledgement of a ref
type Message struct {
	Scope  string          `json:"scope,omitempty"`
	Diff   json.RawMessage `json:"diff,omitempty"`
	Ref    uint64          `json:"ref,omitempty"`
	Status string          `json:"status,omitempty"`
}

// IsAck reports whether the message acknowledges a ref
func (m Message) IsAck() bool {
	return m.Ref != 0 && len(m.Diff) == 0
}

// ParseMessage decodes and sanity-checks an inbound frame
func ParseMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to parse message: %w", err)
	}
	if !msg.IsAck() && (msg.Scope == "" || len(msg.Diff) == 0) {
		return Message{}, fmt.Errorf("message carries neither a scoped diff nor a ref")
	}
	return msg, nil
}

// Event is a client-initiated operation sent to the server
type Event struct {
	Scope   string         `json:"scope"`
	Ref     uint64         `json:"ref"`
	Kind    string         `json:"kind"`
	Target  string         `json:"target,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Sender delivers events to the server. Implementations do not retry.
type Sender interface {
	Send(ctx context.Context, ev Event) error
}

// Handler consumes inbound messages in arrival order
type Handler interface {
	HandleMessage(msg Message) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(msg Message) error

// HandleMessage calls f(msg)
func (f HandlerFunc) HandleMessage(msg Message) error {
	return f(msg)
}
