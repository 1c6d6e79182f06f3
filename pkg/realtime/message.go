// Package realtime fans event activity out to connected listeners.
package realtime

import (
	"context"
	"encoding/json"
)

const (
	// KindChat carries a persisted chat message.
	KindChat = "chat_message"
	// KindUpdate tells listeners to refetch the event.
	KindUpdate = "update"
)

// Message is one fan-out payload scoped to an event URL token.
type Message struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Update returns a refetch signal for event.
func Update(event string) Message {
	return Message{Type: KindUpdate, Event: event}
}

// Chat wraps a materialized chat message for event.
func Chat(event string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: KindChat, Event: event, Data: data}, nil
}

// Broadcaster delivers a message to every listener of its event.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg Message) error
}
