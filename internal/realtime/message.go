package realtime

import (
	"encoding/json"
	"time"
)

// Message types exchanged over a realtime connection.
const (
	TypeWelcome      = "welcome"
	TypeNotification = "notification"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeError        = "error"
)

// Message is the JSON envelope for every frame in both directions.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func encode(msgType, id string, payload any, now time.Time) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Message{
		Type:      msgType,
		ID:        id,
		Timestamp: now.UTC().Format(time.RFC3339),
		Payload:   raw,
	})
}
