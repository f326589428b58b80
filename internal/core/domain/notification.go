package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrQueueFull is returned when a notification cannot be accepted without
// blocking the caller.
var ErrQueueFull = errors.New("notification queue is full")

// Notification is a server-to-client push addressed to one account.
type Notification struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SenderID  string          `json:"sender_id"`
	CreatedAt time.Time       `json:"created_at"`
}
