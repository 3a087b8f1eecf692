package types

import (
	"encoding/json"
	"time"
)

// Broker frame operations.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPublish     = "publish"
	OpMessage     = "message"
	OpError       = "error"
)

// Frame is the broker envelope. Payload stays raw so that the broker
// never needs to understand event types.
type Frame struct {
	Op      string          `json:"op"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// JournalEntry is one published frame as recorded by the broker. Seq counts
// frames per topic starting at 1.
type JournalEntry struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	Topic     string          `json:"topic"`
	Sender    string          `json:"sender"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func ControlTopic(roomID string) string      { return "control/" + roomID }
func SignalingTopic(roomID string) string    { return "signaling/" + roomID }
func ConversationTopic(convID string) string { return "conversation/" + convID }
