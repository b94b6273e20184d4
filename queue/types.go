package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Item is one buffered message. The payload is opaque to the queue.
type Item struct {
	// ID identifies the message for replay detection.
	ID string `json:"id"`

	// Source names where the message came from (e.g. "http", "nats").
	Source string `json:"source,omitempty"`

	// Payload is the message body, JSON encoded.
	Payload json.RawMessage `json:"payload"`

	// EnqueuedAt is the Unix timestamp in milliseconds when the item was
	// pushed.
	EnqueuedAt int64 `json:"enqueued_at"`
}

// IsValid checks if the Item has all required fields populated correctly.
func (i *Item) IsValid() error {
	if i.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(i.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	if !json.Valid(i.Payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	if i.EnqueuedAt <= 0 {
		return fmt.Errorf("enqueued_at must be positive, got %d", i.EnqueuedAt)
	}
	return nil
}

// Age returns the duration since the item was enqueued.
func (i *Item) Age() time.Duration {
	if i.EnqueuedAt <= 0 {
		return 0
	}
	return time.Duration(time.Now().UnixMilli()-i.EnqueuedAt) * time.Millisecond
}

// ListKey returns the Redis list holding the callbacks buffered by an
// engine node.
func ListKey(node string) string {
	return formatKeyName("injector", node, "callbacks")
}

// HealthKey returns the Redis key refreshed by a node heartbeat.
func HealthKey(node string) string {
	return formatKeyName("injector", node, "health")
}
