package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestItem_IsValid(t *testing.T) {
	now := time.Now().UnixMilli()
	tests := []struct {
		name   string
		item   Item
		errMsg string
	}{
		{
			name: "valid item",
			item: Item{ID: "cb-1", Payload: json.RawMessage(`{"a":1}`), EnqueuedAt: now},
		},
		{
			name:   "missing id",
			item:   Item{Payload: json.RawMessage(`{}`), EnqueuedAt: now},
			errMsg: "id is required",
		},
		{
			name:   "missing payload",
			item:   Item{ID: "cb-1", EnqueuedAt: now},
			errMsg: "payload is required",
		},
		{
			name:   "invalid payload",
			item:   Item{ID: "cb-1", Payload: json.RawMessage(`{`), EnqueuedAt: now},
			errMsg: "payload is not valid JSON",
		},
		{
			name:   "missing enqueue time",
			item:   Item{ID: "cb-1", Payload: json.RawMessage(`{}`)},
			errMsg: "enqueued_at must be positive, got 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.item.IsValid()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.errMsg)
		})
	}
}

func TestItem_Age(t *testing.T) {
	it := Item{EnqueuedAt: time.Now().Add(-2 * time.Second).UnixMilli()}
	assert.InDelta(t, 2*time.Second, it.Age(), float64(500*time.Millisecond))

	assert.Zero(t, (&Item{}).Age())
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "injector:node-1:callbacks", ListKey("node-1"))
	assert.Equal(t, "injector:node-1:health", HealthKey("node-1"))
}
