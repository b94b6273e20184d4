package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/zero-day-ai/injector/queue"
)

// Buffer holds callbacks until the next flush.
type Buffer interface {
	Push(ctx context.Context, source string, cb Callback) error

	// Drain removes and returns up to max callbacks, oldest first.
	Drain(ctx context.Context, max int) ([]Callback, error)
}

// MemoryBuffer is a Buffer local to the process.
type MemoryBuffer struct {
	mu    sync.Mutex
	items []Callback
}

// NewMemoryBuffer creates an empty MemoryBuffer.
func NewMemoryBuffer() *MemoryBuffer {
	return &MemoryBuffer{}
}

// Push implements Buffer.
func (b *MemoryBuffer) Push(_ context.Context, _ string, cb Callback) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, cb)
	return nil
}

// Drain implements Buffer.
func (b *MemoryBuffer) Drain(_ context.Context, max int) ([]Callback, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := min(max, len(b.items))
	if n <= 0 {
		return nil, nil
	}
	out := append([]Callback(nil), b.items[:n]...)
	b.items = b.items[n:]
	return out, nil
}

// RedisBuffer stores callbacks in the Redis list of one engine node, so
// they survive a restart of the node.
type RedisBuffer struct {
	client queue.Client
	list   string
}

// NewRedisBuffer creates a buffer over the node's callback list.
func NewRedisBuffer(client queue.Client, node string) *RedisBuffer {
	return &RedisBuffer{client: client, list: queue.ListKey(node)}
}

// Push implements Buffer.
func (b *RedisBuffer) Push(ctx context.Context, source string, cb Callback) error {
	payload, err := json.Marshal(cb)
	if err != nil {
		return fmt.Errorf("failed to encode callback: %w", err)
	}
	return b.client.Push(ctx, b.list, queue.Item{ID: cb.Key(), Source: source, Payload: payload})
}

// Drain implements Buffer. Items that no longer decode are skipped.
func (b *RedisBuffer) Drain(ctx context.Context, max int) ([]Callback, error) {
	items, err := b.client.Drain(ctx, b.list, max)
	if err != nil {
		return nil, err
	}
	out := make([]Callback, 0, len(items))
	for _, it := range items {
		var cb Callback
		if err := json.Unmarshal(it.Payload, &cb); err != nil {
			continue
		}
		out = append(out, cb)
	}
	return out, nil
}
