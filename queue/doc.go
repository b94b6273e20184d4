// Package queue provides the Redis-backed buffer that holds agent callbacks
// between their arrival and the next batched flush.
//
// Callbacks arrive faster than they can be applied one by one: every
// callback rewrites the inject status it belongs to. Buffering them lets the
// flusher group callbacks of the same inject and agent and apply each group
// once. Keeping the buffer in Redis means callbacks received by a node
// survive its restart.
//
// # Redis Key Schema
//
//   - injector:<node>:callbacks - List of buffered items (RPUSH/LRANGE+LTRIM)
//   - injector:<node>:health - String with 30s TTL for heartbeat
//
// # Usage
//
// Creating a queue client:
//
//	client, err := queue.NewRedisClient(queue.RedisOptions{
//		URL: "redis://localhost:6379",
//		ConnectTimeout: 5 * time.Second,
//	})
//
// Buffering a callback:
//
//	err := client.Push(ctx, queue.ListKey("node-1"), queue.Item{
//		ID: callbackID,
//		Source: "http",
//		Payload: body,
//	})
//
// Draining a batch:
//
//	items, err := client.Drain(ctx, queue.ListKey("node-1"), 500)
//
// # Thread Safety
//
// RedisClient is safe for concurrent use by multiple goroutines. Concurrent
// Drain calls on the same list never return the same item.
package queue
