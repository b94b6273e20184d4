package queue

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// HeartbeatTTL is how long a node heartbeat stays visible.
const HeartbeatTTL = 30 * time.Second

// Client defines the interface for the Redis-backed callback buffer.
type Client interface {
	// Push appends an item to the end of a list (RPUSH).
	Push(ctx context.Context, list string, item Item) error

	// Drain atomically removes and returns up to max items from the front
	// of a list, oldest first. Items that cannot be decoded are dropped.
	Drain(ctx context.Context, list string, max int) ([]Item, error)

	// Len returns the number of items in a list.
	Len(ctx context.Context, list string) (int64, error)

	// Heartbeat marks a node alive for HeartbeatTTL.
	Heartbeat(ctx context.Context, node string) error

	// Alive reports whether a node heartbeat is current.
	Alive(ctx context.Context, node string) (bool, error)

	// Ping checks the connection.
	Ping(ctx context.Context) error

	// Close closes the Redis connection.
	Close() error
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	// URL is the Redis connection string (e.g., "redis://localhost:6379")
	URL string

	// TLS configuration for secure connections
	TLS *tls.Config

	// ConnectTimeout is the maximum time to wait for connection establishment
	ConnectTimeout time.Duration

	// ReadTimeout is the maximum time to wait for read operations
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait for write operations
	WriteTimeout time.Duration
}

// RedisClient implements the Client interface using go-redis/v9.
type RedisClient struct {
	client *redis.Client
}

var _ Client = (*RedisClient)(nil)

// NewRedisClient creates a new Redis queue client with the given options.
func NewRedisClient(opts RedisOptions) (*RedisClient, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}

	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}

	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 30 * time.Second
	}

	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	redisOpts.TLSConfig = opts.TLS
	redisOpts.DialTimeout = opts.ConnectTimeout
	redisOpts.ReadTimeout = opts.ReadTimeout
	redisOpts.WriteTimeout = opts.WriteTimeout

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// Push appends an item to the end of a list.
func (c *RedisClient) Push(ctx context.Context, list string, item Item) error {
	if item.EnqueuedAt == 0 {
		item.EnqueuedAt = time.Now().UnixMilli()
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}

	if err := c.client.RPush(ctx, list, data).Err(); err != nil {
		return fmt.Errorf("failed to push to list %s: %w", list, err)
	}

	return nil
}

// Drain removes and returns up to max items from the front of a list. The
// read and the trim run in one MULTI block so concurrent drains never see
// the same item.
func (c *RedisClient) Drain(ctx context.Context, list string, max int) ([]Item, error) {
	if max <= 0 {
		return nil, nil
	}

	var rng *redis.StringSliceCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rng = pipe.LRange(ctx, list, 0, int64(max-1))
		pipe.LTrim(ctx, list, int64(max), -1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to drain list %s: %w", list, err)
	}

	raw, err := rng.Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read list %s: %w", list, err)
	}

	items := make([]Item, 0, len(raw))
	for _, r := range raw {
		var item Item
		if err := json.Unmarshal([]byte(r), &item); err != nil {
			continue
		}
		items = append(items, item)
	}

	return items, nil
}

// Len returns the number of items in a list.
func (c *RedisClient) Len(ctx context.Context, list string) (int64, error) {
	n, err := c.client.LLen(ctx, list).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get length of list %s: %w", list, err)
	}
	return n, nil
}

// Heartbeat marks a node alive for HeartbeatTTL.
func (c *RedisClient) Heartbeat(ctx context.Context, node string) error {
	if err := c.client.Set(ctx, HealthKey(node), "ok", HeartbeatTTL).Err(); err != nil {
		return fmt.Errorf("failed to set heartbeat for node %s: %w", node, err)
	}
	return nil
}

// Alive reports whether a node heartbeat is current.
func (c *RedisClient) Alive(ctx context.Context, node string) (bool, error) {
	n, err := c.client.Exists(ctx, HealthKey(node)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read heartbeat for node %s: %w", node, err)
	}
	return n == 1, nil
}

// Ping checks the connection.
func (c *RedisClient) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *RedisClient) Close() error {
	return c.client.Close()
}

// formatKeyName ensures consistent key naming with injector:<node>:* pattern.
func formatKeyName(parts ...string) string {
	return strings.Join(parts, ":")
}
