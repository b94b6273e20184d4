package remote

import (
	"context"
	"sync"
	"time"
)

// TokenCache holds one bearer token and refreshes it when it is older than
// the TTL.
type TokenCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	fetch    func(ctx context.Context) (string, error)
	now      func() time.Time
	token    string
	obtained time.Time
}

// NewTokenCache creates a cache that calls fetch to obtain tokens.
func NewTokenCache(ttl time.Duration, fetch func(ctx context.Context) (string, error)) *TokenCache {
	return &TokenCache{ttl: ttl, fetch: fetch, now: time.Now}
}

// WithClock replaces time.Now and returns c.
func (c *TokenCache) WithClock(now func() time.Time) *TokenCache {
	c.now = now
	return c
}

// Get returns the cached token, fetching a new one when none is held or the
// held one has reached the TTL.
func (c *TokenCache) Get(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Sub(c.obtained) < c.ttl {
		return c.token, nil
	}

	token, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}
	c.token = token
	c.obtained = c.now()
	return token, nil
}

// Invalidate drops the held token, forcing the next Get to fetch.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
}
