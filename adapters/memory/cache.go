// Package memory provides an in-process shared cache for single-instance
// deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/artpar/metergate/adapters/clock"
	"github.com/artpar/metergate/ports"
)

// DefaultSize is the entry bound used when none is configured.
const DefaultSize = 100_000

type entry struct {
	value     string
	expiresAt time.Time // Zero means no expiry
}

// Cache is a bounded LRU implementation of ports.Cache with per-entry expiry.
// The underlying LRU is safe for concurrent use; mu only orders writes
// against the removal of expired entries.
type Cache struct {
	mu    sync.Mutex
	lru   *lru.Cache[string, entry]
	clock ports.Clock
}

// NewCache creates a cache holding at most size entries.
// A nil clk uses the wall clock.
func NewCache(size int, clk ports.Clock) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	if clk == nil {
		clk = clock.Real{}
	}
	l, err := lru.New[string, entry](size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &Cache{lru: l, clock: clk}, nil
}

// Get returns the value for key. Expired entries are removed and reported as a miss.
func (c *Cache) Get(_ context.Context, key string) (string, bool, error) {
	e, ok := c.lru.Get(key)
	if !ok {
		return "", false, nil
	}
	if !e.expiresAt.IsZero() && !c.clock.Now().Before(e.expiresAt) {
		c.expire(key, e)
		return "", false, nil
	}
	return e.value, true, nil
}

// expire removes key only while it still holds the expired entry seen,
// so a value written since then survives.
func (c *Cache) expire(key string, seen entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.lru.Peek(key); ok && cur == seen {
		c.lru.Remove(key)
	}
}

// Set stores value under key for ttl.
func (c *Cache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = c.clock.Now().Add(ttl)
	}
	c.mu.Lock()
	c.lru.Add(key, e)
	c.mu.Unlock()
	return nil
}

// Len returns the number of entries, expired ones included.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Close drops all entries.
func (c *Cache) Close() error {
	c.lru.Purge()
	return nil
}

var _ ports.Cache = (*Cache)(nil)
