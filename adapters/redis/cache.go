// Package redis provides a ports.Cache backed by Redis, for gateways running
// more than one instance.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/artpar/metergate/ports"
)

// Options configures the Redis cache.
type Options struct {
	URL          string // redis://[:password@]host:port/db
	Password     string // Overrides the URL password when set
	DB           int    // Overrides the URL database when >= 0
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Cache implements ports.Cache on a Redis client.
type Cache struct {
	client *goredis.Client
}

// Open parses opts, connects and pings the server.
func Open(ctx context.Context, opts Options) (*Cache, error) {
	ro, err := goredis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if opts.Password != "" {
		ro.Password = opts.Password
	}
	if opts.DB >= 0 {
		ro.DB = opts.DB
	}
	if opts.PoolSize > 0 {
		ro.PoolSize = opts.PoolSize
	}

	ro.DialTimeout = orDefault(opts.DialTimeout, 5*time.Second)
	ro.ReadTimeout = orDefault(opts.ReadTimeout, time.Second)
	ro.WriteTimeout = orDefault(opts.WriteTimeout, time.Second)
	// Failures surface to the caller, which fails open. No client retries.
	ro.MaxRetries = -1

	client := goredis.NewClient(ro)

	pingCtx, cancel := context.WithTimeout(ctx, ro.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// New wraps an existing client.
func New(client *goredis.Client) *Cache {
	return &Cache{client: client}
}

// Get returns the value for key.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, true, nil
}

// Set stores value under key. Redis treats a zero ttl as no expiry.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Ping checks the connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the client.
func (c *Cache) Close() error {
	return c.client.Close()
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

var _ ports.Cache = (*Cache)(nil)
