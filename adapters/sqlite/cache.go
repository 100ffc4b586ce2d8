package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/metergate/adapters/clock"
	"github.com/artpar/metergate/ports"
)

// Cache implements ports.Cache on the cache_entries table.
type Cache struct {
	db    *DB
	clock ports.Clock
}

// NewCache creates a cache on a migrated database. A nil clk uses the wall clock.
func NewCache(db *DB, clk ports.Clock) *Cache {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Cache{db: db, clock: clk}
}

// Get returns the value for key. Expired rows are reported as a miss and
// left for Purge.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		value     string
		expiresAt int64
	)
	err := c.db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM cache_entries WHERE key = ?", key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get cache entry: %w", err)
	}

	if expiresAt > 0 && c.clock.Now().UnixNano() >= expiresAt {
		return "", false, nil
	}
	return value, true, nil
}

// Set upserts value under key.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = c.clock.Now().Add(ttl).UnixNano()
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("set cache entry: %w", err)
	}
	return nil
}

// Purge deletes expired rows and returns how many were removed.
func (c *Cache) Purge(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE expires_at > 0 AND expires_at <= ?",
		c.clock.Now().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge cache entries: %w", err)
	}
	return res.RowsAffected()
}

// Ping checks the database connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

var _ ports.Cache = (*Cache)(nil)
