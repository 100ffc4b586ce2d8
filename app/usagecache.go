package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/metergate/adapters/clock"
	"github.com/artpar/metergate/domain/cachekey"
	"github.com/artpar/metergate/domain/failure"
	"github.com/artpar/metergate/domain/usage"
	"github.com/artpar/metergate/ports"
)

// UsageCacheDeps contains dependencies for UsageCache.
type UsageCacheDeps struct {
	Cache    ports.Cache
	Provider ports.BillingProvider // nil when billing credentials are not configured
	Clock    ports.Clock
	Logger   zerolog.Logger
	Metrics  ports.Metrics
}

// UsageCache is a cache-aside accessor for provider usage totals.
//
// There is no lock around a refresh: concurrent misses for one account each
// query the provider. Reads are idempotent and the TTL bounds the herd.
type UsageCache struct {
	cache    ports.Cache
	provider ports.BillingProvider
	clock    ports.Clock
	logger   zerolog.Logger
	metrics  ports.Metrics
	ttl      time.Duration
}

// NewUsageCache creates a usage cache. A non-positive ttl uses usage.TTL.
func NewUsageCache(deps UsageCacheDeps, ttl time.Duration) *UsageCache {
	if ttl <= 0 {
		ttl = usage.TTL
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Metrics == nil {
		deps.Metrics = ports.NopMetrics{}
	}
	return &UsageCache{
		cache:    deps.Cache,
		provider: deps.Provider,
		clock:    deps.Clock,
		logger:   deps.Logger.With().Str("component", "usage_cache").Logger(),
		metrics:  deps.Metrics,
		ttl:      ttl,
	}
}

// TTL returns the freshness bound of cached snapshots.
func (c *UsageCache) TTL() time.Duration {
	return c.ttl
}

// Get returns the usage of accountRef. It never fails: the returned snapshot
// is always usable and Lookup.Err carries any failure for the caller to log.
func (c *UsageCache) Get(ctx context.Context, accountRef string) usage.Lookup {
	now := c.clock.Now()
	key := cachekey.Usage(accountRef)

	var cacheErr error
	if c.cache != nil {
		if snap, ok, err := c.read(ctx, key, now); err != nil {
			cacheErr = err
		} else if ok {
			c.metrics.UsageLookup(usage.SourceCache.String())
			return usage.Lookup{Snapshot: snap, Source: usage.SourceCache}
		}
	}

	if c.provider == nil {
		c.metrics.UsageLookup(usage.SourceFallback.String())
		return usage.Lookup{
			Snapshot: usage.Zero(now),
			Source:   usage.SourceFallback,
			Err: errors.Join(
				failure.New(failure.MissingBillingConfiguration, "usage.query", errors.New("no billing provider configured")),
				cacheErr,
			),
		}
	}

	start := time.Now()
	total, err := c.provider.UsageTotal(ctx, accountRef)
	if err != nil {
		c.metrics.ProviderCall("usage_total", "error", time.Since(start))
		c.metrics.UsageLookup(usage.SourceFallback.String())
		return usage.Lookup{
			Snapshot: usage.Zero(now),
			Source:   usage.SourceFallback,
			Err:      errors.Join(failure.New(failure.ProviderUnavailable, "usage.query", err), cacheErr),
		}
	}
	c.metrics.ProviderCall("usage_total", "success", time.Since(start))

	snap := usage.Snapshot{Count: max(0, total), ObservedAt: now}
	if c.cache != nil {
		// A failed write-through serves zero like any other refresh failure.
		if err := c.write(ctx, key, snap); err != nil {
			c.metrics.UsageLookup(usage.SourceFallback.String())
			return usage.Lookup{
				Snapshot: usage.Zero(now),
				Source:   usage.SourceFallback,
				Err:      errors.Join(cacheErr, err),
			}
		}
	}

	c.metrics.UsageLookup(usage.SourceProvider.String())
	return usage.Lookup{Snapshot: snap, Source: usage.SourceProvider, Err: cacheErr}
}

// read returns a fresh cached snapshot. Undecodable and stale values are a
// miss; only store failures are returned as errors.
func (c *UsageCache) read(ctx context.Context, key string, now time.Time) (usage.Snapshot, bool, error) {
	v, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.metrics.CacheError("usage", "get")
		return usage.Snapshot{}, false, failure.New(failure.CacheUnavailable, "usage.cache_get", err)
	}
	if !ok {
		return usage.Snapshot{}, false, nil
	}

	snap, err := usage.Decode(v)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("discarding undecodable usage snapshot")
		return usage.Snapshot{}, false, nil
	}
	if !snap.Fresh(now, c.ttl) {
		return usage.Snapshot{}, false, nil
	}
	return snap, true, nil
}

func (c *UsageCache) write(ctx context.Context, key string, snap usage.Snapshot) error {
	v, err := usage.Encode(snap)
	if err != nil {
		return failure.New(failure.CacheUnavailable, "usage.cache_set", err)
	}
	if err := c.cache.Set(ctx, key, v, c.ttl); err != nil {
		c.metrics.CacheError("usage", "set")
		return failure.New(failure.CacheUnavailable, "usage.cache_set", err)
	}
	return nil
}
