package app

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/metergate/adapters/clock"
	"github.com/artpar/metergate/domain/cachekey"
	"github.com/artpar/metergate/domain/failure"
	"github.com/artpar/metergate/domain/identity"
	"github.com/artpar/metergate/domain/ratelimit"
	"github.com/artpar/metergate/ports"
)

// DefaultStateTimeout bounds the cache round trips made while a key's lock
// is held.
const DefaultStateTimeout = 250 * time.Millisecond

// Rate limit outcomes used as metric labels.
const (
	outcomeAllowed  = "allowed"
	outcomeDenied   = "denied"
	outcomeFailOpen = "fail_open"
)

// RateLimiter decides rate limit policy per caller and enforces it with a
// fixed window counter kept in the shared cache.
//
// Counting for one key is serialized within a process, but the
// read-increment-write is not atomic across instances. Two instances may both
// read count N and both write N+1; the window is eventually consistent, never
// a hard guarantee.
//
// All anonymous callers share one key, so their requests queue on one lock.
// Each holder is bounded by the state timeout, after which it fails open.
type RateLimiter struct {
	locks        *keyLocks
	stateTimeout time.Duration
	tiers   *Tiers
	cache   ports.Cache
	clock   ports.Clock
	logger  zerolog.Logger
	metrics ports.Metrics
}

// NewRateLimiter creates a rate limiter.
func NewRateLimiter(tiers *Tiers, cache ports.Cache, clk ports.Clock, logger zerolog.Logger, m ports.Metrics) *RateLimiter {
	if clk == nil {
		clk = clock.Real{}
	}
	if m == nil {
		m = ports.NopMetrics{}
	}
	return &RateLimiter{
		locks:        newKeyLocks(defaultLockShards),
		stateTimeout: DefaultStateTimeout,
		tiers:        tiers,
		cache:        cache,
		clock:        clk,
		logger:       logger.With().Str("component", "ratelimit").Logger(),
		metrics:      m,
	}
}

// WithStateTimeout sets the bound on cache calls made under a key's lock.
// A non-positive d keeps the current value.
func (r *RateLimiter) WithStateTimeout(d time.Duration) *RateLimiter {
	if d > 0 {
		r.stateTimeout = d
	}
	return r
}

// Decide returns the policy for caller. A nil caller is keyed as anonymous on
// the default tier.
func (r *RateLimiter) Decide(caller *identity.Caller) ratelimit.Decision {
	key := ratelimit.AnonymousKey
	tierName := ""
	if caller != nil {
		key = caller.SubjectID
		tierName = caller.Tier
	}
	spec := r.tiers.Resolve(tierName)
	return ratelimit.Decision{
		Key:             key,
		RequestsAllowed: spec.RequestsPerWindow,
		WindowMinutes:   spec.WindowMinutes,
		Tier:            spec.Name,
	}
}

// Enforce counts one request against d and returns the outcome together with
// the window as seen right after counting.
// When the cache cannot be read the request is allowed and the view is unknown.
func (r *RateLimiter) Enforce(ctx context.Context, d ratelimit.Decision) (ratelimit.Result, ratelimit.View) {
	key := cachekey.RateLimit(d.Key)

	unlock := r.locks.lock(key)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, r.stateTimeout)
	defer cancel()

	now := r.clock.Now()
	state, err := r.load(ctx, key)
	if err != nil {
		r.metrics.RateLimitDecision(d.Tier, outcomeFailOpen)
		r.logger.Warn().Err(err).Str("key", d.Key).Msg("rate limit state unavailable, allowing request")
		return ratelimit.Result{
			Allowed:   true,
			Limit:     d.RequestsAllowed,
			Remaining: d.RequestsAllowed,
			ResetAt:   now.Add(d.Window()),
		}, ratelimit.View{Limit: d.RequestsAllowed}
	}

	result, next := ratelimit.Check(state, d, now)
	if err := r.store(ctx, key, next, d); err != nil {
		r.logger.Warn().Err(err).Str("key", d.Key).Msg("rate limit state not persisted")
	}

	if result.Allowed {
		r.metrics.RateLimitDecision(d.Tier, outcomeAllowed)
	} else {
		r.metrics.RateLimitDecision(d.Tier, outcomeDenied)
		r.logger.Info().
			Str("key", d.Key).
			Str("tier", d.Tier).
			Int("limit", d.RequestsAllowed).
			Dur("retry_after", result.RetryAfter).
			Msg("rate limit exceeded")
	}

	return result, ratelimit.ViewOf(next, d, now)
}

// Peek reads the window for d without counting a request.
// The value may already be stale when it is returned.
func (r *RateLimiter) Peek(ctx context.Context, d ratelimit.Decision) ratelimit.View {
	state, err := r.load(ctx, cachekey.RateLimit(d.Key))
	if err != nil {
		return ratelimit.View{Limit: d.RequestsAllowed}
	}
	return ratelimit.ViewOf(state, d, r.clock.Now())
}

// load returns the stored window. A missing or undecodable value is an empty window.
func (r *RateLimiter) load(ctx context.Context, key string) (ratelimit.WindowState, error) {
	if r.cache == nil {
		return ratelimit.WindowState{}, failure.New(failure.CacheUnavailable, "ratelimit.cache_get", nil)
	}

	v, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		r.metrics.CacheError("ratelimit", "get")
		return ratelimit.WindowState{}, failure.New(failure.CacheUnavailable, "ratelimit.cache_get", err)
	}
	if !ok {
		return ratelimit.WindowState{}, nil
	}

	state, err := ratelimit.DecodeState(v)
	if err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("discarding undecodable rate limit state")
		return ratelimit.WindowState{}, nil
	}
	return state, nil
}

func (r *RateLimiter) store(ctx context.Context, key string, state ratelimit.WindowState, d ratelimit.Decision) error {
	v, err := ratelimit.EncodeState(state)
	if err != nil {
		return failure.New(failure.CacheUnavailable, "ratelimit.cache_set", err)
	}
	if err := r.cache.Set(ctx, key, v, 2*d.Window()); err != nil {
		r.metrics.CacheError("ratelimit", "set")
		return failure.New(failure.CacheUnavailable, "ratelimit.cache_set", err)
	}
	return nil
}
