// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/artpar/metergate/domain/billing"
	"github.com/artpar/metergate/domain/identity"
	"github.com/artpar/metergate/domain/proxy"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// Cache is the shared key/value cache used by the usage cache and the rate
// limiter. Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the value for key. ok is false on a miss or an expired entry.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value under key for ttl. A non-positive ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Close releases the cache's resources.
	Close() error
}

// -----------------------------------------------------------------------------
// External Service Ports
// -----------------------------------------------------------------------------

// BillingProvider is the external system that owns authoritative usage totals.
type BillingProvider interface {
	// UsageTotal returns the usage recorded for accountRef in the current
	// billing period. An account with no records reports zero.
	UsageTotal(ctx context.Context, accountRef string) (int64, error)

	// RecordUsage submits one usage event and returns the provider's record ID.
	RecordUsage(ctx context.Context, e billing.Event) (recordID string, err error)
}

// Upstream represents the origin API being proxied.
type Upstream interface {
	// Forward sends a request to the origin and returns the response.
	Forward(ctx context.Context, req proxy.Request) (proxy.Response, error)

	// HealthCheck verifies the origin is reachable.
	HealthCheck(ctx context.Context) error
}

// -----------------------------------------------------------------------------
// Identity Ports
// -----------------------------------------------------------------------------

// ErrUnknownKey is returned by IdentityResolver for keys that match no caller.
var ErrUnknownKey = errors.New("unknown api key")

// IdentityResolver maps an API key to a caller.
type IdentityResolver interface {
	// Resolve returns the caller owning apiKey, or ErrUnknownKey.
	Resolve(ctx context.Context, apiKey string) (*identity.Caller, error)
}

// -----------------------------------------------------------------------------
// Observability Ports
// -----------------------------------------------------------------------------

// Metrics receives metering outcomes. Label values are short fixed strings.
type Metrics interface {
	UsageLookup(source string)
	CacheError(component, op string)
	ProviderCall(op, outcome string, d time.Duration)
	RateLimitDecision(tier, outcome string)
	BillingEvent(outcome string)
	BillingInFlightAdd(delta float64)
	Overage(tier string)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) UsageLookup(string) {}
func (NopMetrics) CacheError(string, string) {}
func (NopMetrics) ProviderCall(string, string, time.Duration) {}
func (NopMetrics) RateLimitDecision(string, string) {}
func (NopMetrics) BillingEvent(string) {}
func (NopMetrics) BillingInFlightAdd(float64) {}
func (NopMetrics) Overage(string) {}
