// Package usage provides the billing provider's usage snapshot and the
// cache-aside lookup result built around it.
package usage

import (
	"encoding/json"
	"fmt"
	"time"
)

// TTL is how long a snapshot may be served before a refresh is attempted.
const TTL = 60 * time.Second

// Snapshot is the provider's last known usage total for the current billing
// period of one billing account (value type).
type Snapshot struct {
	Count      int64
	ObservedAt time.Time
}

// Fresh reports whether s may still be served at now without a refresh.
// This is a PURE function.
func (s Snapshot) Fresh(now time.Time, ttl time.Duration) bool {
	return !s.ObservedAt.IsZero() && now.Sub(s.ObservedAt) < ttl
}

// Age returns how old s is at now.
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.ObservedAt)
}

// Zero returns the fail-open snapshot served when no usage could be obtained.
func Zero(now time.Time) Snapshot {
	return Snapshot{Count: 0, ObservedAt: now}
}

// Source tells where a Lookup's snapshot came from.
type Source int

const (
	SourceCache    Source = iota + 1 // Fresh cache hit, no provider call
	SourceProvider                   // Provider answered; cache refreshed best-effort
	SourceFallback                   // Nothing usable; zero usage served
)

// String returns the metrics/log label of a source.
func (s Source) String() string {
	switch s {
	case SourceCache:
		return "cache"
	case SourceProvider:
		return "provider"
	case SourceFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Lookup is the result of a cache-aside usage read.
//
// Snapshot is always usable. Err, when non-nil, is a classified failure
// (see domain/failure) that the caller must log; it never means the
// snapshot should be discarded.
type Lookup struct {
	Snapshot Snapshot
	Source   Source
	Err      error
}

// wireSnapshot is the v1 cache value schema.
type wireSnapshot struct {
	Count      int64     `json:"count"`
	ObservedAt time.Time `json:"observed_at"`
}

// Encode serializes s for the shared cache.
func Encode(s Snapshot) (string, error) {
	data, err := json.Marshal(wireSnapshot{Count: s.Count, ObservedAt: s.ObservedAt.UTC()})
	if err != nil {
		return "", fmt.Errorf("encode usage snapshot: %w", err)
	}
	return string(data), nil
}

// Decode parses a cached snapshot.
func Decode(v string) (Snapshot, error) {
	var w wireSnapshot
	if err := json.Unmarshal([]byte(v), &w); err != nil {
		return Snapshot{}, fmt.Errorf("decode usage snapshot: %w", err)
	}
	if w.Count < 0 || w.ObservedAt.IsZero() {
		return Snapshot{}, fmt.Errorf("decode usage snapshot: invalid value %q", v)
	}
	return Snapshot{Count: w.Count, ObservedAt: w.ObservedAt}, nil
}
