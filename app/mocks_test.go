package app_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/metergate/adapters/clock"
	"github.com/artpar/metergate/adapters/memory"
	"github.com/artpar/metergate/domain/billing"
	"github.com/artpar/metergate/domain/identity"
	"github.com/artpar/metergate/domain/proxy"
	"github.com/artpar/metergate/ports"
)

var jan15 = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

// mockProvider implements ports.BillingProvider for testing.
type mockProvider struct {
	total      int64
	totalErr   error
	recordErr  error
	delay      time.Duration
	panicOnRec bool

	usageCalls atomic.Int32

	mu     sync.Mutex
	events []billing.Event
}

func (m *mockProvider) UsageTotal(ctx context.Context, ref string) (int64, error) {
	m.usageCalls.Add(1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return m.total, m.totalErr
}

func (m *mockProvider) RecordUsage(ctx context.Context, e billing.Event) (string, error) {
	if m.panicOnRec {
		panic("provider exploded")
	}
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	if m.recordErr != nil {
		return "", m.recordErr
	}
	return "mbur_1", nil
}

func (m *mockProvider) recorded() []billing.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]billing.Event(nil), m.events...)
}

// failingCache implements ports.Cache with every operation failing.
type failingCache struct {
	getErr error
	setErr error
	inner  ports.Cache
}

func (c *failingCache) Get(ctx context.Context, key string) (string, bool, error) {
	if c.getErr != nil {
		return "", false, c.getErr
	}
	return c.inner.Get(ctx, key)
}

func (c *failingCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if c.setErr != nil {
		return c.setErr
	}
	return c.inner.Set(ctx, key, value, ttl)
}

func (c *failingCache) Close() error { return nil }

var errCacheDown = errors.New("connection refused")

// mockResolver implements ports.IdentityResolver for testing.
type mockResolver map[string]*identity.Caller

func (m mockResolver) Resolve(ctx context.Context, apiKey string) (*identity.Caller, error) {
	if c, ok := m[apiKey]; ok {
		return c, nil
	}
	return nil, ports.ErrUnknownKey
}

// mockUpstream implements ports.Upstream for testing.
type mockUpstream struct {
	resp  proxy.Response
	err   error
	calls atomic.Int32
}

func (m *mockUpstream) Forward(ctx context.Context, req proxy.Request) (proxy.Response, error) {
	m.calls.Add(1)
	return m.resp, m.err
}

func (m *mockUpstream) HealthCheck(ctx context.Context) error { return m.err }

func newMemoryCache(t *testing.T, clk ports.Clock) *memory.Cache {
	t.Helper()
	c, err := memory.NewCache(1000, clk)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	return c
}

func newClock() *clock.Fake {
	return clock.NewFake(jan15)
}

func nopLogger() zerolog.Logger {
	return zerolog.Nop()
}
