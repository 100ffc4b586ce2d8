package app_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/artpar/metergate/adapters/clock"
	"github.com/artpar/metergate/app"
	"github.com/artpar/metergate/domain/cachekey"
	"github.com/artpar/metergate/domain/identity"
	"github.com/artpar/metergate/domain/ratelimit"
	"github.com/artpar/metergate/ports"
)

func newLimiter(t *testing.T, cache ports.Cache, clk *clock.Fake) *app.RateLimiter {
	t.Helper()
	return app.NewRateLimiter(app.NewTiers(nil), cache, clk, nopLogger(), nil)
}

func TestRateLimiter_DecideSpider(t *testing.T) {
	clk := newClock()
	rl := newLimiter(t, newMemoryCache(t, clk), clk)

	d := rl.Decide(&identity.Caller{SubjectID: "sub_42", Tier: "spider"})

	if d.Key != "sub_42" {
		t.Errorf("Key = %q, want sub_42", d.Key)
	}
	if d.RequestsAllowed != 1388 || d.WindowMinutes != 60 {
		t.Errorf("decision = %+v, want 1388 per 60m", d)
	}
}

func TestRateLimiter_DecideAnonymous(t *testing.T) {
	clk := newClock()
	rl := newLimiter(t, newMemoryCache(t, clk), clk)

	d := rl.Decide(nil)
	if d.Key != ratelimit.AnonymousKey {
		t.Errorf("Key = %q, want %q", d.Key, ratelimit.AnonymousKey)
	}
	if d.Tier != "free" || d.RequestsAllowed != 13 {
		t.Errorf("decision = %+v, want free tier", d)
	}
}

func TestRateLimiter_EnforceCountsAndDenies(t *testing.T) {
	clk := newClock()
	rl := newLimiter(t, newMemoryCache(t, clk), clk)
	ctx := context.Background()
	d := ratelimit.Decision{Key: "u1", RequestsAllowed: 2, WindowMinutes: 1, Tier: "t"}

	for i := 1; i <= 2; i++ {
		res, view := rl.Enforce(ctx, d)
		if !res.Allowed {
			t.Fatalf("request %d denied", i)
		}
		if view.Remaining != 2-i {
			t.Errorf("request %d: view Remaining = %d, want %d", i, view.Remaining, 2-i)
		}
	}

	clk.Advance(15 * time.Second)
	res, view := rl.Enforce(ctx, d)
	if res.Allowed {
		t.Fatal("third request allowed")
	}
	if res.RetryAfter != 45*time.Second {
		t.Errorf("RetryAfter = %v, want 45s", res.RetryAfter)
	}
	if !view.Known || view.Remaining != 0 {
		t.Errorf("view = %+v", view)
	}

	clk.Advance(45 * time.Second)
	if res, _ := rl.Enforce(ctx, d); !res.Allowed {
		t.Error("request in new window denied")
	}
}

func TestRateLimiter_StoresWithTwiceWindowTTL(t *testing.T) {
	clk := newClock()
	cache := newMemoryCache(t, clk)
	rl := newLimiter(t, cache, clk)
	ctx := context.Background()
	d := ratelimit.Decision{Key: "u1", RequestsAllowed: 5, WindowMinutes: 1}

	rl.Enforce(ctx, d)

	clk.Advance(119 * time.Second)
	if _, ok, _ := cache.Get(ctx, cachekey.RateLimit("u1")); !ok {
		t.Error("state expired before twice the window")
	}
	clk.Advance(time.Second)
	if _, ok, _ := cache.Get(ctx, cachekey.RateLimit("u1")); ok {
		t.Error("state outlived twice the window")
	}
}

func TestRateLimiter_CacheFailureFailsOpen(t *testing.T) {
	clk := newClock()
	cache := &failingCache{getErr: errCacheDown, inner: newMemoryCache(t, clk)}
	rl := newLimiter(t, cache, clk)
	d := ratelimit.Decision{Key: "u1", RequestsAllowed: 0, WindowMinutes: 1}

	res, view := rl.Enforce(context.Background(), d)
	if !res.Allowed {
		t.Error("request denied while cache is down")
	}
	if view.Known {
		t.Error("view Known = true while cache is down")
	}
}

func TestRateLimiter_WriteFailureStillDecides(t *testing.T) {
	clk := newClock()
	cache := &failingCache{setErr: errCacheDown, inner: newMemoryCache(t, clk)}
	rl := newLimiter(t, cache, clk)
	d := ratelimit.Decision{Key: "u1", RequestsAllowed: 1, WindowMinutes: 1}

	res, _ := rl.Enforce(context.Background(), d)
	if !res.Allowed {
		t.Error("first request denied")
	}
}

func TestRateLimiter_Peek(t *testing.T) {
	clk := newClock()
	rl := newLimiter(t, newMemoryCache(t, clk), clk)
	ctx := context.Background()
	d := ratelimit.Decision{Key: "u1", RequestsAllowed: 10, WindowMinutes: 60}

	v := rl.Peek(ctx, d)
	if !v.Known || v.Remaining != 10 || v.ResetSeconds != 3600 {
		t.Errorf("Peek on empty = %+v", v)
	}

	rl.Enforce(ctx, d)
	rl.Enforce(ctx, d)
	clk.Advance(10 * time.Minute)

	v = rl.Peek(ctx, d)
	if v.Remaining != 8 || v.ResetSeconds != 3000 {
		t.Errorf("Peek = %+v, want remaining 8 reset 3000", v)
	}

	// Peek does not count.
	if again := rl.Peek(ctx, d); again.Remaining != 8 {
		t.Errorf("second Peek Remaining = %d, want 8", again.Remaining)
	}
}

func TestRateLimiter_PeekCacheDown(t *testing.T) {
	clk := newClock()
	rl := newLimiter(t, &failingCache{getErr: errCacheDown}, clk)

	v := rl.Peek(context.Background(), ratelimit.Decision{Key: "u", RequestsAllowed: 13, WindowMinutes: 60})
	if v.Known || v.Limit != 13 {
		t.Errorf("Peek = %+v, want unknown with limit 13", v)
	}
}

func TestRateLimiter_ConcurrentEnforceCountsEveryRequest(t *testing.T) {
	clk := newClock()
	cache := newMemoryCache(t, clk)
	rl := newLimiter(t, cache, clk)
	ctx := context.Background()
	d := ratelimit.Decision{Key: "busy", RequestsAllowed: 1000, WindowMinutes: 1}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rl.Enforce(ctx, d)
		}()
	}
	wg.Wait()

	if v := rl.Peek(ctx, d); v.Remaining != 950 {
		t.Errorf("Remaining = %d, want 950 after 50 concurrent requests", v.Remaining)
	}
}

// stallingCache blocks every call until its context ends.
type stallingCache struct{}

func (stallingCache) Get(ctx context.Context, key string) (string, bool, error) {
	<-ctx.Done()
	return "", false, ctx.Err()
}

func (stallingCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stallingCache) Close() error { return nil }

func TestRateLimiter_StalledCacheReleasesLock(t *testing.T) {
	clk := newClock()
	rl := newLimiter(t, stallingCache{}, clk).WithStateTimeout(20 * time.Millisecond)
	d := rl.Decide(nil)

	const callers = 5
	start := time.Now()
	var wg sync.WaitGroup
	results := make([]ratelimit.Result, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = rl.Enforce(context.Background(), d)
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		if !r.Allowed {
			t.Errorf("caller %d denied, want fail-open allow", i)
		}
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("anonymous callers took %v behind a stalled cache", elapsed)
	}
}
