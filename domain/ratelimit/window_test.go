package ratelimit_test

import (
	"testing"
	"time"

	"github.com/artpar/metergate/domain/ratelimit"
)

var (
	baseTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	decision = ratelimit.Decision{
		Key:             "sub_1",
		RequestsAllowed: 3,
		WindowMinutes:   1,
	}
)

func TestCheck_FirstRequestStartsWindow(t *testing.T) {
	result, state := ratelimit.Check(ratelimit.WindowState{}, decision, baseTime)

	if !result.Allowed {
		t.Error("expected first request to be allowed")
	}
	if !state.WindowStart.Equal(baseTime) {
		t.Errorf("WindowStart = %v, want %v", state.WindowStart, baseTime)
	}
	if state.Count != 1 {
		t.Errorf("Count = %d, want 1", state.Count)
	}
	if result.Remaining != 2 {
		t.Errorf("Remaining = %d, want 2", result.Remaining)
	}
	if !result.ResetAt.Equal(baseTime.Add(time.Minute)) {
		t.Errorf("ResetAt = %v, want %v", result.ResetAt, baseTime.Add(time.Minute))
	}
	if result.RetryAfter != 0 {
		t.Errorf("RetryAfter = %v, want 0", result.RetryAfter)
	}
}

func TestCheck_DeniesOverAllowance(t *testing.T) {
	state := ratelimit.WindowState{}
	now := baseTime

	for i := 1; i <= 3; i++ {
		var result ratelimit.Result
		result, state = ratelimit.Check(state, decision, now)
		if !result.Allowed {
			t.Fatalf("request %d denied, want allowed", i)
		}
	}

	now = baseTime.Add(20*time.Second + 300*time.Millisecond)
	result, state := ratelimit.Check(state, decision, now)
	if result.Allowed {
		t.Fatal("expected 4th request to be denied")
	}
	if result.Reason != ratelimit.ReasonLimitExceeded {
		t.Errorf("Reason = %q, want %q", result.Reason, ratelimit.ReasonLimitExceeded)
	}
	if result.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", result.Remaining)
	}
	// 39.7s left in the window rounds up to 40s.
	if result.RetryAfter != 40*time.Second {
		t.Errorf("RetryAfter = %v, want 40s", result.RetryAfter)
	}
	if state.Count != 4 {
		t.Errorf("denied requests are still counted: Count = %d, want 4", state.Count)
	}
}

func TestCheck_ResetsWhenWindowAgeReachesLength(t *testing.T) {
	state := ratelimit.WindowState{WindowStart: baseTime, Count: 99}

	tests := []struct {
		name      string
		now       time.Time
		wantCount int
		wantStart time.Time
	}{
		{"just before end", baseTime.Add(time.Minute - time.Nanosecond), 100, baseTime},
		{"exactly at end", baseTime.Add(time.Minute), 1, baseTime.Add(time.Minute)},
		{"long after", baseTime.Add(time.Hour), 1, baseTime.Add(time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, got := ratelimit.Check(state, decision, tt.now)
			if got.Count != tt.wantCount {
				t.Errorf("Count = %d, want %d", got.Count, tt.wantCount)
			}
			if !got.WindowStart.Equal(tt.wantStart) {
				t.Errorf("WindowStart = %v, want %v", got.WindowStart, tt.wantStart)
			}
		})
	}
}

func TestCheck_RetryAfterAtLeastOneSecond(t *testing.T) {
	state := ratelimit.WindowState{WindowStart: baseTime, Count: 3}
	now := baseTime.Add(time.Minute - time.Millisecond)

	result, _ := ratelimit.Check(state, decision, now)
	if result.Allowed {
		t.Fatal("expected denial")
	}
	if result.RetryAfter != time.Second {
		t.Errorf("RetryAfter = %v, want 1s", result.RetryAfter)
	}
}

func TestCheck_ZeroAllowanceAlwaysDenies(t *testing.T) {
	d := ratelimit.Decision{Key: "k", RequestsAllowed: 0, WindowMinutes: 5}
	result, _ := ratelimit.Check(ratelimit.WindowState{}, d, baseTime)
	if result.Allowed {
		t.Error("expected denial with zero allowance")
	}
}

func TestViewOf(t *testing.T) {
	d := ratelimit.Decision{Key: "k", RequestsAllowed: 10, WindowMinutes: 60}

	tests := []struct {
		name          string
		state         ratelimit.WindowState
		now           time.Time
		wantRemaining int
		wantReset     int64
	}{
		{
			name:          "no state",
			state:         ratelimit.WindowState{},
			now:           baseTime,
			wantRemaining: 10,
			wantReset:     3600,
		},
		{
			name:          "mid window",
			state:         ratelimit.WindowState{WindowStart: baseTime, Count: 4},
			now:           baseTime.Add(15 * time.Minute),
			wantRemaining: 6,
			wantReset:     2700,
		},
		{
			name:          "over allowance",
			state:         ratelimit.WindowState{WindowStart: baseTime, Count: 14},
			now:           baseTime.Add(59*time.Minute + 59*time.Second + 500*time.Millisecond),
			wantRemaining: 0,
			wantReset:     1,
		},
		{
			name:          "expired window",
			state:         ratelimit.WindowState{WindowStart: baseTime, Count: 14},
			now:           baseTime.Add(2 * time.Hour),
			wantRemaining: 10,
			wantReset:     3600,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := ratelimit.ViewOf(tt.state, d, tt.now)
			if !v.Known {
				t.Error("Known = false, want true")
			}
			if v.Limit != 10 {
				t.Errorf("Limit = %d, want 10", v.Limit)
			}
			if v.Remaining != tt.wantRemaining {
				t.Errorf("Remaining = %d, want %d", v.Remaining, tt.wantRemaining)
			}
			if v.ResetSeconds != tt.wantReset {
				t.Errorf("ResetSeconds = %d, want %d", v.ResetSeconds, tt.wantReset)
			}
		})
	}
}

func TestDecisionWindow(t *testing.T) {
	d := ratelimit.Decision{WindowMinutes: 60}
	if d.Window() != time.Hour {
		t.Errorf("Window() = %v, want 1h", d.Window())
	}
}
