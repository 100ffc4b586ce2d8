// Package ratelimit provides the rate limit decision types and the pure
// fixed-window algorithm applied to them.
// All functions are deterministic - same input always produces same output.
package ratelimit

import (
	"math"
	"time"
)

// AnonymousKey is the counter key shared by all callers without an identity.
const AnonymousKey = "anonymous"

// ReasonLimitExceeded is the denial reason reported to the transport.
const ReasonLimitExceeded = "rate_limit_exceeded"

// Decision is the rate limit policy for one caller (value type).
// It only supplies parameters; Check applies them.
type Decision struct {
	Key             string
	RequestsAllowed int
	WindowMinutes   int
	Tier            string // Resolved tier name, for logs and metrics
}

// Window returns the decision's window as a duration.
func (d Decision) Window() time.Duration {
	return time.Duration(d.WindowMinutes) * time.Minute
}

// WindowState is the persisted counter for one key (value type).
type WindowState struct {
	WindowStart time.Time
	Count       int
}

// Expired reports whether the stored window no longer applies at now.
func (s WindowState) Expired(window time.Duration, now time.Time) bool {
	return s.WindowStart.IsZero() || now.Sub(s.WindowStart) >= window
}

// Result is the outcome of one counted request (value type).
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration // Zero when allowed
	Reason     string        // If not allowed, why
}

// Check counts one request against a fixed window.
// This is a PURE function - no side effects, deterministic.
//
// The window resets when now-WindowStart >= window; otherwise the request is
// counted and compared to the allowance. Every evaluated request is counted,
// denied ones included. The caller must persist newState.
func Check(state WindowState, d Decision, now time.Time) (result Result, newState WindowState) {
	window := d.Window()

	if state.Expired(window, now) {
		state = WindowState{WindowStart: now}
	}
	state.Count++

	result = Result{
		Allowed:   state.Count <= d.RequestsAllowed,
		Limit:     d.RequestsAllowed,
		Remaining: max(0, d.RequestsAllowed-state.Count),
		ResetAt:   state.WindowStart.Add(window),
	}

	if !result.Allowed {
		result.Reason = ReasonLimitExceeded
		result.RetryAfter = ceilSeconds(result.ResetAt.Sub(now))
	}

	return result, state
}

// View is a read-only rendering of a window for response headers (value type).
// Known is false when no state could be read; the values are then unset.
type View struct {
	Known        bool
	Limit        int
	Remaining    int
	ResetSeconds int64
}

// ViewOf renders the state a request would observe at now without counting it.
// This is a PURE function.
func ViewOf(state WindowState, d Decision, now time.Time) View {
	window := d.Window()
	if state.Expired(window, now) {
		return View{
			Known:        true,
			Limit:        d.RequestsAllowed,
			Remaining:    d.RequestsAllowed,
			ResetSeconds: int64(window / time.Second),
		}
	}
	return View{
		Known:        true,
		Limit:        d.RequestsAllowed,
		Remaining:    max(0, d.RequestsAllowed-state.Count),
		ResetSeconds: int64(ceilSeconds(state.WindowStart.Add(window).Sub(now)) / time.Second),
	}
}

// ceilSeconds rounds d up to whole seconds, never below one second.
func ceilSeconds(d time.Duration) time.Duration {
	secs := math.Ceil(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}
