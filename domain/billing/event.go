// Package billing provides the usage event sent to the billing provider.
package billing

import "time"

// Event is one metered request to be recorded against a billing account
// (value type). An event is transmitted at most once; IdempotencyKey lets the
// provider discard accidental duplicates.
type Event struct {
	AccountRef     string
	Quantity       int64
	OccurredAt     time.Time
	IdempotencyKey string
}

// Billable reports whether a response with the given status counts as usage.
// Only successful (2xx) responses are billed.
// This is a PURE function.
func Billable(status int) bool {
	return status >= 200 && status < 300
}

// NewEvent builds a single-request usage event.
// This is a PURE function - the caller supplies the time and key.
func NewEvent(accountRef string, now time.Time, idempotencyKey string) Event {
	return Event{
		AccountRef:     accountRef,
		Quantity:       1,
		OccurredAt:     now,
		IdempotencyKey: idempotencyKey,
	}
}
