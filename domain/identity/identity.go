// Package identity provides the caller identity produced by authentication.
package identity

// Caller is an authenticated caller (value type).
// A nil *Caller means the request is unauthenticated.
type Caller struct {
	SubjectID         string
	Tier              string
	BillingAccountRef string // Empty when the caller has no metered billing account
}

// HasBillingAccount reports whether usage for c can be metered.
// A nil caller has no billing account.
func (c *Caller) HasBillingAccount() bool {
	return c != nil && c.BillingAccountRef != ""
}
