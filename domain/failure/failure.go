// Package failure classifies the internal failures of the metering path.
//
// None of these failures ever reaches a caller as a blocked request; they are
// carried alongside fail-open values so every call site can log them.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// Unknown is the kind of nil and unclassified errors.
	Unknown Kind = iota
	// ProviderUnavailable covers network errors, timeouts, non-2xx responses
	// and malformed bodies from the billing provider.
	ProviderUnavailable
	// CacheUnavailable covers shared cache read and write failures.
	CacheUnavailable
	// MissingIdentity means there is no authenticated caller.
	MissingIdentity
	// MissingBillingConfiguration means the account link or provider credentials are absent.
	MissingBillingConfiguration
)

// String returns the log label of a kind.
func (k Kind) String() string {
	switch k {
	case ProviderUnavailable:
		return "provider_unavailable"
	case CacheUnavailable:
		return "cache_unavailable"
	case MissingIdentity:
		return "missing_identity"
	case MissingBillingConfiguration:
		return "missing_billing_configuration"
	default:
		return "unknown"
	}
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string // Operation that failed, e.g. "usage.query"
	Err  error  // Underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same Kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrProviderUnavailable         = &Error{Kind: ProviderUnavailable}
	ErrCacheUnavailable            = &Error{Kind: CacheUnavailable}
	ErrMissingIdentity             = &Error{Kind: MissingIdentity}
	ErrMissingBillingConfiguration = &Error{Kind: MissingBillingConfiguration}
)

// New wraps err with a kind and operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}
