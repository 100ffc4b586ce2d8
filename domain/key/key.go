// Package key provides API key value types and pure validation functions.
// The only dependency is bcrypt for hashing generated keys.
package key

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// DefaultPrefix is prepended to every generated key.
const DefaultPrefix = "mg_"

// LookupLen is the number of leading characters used to find a key's record.
const LookupLen = 12

// secretHexLen is the length of the random part of a key.
const secretHexLen = 64

// Key is a configured API key (immutable value type).
// Only the bcrypt hash of the raw key is ever stored.
type Key struct {
	Prefix            string // First LookupLen chars of the raw key
	Hash              []byte
	SubjectID         string
	Tier              string
	BillingAccountRef string
	ExpiresAt         *time.Time // nil = never expires
}

// Reasons for validation failure.
const (
	ReasonValid     = ""
	ReasonNotFound  = "key_not_found"
	ReasonExpired   = "key_expired"
	ReasonBadFormat = "invalid_format"
)

// ValidateFormat checks if a raw API key has valid format.
// Returns (lookup prefix, valid). The lookup prefix selects candidate records.
// This is a PURE function.
func ValidateFormat(rawKey, expectedPrefix string) (lookup string, valid bool) {
	if !strings.HasPrefix(rawKey, expectedPrefix) {
		return "", false
	}
	if len(rawKey) < len(expectedPrefix)+secretHexLen {
		return "", false
	}
	return rawKey[:LookupLen], true
}

// Validate reports why k cannot be used at now, or ReasonValid.
// This is a PURE function.
func Validate(k Key, now time.Time) string {
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return ReasonExpired
	}
	return ReasonValid
}

// Generate creates a new API key with the given prefix and bcrypt cost.
// Returns the raw key (to give to the caller) and the Key to store.
// The raw key is prefix + 64 hex chars.
func Generate(prefix string, cost int) (rawKey string, k Key, err error) {
	if len(prefix)+secretHexLen < LookupLen {
		return "", Key{}, fmt.Errorf("prefix %q too short", prefix)
	}

	randomBytes := make([]byte, secretHexLen/2)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", Key{}, fmt.Errorf("read random: %w", err)
	}
	rawKey = prefix + hex.EncodeToString(randomBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), cost)
	if err != nil {
		return "", Key{}, fmt.Errorf("hash key: %w", err)
	}

	return rawKey, Key{Prefix: rawKey[:LookupLen], Hash: hash}, nil
}

// WithCaller returns a copy of the key bound to a subject, tier and billing account.
func (k Key) WithCaller(subjectID, tier, billingAccountRef string) Key {
	k.SubjectID = subjectID
	k.Tier = tier
	k.BillingAccountRef = billingAccountRef
	return k
}
