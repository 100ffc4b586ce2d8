// Package auth resolves API credentials to callers.
// Resolvers are immutable once built; reload builds new ones.
package auth

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/artpar/metergate/domain/identity"
	"github.com/artpar/metergate/domain/key"
	"github.com/artpar/metergate/ports"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/bcrypt"
)

// DefaultVerifiedCacheSize bounds the number of raw keys remembered after a
// successful bcrypt comparison.
const DefaultVerifiedCacheSize = 4096

// KeyResolver verifies static API keys against bcrypt hashes.
// Thread-safe.
type KeyResolver struct {
	prefix   string
	byLookup map[string][]key.Key
	verified *lru.Cache[[sha256.Size]byte, key.Key]
	clock    ports.Clock
}

// NewKeyResolver indexes keys by their lookup prefix.
// An empty prefix means key.DefaultPrefix.
func NewKeyResolver(keys []key.Key, prefix string, clk ports.Clock) (*KeyResolver, error) {
	if prefix == "" {
		prefix = key.DefaultPrefix
	}

	verified, err := lru.New[[sha256.Size]byte, key.Key](DefaultVerifiedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("verified key cache: %w", err)
	}

	byLookup := make(map[string][]key.Key, len(keys))
	for i, k := range keys {
		if len(k.Prefix) != key.LookupLen {
			return nil, fmt.Errorf("key %d: prefix must be %d characters", i, key.LookupLen)
		}
		if len(k.Hash) == 0 {
			return nil, fmt.Errorf("key %d: missing hash", i)
		}
		if k.SubjectID == "" {
			return nil, fmt.Errorf("key %d: missing subject", i)
		}
		byLookup[k.Prefix] = append(byLookup[k.Prefix], k)
	}

	return &KeyResolver{
		prefix:   prefix,
		byLookup: byLookup,
		verified: verified,
		clock:    clk,
	}, nil
}

// Len returns the number of configured keys.
func (r *KeyResolver) Len() int {
	n := 0
	for _, ks := range r.byLookup {
		n += len(ks)
	}
	return n
}

// Resolve returns the caller owning apiKey, or ports.ErrUnknownKey.
func (r *KeyResolver) Resolve(_ context.Context, apiKey string) (*identity.Caller, error) {
	lookup, ok := key.ValidateFormat(apiKey, r.prefix)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ports.ErrUnknownKey, key.ReasonBadFormat)
	}

	digest := sha256.Sum256([]byte(apiKey))
	k, ok := r.verified.Get(digest)
	if !ok {
		k, ok = r.compare(lookup, apiKey)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ports.ErrUnknownKey, key.ReasonNotFound)
		}
		r.verified.Add(digest, k)
	}

	if reason := key.Validate(k, r.clock.Now()); reason != key.ReasonValid {
		return nil, fmt.Errorf("%w: %s", ports.ErrUnknownKey, reason)
	}

	return &identity.Caller{
		SubjectID:         k.SubjectID,
		Tier:              k.Tier,
		BillingAccountRef: k.BillingAccountRef,
	}, nil
}

func (r *KeyResolver) compare(lookup, apiKey string) (key.Key, bool) {
	for _, k := range r.byLookup[lookup] {
		if bcrypt.CompareHashAndPassword(k.Hash, []byte(apiKey)) == nil {
			return k, true
		}
	}
	return key.Key{}, false
}

var _ ports.IdentityResolver = (*KeyResolver)(nil)
