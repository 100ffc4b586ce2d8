package auth

import (
	"context"
	"errors"

	"github.com/artpar/metergate/domain/identity"
	"github.com/artpar/metergate/ports"
)

// Chain tries each resolver in order. A resolver answering ErrUnknownKey
// passes the credential on; any other error stops the chain.
type Chain []ports.IdentityResolver

// Resolve implements ports.IdentityResolver.
func (c Chain) Resolve(ctx context.Context, apiKey string) (*identity.Caller, error) {
	for _, r := range c {
		caller, err := r.Resolve(ctx, apiKey)
		if err == nil {
			return caller, nil
		}
		if !errors.Is(err, ports.ErrUnknownKey) {
			return nil, err
		}
	}
	return nil, ports.ErrUnknownKey
}

var _ ports.IdentityResolver = Chain(nil)
