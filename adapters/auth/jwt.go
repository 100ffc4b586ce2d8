package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/metergate/domain/identity"
	"github.com/artpar/metergate/ports"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultIssuer is the issuer stamped on and required of caller tokens.
const DefaultIssuer = "metergate"

// DefaultTokenTTL is used when Issue is called with a zero ttl.
const DefaultTokenTTL = 24 * time.Hour

// Claims are the JWT claims of a caller token. The subject is the caller's
// subject id.
type Claims struct {
	Tier              string `json:"tier"`
	BillingAccountRef string `json:"bar,omitempty"`
	jwt.RegisteredClaims
}

// TokenResolver issues and verifies HS256 caller tokens.
// Stateless and safe for concurrent use.
type TokenResolver struct {
	secret []byte
	issuer string
	clock  ports.Clock
}

// NewTokenResolver creates a token resolver. The secret must not be empty.
func NewTokenResolver(secret string, clk ports.Clock) (*TokenResolver, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	return &TokenResolver{
		secret: []byte(secret),
		issuer: DefaultIssuer,
		clock:  clk,
	}, nil
}

// Issue signs a token for c valid for ttl.
func (r *TokenResolver) Issue(c identity.Caller, ttl time.Duration) (string, time.Time, error) {
	if c.SubjectID == "" {
		return "", time.Time{}, errors.New("caller has no subject")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	now := r.clock.Now().Truncate(time.Second)
	expiresAt := now.Add(ttl)

	claims := Claims{
		Tier:              c.Tier,
		BillingAccountRef: c.BillingAccountRef,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    r.issuer,
			Subject:   c.SubjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Resolve verifies token and returns its caller, or ports.ErrUnknownKey.
func (r *TokenResolver) Resolve(_ context.Context, token string) (*identity.Caller, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return r.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(r.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(r.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ports.ErrUnknownKey, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ports.ErrUnknownKey)
	}

	return &identity.Caller{
		SubjectID:         claims.Subject,
		Tier:              claims.Tier,
		BillingAccountRef: claims.BillingAccountRef,
	}, nil
}

// GenerateSecret returns a random secret suitable for HS256 signing.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

var _ ports.IdentityResolver = (*TokenResolver)(nil)
