package auth

import (
	"context"
	"time"

	"github.com/ggoodman/mcp-authbroker/internal/jwtauth"
)

// AccessTokenAuthOption configures optional aspects of token verification
// (scopes, algorithms, leeway).
type AccessTokenAuthOption func(*jwtauth.Config)

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
//
// This is opt-in and goes beyond the default contract, where every failed
// bearer check is a 401 invalid_token: a token that verifies but lacks a
// required scope is answered by Middleware with 403 insufficient_scope.
func WithRequiredScopes(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
// Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for nbf and iat. Defaults to zero.
// Expiry is always enforced strictly.
func WithLeeway(d time.Duration) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

func newConfig(issuer, audience string, opts []AccessTokenAuthOption) *jwtauth.Config {
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.Audience = audience
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// NewFromJWKS returns an Authenticator that verifies tokens signed by keys
// published at jwksURL. The key set is cached and refreshed in the background
// until ctx is cancelled.
//
// Required:
//   - issuer:   the identity provider issuer; the iss claim must equal it
//   - audience: the aud claim must contain it; typically the broker's client id
func NewFromJWKS(ctx context.Context, issuer, jwksURL, audience string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	v, err := jwtauth.NewFromJWKS(ctx, newConfig(issuer, audience, opts), jwksURL)
	if err != nil {
		return nil, err
	}
	return &adapter{v: v}, nil
}

// NewFromDiscovery is like NewFromJWKS but learns jwks_uri through OpenID
// Connect discovery on issuer.
func NewFromDiscovery(ctx context.Context, issuer, audience string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	v, err := jwtauth.NewFromDiscovery(ctx, newConfig(issuer, audience, opts))
	if err != nil {
		return nil, err
	}
	return &adapter{v: v}, nil
}

type adapter struct {
	v *jwtauth.Verifier
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (*Claims, error) {
	return ad.v.Verify(ctx, tok)
}
