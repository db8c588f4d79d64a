package auth

import (
	"context"

	"github.com/ggoodman/mcp-authbroker/internal/jwtauth"
)

// ErrUnauthorized indicates the bearer token is invalid (signature, expiry,
// issuer, audience). It maps to a 401 invalid_token challenge.
var ErrUnauthorized = jwtauth.ErrUnauthorized

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = jwtauth.ErrInsufficientScope

// Claims are the verified claims of an accepted bearer token.
type Claims = jwtauth.Claims

// Authenticator validates bearer tokens. It returns an error matching
// ErrUnauthorized or ErrInsufficientScope for rejected tokens; any other
// error is treated as a server-side failure.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (*Claims, error)
}

type claimsKey struct{}

// WithClaims attaches verified claims to ctx.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFromContext returns the claims stored by Middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok && c != nil
}
