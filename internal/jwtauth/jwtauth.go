package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates that the access token failed validation (e.g.,
// signature, issuer, audience, exp) and the request should be treated as
// unauthenticated.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrInsufficientScope indicates the token was valid but did not satisfy the
// required scopes policy.
var ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")

// TokenError describes why a token was rejected. Description is safe to echo
// back in a WWW-Authenticate challenge. It matches ErrUnauthorized.
type TokenError struct {
	Description string
	Cause       error
}

func (e *TokenError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%v: %s: %v", ErrUnauthorized, e.Description, e.Cause)
	}
	return fmt.Sprintf("%v: %s", ErrUnauthorized, e.Description)
}

func (e *TokenError) Is(target error) bool { return target == ErrUnauthorized }

func (e *TokenError) Unwrap() error { return e.Cause }

func unauthorized(desc string, cause error) error {
	return &TokenError{Description: desc, Cause: cause}
}

// Config controls validation behavior for access tokens.
type Config struct {
	Issuer string
	// Audience must be contained in the token's aud claim. For ID tokens
	// issued to the broker this is the broker's client id.
	Audience       string
	RequiredScopes []string
	AllowedAlgs    []string
	Leeway         time.Duration
}

// DefaultConfig returns a Config that accepts RS256 only, with no clock
// leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
	}
}

func (c *Config) validate() error {
	if c == nil {
		return errors.New("config is required")
	}
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if c.Audience == "" {
		return errors.New("audience is required")
	}
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	for _, alg := range c.AllowedAlgs {
		if strings.EqualFold(alg, "none") {
			return errors.New(`alg "none" is never allowed`)
		}
	}
	return nil
}

// Claims is the verified subset of token claims the resource cares about.
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	Scope     string
	ClientID  string
	ExpiresAt time.Time
	Raw       map[string]any
}

// HasScope reports whether scope is present in the space-delimited scope claim.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range strings.Fields(c.Scope) {
		if s == scope {
			return true
		}
	}
	return false
}

// Verifier validates JWTs against a JWKS endpoint whose keys are cached and
// refreshed in the background for the lifetime of the context passed to the
// constructor.
type Verifier struct {
	cfg     Config
	keyfunc jwt.Keyfunc
	now     func() time.Time
}

// NewFromJWKS builds a Verifier for a statically configured issuer and JWKS URL.
func NewFromJWKS(ctx context.Context, cfg *Config, jwksURI string) (*Verifier, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return newVerifier(*cfg, kf.Keyfunc), nil
}

// NewFromDiscovery performs OIDC discovery on cfg.Issuer to obtain jwks_uri and
// then behaves like NewFromJWKS.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*Verifier, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	return NewFromJWKS(ctx, cfg, meta.JwksURI)
}

// NewWithKeyfunc builds a Verifier around an existing key lookup.
func NewWithKeyfunc(cfg *Config, kf jwt.Keyfunc) (*Verifier, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if kf == nil {
		return nil, errors.New("keyfunc is required")
	}
	return newVerifier(*cfg, kf), nil
}

func newVerifier(cfg Config, kf jwt.Keyfunc) *Verifier {
	algs := append([]string(nil), cfg.AllowedAlgs...)
	cfg.AllowedAlgs = algs
	return &Verifier{
		cfg: cfg,
		keyfunc: func(t *jwt.Token) (any, error) {
			alg := t.Method.Alg()
			for _, a := range algs {
				if alg == a {
					return kf(t)
				}
			}
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		},
		now: time.Now,
	}
}

// Verify checks the token's signature, issuer, audience and expiry and
// returns its claims. Every rejection wraps ErrUnauthorized, except missing
// scopes, which wrap ErrInsufficientScope.
func (v *Verifier) Verify(ctx context.Context, tok string) (*Claims, error) {
	if tok == "" {
		return nil, unauthorized("Token validation failed", errors.New("empty token"))
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithTimeFunc(v.now),
	)

	parsed, err := parser.Parse(tok, v.keyfunc)
	if err != nil {
		return nil, classify(err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, unauthorized("Token validation failed", errors.New("invalid claims type"))
	}

	// iss, aud and exp are checked again on the parsed claims.
	if iss, _ := claims["iss"].(string); iss != v.cfg.Issuer {
		return nil, unauthorized("Token claim validation failed: issuer mismatch", nil)
	}
	if !audContains(claims["aud"], v.cfg.Audience) {
		return nil, unauthorized("Token claim validation failed: audience mismatch", nil)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, unauthorized("Token claim validation failed: missing exp", err)
	}
	// exp is checked without leeway.
	if !exp.After(v.now()) {
		return nil, unauthorized("Token has expired", nil)
	}

	out := &Claims{
		Issuer:    v.cfg.Issuer,
		ExpiresAt: exp.Time,
		Raw:       map[string]any(claims),
	}
	out.Subject, _ = claims["sub"].(string)
	out.Scope, _ = claims["scope"].(string)
	out.ClientID, _ = claims["client_id"].(string)
	if aud, err := claims.GetAudience(); err == nil {
		out.Audience = []string(aud)
	}

	for _, want := range v.cfg.RequiredScopes {
		if !out.HasScope(want) {
			return nil, fmt.Errorf("%w: missing scope %s", ErrInsufficientScope, want)
		}
	}

	return out, nil
}

// classify maps parser failures onto the descriptions surfaced in challenges.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return unauthorized("Token has expired", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return unauthorized("Invalid token signature", err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return unauthorized("Token claim validation failed: issuer mismatch", err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return unauthorized("Token claim validation failed: audience mismatch", err)
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return unauthorized("Token claim validation failed: missing required claim", err)
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return unauthorized("Token claim validation failed: token not yet valid", err)
	default:
		return unauthorized("Token validation failed", err)
	}
}

func audContains(aud any, want string) bool {
	switch v := aud.(type) {
	case string:
		return v == want
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && s == want {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if s == want {
				return true
			}
		}
	}
	return false
}
