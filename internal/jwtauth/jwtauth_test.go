package jwtauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const testAudience = "broker-client-id"

type mockOIDC struct {
	srv      *httptest.Server
	issuer   string
	jwksPath string
	noJWKS   bool
}

func newMockOIDC(t *testing.T, keysJSON []byte) *mockOIDC {
	t.Helper()
	m := &mockOIDC{jwksPath: "/.well-known/jwks.json"}
	handler := http.NewServeMux()
	handler.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		meta := map[string]any{
			"issuer":                   m.issuer,
			"authorization_endpoint":   m.issuer + "/oauth2/authorize",
			"token_endpoint":           m.issuer + "/oauth2/token",
			"response_types_supported": []string{"code"},
		}
		if !m.noJWKS {
			meta["jwks_uri"] = m.issuer + m.jwksPath
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(meta)
	})
	handler.HandleFunc(m.jwksPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(handler)
	m.issuer = m.srv.URL
	return m
}

func (m *mockOIDC) Close() { m.srv.Close() }

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signToken(t *testing.T, pk *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func baseConfig(issuer string) *Config {
	cfg := DefaultConfig()
	cfg.Issuer = issuer
	cfg.Audience = testAudience
	return cfg
}

func validClaims(issuer string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   issuer,
		"sub":   "user-123",
		"aud":   testAudience,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"scope": "openid email mcp:tools",
	}
}

func newDiscoveryVerifier(t *testing.T, ctx context.Context, m *mockOIDC) *Verifier {
	t.Helper()
	v, err := NewFromDiscovery(ctx, baseConfig(m.issuer))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return v
}

func TestVerifier_HappyPath(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	m := newMockOIDC(t, jwks)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v := newDiscoveryVerifier(t, ctx, m)

	claims, err := v.Verify(ctx, signToken(t, pk, kid, validClaims(m.issuer)))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "user-123" {
		t.Fatalf("want sub user-123, got %s", claims.Subject)
	}
	if !claims.HasScope("mcp:tools") || claims.HasScope("mcp") {
		t.Fatalf("scope lookup mismatch for %q", claims.Scope)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != testAudience {
		t.Fatalf("want aud [%s], got %v", testAudience, claims.Audience)
	}
}

func TestVerifier_AudienceArray(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	m := newMockOIDC(t, jwks)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewFromJWKS(ctx, baseConfig(m.issuer), m.issuer+m.jwksPath)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	claims := validClaims(m.issuer)
	claims["aud"] = []string{"other", testAudience}
	if _, err := v.Verify(ctx, signToken(t, pk, kid, claims)); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifier_TypHeaderNotRequired(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	m := newMockOIDC(t, jwks)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v := newDiscoveryVerifier(t, ctx, m)

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims(m.issuer))
	tok.Header["kid"] = kid
	tok.Header["typ"] = "JWT"
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.Verify(ctx, s); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifier_Rejections(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	other, _, _ := genRSA(t)
	m := newMockOIDC(t, jwks)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v := newDiscoveryVerifier(t, ctx, m)

	tests := []struct {
		name string
		tok  func() string
		desc string
	}{
		{
			name: "expired",
			tok: func() string {
				c := validClaims(m.issuer)
				c["exp"] = time.Now().Add(-time.Minute).Unix()
				return signToken(t, pk, kid, c)
			},
			desc: "Token has expired",
		},
		{
			name: "wrong issuer",
			tok: func() string {
				c := validClaims(m.issuer)
				c["iss"] = "https://evil.example.com"
				return signToken(t, pk, kid, c)
			},
			desc: "Token claim validation failed: issuer mismatch",
		},
		{
			name: "wrong audience",
			tok: func() string {
				c := validClaims(m.issuer)
				c["aud"] = "someone-else"
				return signToken(t, pk, kid, c)
			},
			desc: "Token claim validation failed: audience mismatch",
		},
		{
			name: "missing exp",
			tok: func() string {
				c := validClaims(m.issuer)
				delete(c, "exp")
				return signToken(t, pk, kid, c)
			},
			desc: "Token claim validation failed: missing required claim",
		},
		{
			name: "bad signature",
			tok: func() string {
				return signToken(t, other, kid, validClaims(m.issuer))
			},
			desc: "Invalid token signature",
		},
		{
			name: "disallowed alg",
			tok: func() string {
				tok := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims(m.issuer))
				tok.Header["kid"] = kid
				s, err := tok.SignedString([]byte("shared-secret"))
				if err != nil {
					t.Fatalf("sign: %v", err)
				}
				return s
			},
			desc: "Invalid token signature",
		},
		{
			name: "garbage",
			tok:  func() string { return "not.a.jwt" },
			desc: "Token validation failed",
		},
		{
			name: "empty",
			tok:  func() string { return "" },
			desc: "Token validation failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(ctx, tt.tok())
			if !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("want ErrUnauthorized, got %v", err)
			}
			var te *TokenError
			if !errors.As(err, &te) {
				t.Fatalf("want *TokenError, got %T", err)
			}
			if te.Description != tt.desc {
				t.Fatalf("want description %q, got %q", tt.desc, te.Description)
			}
		})
	}
}

func TestVerifier_ExplicitExpiryUsesClock(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	m := newMockOIDC(t, jwks)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v := newDiscoveryVerifier(t, ctx, m)

	tok := signToken(t, pk, kid, validClaims(m.issuer))
	v.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err := v.Verify(ctx, tok)
	var te *TokenError
	if !errors.As(err, &te) || te.Description != "Token has expired" {
		t.Fatalf("want expired, got %v", err)
	}
}

func TestVerifier_LeewayDoesNotExtendExpiry(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	m := newMockOIDC(t, jwks)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := baseConfig(m.issuer)
	cfg.Leeway = time.Minute
	v, err := NewFromDiscovery(ctx, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	c := validClaims(m.issuer)
	c["exp"] = time.Now().Add(-30 * time.Second).Unix()
	_, err = v.Verify(ctx, signToken(t, pk, kid, c))
	var te *TokenError
	if !errors.As(err, &te) || te.Description != "Token has expired" {
		t.Fatalf("want expired despite leeway, got %v", err)
	}
}

func TestDefaultConfig_NoLeeway(t *testing.T) {
	if got := DefaultConfig().Leeway; got != 0 {
		t.Fatalf("want zero leeway, got %s", got)
	}
}

func TestVerifier_RequiredScopes(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	m := newMockOIDC(t, jwks)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := baseConfig(m.issuer)
	cfg.RequiredScopes = []string{"mcp:admin"}
	v, err := NewFromDiscovery(ctx, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	_, err = v.Verify(ctx, signToken(t, pk, kid, validClaims(m.issuer)))
	if !errors.Is(err, ErrInsufficientScope) {
		t.Fatalf("want ErrInsufficientScope, got %v", err)
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Fatalf("insufficient scope must not be reported as unauthorized")
	}
}

func TestNewFromDiscovery_MissingJWKS(t *testing.T) {
	_, _, jwks := genRSA(t)
	m := newMockOIDC(t, jwks)
	m.noJWKS = true
	defer m.Close()

	if _, err := NewFromDiscovery(context.Background(), baseConfig(m.issuer)); err == nil {
		t.Fatalf("expected discovery error")
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := NewWithKeyfunc(&Config{Audience: "a"}, func(*jwt.Token) (any, error) { return nil, nil }); err == nil {
		t.Fatalf("want issuer error")
	}
	if _, err := NewWithKeyfunc(&Config{Issuer: "i"}, func(*jwt.Token) (any, error) { return nil, nil }); err == nil {
		t.Fatalf("want audience error")
	}
	if _, err := NewWithKeyfunc(&Config{Issuer: "i", Audience: "a", AllowedAlgs: []string{"none"}}, func(*jwt.Token) (any, error) { return nil, nil }); err == nil {
		t.Fatalf("want alg none rejected")
	}
	if _, err := NewWithKeyfunc(&Config{Issuer: "i", Audience: "a"}, nil); err == nil {
		t.Fatalf("want keyfunc error")
	}
}
