// Package authtest provides Authenticator fakes for handler tests.
package authtest

import (
	"context"
	"fmt"

	"github.com/ggoodman/mcp-authbroker/auth"
	"github.com/ggoodman/mcp-authbroker/internal/jwtauth"
)

// StaticTokens accepts a fixed set of tokens, each mapped to a subject.
// Every other token is rejected as invalid.
type StaticTokens struct {
	Tokens map[string]string
	// Err, when set, is returned for every call.
	Err error
}

var _ auth.Authenticator = (*StaticTokens)(nil)

// NewStaticTokens creates a StaticTokens accepting tok for subject.
func NewStaticTokens(tok, subject string) *StaticTokens {
	if subject == "" {
		subject = "test-user"
	}
	return &StaticTokens{Tokens: map[string]string{tok: subject}}
}

// CheckAuthentication implements auth.Authenticator.
func (s *StaticTokens) CheckAuthentication(_ context.Context, tok string) (*auth.Claims, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	sub, ok := s.Tokens[tok]
	if !ok {
		return nil, &jwtauth.TokenError{Description: "Token validation failed", Cause: fmt.Errorf("unknown token")}
	}
	return &auth.Claims{Subject: sub, Raw: map[string]any{"sub": sub}}, nil
}
