// Package pkce implements the S256 transform of RFC 7636 (Proof Key for Code
// Exchange). The plain method is intentionally not supported.
package pkce

import (
	"crypto/subtle"

	"golang.org/x/oauth2"
)

// MethodS256 is the only accepted code_challenge_method.
const MethodS256 = "S256"

const (
	minVerifierLen = 43
	maxVerifierLen = 128
)

// ComputeChallenge returns base64url_no_pad(SHA256(verifier)).
func ComputeChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// Verify reports whether verifier hashes to the stored challenge.
func Verify(verifier, challenge string) bool {
	if challenge == "" {
		return false
	}
	computed := ComputeChallenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// ValidVerifier reports whether v satisfies the RFC 7636 §4.1 grammar:
// 43 to 128 characters from [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~".
func ValidVerifier(v string) bool {
	if len(v) < minVerifierLen || len(v) > maxVerifierLen {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}

// GenerateVerifier returns a fresh high-entropy verifier. It is used by tests
// and tooling that play the client role.
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}
