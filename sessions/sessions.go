package sessions

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// DefaultTTL is the lifetime of an authorization session.
const DefaultTTL = 10 * time.Minute

var (
	// ErrSessionNotFound is returned when a session does not exist or has expired.
	ErrSessionNotFound = errors.New("sessions: session not found")
	// ErrSessionExists is returned by Create when the id is already taken.
	ErrSessionExists = errors.New("sessions: session already exists")
	// ErrAlreadyConsented is returned when consent is recorded a second time.
	ErrAlreadyConsented = errors.New("sessions: session already consented")
	// ErrNotConsented is returned when a code is recorded for a session that
	// was never consented.
	ErrNotConsented = errors.New("sessions: session not consented")
)

// State is the derived lifecycle position of a live session. Terminal states
// (exchanged, denied, expired) are represented by the absence of the record.
type State string

const (
	StateConsentPending State = "consent_pending"
	StateConsented      State = "consented"
	StateCodeIssued     State = "code_issued"
)

// ClientMetadata is the cached subset of a client's metadata document. It is
// used to render the consent screen and is never re-validated.
type ClientMetadata struct {
	ClientID     string   `json:"client_id"`
	ClientName   string   `json:"client_name,omitempty"`
	ClientURI    string   `json:"client_uri,omitempty"`
	LogoURI      string   `json:"logo_uri,omitempty"`
	RedirectURIs []string `json:"redirect_uris"`
}

// AuthorizationSession is the persisted state of one authorization attempt.
//
// ClientID, RedirectURI, CodeChallenge and ClientState are fixed at creation;
// Store implementations only ever rewrite the consent and code fields.
type AuthorizationSession struct {
	SessionID           string         `json:"sessionId"`
	ClientID            string         `json:"client_id"`
	RedirectURI         string         `json:"redirect_uri"`
	CodeChallenge       string         `json:"code_challenge"`
	CodeChallengeMethod string         `json:"code_challenge_method"`
	ClientState         string         `json:"state"`
	Scope               string         `json:"scope,omitempty"`
	Resource            string         `json:"resource,omitempty"`
	ClientMetadata      ClientMetadata `json:"clientMetadata"`
	Consented           bool           `json:"consented"`
	ConsentedAt         *time.Time     `json:"consentedAt,omitempty"`
	CodeIssuedAt        *time.Time     `json:"codeIssuedAt,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	ExpiresAt           time.Time      `json:"expires_at"`
}

// State reports where the session sits in the consent flow.
func (s *AuthorizationSession) State() State {
	switch {
	case s.CodeIssuedAt != nil:
		return StateCodeIssued
	case s.Consented:
		return StateConsented
	default:
		return StateConsentPending
	}
}

// Expired reports whether the session's deadline has passed at now.
func (s *AuthorizationSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (s *AuthorizationSession) Clone() *AuthorizationSession {
	if s == nil {
		return nil
	}
	cp := *s
	cp.ClientMetadata.RedirectURIs = append([]string(nil), s.ClientMetadata.RedirectURIs...)
	if s.ConsentedAt != nil {
		t := *s.ConsentedAt
		cp.ConsentedAt = &t
	}
	if s.CodeIssuedAt != nil {
		t := *s.CodeIssuedAt
		cp.CodeIssuedAt = &t
	}
	return &cp
}

// Store persists authorization sessions. Implementations MUST be safe for
// concurrent use and MUST make MarkConsented and Claim atomic with respect to
// each other and to concurrent callers on the same session.
type Store interface {
	// Create persists a new session. The session expires at s.ExpiresAt.
	Create(ctx context.Context, s *AuthorizationSession) error

	// Get returns the session or ErrSessionNotFound.
	Get(ctx context.Context, sessionID string) (*AuthorizationSession, error)

	// MarkConsented sets Consented and ConsentedAt only if the session is not
	// yet consented. It returns the updated session, ErrSessionNotFound or
	// ErrAlreadyConsented.
	MarkConsented(ctx context.Context, sessionID string, at time.Time) (*AuthorizationSession, error)

	// MarkCodeIssued records that the identity provider issued code for a
	// consented session and indexes the session by that code.
	MarkCodeIssued(ctx context.Context, sessionID string, code string, at time.Time) error

	// FindByCode returns the session indexed under code or ErrSessionNotFound.
	FindByCode(ctx context.Context, code string) (*AuthorizationSession, error)

	// Claim atomically removes and returns the session. Of any number of
	// concurrent callers at most one receives the session; the others get
	// ErrSessionNotFound.
	Claim(ctx context.Context, sessionID string) (*AuthorizationSession, error)

	// Delete removes the session. Deleting a missing session is not an error.
	Delete(ctx context.Context, sessionID string) error

	// Close releases backend resources.
	Close() error
}

// NewSessionID returns 32 random bytes, hex encoded.
func NewSessionID() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// CodeHash derives the index key for an identity provider authorization code.
// Codes are never stored in the clear.
func CodeHash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
