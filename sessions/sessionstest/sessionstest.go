// Package sessionstest holds the conformance suite every sessions.Store
// implementation is expected to pass.
package sessionstest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-authbroker/sessions"
	"golang.org/x/sync/errgroup"
)

// Harness bundles a Store under test with control over its notion of time.
type Harness struct {
	Store sessions.Store
	// Now returns the store's current time.
	Now func() time.Time
	// Advance moves the store's clock forward by d.
	Advance func(d time.Duration)
}

// StoreFactory creates a fresh, empty Store for a single test.
type StoreFactory func(t *testing.T) Harness

// RunStoreTests runs the complete Store suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Create_ThenGet", func(t *testing.T) { testCreateThenGet(t, factory) })
	t.Run("Create_Duplicate", func(t *testing.T) { testCreateDuplicate(t, factory) })
	t.Run("Get_Missing", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("Get_Expired", func(t *testing.T) { testGetExpired(t, factory) })
	t.Run("Get_ReturnsCopy", func(t *testing.T) { testGetReturnsCopy(t, factory) })
	t.Run("Consent_Once", func(t *testing.T) { testConsentOnce(t, factory) })
	t.Run("Consent_Missing", func(t *testing.T) { testConsentMissing(t, factory) })
	t.Run("Consent_PreservesImmutableFields", func(t *testing.T) { testConsentPreservesFields(t, factory) })
	t.Run("Consent_ConcurrentApprovers", func(t *testing.T) { testConsentConcurrent(t, factory) })
	t.Run("CodeIssued_RequiresConsent", func(t *testing.T) { testCodeIssuedRequiresConsent(t, factory) })
	t.Run("CodeIssued_IndexesByCode", func(t *testing.T) { testCodeIssuedIndexesByCode(t, factory) })
	t.Run("Claim_SingleUse", func(t *testing.T) { testClaimSingleUse(t, factory) })
	t.Run("Claim_DropsCodeIndex", func(t *testing.T) { testClaimDropsCodeIndex(t, factory) })
	t.Run("Claim_ConcurrentClaimers", func(t *testing.T) { testClaimConcurrent(t, factory) })
	t.Run("Claim_Expired", func(t *testing.T) { testClaimExpired(t, factory) })
	t.Run("Delete_Idempotent", func(t *testing.T) { testDeleteIdempotent(t, factory) })
}

// NewSession builds a consent-pending session that expires ttl after now.
func NewSession(t *testing.T, now time.Time, ttl time.Duration) *sessions.AuthorizationSession {
	t.Helper()
	id, err := sessions.NewSessionID()
	if err != nil {
		t.Fatalf("session id: %v", err)
	}
	return &sessions.AuthorizationSession{
		SessionID:           id,
		ClientID:            "https://client.example/metadata.json",
		RedirectURI:         "https://client.example/callback",
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: "S256",
		ClientState:         "client-state-xyz",
		Scope:               "openid email profile",
		ClientMetadata: sessions.ClientMetadata{
			ClientID:     "https://client.example/metadata.json",
			ClientName:   "Example Client",
			RedirectURIs: []string{"https://client.example/callback"},
		},
		CreatedAt: now.UTC(),
		ExpiresAt: now.Add(ttl).UTC(),
	}
}

func mustCreate(t *testing.T, h Harness, ttl time.Duration) *sessions.AuthorizationSession {
	t.Helper()
	s := NewSession(t, h.Now(), ttl)
	if err := h.Store.Create(context.Background(), s); err != nil {
		t.Fatalf("create: %v", err)
	}
	return s
}

func testCreateThenGet(t *testing.T, factory StoreFactory) {
	h := factory(t)
	ctx := context.Background()
	want := mustCreate(t, h, time.Minute)

	got, err := h.Store.Get(ctx, want.SessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ClientID != want.ClientID || got.RedirectURI != want.RedirectURI || got.CodeChallenge != want.CodeChallenge || got.ClientState != want.ClientState {
		t.Fatalf("round trip mismatch: want %+v, got %+v", want, got)
	}
	if got.CodeChallengeMethod != "S256" {
		t.Fatalf("want S256, got %q", got.CodeChallengeMethod)
	}
	if got.ClientMetadata.ClientName != "Example Client" || len(got.ClientMetadata.RedirectURIs) != 1 {
		t.Fatalf("client metadata mismatch: %+v", got.ClientMetadata)
	}
	if got.Consented || got.ConsentedAt != nil {
		t.Fatalf("new session must not be consented")
	}
	if got.State() != sessions.StateConsentPending {
		t.Fatalf("want %s, got %s", sessions.StateConsentPending, got.State())
	}
}

func testCreateDuplicate(t *testing.T, factory StoreFactory) {
	h := factory(t)
	s := mustCreate(t, h, time.Minute)
	err := h.Store.Create(context.Background(), s)
	if !errors.Is(err, sessions.ErrSessionExists) {
		t.Fatalf("want ErrSessionExists, got %v", err)
	}
}

func testGetMissing(t *testing.T, factory StoreFactory) {
	h := factory(t)
	_, err := h.Store.Get(context.Background(), "does-not-exist")
	if !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound, got %v", err)
	}
}

func testGetExpired(t *testing.T, factory StoreFactory) {
	h := factory(t)
	s := mustCreate(t, h, 2*time.Second)
	h.Advance(3 * time.Second)
	_, err := h.Store.Get(context.Background(), s.SessionID)
	if !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound after expiry, got %v", err)
	}
}

func testGetReturnsCopy(t *testing.T, factory StoreFactory) {
	h := factory(t)
	ctx := context.Background()
	s := mustCreate(t, h, time.Minute)
	got, err := h.Store.Get(ctx, s.SessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Consented = true
	got.RedirectURI = "https://attacker.example/cb"
	again, err := h.Store.Get(ctx, s.SessionID)
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.Consented || again.RedirectURI != s.RedirectURI {
		t.Fatalf("store leaked a mutable reference")
	}
}

func testConsentOnce(t *testing.T, factory StoreFactory) {
	h := factory(t)
	ctx := context.Background()
	s := mustCreate(t, h, time.Minute)

	at := h.Now()
	updated, err := h.Store.MarkConsented(ctx, s.SessionID, at)
	if err != nil {
		t.Fatalf("first consent: %v", err)
	}
	if !updated.Consented || updated.ConsentedAt == nil {
		t.Fatalf("want consented session, got %+v", updated)
	}
	if !updated.ConsentedAt.Equal(at) {
		t.Fatalf("consentedAt mismatch: want %v, got %v", at, updated.ConsentedAt)
	}
	if _, err := h.Store.MarkConsented(ctx, s.SessionID, at); !errors.Is(err, sessions.ErrAlreadyConsented) {
		t.Fatalf("want ErrAlreadyConsented, got %v", err)
	}
	got, err := h.Store.Get(ctx, s.SessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State() != sessions.StateConsented {
		t.Fatalf("want %s, got %s", sessions.StateConsented, got.State())
	}
}

func testConsentMissing(t *testing.T, factory StoreFactory) {
	h := factory(t)
	_, err := h.Store.MarkConsented(context.Background(), "missing", h.Now())
	if !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound, got %v", err)
	}
}

func testConsentPreservesFields(t *testing.T, factory StoreFactory) {
	h := factory(t)
	ctx := context.Background()
	s := mustCreate(t, h, time.Minute)
	if _, err := h.Store.MarkConsented(ctx, s.SessionID, h.Now()); err != nil {
		t.Fatalf("consent: %v", err)
	}
	got, err := h.Store.Get(ctx, s.SessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ClientID != s.ClientID || got.RedirectURI != s.RedirectURI || got.CodeChallenge != s.CodeChallenge || got.ClientState != s.ClientState || got.Scope != s.Scope {
		t.Fatalf("immutable fields changed: want %+v, got %+v", s, got)
	}
}

func testConsentConcurrent(t *testing.T, factory StoreFactory) {
	h := factory(t)
	s := mustCreate(t, h, time.Minute)

	const approvers = 16
	var wins, conflicts atomic.Int32
	var g errgroup.Group
	for i := 0; i < approvers; i++ {
		g.Go(func() error {
			_, err := h.Store.MarkConsented(context.Background(), s.SessionID, h.Now())
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, sessions.ErrAlreadyConsented):
				conflicts.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected consent error: %v", err)
	}
	if wins.Load() != 1 {
		t.Fatalf("want exactly 1 successful consent, got %d", wins.Load())
	}
	if conflicts.Load() != approvers-1 {
		t.Fatalf("want %d conflicts, got %d", approvers-1, conflicts.Load())
	}
}

func testCodeIssuedRequiresConsent(t *testing.T, factory StoreFactory) {
	h := factory(t)
	ctx := context.Background()
	s := mustCreate(t, h, time.Minute)
	if err := h.Store.MarkCodeIssued(ctx, s.SessionID, "idp-code", h.Now()); !errors.Is(err, sessions.ErrNotConsented) {
		t.Fatalf("want ErrNotConsented, got %v", err)
	}
	if _, err := h.Store.FindByCode(ctx, "idp-code"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("want no index for unconsented session, got %v", err)
	}
	if err := h.Store.MarkCodeIssued(ctx, "missing", "idp-code", h.Now()); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound, got %v", err)
	}
}

func testCodeIssuedIndexesByCode(t *testing.T, factory StoreFactory) {
	h := factory(t)
	ctx := context.Background()
	s := mustCreate(t, h, time.Minute)
	if _, err := h.Store.MarkConsented(ctx, s.SessionID, h.Now()); err != nil {
		t.Fatalf("consent: %v", err)
	}
	if err := h.Store.MarkCodeIssued(ctx, s.SessionID, "idp-code-1", h.Now()); err != nil {
		t.Fatalf("code issued: %v", err)
	}
	got, err := h.Store.FindByCode(ctx, "idp-code-1")
	if err != nil {
		t.Fatalf("find by code: %v", err)
	}
	if got.SessionID != s.SessionID {
		t.Fatalf("want session %s, got %s", s.SessionID, got.SessionID)
	}
	if got.State() != sessions.StateCodeIssued {
		t.Fatalf("want %s, got %s", sessions.StateCodeIssued, got.State())
	}
	if _, err := h.Store.FindByCode(ctx, "other-code"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound for unknown code, got %v", err)
	}
}

func testClaimSingleUse(t *testing.T, factory StoreFactory) {
	h := factory(t)
	ctx := context.Background()
	s := mustCreate(t, h, time.Minute)

	got, err := h.Store.Claim(ctx, s.SessionID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got.SessionID != s.SessionID || got.CodeChallenge != s.CodeChallenge {
		t.Fatalf("claimed wrong session: %+v", got)
	}
	if _, err := h.Store.Claim(ctx, s.SessionID); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("second claim: want ErrSessionNotFound, got %v", err)
	}
	if _, err := h.Store.Get(ctx, s.SessionID); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("get after claim: want ErrSessionNotFound, got %v", err)
	}
}

func testClaimDropsCodeIndex(t *testing.T, factory StoreFactory) {
	h := factory(t)
	ctx := context.Background()
	s := mustCreate(t, h, time.Minute)
	if _, err := h.Store.MarkConsented(ctx, s.SessionID, h.Now()); err != nil {
		t.Fatalf("consent: %v", err)
	}
	if err := h.Store.MarkCodeIssued(ctx, s.SessionID, "idp-code-2", h.Now()); err != nil {
		t.Fatalf("code issued: %v", err)
	}
	if _, err := h.Store.Claim(ctx, s.SessionID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := h.Store.FindByCode(ctx, "idp-code-2"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound after claim, got %v", err)
	}
}

func testClaimConcurrent(t *testing.T, factory StoreFactory) {
	h := factory(t)
	s := mustCreate(t, h, time.Minute)

	const claimers = 16
	var wins atomic.Int32
	var g errgroup.Group
	for i := 0; i < claimers; i++ {
		g.Go(func() error {
			_, err := h.Store.Claim(context.Background(), s.SessionID)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, sessions.ErrSessionNotFound):
			default:
				return fmt.Errorf("claim: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected claim error: %v", err)
	}
	if wins.Load() != 1 {
		t.Fatalf("want exactly 1 successful claim, got %d", wins.Load())
	}
}

func testClaimExpired(t *testing.T, factory StoreFactory) {
	h := factory(t)
	s := mustCreate(t, h, 2*time.Second)
	h.Advance(3 * time.Second)
	if _, err := h.Store.Claim(context.Background(), s.SessionID); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound, got %v", err)
	}
}

func testDeleteIdempotent(t *testing.T, factory StoreFactory) {
	h := factory(t)
	ctx := context.Background()
	s := mustCreate(t, h, time.Minute)
	if err := h.Store.Delete(ctx, s.SessionID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := h.Store.Delete(ctx, s.SessionID); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := h.Store.Get(ctx, s.SessionID); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound, got %v", err)
	}
}
