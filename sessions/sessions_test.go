package sessions

import (
	"encoding/hex"
	"testing"
	"time"
)

func TestNewSessionID_Entropy(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 256; i++ {
		id, err := NewSessionID()
		if err != nil {
			t.Fatalf("new id: %v", err)
		}
		raw, err := hex.DecodeString(id)
		if err != nil {
			t.Fatalf("id is not hex: %v", err)
		}
		if len(raw) != 32 {
			t.Fatalf("want 32 bytes, got %d", len(raw))
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
}

func TestAuthorizationSession_State(t *testing.T) {
	now := time.Now()
	s := &AuthorizationSession{}
	if s.State() != StateConsentPending {
		t.Fatalf("want %s, got %s", StateConsentPending, s.State())
	}
	s.Consented = true
	s.ConsentedAt = &now
	if s.State() != StateConsented {
		t.Fatalf("want %s, got %s", StateConsented, s.State())
	}
	s.CodeIssuedAt = &now
	if s.State() != StateCodeIssued {
		t.Fatalf("want %s, got %s", StateCodeIssued, s.State())
	}
}

func TestAuthorizationSession_Expired(t *testing.T) {
	now := time.Now()
	s := &AuthorizationSession{ExpiresAt: now.Add(time.Minute)}
	if s.Expired(now) {
		t.Fatal("session should be live")
	}
	if !s.Expired(now.Add(time.Minute)) {
		t.Fatal("session should be expired at its deadline")
	}
}

func TestAuthorizationSession_CloneIsDeep(t *testing.T) {
	now := time.Now()
	s := &AuthorizationSession{
		ClientMetadata: ClientMetadata{RedirectURIs: []string{"https://a.example/cb"}},
		ConsentedAt:    &now,
	}
	cp := s.Clone()
	cp.ClientMetadata.RedirectURIs[0] = "mutated"
	*cp.ConsentedAt = now.Add(time.Hour)
	if s.ClientMetadata.RedirectURIs[0] != "https://a.example/cb" {
		t.Fatal("clone shares redirect uri slice")
	}
	if !s.ConsentedAt.Equal(now) {
		t.Fatal("clone shares consentedAt pointer")
	}
}

func TestCodeHash_Stable(t *testing.T) {
	if CodeHash("abc") != CodeHash("abc") {
		t.Fatal("hash not stable")
	}
	if CodeHash("abc") == CodeHash("abd") {
		t.Fatal("distinct codes collide")
	}
	if CodeHash("abc") == "abc" {
		t.Fatal("code stored in the clear")
	}
}
