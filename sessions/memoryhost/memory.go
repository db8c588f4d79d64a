package memoryhost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ggoodman/mcp-authbroker/sessions"
)

// Host is an in-memory implementation of sessions.Store.
type Host struct {
	mu       sync.Mutex
	sessions map[string]*entry
	codes    map[string]string // code hash -> session id
	now      func() time.Time
}

type entry struct {
	sess     *sessions.AuthorizationSession
	codeHash string
}

// Option configures a Host.
type Option func(*Host)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(h *Host) { h.now = now }
}

func New(opts ...Option) *Host {
	h := &Host{
		sessions: make(map[string]*entry),
		codes:    make(map[string]string),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

var _ sessions.Store = (*Host)(nil)

func (h *Host) Create(ctx context.Context, s *sessions.AuthorizationSession) error {
	if s == nil || s.SessionID == "" {
		return fmt.Errorf("memoryhost: session id is required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked()
	if _, ok := h.sessions[s.SessionID]; ok {
		return sessions.ErrSessionExists
	}
	h.sessions[s.SessionID] = &entry{sess: s.Clone()}
	return nil
}

func (h *Host) Get(ctx context.Context, sessionID string) (*sessions.AuthorizationSession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.liveLocked(sessionID)
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	return e.sess.Clone(), nil
}

func (h *Host) MarkConsented(ctx context.Context, sessionID string, at time.Time) (*sessions.AuthorizationSession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.liveLocked(sessionID)
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	if e.sess.Consented {
		return nil, sessions.ErrAlreadyConsented
	}
	at = at.UTC()
	e.sess.Consented = true
	e.sess.ConsentedAt = &at
	return e.sess.Clone(), nil
}

func (h *Host) MarkCodeIssued(ctx context.Context, sessionID string, code string, at time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.liveLocked(sessionID)
	if !ok {
		return sessions.ErrSessionNotFound
	}
	if !e.sess.Consented {
		return sessions.ErrNotConsented
	}
	if e.codeHash != "" {
		delete(h.codes, e.codeHash)
	}
	at = at.UTC()
	e.sess.CodeIssuedAt = &at
	e.codeHash = sessions.CodeHash(code)
	h.codes[e.codeHash] = sessionID
	return nil
}

func (h *Host) FindByCode(ctx context.Context, code string) (*sessions.AuthorizationSession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.codes[sessions.CodeHash(code)]
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	e, ok := h.liveLocked(id)
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	return e.sess.Clone(), nil
}

func (h *Host) Claim(ctx context.Context, sessionID string) (*sessions.AuthorizationSession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.liveLocked(sessionID)
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	h.removeLocked(sessionID, e)
	return e.sess, nil
}

func (h *Host) Delete(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.sessions[sessionID]; ok {
		h.removeLocked(sessionID, e)
	}
	return nil
}

func (h *Host) Close() error { return nil }

// Len reports the number of stored sessions, including expired ones that
// have not been pruned yet.
func (h *Host) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// liveLocked returns the entry if present and unexpired, dropping it otherwise.
func (h *Host) liveLocked(sessionID string) (*entry, bool) {
	e, ok := h.sessions[sessionID]
	if !ok {
		return nil, false
	}
	if e.sess.Expired(h.now()) {
		h.removeLocked(sessionID, e)
		return nil, false
	}
	return e, true
}

func (h *Host) removeLocked(sessionID string, e *entry) {
	delete(h.sessions, sessionID)
	if e.codeHash != "" {
		delete(h.codes, e.codeHash)
	}
}

func (h *Host) pruneLocked() {
	now := h.now()
	for id, e := range h.sessions {
		if e.sess.Expired(now) {
			h.removeLocked(id, e)
		}
	}
}
