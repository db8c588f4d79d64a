package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/ggoodman/mcp-authbroker/sessions"
)

// ConsentView is what the consent page shows the user.
type ConsentView struct {
	SessionID  string
	ClientID   string
	ClientName string
	ClientURI  string
	LogoURI    string
	Scopes     []ScopeDescription
	ExpiresAt  time.Time
}

// DisplayName is the client name, falling back to the client id.
func (v *ConsentView) DisplayName() string {
	if v.ClientName != "" {
		return v.ClientName
	}
	return v.ClientID
}

// ConsentInfo loads a consent-pending session for display.
func (b *Broker) ConsentInfo(ctx context.Context, sessionID string) (*ConsentView, error) {
	if sessionID == "" {
		return nil, invalidRequest("session parameter is required")
	}
	sess, err := b.store.Get(ctx, sessionID)
	if err != nil {
		return nil, b.sessionLookupError(ctx, "consent.view", err)
	}
	if sess.Consented {
		return nil, invalidRequest("Session already used")
	}

	return &ConsentView{
		SessionID:  sess.SessionID,
		ClientID:   sess.ClientID,
		ClientName: sess.ClientMetadata.ClientName,
		ClientURI:  sess.ClientMetadata.ClientURI,
		LogoURI:    sess.ClientMetadata.LogoURI,
		Scopes:     DescribeScopes(sess.Scope),
		ExpiresAt:  sess.ExpiresAt,
	}, nil
}

// ConsentApprove records consent exactly once and returns the identity
// provider authorize URL. The session id doubles as the provider state.
func (b *Broker) ConsentApprove(ctx context.Context, sessionID string) (u *url.URL, err error) {
	defer func() { b.record("consent_approve", err) }()

	if sessionID == "" {
		return nil, invalidRequest("session parameter is required")
	}

	sess, err := b.store.Get(ctx, sessionID)
	if err != nil {
		return nil, b.sessionLookupError(ctx, "consent.approve", err)
	}
	if sess.Consented {
		b.log.WarnContext(ctx, "consent.approve.replay", slog.String("session_id", sessionID))
		return nil, invalidRequest("Session already used")
	}
	ctx = withSession(ctx, sess)

	// The provider URL is built before consent is recorded so a failure here
	// leaves the session pending.
	scope := sess.Scope
	if scope == "" {
		scope = b.defaultScope
	}
	u, err = url.Parse(b.upstream.AuthorizationURL(sess.SessionID, scope))
	if err != nil {
		b.log.ErrorContext(ctx, "consent.approve.idp_url.fail", slog.String("err", err.Error()))
		return nil, serverError()
	}

	_, err = b.store.MarkConsented(ctx, sessionID, b.now())
	switch {
	case errors.Is(err, sessions.ErrAlreadyConsented):
		b.log.WarnContext(ctx, "consent.approve.replay", slog.String("session_id", sessionID))
		return nil, invalidRequest("Session already used")
	case err != nil:
		return nil, b.sessionLookupError(ctx, "consent.approve", err)
	}
	b.log.InfoContext(ctx, "consent.approve.ok")

	return u, nil
}

// ConsentDeny ends the flow and returns the client redirect carrying
// access_denied and the client's original state.
func (b *Broker) ConsentDeny(ctx context.Context, sessionID string) (u *url.URL, err error) {
	defer func() { b.record("consent_deny", err) }()

	if sessionID == "" {
		return nil, invalidRequest("session parameter is required")
	}

	sess, err := b.store.Get(ctx, sessionID)
	if err != nil {
		return nil, b.sessionLookupError(ctx, "consent.deny", err)
	}
	if sess.Consented {
		return nil, invalidRequest("Session already used")
	}
	ctx = withSession(ctx, sess)

	if err := b.store.Delete(ctx, sess.SessionID); err != nil {
		b.log.WarnContext(ctx, "consent.deny.delete.fail", slog.String("err", err.Error()))
	}

	u, err = clientRedirect(sess.RedirectURI, map[string]string{
		"error":             CodeAccessDenied,
		"error_description": "User denied access",
		"state":             sess.ClientState,
	})
	if err != nil {
		b.log.ErrorContext(ctx, "consent.deny.redirect.fail", slog.String("err", err.Error()))
		return nil, serverError()
	}
	b.log.InfoContext(ctx, "consent.deny.ok")

	return u, nil
}

// sessionLookupError maps a store failure on a consent-page operation.
func (b *Broker) sessionLookupError(ctx context.Context, event string, err error) error {
	if errors.Is(err, sessions.ErrSessionNotFound) {
		b.log.InfoContext(ctx, event+".not_found")
		return invalidRequest("Invalid or expired session")
	}
	b.log.ErrorContext(ctx, event+".store.fail", slog.String("err", err.Error()))
	return serverError()
}

// clientRedirect appends params to the client's registered redirect URI,
// preserving any query it already carries. Empty values are omitted.
func clientRedirect(redirectURI string, params map[string]string) (*url.URL, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("parse redirect uri: %w", err)
	}
	q := u.Query()
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u, nil
}
