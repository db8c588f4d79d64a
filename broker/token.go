package broker

import (
	"context"
	"errors"
	"log/slog"
	"net/url"

	"github.com/ggoodman/mcp-authbroker/idp"
	"github.com/ggoodman/mcp-authbroker/pkce"
	"github.com/ggoodman/mcp-authbroker/sessions"
)

const grantTypeAuthorizationCode = "authorization_code"

// TokenRequest carries the client's /token form parameters.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	CodeVerifier string
	// State is the broker session id. Clients that do not send it are
	// matched through the code index written at callback time.
	State string
}

// TokenRequestFromForm reads a TokenRequest from form values.
func TokenRequestFromForm(f url.Values) TokenRequest {
	return TokenRequest{
		GrantType:    f.Get("grant_type"),
		Code:         f.Get("code"),
		RedirectURI:  f.Get("redirect_uri"),
		ClientID:     f.Get("client_id"),
		CodeVerifier: f.Get("code_verifier"),
		State:        f.Get("state"),
	}
}

// TokenResult is the provider's token response, passed through unchanged.
type TokenResult struct {
	Body        []byte
	ContentType string
}

func (r TokenRequest) validate() error {
	switch {
	case r.GrantType != grantTypeAuthorizationCode:
		return invalidRequest(`grant_type must be "authorization_code"`)
	case r.Code == "":
		return invalidRequest("code is required")
	case r.RedirectURI == "":
		return invalidRequest("redirect_uri is required")
	case r.ClientID == "":
		return invalidRequest("client_id is required")
	case r.CodeVerifier == "":
		return invalidRequest("code_verifier is required (PKCE)")
	}
	return nil
}

// Token verifies PKCE and the client binding, claims the session so that it
// can be redeemed at most once and exchanges the provider code using the
// broker's own client identity.
//
// The session is claimed before the provider exchange, so two concurrent
// redemptions cannot both reach the provider. A failed exchange is therefore
// terminal: the client must restart authorization.
func (b *Broker) Token(ctx context.Context, req TokenRequest) (res *TokenResult, err error) {
	defer func() { b.record("token", err) }()

	if err := req.validate(); err != nil {
		b.log.InfoContext(ctx, "token.invalid", slog.String("err", err.Error()))
		return nil, err
	}

	sess, err := b.lookupForToken(ctx, req)
	switch {
	case errors.Is(err, sessions.ErrSessionNotFound):
		b.log.InfoContext(ctx, "token.session.not_found")
		return nil, invalidGrant("Invalid or expired authorization code")
	case err != nil:
		b.log.ErrorContext(ctx, "token.session.fail", slog.String("err", err.Error()))
		return nil, serverError()
	}
	ctx = withSession(ctx, sess)

	if !sess.Consented {
		b.log.WarnContext(ctx, "token.not_consented")
		return nil, invalidGrant("Invalid or expired authorization code")
	}
	if !pkce.Verify(req.CodeVerifier, sess.CodeChallenge) {
		b.log.WarnContext(ctx, "token.pkce.fail")
		return nil, invalidGrant("PKCE verification failed")
	}
	if req.ClientID != sess.ClientID {
		b.log.WarnContext(ctx, "token.client_id.mismatch", slog.String("presented", req.ClientID))
		return nil, invalidGrant("Invalid or expired authorization code: client_id does not match")
	}
	if req.RedirectURI != sess.RedirectURI {
		b.log.WarnContext(ctx, "token.redirect_uri.mismatch", slog.String("presented", req.RedirectURI))
		return nil, invalidGrant("Invalid or expired authorization code: redirect_uri does not match")
	}

	if _, err := b.store.Claim(ctx, sess.SessionID); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			b.log.WarnContext(ctx, "token.claim.lost")
			return nil, invalidGrant("Invalid or expired authorization code")
		}
		b.log.ErrorContext(ctx, "token.claim.fail", slog.String("err", err.Error()))
		return nil, serverError()
	}

	start := b.now()
	tok, err := b.upstream.Exchange(ctx, req.Code)
	b.metrics.ObserveExchange(b.now().Sub(start))
	if err != nil {
		var xerr *idp.ExchangeError
		if errors.As(err, &xerr) {
			desc := xerr.Description
			if desc == "" {
				desc = xerr.Code
			}
			b.log.WarnContext(ctx, "token.exchange.rejected", slog.Int("status", xerr.Status), slog.String("error", xerr.Code))
			return nil, invalidGrant("Failed to exchange code for tokens: " + desc)
		}
		b.log.ErrorContext(ctx, "token.exchange.fail", slog.String("err", err.Error()))
		return nil, serverError()
	}
	b.log.InfoContext(ctx, "token.ok")

	return &TokenResult{Body: tok.Body, ContentType: tok.ContentType}, nil
}

func (b *Broker) lookupForToken(ctx context.Context, req TokenRequest) (*sessions.AuthorizationSession, error) {
	if req.State != "" {
		return b.store.Get(ctx, req.State)
	}
	return b.store.FindByCode(ctx, req.Code)
}
