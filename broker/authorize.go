package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/ggoodman/mcp-authbroker/clientmeta"
	"github.com/ggoodman/mcp-authbroker/pkce"
	"github.com/ggoodman/mcp-authbroker/sessions"
)

const createAttempts = 3

// AuthorizeRequest carries the client's /authorize query parameters.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
	Scope               string
	Resource            string
}

// AuthorizeRequestFromQuery reads an AuthorizeRequest from URL query values.
func AuthorizeRequestFromQuery(q url.Values) AuthorizeRequest {
	return AuthorizeRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		State:               q.Get("state"),
		Scope:               q.Get("scope"),
		Resource:            q.Get("resource"),
	}
}

// AuthorizeResult is the outcome of a successful authorize step.
type AuthorizeResult struct {
	SessionID string
	// RedirectURL is the consent page carrying only the session id.
	RedirectURL string
}

func (r AuthorizeRequest) validate() error {
	switch {
	case r.ResponseType != "code":
		return invalidRequest(`response_type must be "code"`)
	case r.ClientID == "":
		return invalidRequest("client_id is required")
	case r.RedirectURI == "":
		return invalidRequest("redirect_uri is required")
	case r.CodeChallenge == "":
		return invalidRequest("code_challenge is required (PKCE)")
	case r.CodeChallengeMethod != pkce.MethodS256:
		return invalidRequest("code_challenge_method must be S256")
	case r.State == "":
		return invalidRequest("state is required (CSRF protection)")
	}
	return nil
}

// Authorize validates the request, establishes trust in the client by
// fetching its metadata document and creates a consent-pending session.
func (b *Broker) Authorize(ctx context.Context, req AuthorizeRequest) (res *AuthorizeResult, err error) {
	defer func() { b.record("authorize", err) }()

	if err := req.validate(); err != nil {
		b.log.InfoContext(ctx, "authorize.invalid", slog.String("err", err.Error()))
		return nil, err
	}

	doc, err := b.fetcher.Fetch(ctx, req.ClientID)
	if err != nil {
		b.log.InfoContext(ctx, "authorize.client.fail", slog.String("client_id", req.ClientID), slog.String("err", err.Error()))
		return nil, invalidClient(clientFetchDescription(err))
	}
	if doc.ClientID != req.ClientID {
		return nil, invalidClient(fmt.Sprintf("client_id mismatch: expected %s, got %s", req.ClientID, doc.ClientID))
	}
	if !doc.HasRedirectURI(req.RedirectURI) {
		return nil, invalidClient(fmt.Sprintf("redirect_uri %s not found in client metadata", req.RedirectURI))
	}

	now := b.now()
	sess := &sessions.AuthorizationSession{
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ClientState:         req.State,
		Scope:               req.Scope,
		Resource:            req.Resource,
		ClientMetadata: sessions.ClientMetadata{
			ClientID:     doc.ClientID,
			ClientName:   doc.ClientName,
			ClientURI:    doc.ClientURI,
			LogoURI:      doc.LogoURI,
			RedirectURIs: append([]string(nil), doc.RedirectURIs...),
		},
		CreatedAt: now,
		ExpiresAt: now.Add(b.ttl),
	}

	for attempt := 1; ; attempt++ {
		id, err := b.newID()
		if err != nil {
			b.log.ErrorContext(ctx, "authorize.session_id.fail", slog.String("err", err.Error()))
			return nil, serverError()
		}
		sess.SessionID = id
		err = b.store.Create(ctx, sess)
		if err == nil {
			break
		}
		if errors.Is(err, sessions.ErrSessionExists) && attempt < createAttempts {
			continue
		}
		b.log.ErrorContext(ctx, "authorize.session.create.fail", slog.String("err", err.Error()))
		return nil, serverError()
	}

	ctx = withSession(ctx, sess)
	redirect, err := b.consentRedirect(sess.SessionID)
	if err != nil {
		b.log.ErrorContext(ctx, "authorize.consent_url.fail", slog.String("err", err.Error()))
		return nil, serverError()
	}
	b.log.InfoContext(ctx, "authorize.ok")

	return &AuthorizeResult{SessionID: sess.SessionID, RedirectURL: redirect}, nil
}

func (b *Broker) consentRedirect(sessionID string) (string, error) {
	u, err := url.Parse(b.consentURL)
	if err != nil {
		return "", fmt.Errorf("parse consent url: %w", err)
	}
	q := u.Query()
	q.Set("session", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// clientFetchDescription strips the sentinel prefix so the caller sees only
// the reason the document was rejected.
func clientFetchDescription(err error) string {
	if !errors.Is(err, clientmeta.ErrInvalidClient) {
		return "failed to fetch client metadata"
	}
	msg := strings.TrimPrefix(err.Error(), clientmeta.ErrInvalidClient.Error())
	msg = strings.TrimPrefix(msg, ": ")
	if msg == "" {
		return "invalid client metadata"
	}
	return msg
}
