package broker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/ggoodman/mcp-authbroker/sessions"
)

// CallbackRequest carries the identity provider's redirect parameters.
type CallbackRequest struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CallbackRequestFromQuery reads a CallbackRequest from URL query values.
func CallbackRequestFromQuery(q url.Values) CallbackRequest {
	return CallbackRequest{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
}

// Callback handles the provider's redirect and returns the redirect back to
// the client. The provider code is forwarded untouched and indexed on the
// session for the token step.
func (b *Broker) Callback(ctx context.Context, req CallbackRequest) (u *url.URL, err error) {
	if req.Error != "" {
		return b.callbackError(ctx, req)
	}
	defer func() { b.record("callback", err) }()

	if req.Code == "" {
		return nil, invalidRequest("code is required")
	}
	if req.State == "" {
		return nil, invalidRequest("state is required")
	}

	sess, err := b.store.Get(ctx, req.State)
	switch {
	case errors.Is(err, sessions.ErrSessionNotFound):
		b.log.InfoContext(ctx, "callback.session.not_found")
		return nil, invalidRequest("Invalid or expired session")
	case err != nil:
		b.log.ErrorContext(ctx, "callback.session.fail", slog.String("err", err.Error()))
		return nil, serverError()
	}
	ctx = withSession(ctx, sess)

	if !sess.Consented {
		b.log.WarnContext(ctx, "callback.not_consented")
		return nil, accessDenied("User consent required")
	}

	if err := b.store.MarkCodeIssued(ctx, sess.SessionID, req.Code, b.now()); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			return nil, invalidRequest("Invalid or expired session")
		}
		b.log.ErrorContext(ctx, "callback.code.store.fail", slog.String("err", err.Error()))
		return nil, serverError()
	}

	u, err = clientRedirect(sess.RedirectURI, map[string]string{
		"code":  req.Code,
		"state": sess.ClientState,
	})
	if err != nil {
		b.log.ErrorContext(ctx, "callback.redirect.fail", slog.String("err", err.Error()))
		return nil, serverError()
	}
	b.log.InfoContext(ctx, "callback.ok")

	return u, nil
}

// callbackError forwards a provider error to the client when the session is
// still known. Otherwise the error is returned for a JSON response.
func (b *Broker) callbackError(ctx context.Context, req CallbackRequest) (*url.URL, error) {
	b.metrics.RecordTransition("callback", "upstream_error")
	b.log.InfoContext(ctx, "callback.upstream_error", slog.String("error", req.Error), slog.String("error_description", req.ErrorDescription))

	if req.State != "" {
		sess, err := b.store.Get(ctx, req.State)
		if err == nil {
			u, err := clientRedirect(sess.RedirectURI, map[string]string{
				"error":             req.Error,
				"error_description": req.ErrorDescription,
				"state":             sess.ClientState,
			})
			if err == nil {
				return u, nil
			}
		} else if !errors.Is(err, sessions.ErrSessionNotFound) {
			b.log.WarnContext(ctx, "callback.upstream_error.lookup.fail", slog.String("err", err.Error()))
		}
	}

	desc := req.ErrorDescription
	if desc == "" {
		desc = "Authorization failed"
	}
	return nil, &Error{Code: req.Error, Description: desc, status: http.StatusBadRequest}
}
