package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ggoodman/mcp-authbroker/internal/jwtauth"
	"github.com/ggoodman/mcp-authbroker/internal/logctx"
	"github.com/ggoodman/mcp-authbroker/internal/metrics"
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
)

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	realm   string
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) MiddlewareOption {
	return func(c *middlewareConfig) { c.log = l }
}

// WithMetrics counts verification outcomes.
func WithMetrics(m *metrics.Metrics) MiddlewareOption {
	return func(c *middlewareConfig) { c.metrics = m }
}

// WithRealm overrides the realm advertised in challenges. Defaults to the
// protected resource metadata URL.
func WithRealm(realm string) MiddlewareOption {
	return func(c *middlewareConfig) { c.realm = strings.TrimSpace(realm) }
}

// Middleware requires a valid bearer token on every request. Requests without
// a usable Authorization header get a bare 401 challenge pointing at the
// protected resource metadata; rejected tokens get an invalid_token
// challenge. Verified claims are available through ClaimsFromContext.
func Middleware(authn Authenticator, resourceMetadataURL string, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := middlewareConfig{realm: resourceMetadataURL}
	for _, opt := range opts {
		opt(&cfg)
	}
	log := logctx.Wrap(cfg.log)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if authn == nil {
				log.ErrorContext(ctx, "auth.check.err", slog.String("err", "no authenticator configured"))
				cfg.metrics.RecordBearerCheck("error")
				writeOAuthError(w, http.StatusInternalServerError, "server_error", "Server configuration error")
				return
			}

			tok, ok := bearerToken(r.Header.Get(authorizationHeader))
			if !ok {
				log.InfoContext(ctx, "auth.check.missing")
				cfg.metrics.RecordBearerCheck("missing")
				w.Header().Set(wwwAuthenticateHeader, buildBearerChallenge(cfg.realm, resourceMetadataURL, nil))
				writeOAuthError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
				return
			}

			claims, err := authn.CheckAuthentication(ctx, tok)
			switch {
			case err == nil:
			case errors.Is(err, ErrInsufficientScope):
				log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
				cfg.metrics.RecordBearerCheck("insufficient_scope")
				w.Header().Set(wwwAuthenticateHeader, buildBearerChallenge(cfg.realm, resourceMetadataURL, map[string]string{
					"error":             "insufficient_scope",
					"error_description": "Insufficient scope",
				}))
				writeOAuthError(w, http.StatusForbidden, "insufficient_scope", "Insufficient scope")
				return
			case errors.Is(err, ErrUnauthorized):
				desc := "Token validation failed"
				var te *jwtauth.TokenError
				if errors.As(err, &te) && te.Description != "" {
					desc = te.Description
				}
				log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
				cfg.metrics.RecordBearerCheck("invalid_token")
				w.Header().Set(wwwAuthenticateHeader, buildBearerChallenge(cfg.realm, resourceMetadataURL, map[string]string{
					"error":             "invalid_token",
					"error_description": desc,
				}))
				writeOAuthError(w, http.StatusUnauthorized, "invalid_token", desc)
				return
			default:
				log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
				cfg.metrics.RecordBearerCheck("error")
				writeOAuthError(w, http.StatusInternalServerError, "server_error", "Server configuration error")
				return
			}

			cfg.metrics.RecordBearerCheck("ok")
			ctx = WithClaims(ctx, claims)
			ctx = logctx.WithUserData(ctx, &logctx.UserData{Subject: claims.Subject})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token from an Authorization header value of the
// exact form "Bearer <token>".
func bearerToken(h string) (string, bool) {
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || scheme != "Bearer" || tok == "" || strings.Contains(tok, " ") {
		return "", false
	}
	return tok, true
}

func writeOAuthError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": desc})
}
