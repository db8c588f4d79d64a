package brokerhttp

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/ggoodman/mcp-authbroker/broker"
	"github.com/ggoodman/mcp-authbroker/internal/logctx"
	"github.com/ggoodman/mcp-authbroker/internal/metrics"
	"github.com/ggoodman/mcp-authbroker/internal/wellknown"
)

const (
	authorizePath      = "/authorize"
	consentPath        = "/consent"
	consentApprovePath = "/consent/approve"
	consentDenyPath    = "/consent/deny"
	callbackPath       = "/callback"
	tokenPath          = "/token"
	asMetadataPath     = "/.well-known/oauth-authorization-server"

	maxFormBytes = 64 << 10
)

var (
	jsonMediaType = contenttype.NewMediaType("application/json")
	formMediaType = contenttype.NewMediaType("application/x-www-form-urlencoded")

	defaultScopesSupported = []string{"openid", "email", "profile"}
)

//go:embed templates/consent.html.tmpl
var templateFS embed.FS

var consentTemplate = template.Must(template.ParseFS(templateFS, "templates/consent.html.tmpl"))

// Option configures the Handler.
type Option func(*config)

type config struct {
	log             *slog.Logger
	metrics         *metrics.Metrics
	scopesSupported []string
	serviceDocsURL  string
}

// WithLogger sets the logger. If not provided, slog.Default is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithMetrics instruments every route.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithScopesSupported overrides the scopes advertised in the authorization
// server metadata. Defaults to openid, email and profile.
func WithScopesSupported(scopes ...string) Option {
	return func(c *config) { c.scopesSupported = append([]string(nil), scopes...) }
}

// WithServiceDocumentation advertises a documentation URL in the metadata.
func WithServiceDocumentation(u string) Option {
	return func(c *config) { c.serviceDocsURL = u }
}

// Handler is the broker's HTTP surface.
type Handler struct {
	broker  *broker.Broker
	log     *slog.Logger
	handler http.Handler
}

// New builds the broker HTTP handler. baseURL is the broker's externally
// visible origin; it becomes the metadata issuer and the prefix of every
// advertised endpoint.
func New(baseURL string, b *broker.Broker, opts ...Option) (*Handler, error) {
	if b == nil {
		return nil, errors.New("brokerhttp: broker is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("brokerhttp: invalid base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("brokerhttp: base url must be absolute, got %q", baseURL)
	}
	base := strings.TrimRight(u.String(), "/")

	cfg := &config{scopesSupported: defaultScopesSupported}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler{
		broker: b,
		log:    logctx.Wrap(cfg.log),
	}

	metadata := wellknown.AuthorizationServerMetadata{
		Issuer:                            base,
		AuthorizationEndpoint:             base + authorizePath,
		TokenEndpoint:                     base + tokenPath,
		ScopesSupported:                   cfg.scopesSupported,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		ServiceDocumentation:              cfg.serviceDocsURL,
		ClientIDMetadataDocumentSupported: true,
	}

	mux := http.NewServeMux()
	route := func(pattern, name string, fn http.HandlerFunc) {
		mux.Handle(pattern, cfg.metrics.InstrumentRoute(name, fn))
	}
	route("GET "+authorizePath, "authorize", h.handleAuthorize)
	route("GET "+consentPath, "consent", h.handleConsent)
	route("POST "+consentApprovePath, "consent_approve", h.handleConsentApprove)
	route("POST "+consentDenyPath, "consent_deny", h.handleConsentDeny)
	route("GET "+callbackPath, "callback", h.handleCallback)
	route("POST "+tokenPath, "token", h.handleToken)
	mux.Handle(asMetadataPath, cfg.metrics.InstrumentRoute("as_metadata", wellknown.Handler(metadata)))

	h.handler = logctx.Middleware(mux)
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

// ConsentURL is the absolute consent page URL the broker should redirect to.
func ConsentURL(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + consentPath
}

// CallbackURL is the absolute callback URL to register at the provider.
func CallbackURL(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + callbackPath
}

func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := h.broker.Authorize(ctx, broker.AuthorizeRequestFromQuery(r.URL.Query()))
	if err != nil {
		h.writeError(w, r, "http.authorize.fail", err)
		return
	}
	redirect(w, res.RedirectURL)
}

type consentPage struct {
	*broker.ConsentView
	ApproveAction string
	DenyAction    string
}

func (h *Handler) handleConsent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	view, err := h.broker.ConsentInfo(ctx, r.URL.Query().Get("session"))
	if err != nil {
		h.writeError(w, r, "http.consent.fail", err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("X-Frame-Options", "DENY")
	w.WriteHeader(http.StatusOK)
	if err := consentTemplate.Execute(w, consentPage{
		ConsentView:   view,
		ApproveAction: consentApprovePath,
		DenyAction:    consentDenyPath,
	}); err != nil {
		h.log.ErrorContext(ctx, "http.consent.render.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) handleConsentApprove(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.formValue(w, r, "session")
	if !ok {
		return
	}
	u, err := h.broker.ConsentApprove(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, r, "http.consent.approve.fail", err)
		return
	}
	redirect(w, u.String())
}

func (h *Handler) handleConsentDeny(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.formValue(w, r, "session")
	if !ok {
		return
	}
	u, err := h.broker.ConsentDeny(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, r, "http.consent.deny.fail", err)
		return
	}
	redirect(w, u.String())
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	u, err := h.broker.Callback(r.Context(), broker.CallbackRequestFromQuery(r.URL.Query()))
	if err != nil {
		h.writeError(w, r, "http.callback.fail", err)
		return
	}
	redirect(w, u.String())
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if !h.parseForm(w, r) {
		return
	}
	res, err := h.broker.Token(ctx, broker.TokenRequestFromForm(r.PostForm))
	if err != nil {
		h.writeError(w, r, "http.token.fail", err)
		return
	}

	ct := res.ContentType
	if ct == "" {
		ct = jsonMediaType.String()
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Body); err != nil {
		h.log.WarnContext(ctx, "http.token.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "http.token.ok", slog.Duration("dur", time.Since(start)))
}

// parseForm requires a urlencoded body and parses it into r.PostForm.
func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) bool {
	mt, err := contenttype.GetMediaType(r)
	if err != nil || !mt.Matches(formMediaType) {
		writeOAuthError(w, &broker.Error{
			Code:        broker.CodeInvalidRequest,
			Description: "Content-Type must be application/x-www-form-urlencoded",
		})
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		h.log.WarnContext(r.Context(), "http.form.parse.fail", slog.String("err", err.Error()))
		writeOAuthError(w, &broker.Error{
			Code:        broker.CodeInvalidRequest,
			Description: "Malformed request body",
		})
		return false
	}
	return true
}

func (h *Handler) formValue(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	if !h.parseForm(w, r) {
		return "", false
	}
	return r.PostForm.Get(key), true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, event string, err error) {
	oe := broker.AsError(err)
	if oe.Code == broker.CodeServerError {
		h.log.ErrorContext(r.Context(), event, slog.String("err", err.Error()))
	} else {
		h.log.InfoContext(r.Context(), event, slog.String("error", oe.Code), slog.String("error_description", oe.Description))
	}
	writeOAuthError(w, oe)
}

func writeOAuthError(w http.ResponseWriter, oe *broker.Error) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(oe.HTTPStatus())
	_ = json.NewEncoder(w).Encode(oe)
}

func redirect(w http.ResponseWriter, location string) {
	w.Header().Set("Location", location)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusFound)
}
