package resourcehttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/ggoodman/mcp-authbroker/auth"
	"github.com/ggoodman/mcp-authbroker/internal/jsonrpc"
	"github.com/ggoodman/mcp-authbroker/internal/logctx"
	"github.com/ggoodman/mcp-authbroker/internal/metrics"
	"github.com/ggoodman/mcp-authbroker/internal/wellknown"
	"github.com/ggoodman/mcp-authbroker/mcpservice"
)

const (
	prmPathPrefix = "/.well-known/oauth-protected-resource"
	maxBodyBytes  = 1 << 20
)

var (
	jsonMediaType = contenttype.NewMediaType("application/json")

	defaultScopesSupported = []string{"mcp:tools"}
)

// Option configures the Handler.
type Option func(*config)

type config struct {
	log             *slog.Logger
	metrics         *metrics.Metrics
	scopesSupported []string
	resourceName    string
	docsURL         string
}

// WithLogger sets the logger. If not provided, slog.Default is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithMetrics instruments the routes and bearer checks.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithScopesSupported overrides the advertised scopes. Defaults to mcp:tools.
func WithScopesSupported(scopes ...string) Option {
	return func(c *config) { c.scopesSupported = append([]string(nil), scopes...) }
}

// WithResourceName sets the human readable resource_name.
func WithResourceName(name string) Option {
	return func(c *config) { c.resourceName = name }
}

// WithResourceDocumentation sets resource_documentation.
func WithResourceDocumentation(u string) Option {
	return func(c *config) { c.docsURL = u }
}

// Handler serves the MCP endpoint and its protected resource metadata.
type Handler struct {
	log     *slog.Logger
	server  *mcpservice.Server
	prmURL  string
	handler http.Handler
}

// New builds the handler. resourceURL is the public MCP endpoint (its path is
// where POST requests are accepted) and authServerURL is the broker issuer
// advertised in the metadata.
func New(resourceURL, authServerURL string, server *mcpservice.Server, authn auth.Authenticator, opts ...Option) (*Handler, error) {
	mcpURL, err := url.Parse(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("invalid resource URL %q: %w", resourceURL, err)
	}
	if mcpURL.Scheme != "https" && mcpURL.Scheme != "http" {
		return nil, fmt.Errorf("resource URL must use HTTP or HTTPS scheme, got %q", mcpURL.Scheme)
	}
	if authServerURL == "" {
		return nil, errors.New("resourcehttp: authorization server URL is required")
	}

	cfg := &config{scopesSupported: defaultScopesSupported}
	for _, opt := range opts {
		opt(cfg)
	}

	mcpPath := mcpURL.Path
	if mcpPath == "" {
		mcpPath = "/"
	}
	prmPath := prmPathPrefix
	if mcpPath != "/" {
		prmPath += mcpPath
	}
	prmURL := (&url.URL{Scheme: mcpURL.Scheme, Host: mcpURL.Host, Path: prmPath}).String()

	h := &Handler{
		log:    logctx.Wrap(cfg.log),
		server: server,
		prmURL: prmURL,
	}

	prm := wellknown.Handler(wellknown.ProtectedResourceMetadata{
		Resource:               mcpURL.String(),
		AuthorizationServers:   []string{strings.TrimRight(authServerURL, "/")},
		ScopesSupported:        cfg.scopesSupported,
		BearerMethodsSupported: []string{"header"},
		ResourceName:           cfg.resourceName,
		ResourceDocumentation:  cfg.docsURL,
	})

	guard := auth.Middleware(authn, prmURL, auth.WithLogger(cfg.log), auth.WithMetrics(cfg.metrics))

	mcpPattern := mcpPath
	if mcpPattern == "/" {
		mcpPattern = "/{$}"
	}
	prm = cfg.metrics.InstrumentRoute("prm", prm)

	mux := http.NewServeMux()
	mux.Handle("POST "+mcpPattern, cfg.metrics.InstrumentRoute("mcp", guard(http.HandlerFunc(h.handlePostMCP))))
	paths := []string{prmPath}
	if prmPath != prmPathPrefix {
		// Clients that ignore the resource path fetch the bare document.
		paths = append(paths, prmPathPrefix)
	}
	for _, p := range paths {
		mux.Handle("GET "+p, prm)
		mux.Handle("OPTIONS "+p, prm)
	}

	h.handler = logctx.Middleware(mux)
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

// ResourceMetadataURL is the URL advertised in bearer challenges.
func (h *Handler) ResourceMetadataURL() string { return h.prmURL }

func (h *Handler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if h.server == nil {
		h.log.ErrorContext(ctx, "http.mcp.fail", slog.String("err", "no MCP server configured"))
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":             "server_error",
			"error_description": "Server configuration error",
		})
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{
			"error":             "invalid_request",
			"error_description": "Content-Type must be application/json",
		})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.log.InfoContext(ctx, "http.mcp.read.fail", slog.String("err", err.Error()))
		writeJSON(w, http.StatusBadRequest, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "Parse error: Invalid JSON-RPC 2.0 request", nil))
		return
	}

	req, err := jsonrpc.ParseRequest(body)
	if err != nil {
		h.log.InfoContext(ctx, "http.mcp.parse.fail", slog.String("err", err.Error()))
		writeJSON(w, http.StatusBadRequest, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "Parse error: Invalid JSON-RPC 2.0 request", nil))
		return
	}

	res := h.server.Handle(ctx, req)
	writeJSON(w, http.StatusOK, res)
	h.log.InfoContext(ctx, "http.mcp.ok", slog.String("method", req.Method), slog.Duration("dur", time.Since(start)))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
