// Package idp talks to the upstream OpenID Connect identity provider on the
// broker's behalf: it builds the provider authorization URL and performs the
// authorization code exchange with the broker's own client identity.
package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// DefaultScope is requested from the provider when a session carries none.
const DefaultScope = "openid email profile"

const (
	defaultTimeout  = 10 * time.Second
	maxResponseSize = 1 << 20
)

// ErrExchangeRejected is matched by errors.Is when the provider answered the
// token request with a non-2xx status.
var ErrExchangeRejected = errors.New("idp: code exchange rejected")

// ExchangeError describes a provider rejection of a code exchange.
type ExchangeError struct {
	Status      int
	Code        string
	Description string
}

func (e *ExchangeError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("idp: token endpoint returned %d: %s: %s", e.Status, e.Code, e.Description)
	}
	return fmt.Sprintf("idp: token endpoint returned %d: %s", e.Status, e.Code)
}

func (e *ExchangeError) Is(target error) bool { return target == ErrExchangeRejected }

// Config identifies the broker to the provider.
type Config struct {
	// ClientID is the broker's client identifier at the provider.
	ClientID string
	// AuthorizationEndpoint and TokenEndpoint are the provider's OAuth endpoints.
	AuthorizationEndpoint string
	TokenEndpoint         string
	// RedirectURL is the broker's callback endpoint registered at the provider.
	RedirectURL string
	// Scopes requested when the caller supplies none. Defaults to DefaultScope.
	Scopes []string
}

// Validate checks that all endpoints are absolute URLs.
func (c Config) Validate() error {
	if c.ClientID == "" {
		return errors.New("idp: client id is required")
	}
	for name, v := range map[string]string{
		"authorization endpoint": c.AuthorizationEndpoint,
		"token endpoint":         c.TokenEndpoint,
		"redirect url":           c.RedirectURL,
	} {
		u, err := url.Parse(v)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("idp: %s must be an absolute URL, got %q", name, v)
		}
	}
	return nil
}

// TokenResponse is the provider's token endpoint reply, kept verbatim.
type TokenResponse struct {
	Body        []byte
	ContentType string
}

// Client performs provider interactions. It is safe for concurrent use.
type Client struct {
	oauth      *oauth2.Config
	httpClient *http.Client
	timeout    time.Duration
	log        *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the client used for token requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithTimeout bounds each token request. Defaults to 10s.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

// WithLogger sets the logger. If not provided, slog.Default is used.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.log = l }
}

func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = strings.Fields(DefaultScope)
	}
	c := &Client{
		oauth: &oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURL,
			Scopes:      append([]string(nil), scopes...),
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizationEndpoint,
				TokenURL:  cfg.TokenEndpoint,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: http.DefaultClient,
		timeout:    defaultTimeout,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ClientID returns the broker's client identifier at the provider.
func (c *Client) ClientID() string { return c.oauth.ClientID }

// RedirectURL returns the broker callback registered at the provider.
func (c *Client) RedirectURL() string { return c.oauth.RedirectURL }

// AuthorizationURL returns the provider authorization URL for state. An empty
// scope falls back to the configured default scopes.
func (c *Client) AuthorizationURL(state, scope string) string {
	var opts []oauth2.AuthCodeOption
	if scope != "" {
		opts = append(opts, oauth2.SetAuthURLParam("scope", scope))
	}
	return c.oauth.AuthCodeURL(state, opts...)
}

// Exchange redeems code at the provider token endpoint using the broker's
// client id and callback URL. The body of a successful response is returned
// unmodified; a rejection yields an *ExchangeError.
func (c *Client) Exchange(ctx context.Context, code string) (*TokenResponse, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	form := url.Values{
		"grant_type":   {"authorization_code"},
		"client_id":    {c.oauth.ClientID},
		"code":         {code},
		"redirect_uri": {c.oauth.RedirectURL},
	}

	c.log.DebugContext(ctx, "idp.exchange.start", slog.String("token_endpoint", c.oauth.Endpoint.TokenURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.oauth.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		xerr := &ExchangeError{Status: res.StatusCode, Code: "invalid_grant", Description: http.StatusText(res.StatusCode)}
		var payload struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		if json.Unmarshal(body, &payload) == nil {
			if payload.Error != "" {
				xerr.Code = payload.Error
			}
			if payload.ErrorDescription != "" {
				xerr.Description = payload.ErrorDescription
			}
		}
		c.log.InfoContext(ctx, "idp.exchange.rejected", slog.Int("status", res.StatusCode), slog.String("error", xerr.Code))
		return nil, xerr
	}

	ct := res.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	return &TokenResponse{Body: body, ContentType: ct}, nil
}

// ProviderMetadata is the subset of OpenID Provider metadata the broker uses.
type ProviderMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

// Discover fetches the provider's /.well-known/openid-configuration.
func Discover(ctx context.Context, issuer string) (*ProviderMetadata, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta ProviderMetadata
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	var missing []string
	if meta.AuthorizationEndpoint == "" {
		missing = append(missing, "authorization_endpoint")
	}
	if meta.TokenEndpoint == "" {
		missing = append(missing, "token_endpoint")
	}
	if meta.JWKSURI == "" {
		missing = append(missing, "jwks_uri")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("discovery incomplete: missing %s", strings.Join(missing, ", "))
	}
	return &meta, nil
}
