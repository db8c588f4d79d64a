// Package clientmeta fetches and validates OAuth Client ID Metadata Documents:
// JSON documents a public client hosts at its own HTTPS client_id URL in
// place of static registration.
package clientmeta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/elnormous/contenttype"
)

// ErrInvalidClient is wrapped by every validation or retrieval failure.
var ErrInvalidClient = errors.New("clientmeta: invalid client")

const (
	defaultTimeout      = 5 * time.Second
	defaultMaxBodyBytes = 64 << 10
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// Document is the subset of RFC 7591 client metadata the broker relies on.
type Document struct {
	ClientID                string   `json:"client_id"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	LogoURI                 string   `json:"logo_uri,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// HasRedirectURI reports whether uri is registered, by exact string match.
func (d *Document) HasRedirectURI(uri string) bool {
	return slices.Contains(d.RedirectURIs, uri)
}

// Fetcher retrieves client metadata documents over HTTPS.
type Fetcher struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
	log      *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets the client used for outbound requests.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithTimeout bounds each fetch. Defaults to 5s.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.timeout = d }
}

// WithMaxBodyBytes caps the accepted document size. Defaults to 64 KiB.
func WithMaxBodyBytes(n int64) Option {
	return func(f *Fetcher) { f.maxBytes = n }
}

// WithLogger sets the logger. If not provided, slog.Default is used.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.log = l }
}

func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   http.DefaultClient,
		timeout:  defaultTimeout,
		maxBytes: defaultMaxBodyBytes,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves and validates the document hosted at clientID. Every
// failure wraps ErrInvalidClient.
func (f *Fetcher) Fetch(ctx context.Context, clientID string) (*Document, error) {
	u, err := url.Parse(clientID)
	if err != nil {
		return nil, fmt.Errorf("%w: client_id is not a valid URL", ErrInvalidClient)
	}
	if u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("%w: client_id must be an https URL", ErrInvalidClient)
	}

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClient, err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := f.client.Do(req)
	if err != nil {
		f.log.WarnContext(ctx, "clientmeta.fetch.fail", slog.String("client_id", clientID), slog.String("err", err.Error()))
		return nil, fmt.Errorf("%w: failed to fetch client metadata", ErrInvalidClient)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		f.log.WarnContext(ctx, "clientmeta.fetch.status", slog.String("client_id", clientID), slog.Int("status", res.StatusCode))
		return nil, fmt.Errorf("%w: client metadata request returned status %d", ErrInvalidClient, res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "" {
		mt, err := contenttype.ParseMediaType(ct)
		if err == nil && !mt.Matches(jsonMediaType) {
			f.log.InfoContext(ctx, "clientmeta.fetch.content_type", slog.String("client_id", clientID), slog.String("content_type", ct))
		}
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read client metadata", ErrInvalidClient)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("%w: client metadata exceeds %d bytes", ErrInvalidClient, f.maxBytes)
	}

	return parseDocument(body)
}

// parseDocument validates the structural requirements: a non-empty client_id
// and a redirect_uris array of strings.
func parseDocument(body []byte) (*Document, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: client metadata is not a JSON object", ErrInvalidClient)
	}
	rawURIs, ok := raw["redirect_uris"]
	if !ok {
		return nil, fmt.Errorf("%w: client metadata missing redirect_uris", ErrInvalidClient)
	}
	var uris []string
	if err := json.Unmarshal(rawURIs, &uris); err != nil || uris == nil {
		return nil, fmt.Errorf("%w: redirect_uris must be an array of strings", ErrInvalidClient)
	}

	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: invalid client metadata: %v", ErrInvalidClient, err)
	}
	if doc.ClientID == "" {
		return nil, fmt.Errorf("%w: client metadata missing client_id", ErrInvalidClient)
	}
	doc.RedirectURIs = uris
	return &doc, nil
}
