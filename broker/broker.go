package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-authbroker/clientmeta"
	"github.com/ggoodman/mcp-authbroker/idp"
	"github.com/ggoodman/mcp-authbroker/internal/logctx"
	"github.com/ggoodman/mcp-authbroker/internal/metrics"
	"github.com/ggoodman/mcp-authbroker/sessions"
)

const defaultConsentURL = "/consent"

// ClientFetcher resolves a client identifier to its metadata document.
type ClientFetcher interface {
	Fetch(ctx context.Context, clientID string) (*clientmeta.Document, error)
}

// Upstream is the broker's view of the identity provider.
type Upstream interface {
	// AuthorizationURL builds the provider authorize URL carrying state.
	AuthorizationURL(state, scope string) string
	// Exchange trades a provider code for tokens using the broker's own
	// client identity and callback URL.
	Exchange(ctx context.Context, code string) (*idp.TokenResponse, error)
}

var (
	_ ClientFetcher = (*clientmeta.Fetcher)(nil)
	_ Upstream      = (*idp.Client)(nil)
)

// Broker drives authorization sessions through consent, the provider login
// and the final code exchange. It holds no per-session state of its own and
// is safe for concurrent use.
type Broker struct {
	store    sessions.Store
	fetcher  ClientFetcher
	upstream Upstream

	log          *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	ttl          time.Duration
	newID        func() (string, error)
	defaultScope string
	consentURL   string
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// WithSessionTTL sets how long a session lives. Defaults to sessions.DefaultTTL.
func WithSessionTTL(d time.Duration) Option {
	return func(b *Broker) { b.ttl = d }
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(fn func() (string, error)) Option {
	return func(b *Broker) { b.newID = fn }
}

// WithMetrics records transition outcomes and exchange latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// WithDefaultScope sets the scope requested from the provider when the client
// asked for none. Defaults to idp.DefaultScope.
func WithDefaultScope(scope string) Option {
	return func(b *Broker) { b.defaultScope = scope }
}

// WithConsentURL sets the consent page the authorize step redirects to.
// Defaults to "/consent".
func WithConsentURL(u string) Option {
	return func(b *Broker) { b.consentURL = u }
}

// New constructs a Broker.
func New(store sessions.Store, fetcher ClientFetcher, upstream Upstream, opts ...Option) (*Broker, error) {
	if store == nil {
		return nil, errors.New("broker: store is required")
	}
	if fetcher == nil {
		return nil, errors.New("broker: client fetcher is required")
	}
	if upstream == nil {
		return nil, errors.New("broker: upstream is required")
	}
	b := &Broker{
		store:        store,
		fetcher:      fetcher,
		upstream:     upstream,
		now:          time.Now,
		ttl:          sessions.DefaultTTL,
		newID:        sessions.NewSessionID,
		defaultScope: idp.DefaultScope,
		consentURL:   defaultConsentURL,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = logctx.Wrap(b.log)
	if b.ttl <= 0 {
		b.ttl = sessions.DefaultTTL
	}
	return b, nil
}

func (b *Broker) record(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = AsError(err).Code
	}
	b.metrics.RecordTransition(op, outcome)
}

func withSession(ctx context.Context, s *sessions.AuthorizationSession) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: s.SessionID,
		ClientID:  s.ClientID,
		State:     string(s.State()),
	})
}
