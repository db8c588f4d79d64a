package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/mcp-authbroker/auth"
	"github.com/ggoodman/mcp-authbroker/broker"
	"github.com/ggoodman/mcp-authbroker/brokerhttp"
	"github.com/ggoodman/mcp-authbroker/clientmeta"
	"github.com/ggoodman/mcp-authbroker/idp"
	"github.com/ggoodman/mcp-authbroker/internal/config"
	"github.com/ggoodman/mcp-authbroker/internal/logctx"
	"github.com/ggoodman/mcp-authbroker/internal/metrics"
	"github.com/ggoodman/mcp-authbroker/mcp"
	"github.com/ggoodman/mcp-authbroker/mcpservice"
	"github.com/ggoodman/mcp-authbroker/resourcehttp"
	"github.com/ggoodman/mcp-authbroker/sessions"
	"github.com/ggoodman/mcp-authbroker/sessions/memoryhost"
	"github.com/ggoodman/mcp-authbroker/sessions/redishost"
)

const shutdownTimeout = 10 * time.Second

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp-authbroker: %v\n", err)
		os.Exit(1)
	}

	log := logctx.Wrap(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()})))
	slog.SetDefault(log)

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server.exit.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if cfg.NeedsDiscovery() {
		meta, err := idp.Discover(ctx, cfg.IDPIssuer)
		if err != nil {
			return fmt.Errorf("discover identity provider: %w", err)
		}
		if cfg.IDPAuthorizationEndpoint == "" {
			cfg.IDPAuthorizationEndpoint = meta.AuthorizationEndpoint
		}
		if cfg.IDPTokenEndpoint == "" {
			cfg.IDPTokenEndpoint = meta.TokenEndpoint
		}
		if cfg.IDPJWKSURL == "" {
			cfg.IDPJWKSURL = meta.JWKSURI
		}
		log.InfoContext(ctx, "idp.discover.ok", slog.String("issuer", cfg.IDPIssuer))
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	upstream, err := idp.New(idp.Config{
		ClientID:              cfg.IDPClientID,
		AuthorizationEndpoint: cfg.IDPAuthorizationEndpoint,
		TokenEndpoint:         cfg.IDPTokenEndpoint,
		RedirectURL:           brokerhttp.CallbackURL(cfg.BrokerBaseURL),
		Scopes:                config.Fields(cfg.IDPScopes),
	}, idp.WithTimeout(cfg.UpstreamTimeout), idp.WithLogger(log))
	if err != nil {
		return err
	}

	b, err := broker.New(store,
		clientmeta.NewFetcher(clientmeta.WithTimeout(cfg.ClientFetchTimeout), clientmeta.WithLogger(log)),
		upstream,
		broker.WithLogger(log),
		broker.WithMetrics(m),
		broker.WithSessionTTL(cfg.SessionTTL),
		broker.WithConsentURL(brokerhttp.ConsentURL(cfg.BrokerBaseURL)),
	)
	if err != nil {
		return err
	}
	brokerHandler, err := brokerhttp.New(cfg.BrokerBaseURL, b,
		brokerhttp.WithLogger(log),
		brokerhttp.WithMetrics(m),
		brokerhttp.WithScopesSupported(config.Fields(cfg.SupportedScopes)...),
	)
	if err != nil {
		return err
	}

	authn, err := auth.NewFromJWKS(ctx, cfg.IDPIssuer, cfg.IDPJWKSURL, cfg.Audience())
	if err != nil {
		return fmt.Errorf("configure bearer verification: %w", err)
	}
	mcpServer := mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "mcp-authbroker", Version: version}),
		mcpservice.WithTools(mcpservice.NewEchoTool()),
		mcpservice.WithLogger(log),
	)
	resourceHandler, err := resourcehttp.New(cfg.MCPServerURL, cfg.BrokerBaseURL, mcpServer, authn,
		resourcehttp.WithLogger(log),
		resourcehttp.WithMetrics(m),
		resourcehttp.WithScopesSupported(config.Fields(cfg.ResourceScopes)...),
	)
	if err != nil {
		return err
	}

	mcpURL, err := url.Parse(cfg.MCPServerURL)
	if err != nil {
		return fmt.Errorf("invalid MCP_SERVER_URL: %w", err)
	}
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newRouter(brokerHandler, resourceHandler, mcpURL.Path, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.InfoContext(gctx, "server.listen", slog.String("addr", cfg.ListenAddr), slog.String("store", cfg.SessionStore))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("server.shutdown")
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config) (sessions.Store, error) {
	if cfg.SessionStore == config.StoreRedis {
		h, err := redishost.New(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("open redis session store: %w", err)
		}
		return h, nil
	}
	return memoryhost.New(), nil
}

// newRouter mounts the broker and resource handlers next to the operational
// endpoints. Each mounted handler does its own method routing.
func newRouter(brokerHandler, resourceHandler http.Handler, mcpPath string, gatherer prometheus.Gatherer) http.Handler {
	if mcpPath == "" {
		mcpPath = "/"
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	for _, p := range []string{
		"/authorize",
		"/consent",
		"/consent/approve",
		"/consent/deny",
		"/callback",
		"/token",
		"/.well-known/oauth-authorization-server",
	} {
		r.Handle(p, brokerHandler)
	}

	r.Handle(mcpPath, resourceHandler)
	r.Handle("/.well-known/oauth-protected-resource", resourceHandler)
	r.Handle("/.well-known/oauth-protected-resource/*", resourceHandler)
	return r
}
