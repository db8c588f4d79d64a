// Package config loads the broker process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/mcp-authbroker/sessions/redishost"
)

// Session store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config is the full process configuration.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR,default=:8080"`
	LogLevel   string `env:"LOG_LEVEL,default=info"`

	// BrokerBaseURL is the broker's public origin, e.g. https://auth.example.com.
	BrokerBaseURL string `env:"BROKER_BASE_URL,required"`
	// MCPServerURL is the public URL of the protected MCP endpoint.
	MCPServerURL string `env:"MCP_SERVER_URL,required"`

	IDPIssuer string `env:"IDP_ISSUER,required"`
	// Endpoints left empty are filled from OIDC discovery at startup.
	IDPAuthorizationEndpoint string `env:"IDP_AUTHORIZATION_ENDPOINT"`
	IDPTokenEndpoint         string `env:"IDP_TOKEN_ENDPOINT"`
	IDPJWKSURL               string `env:"IDP_JWKS_URL"`
	IDPClientID              string `env:"IDP_CLIENT_ID,required"`
	IDPScopes                string `env:"IDP_SCOPES,default=openid email profile"`
	// IDPAudience is the aud required on bearer tokens. Defaults to IDPClientID.
	IDPAudience string `env:"IDP_AUDIENCE"`

	SupportedScopes string `env:"SUPPORTED_SCOPES,default=openid email profile"`
	ResourceScopes  string `env:"RESOURCE_SCOPES,default=mcp:tools"`

	SessionStore string `env:"SESSION_STORE,default=memory"`
	Redis        redishost.Config

	SessionTTL         time.Duration `env:"SESSION_TTL,default=10m"`
	ClientFetchTimeout time.Duration `env:"CLIENT_FETCH_TIMEOUT,default=5s"`
	UpstreamTimeout    time.Duration `env:"UPSTREAM_TIMEOUT,default=10s"`
}

// Load decodes the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envdecode cannot express.
func (c *Config) Validate() error {
	var errs []error
	for name, v := range map[string]string{
		"BROKER_BASE_URL": c.BrokerBaseURL,
		"MCP_SERVER_URL":  c.MCPServerURL,
		"IDP_ISSUER":      c.IDPIssuer,
	} {
		if err := absoluteURL(name, v); err != nil {
			errs = append(errs, err)
		}
	}
	for name, v := range map[string]string{
		"IDP_AUTHORIZATION_ENDPOINT": c.IDPAuthorizationEndpoint,
		"IDP_TOKEN_ENDPOINT":         c.IDPTokenEndpoint,
		"IDP_JWKS_URL":               c.IDPJWKSURL,
	} {
		if v == "" {
			continue
		}
		if err := absoluteURL(name, v); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.SessionStore {
	case StoreMemory, StoreRedis:
	default:
		errs = append(errs, fmt.Errorf("SESSION_STORE must be %q or %q, got %q", StoreMemory, StoreRedis, c.SessionStore))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL must be positive"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// NeedsDiscovery reports whether any provider endpoint must be discovered.
func (c *Config) NeedsDiscovery() bool {
	return c.IDPAuthorizationEndpoint == "" || c.IDPTokenEndpoint == "" || c.IDPJWKSURL == ""
}

// Audience is the aud bearer tokens must carry.
func (c *Config) Audience() string {
	if c.IDPAudience != "" {
		return c.IDPAudience
	}
	return c.IDPClientID
}

// Level is the parsed LOG_LEVEL.
func (c *Config) Level() slog.Level {
	lvl, _ := parseLevel(c.LogLevel)
	return lvl
}

// Fields splits a space or comma separated list.
func Fields(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' })
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

func absoluteURL(name, v string) error {
	u, err := url.Parse(v)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", name, v)
	}
	return nil
}
