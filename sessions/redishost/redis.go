package redishost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-authbroker/sessions"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for a Redis-backed Store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// RedisPassword is optional. ENV: REDIS_PASSWORD
	RedisPassword string `env:"REDIS_PASSWORD"`
	// RedisDB selects the logical database. ENV: REDIS_DB
	RedisDB int `env:"REDIS_DB,default=0"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp:authbroker:"`
}

const defaultKeyPrefix = "mcp:authbroker:"

// Host is a sessions.Store backed by Redis.
type Host struct {
	client    *redis.Client
	keyPrefix string
	ownClient bool
}

// New dials Redis using cfg and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	h := NewWithClient(cl, cfg.KeyPrefix)
	h.ownClient = true
	return h, nil
}

// NewWithClient wraps an existing client. The caller keeps ownership of the
// client; Close does not close it.
func NewWithClient(client *redis.Client, keyPrefix string) *Host {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &Host{client: client, keyPrefix: keyPrefix}
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Host, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(ctx, cfg)
}

// Close closes the Redis client if this Host created it.
func (h *Host) Close() error {
	if !h.ownClient {
		return nil
	}
	return h.client.Close()
}

var _ sessions.Store = (*Host)(nil)

// --- Key helpers ---

func (h *Host) sessionKey(sessionID string) string { return h.keyPrefix + "session:" + sessionID }
func (h *Host) codePrefix() string                 { return h.keyPrefix + "code:" }
func (h *Host) codeKey(hash string) string         { return h.codePrefix() + hash }

// Hash fields.
const (
	fieldData         = "data"
	fieldConsented    = "consented"
	fieldConsentedAt  = "consented_at"
	fieldCodeIssuedAt = "code_issued_at"
	fieldCodeHash     = "code_hash"
)

// --- Scripts ---

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'consented', '0')
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

var consentScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
if redis.call('HGET', KEYS[1], 'consented') == '1' then
  return 1
end
redis.call('HSET', KEYS[1], 'consented', '1', 'consented_at', ARGV[1])
return 2
`)

var codeIssuedScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
if redis.call('HGET', KEYS[1], 'consented') ~= '1' then
  return 1
end
local old = redis.call('HGET', KEYS[1], 'code_hash')
if old then
  redis.call('DEL', ARGV[3] .. old)
end
redis.call('HSET', KEYS[1], 'code_issued_at', ARGV[1], 'code_hash', ARGV[2])
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
  redis.call('SET', ARGV[3] .. ARGV[2], ARGV[4], 'PX', ttl)
end
return 2
`)

var claimScript = redis.NewScript(`
local fields = redis.call('HGETALL', KEYS[1])
if #fields == 0 then
  return false
end
local ch = redis.call('HGET', KEYS[1], 'code_hash')
if ch then
  redis.call('DEL', ARGV[1] .. ch)
end
redis.call('DEL', KEYS[1])
return fields
`)

// --- Store ---

func (h *Host) Create(ctx context.Context, s *sessions.AuthorizationSession) error {
	if s == nil || s.SessionID == "" {
		return fmt.Errorf("redishost: session id is required")
	}
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("redishost: session %s already expired", s.SessionID)
	}
	rec := s.Clone()
	rec.Consented = false
	rec.ConsentedAt = nil
	rec.CodeIssuedAt = nil
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	n, err := createScript.Run(ctx, h.client, []string{h.sessionKey(s.SessionID)}, data, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if n == 0 {
		return sessions.ErrSessionExists
	}
	return nil
}

func (h *Host) Get(ctx context.Context, sessionID string) (*sessions.AuthorizationSession, error) {
	fields, err := h.client.HGetAll(ctx, h.sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if len(fields) == 0 {
		return nil, sessions.ErrSessionNotFound
	}
	return decodeSession(fields)
}

func (h *Host) MarkConsented(ctx context.Context, sessionID string, at time.Time) (*sessions.AuthorizationSession, error) {
	n, err := consentScript.Run(ctx, h.client, []string{h.sessionKey(sessionID)}, formatTime(at)).Int()
	if err != nil {
		return nil, fmt.Errorf("mark consented: %w", err)
	}
	switch n {
	case 0:
		return nil, sessions.ErrSessionNotFound
	case 1:
		return nil, sessions.ErrAlreadyConsented
	}
	return h.Get(ctx, sessionID)
}

func (h *Host) MarkCodeIssued(ctx context.Context, sessionID string, code string, at time.Time) error {
	keys := []string{h.sessionKey(sessionID)}
	n, err := codeIssuedScript.Run(ctx, h.client, keys, formatTime(at), sessions.CodeHash(code), h.codePrefix(), sessionID).Int()
	if err != nil {
		return fmt.Errorf("mark code issued: %w", err)
	}
	switch n {
	case 0:
		return sessions.ErrSessionNotFound
	case 1:
		return sessions.ErrNotConsented
	}
	return nil
}

func (h *Host) FindByCode(ctx context.Context, code string) (*sessions.AuthorizationSession, error) {
	id, err := h.client.Get(ctx, h.codeKey(sessions.CodeHash(code))).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, sessions.ErrSessionNotFound
		}
		return nil, fmt.Errorf("find session by code: %w", err)
	}
	return h.Get(ctx, id)
}

func (h *Host) Claim(ctx context.Context, sessionID string) (*sessions.AuthorizationSession, error) {
	flat, err := claimScript.Run(ctx, h.client, []string{h.sessionKey(sessionID)}, h.codePrefix()).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, sessions.ErrSessionNotFound
		}
		return nil, fmt.Errorf("claim session: %w", err)
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		fields[flat[i]] = flat[i+1]
	}
	return decodeSession(fields)
}

func (h *Host) Delete(ctx context.Context, sessionID string) error {
	_, err := h.Claim(ctx, sessionID)
	if err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
		return err
	}
	return nil
}

// --- Helpers ---

func decodeSession(fields map[string]string) (*sessions.AuthorizationSession, error) {
	raw, ok := fields[fieldData]
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	var s sessions.AuthorizationSession
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if s.Expired(time.Now()) {
		return nil, sessions.ErrSessionNotFound
	}
	s.Consented = fields[fieldConsented] == "1"
	if v := fields[fieldConsentedAt]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", fieldConsentedAt, err)
		}
		s.ConsentedAt = &t
	}
	if v := fields[fieldCodeIssuedAt]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", fieldCodeIssuedAt, err)
		}
		s.CodeIssuedAt = &t
	}
	return &s, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }
