// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/esi-search-proxy/config.toml",
	"configs/config.toml",
}

// placeholderPrefix marks values copied unchanged from the example config.
const placeholderPrefix = "YOUR_"

// Token cache backends.
const (
	TokenCacheMemory = "memory"
	TokenCacheRedis  = "redis"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config       string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host         string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port         int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	ClientSecret string `kong:"help='ESI OAuth client secret (overrides config).',env='ESI_CLIENT_SECRET'"`
	RefreshToken string `kong:"help='ESI character refresh token (overrides config).',env='ESI_REFRESH_TOKEN'"`
	RedisURL     string `kong:"help='Redis URL for the shared token cache (overrides config).',env='REDIS_URL'"`
	LogLevel     string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	ESI        ESIConfig        `toml:"esi"`
	Upstream   UpstreamConfig   `toml:"upstream"`
	TokenCache TokenCacheConfig `toml:"token_cache"`
	Log        LogConfig        `toml:"log"`
	Metrics    MetricsConfig    `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"`           // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"` // 0 means no limit
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ESIConfig holds the upstream API and SSO settings. Every field is required.
type ESIConfig struct {
	SSOURL       string `toml:"sso_url"`
	BaseURL      string `toml:"base_url"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	CharacterID  int64  `toml:"character_id"`
	RefreshToken string `toml:"refresh_token"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds      int   `toml:"timeout_seconds"`
	IdleConnections     int   `toml:"idle_connections"`
	MaxRewriteBodyBytes int64 `toml:"max_rewrite_body_bytes"`
}

// TokenCacheConfig controls caching of issued access tokens.
type TokenCacheConfig struct {
	// Enabled is a pointer so an omitted key can default to true.
	Enabled           *bool  `toml:"enabled"`
	Backend           string `toml:"backend"`
	RedisURL          string `toml:"redis_url"`
	KeyPrefix         string `toml:"key_prefix"`
	ExpirySkewSeconds int    `toml:"expiry_skew_seconds"`
}

// IsEnabled reports whether token caching is on.
func (c *TokenCacheConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/esi-search-proxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.ClientSecret != "" {
		c.ESI.ClientSecret = cli.ClientSecret
	}
	if cli.RefreshToken != "" {
		c.ESI.RefreshToken = cli.RefreshToken
	}
	if cli.RedisURL != "" {
		c.TokenCache.RedisURL = cli.RedisURL
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if err := c.ESI.validate(); err != nil {
		return err
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MaxRewriteBodyBytes < 0 {
		return fmt.Errorf("upstream.max_rewrite_body_bytes must be non-negative; got %d", c.Upstream.MaxRewriteBodyBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	if err := c.TokenCache.validate(); err != nil {
		return err
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// The proxy owns every other path, so the metrics path must not shadow
	// one of its own fixed routes.
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy/status", "/hello", "/favicon.ico"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func (e *ESIConfig) validate() error {
	if err := validateHTTPSURL("esi.sso_url", e.SSOURL); err != nil {
		return err
	}
	if err := validateHTTPSURL("esi.base_url", e.BaseURL); err != nil {
		return err
	}

	required := []struct {
		key, val string
	}{
		{"esi.client_id", e.ClientID},
		{"esi.client_secret", e.ClientSecret},
		{"esi.refresh_token", e.RefreshToken},
	}
	for _, r := range required {
		if r.val == "" {
			return fmt.Errorf("%s is required", r.key)
		}
		if strings.HasPrefix(r.val, placeholderPrefix) {
			return fmt.Errorf("%s contains placeholder value", r.key)
		}
	}

	if e.CharacterID <= 0 {
		return fmt.Errorf("esi.character_id is required and must be positive; got %d", e.CharacterID)
	}
	return nil
}

func (t *TokenCacheConfig) validate() error {
	if t.ExpirySkewSeconds < 0 {
		return fmt.Errorf("token_cache.expiry_skew_seconds must be non-negative; got %d", t.ExpirySkewSeconds)
	}
	switch strings.ToLower(t.Backend) {
	case TokenCacheMemory, "":
	case TokenCacheRedis:
		if t.IsEnabled() && t.RedisURL == "" {
			return fmt.Errorf("token_cache.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("token_cache.backend must be one of: memory, redis; got %q", t.Backend)
	}
	return nil
}

func validateHTTPSURL(key, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", key, err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute HTTPS URL; got %q", key, raw)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxRewriteBodyBytes == 0 {
		c.Upstream.MaxRewriteBodyBytes = 1024 * 1024 // 1 MB
	}
	c.TokenCache.Backend = strings.ToLower(c.TokenCache.Backend)
	if c.TokenCache.Backend == "" {
		c.TokenCache.Backend = TokenCacheMemory
	}
	if c.TokenCache.KeyPrefix == "" {
		c.TokenCache.KeyPrefix = "esi-search-proxy:token:"
	}
	if c.TokenCache.ExpirySkewSeconds == 0 {
		c.TokenCache.ExpirySkewSeconds = 60
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or
// others. The file holds the client secret and refresh token.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
