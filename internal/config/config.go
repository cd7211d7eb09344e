// Package config loads the gateway's settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/mcp-session-gateway/internal/logctx"
	"github.com/joeshaw/envdecode"
)

// Config is decoded from GATEWAY_* environment variables. Defaults are given
// by the struct tags.
type Config struct {
	// Addr is the HTTP listen address. ENV: GATEWAY_ADDR
	Addr string `env:"GATEWAY_ADDR,default=:3333"`

	// PoolSize is the number of handler slots. ENV: GATEWAY_POOL_SIZE
	PoolSize int `env:"GATEWAY_POOL_SIZE,default=10"`
	// MaxSessionsPerHandler bounds live sessions per slot when > 0.
	// ENV: GATEWAY_MAX_SESSIONS_PER_HANDLER
	MaxSessionsPerHandler int `env:"GATEWAY_MAX_SESSIONS_PER_HANDLER,default=0"`

	IdleTimeout     time.Duration `env:"GATEWAY_IDLE_TIMEOUT,default=30m"`
	SweepInterval   time.Duration `env:"GATEWAY_SWEEP_INTERVAL,default=5m"`
	UpstreamTimeout time.Duration `env:"GATEWAY_UPSTREAM_TIMEOUT,default=60s"`
	ShutdownTimeout time.Duration `env:"GATEWAY_SHUTDOWN_TIMEOUT,default=15s"`

	ProtocolVersion string `env:"GATEWAY_PROTOCOL_VERSION,default=2025-06-18"`
	ClientName      string `env:"GATEWAY_CLIENT_NAME,default=mcp-gateway"`
	ClientVersion   string `env:"GATEWAY_CLIENT_VERSION,default=1.0.0"`

	// DefaultBackend is a backend name or URL used when callers name none.
	DefaultBackend string `env:"GATEWAY_DEFAULT_BACKEND"`
	// BackendsFile is a YAML file of named backends, reloaded on change.
	BackendsFile string `env:"GATEWAY_BACKENDS_FILE"`

	// RedisAddr selects the Redis affinity store when set.
	RedisAddr          string `env:"GATEWAY_REDIS_ADDR"`
	RedisKeyPrefix     string `env:"GATEWAY_REDIS_KEY_PREFIX,default=mcp:gateway:affinity:"`
	AffinityMaxEntries int    `env:"GATEWAY_AFFINITY_MAX_ENTRIES,default=10000"`

	// AllowedOrigins is a ';' separated CORS origin list.
	AllowedOrigins []string `env:"GATEWAY_ALLOWED_ORIGINS,default=*"`

	LogLevel  string `env:"GATEWAY_LOG_LEVEL,default=info"`
	LogFormat string `env:"GATEWAY_LOG_FORMAT,default=json"`
}

// Load decodes the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills the zero values envdecode leaves behind when no
// GATEWAY_* variable is set at all.
func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":3333"
	}
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.UpstreamTimeout == 0 {
		c.UpstreamTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
	if c.ProtocolVersion == "" {
		c.ProtocolVersion = "2025-06-18"
	}
	if c.ClientName == "" {
		c.ClientName = "mcp-gateway"
	}
	if c.ClientVersion == "" {
		c.ClientVersion = "1.0.0"
	}
	if c.RedisKeyPrefix == "" {
		c.RedisKeyPrefix = "mcp:gateway:affinity:"
	}
	if c.AffinityMaxEntries == 0 {
		c.AffinityMaxEntries = 10000
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	switch {
	case c.PoolSize < 0:
		return fmt.Errorf("GATEWAY_POOL_SIZE must be positive, got %d", c.PoolSize)
	case c.MaxSessionsPerHandler < 0:
		return fmt.Errorf("GATEWAY_MAX_SESSIONS_PER_HANDLER must not be negative, got %d", c.MaxSessionsPerHandler)
	case c.IdleTimeout <= 0:
		return fmt.Errorf("GATEWAY_IDLE_TIMEOUT must be positive, got %s", c.IdleTimeout)
	case c.SweepInterval <= 0:
		return fmt.Errorf("GATEWAY_SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	case c.UpstreamTimeout <= 0:
		return fmt.Errorf("GATEWAY_UPSTREAM_TIMEOUT must be positive, got %s", c.UpstreamTimeout)
	case c.AffinityMaxEntries < 0:
		return fmt.Errorf("GATEWAY_AFFINITY_MAX_ENTRIES must not be negative, got %d", c.AffinityMaxEntries)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("GATEWAY_LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	return nil
}

// NewLogger builds the process logger writing to w. Records carry the
// request and session groups attached by logctx.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(c.LogFormat, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(logctx.Handler{Handler: h})
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("GATEWAY_LOG_LEVEL: %w", err)
	}
	return level, nil
}
