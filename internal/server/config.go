// Package server provides configuration helpers that define runtime defaults,
// validation, and environment overrides for the presence relay.
package server

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/presence-relay/internal/presence"
	"github.com/Tyrowin/presence-relay/internal/relay"
)

const (
	defaultPort            = ":3001"
	defaultMaxMessageSize  = 64 * 1024
	defaultShutdownTimeout = 10 * time.Second
	defaultLastSeenTimeout = 10 * time.Second
	defaultPreviewOrigin   = "https://*.vercel.app"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// LastSeenConfig locates the external last-seen stores. Empty values disable
// the corresponding store.
type LastSeenConfig struct {
	ServiceURL string        `yaml:"service_url"`
	Timeout    time.Duration `yaml:"timeout"`
	RedisURL   string        `yaml:"redis_url"`
}

// PresenceConfig holds the registry maintenance schedule.
type PresenceConfig struct {
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
	ReapInterval      time.Duration `yaml:"reap_interval"`
	Retention         time.Duration `yaml:"retention"`
}

// RelayConfig holds the relay delivery policy.
type RelayConfig struct {
	GroupScope string `yaml:"group_scope"`
	EchoDirect bool   `yaml:"echo_direct"`
	EchoGroup  bool   `yaml:"echo_group"`
	EchoSeen   bool   `yaml:"echo_seen"`
}

// Config holds the server configuration.
type Config struct {
	Port            string          `yaml:"port"`
	Environment     string          `yaml:"environment"`
	AllowedOrigins  []string        `yaml:"allowed_origins"`
	PreviewOrigins  []string        `yaml:"preview_origins"`
	FrontendURL     string          `yaml:"frontend_url"`
	MaxMessageSize  int64           `yaml:"max_message_size"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	LogLevel        string          `yaml:"log_level"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	LastSeen        LastSeenConfig  `yaml:"last_seen"`
	Presence        PresenceConfig  `yaml:"presence"`
	Relay           RelayConfig     `yaml:"relay"`
}

// DefaultConfig returns the development defaults.
func DefaultConfig() Config {
	return Config{
		Port:           defaultPort,
		Environment:    "development",
		PreviewOrigins: []string{defaultPreviewOrigin},
		MaxMessageSize: defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		LogLevel:        "info",
		ShutdownTimeout: defaultShutdownTimeout,
		LastSeen: LastSeenConfig{
			Timeout: defaultLastSeenTimeout,
		},
		Presence: PresenceConfig{
			BroadcastInterval: presence.DefaultBroadcastInterval,
			ReapInterval:      presence.DefaultReapInterval,
			Retention:         presence.DefaultRetention,
		},
		Relay: RelayConfig{
			GroupScope: string(relay.GroupScopeRoom),
		},
	}
}

// LoadConfig builds the configuration from defaults, the optional YAML file at
// path, an optional .env file and finally environment variables.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sanitized := sanitizeConfig(cfg)
	return &sanitized, nil
}

func applyEnv(cfg *Config) {
	if port := firstEnv("SERVER_PORT", "PORT"); port != "" {
		cfg.Port = port
	}
	if env := firstEnv("NODE_ENV", "ENV"); env != "" {
		cfg.Environment = env
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if preview := os.Getenv("PREVIEW_ORIGINS"); preview != "" {
		cfg.PreviewOrigins = parseOrigins(preview)
	}
	if frontend := os.Getenv("FRONTEND_URL"); frontend != "" {
		cfg.FrontendURL = frontend
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseDuration(interval, cfg.RateLimit.RefillInterval)
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if timeout := os.Getenv("SHUTDOWN_TIMEOUT"); timeout != "" {
		cfg.ShutdownTimeout = parseDuration(timeout, cfg.ShutdownTimeout)
	}
	if url := os.Getenv("LAST_SEEN_SERVICE_URL"); url != "" {
		cfg.LastSeen.ServiceURL = url
	}
	if timeout := os.Getenv("LAST_SEEN_TIMEOUT"); timeout != "" {
		cfg.LastSeen.Timeout = parseDuration(timeout, cfg.LastSeen.Timeout)
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.LastSeen.RedisURL = redisURL
	}
	if interval := os.Getenv("STATUS_BROADCAST_INTERVAL"); interval != "" {
		cfg.Presence.BroadcastInterval = parseDuration(interval, cfg.Presence.BroadcastInterval)
	}
	if interval := os.Getenv("STATUS_REAP_INTERVAL"); interval != "" {
		cfg.Presence.ReapInterval = parseDuration(interval, cfg.Presence.ReapInterval)
	}
	if retention := os.Getenv("STATUS_RETENTION"); retention != "" {
		cfg.Presence.Retention = parseDuration(retention, cfg.Presence.Retention)
	}
	if scope := os.Getenv("GROUP_MESSAGE_SCOPE"); scope != "" {
		cfg.Relay.GroupScope = scope
	}
	if echo := os.Getenv("ECHO_DIRECT"); echo != "" {
		cfg.Relay.EchoDirect = parseBool(echo, cfg.Relay.EchoDirect)
	}
	if echo := os.Getenv("ECHO_GROUP"); echo != "" {
		cfg.Relay.EchoGroup = parseBool(echo, cfg.Relay.EchoGroup)
	}
	if echo := os.Getenv("ECHO_SEEN"); echo != "" {
		cfg.Relay.EchoSeen = parseBool(echo, cfg.Relay.EchoSeen)
	}
}

// Validate reports settings that cannot be repaired by falling back to a
// default.
func (c Config) Validate() error {
	if _, err := relay.ParseGroupScope(c.Relay.GroupScope); err != nil {
		return fmt.Errorf("invalid relay config: %w", err)
	}
	return nil
}

func sanitizeConfig(cfg Config) Config {
	defaults := DefaultConfig()

	cfg.Port = strings.TrimSpace(cfg.Port)
	if cfg.Port == "" {
		cfg.Port = defaults.Port
	} else if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}

	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	if cfg.Environment == "" {
		cfg.Environment = defaults.Environment
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaults.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaults.RateLimit.RefillInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if cfg.LastSeen.Timeout <= 0 {
		cfg.LastSeen.Timeout = defaults.LastSeen.Timeout
	}
	if cfg.Presence.BroadcastInterval <= 0 {
		cfg.Presence.BroadcastInterval = defaults.Presence.BroadcastInterval
	}
	if cfg.Presence.ReapInterval <= 0 {
		cfg.Presence.ReapInterval = defaults.Presence.ReapInterval
	}
	if cfg.Presence.Retention <= 0 {
		cfg.Presence.Retention = defaults.Presence.Retention
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	cfg.PreviewOrigins = append([]string(nil), cfg.PreviewOrigins...)
	return cfg
}

// IsProduction reports whether the production origin policy applies.
func (c Config) IsProduction() bool {
	switch c.Environment {
	case "production", "prod":
		return true
	default:
		return false
	}
}

// Origins returns the origin policy for WebSocket upgrades and CORS. Outside
// production every origin is accepted. In production the policy is the union
// of AllowedOrigins, PreviewOrigins and FrontendURL; an empty preview_origins
// list disables the preview deployment default.
func (c Config) Origins() *OriginPolicy {
	if !c.IsProduction() {
		return NewOriginPolicy([]string{"*"})
	}
	origins := append([]string(nil), c.AllowedOrigins...)
	origins = append(origins, c.PreviewOrigins...)
	if c.FrontendURL != "" {
		origins = append(origins, c.FrontendURL)
	}
	return NewOriginPolicy(origins)
}

// RelayPolicy converts the relay settings into a relay.Policy.
func (c Config) RelayPolicy() relay.Policy {
	scope, err := relay.ParseGroupScope(c.Relay.GroupScope)
	if err != nil {
		scope = relay.GroupScopeRoom
	}
	return relay.Policy{
		GroupScope: scope,
		EchoDirect: c.Relay.EchoDirect,
		EchoGroup:  c.Relay.EchoGroup,
		EchoSeen:   c.Relay.EchoSeen,
	}
}

// Limits returns the per-connection limits applied by the hub.
func (c Config) Limits() ConnectionLimits {
	return ConnectionLimits{
		MaxMessageSize: c.MaxMessageSize,
		RateLimit:      c.RateLimit,
	}
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if value := os.Getenv(key); value != "" {
			return value
		}
	}
	return ""
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseDuration accepts Go duration strings ("30s") or whole seconds ("30").
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

func parseBool(value string, defaultValue bool) bool {
	if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
		return parsed
	}
	return defaultValue
}
