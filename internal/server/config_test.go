package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/presence-relay/internal/relay"
)

var configEnvKeys = []string{
	"SERVER_PORT", "PORT", "NODE_ENV", "ENV", "ALLOWED_ORIGINS", "PREVIEW_ORIGINS", "FRONTEND_URL",
	"MAX_MESSAGE_SIZE", "RATE_LIMIT_BURST", "RATE_LIMIT_REFILL_INTERVAL", "LOG_LEVEL",
	"SHUTDOWN_TIMEOUT", "LAST_SEEN_SERVICE_URL", "LAST_SEEN_TIMEOUT", "REDIS_URL",
	"STATUS_BROADCAST_INTERVAL", "STATUS_REAP_INTERVAL", "STATUS_RETENTION",
	"GROUP_MESSAGE_SCOPE", "ECHO_DIRECT", "ECHO_GROUP", "ECHO_SEEN",
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":3001", cfg.Port)
	assert.Equal(t, "development", cfg.Environment)
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, int64(defaultMaxMessageSize), cfg.MaxMessageSize)
	assert.Equal(t, 30*time.Second, cfg.Presence.BroadcastInterval)
	assert.Equal(t, time.Hour, cfg.Presence.ReapInterval)
	assert.Equal(t, 24*time.Hour, cfg.Presence.Retention)
	assert.Equal(t, relay.Policy{GroupScope: relay.GroupScopeRoom}, cfg.RelayPolicy())
	assert.Empty(t, cfg.LastSeen.ServiceURL)
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("NODE_ENV", "Production")
	t.Setenv("ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("FRONTEND_URL", "https://app.example")
	t.Setenv("MAX_MESSAGE_SIZE", "2048")
	t.Setenv("RATE_LIMIT_BURST", "7")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "2s")
	t.Setenv("STATUS_BROADCAST_INTERVAL", "15")
	t.Setenv("STATUS_RETENTION", "48h")
	t.Setenv("LAST_SEEN_SERVICE_URL", "http://users.internal")
	t.Setenv("GROUP_MESSAGE_SCOPE", "broadcast")
	t.Setenv("ECHO_GROUP", "true")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(2048), cfg.MaxMessageSize)
	assert.Equal(t, RateLimitConfig{Burst: 7, RefillInterval: 2 * time.Second}, cfg.RateLimit)
	assert.Equal(t, 15*time.Second, cfg.Presence.BroadcastInterval)
	assert.Equal(t, 48*time.Hour, cfg.Presence.Retention)
	assert.Equal(t, "http://users.internal", cfg.LastSeen.ServiceURL)
	assert.Equal(t, relay.Policy{GroupScope: relay.GroupScopeBroadcast, EchoGroup: true}, cfg.RelayPolicy())

	origins := cfg.Origins()
	assert.False(t, origins.AllowAll())
	assert.True(t, origins.Allowed("https://app.example"))
	assert.True(t, origins.Allowed("https://b.example"))
	assert.False(t, origins.Allowed("https://evil.example"))
}

func TestLoadConfigServerPortTakesPrecedence(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("PORT", "8080")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Port)
}

func TestLoadConfigFromYAML(t *testing.T) {
	clearConfigEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "127.0.0.1:4000"
environment: production
frontend_url: https://app.example
allowed_origins:
  - https://*.vercel.app
rate_limit:
  burst: 3
presence:
  broadcast_interval: 10s
relay:
  echo_direct: true
`), 0o600))
	t.Setenv("RATE_LIMIT_BURST", "9")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:4000", cfg.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 9, cfg.RateLimit.Burst, "environment overrides the file")
	assert.Equal(t, time.Second, cfg.RateLimit.RefillInterval, "unset file fields keep defaults")
	assert.Equal(t, 10*time.Second, cfg.Presence.BroadcastInterval)
	assert.True(t, cfg.RelayPolicy().EchoDirect)
	assert.True(t, cfg.Origins().Allowed("https://preview-123.vercel.app"))
}

func TestLoadConfigMissingFileIsIgnored(t *testing.T) {
	clearConfigEnv(t)
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":3001", cfg.Port)
}

func TestLoadConfigRejectsMalformedInput(t *testing.T) {
	clearConfigEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [unterminated"), 0o600))
	_, err := LoadConfig(path)
	assert.Error(t, err)

	t.Setenv("GROUP_MESSAGE_SCOPE", "everyone")
	_, err = LoadConfig("")
	assert.Error(t, err)
}

func TestSanitizeConfigRepairsInvalidValues(t *testing.T) {
	cfg := sanitizeConfig(Config{
		Port:           "  ",
		MaxMessageSize: -1,
		RateLimit:      RateLimitConfig{Burst: 0, RefillInterval: -time.Second},
	})
	defaults := DefaultConfig()

	assert.Equal(t, defaults.Port, cfg.Port)
	assert.Equal(t, defaults.Environment, cfg.Environment)
	assert.Equal(t, defaults.MaxMessageSize, cfg.MaxMessageSize)
	assert.Equal(t, defaults.RateLimit, cfg.RateLimit)
	assert.Equal(t, defaults.Presence, cfg.Presence)
	assert.Equal(t, defaults.ShutdownTimeout, cfg.ShutdownTimeout)
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"30", 30 * time.Second},
		{"1m30s", 90 * time.Second},
		{" 2h ", 2 * time.Hour},
		{"0", time.Minute},
		{"-5s", time.Minute},
		{"soon", time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseDuration(tt.in, time.Minute))
		})
	}
}

func TestProductionAllowsPreviewDeploymentsByDefault(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("NODE_ENV", "production")
	t.Setenv("FRONTEND_URL", "https://app.example")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	origins := cfg.Origins()
	assert.False(t, origins.Empty())
	assert.True(t, origins.Allowed("https://app.example"))
	assert.True(t, origins.Allowed("https://my-app-git-feature.vercel.app"))
	assert.False(t, origins.Allowed("http://my-app.vercel.app"))
	assert.False(t, origins.Allowed("https://evil.example"))
}

func TestPreviewOriginsCanBeDisabled(t *testing.T) {
	clearConfigEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment: production\npreview_origins: []\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	origins := cfg.Origins()
	assert.False(t, origins.Allowed("https://preview-1.vercel.app"))
	assert.True(t, origins.Empty(), "nothing configured leaves production closed")
}

func TestPreviewOriginsFromEnvironment(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("NODE_ENV", "production")
	t.Setenv("PREVIEW_ORIGINS", "https://*.netlify.app")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, []string{"https://*.netlify.app"}, cfg.PreviewOrigins)
	assert.True(t, cfg.Origins().Allowed("https://deploy-9.netlify.app"))
	assert.False(t, cfg.Origins().Allowed("https://preview-1.vercel.app"))
}

func TestDevelopmentAllowsEveryOrigin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"https://only.example"}

	origins := cfg.Origins()
	assert.True(t, origins.AllowAll())
	assert.True(t, origins.Allowed(""))
}
