package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaceport-hq/spaceport/pkg/observability"
)

func TestLoadConfig(t *testing.T) {
	t.Run("defaults with required values set", func(t *testing.T) {
		t.Setenv("SPACEPORT_POSTGRES_URL", "postgres://localhost/spaceport")
		t.Setenv("SPACEPORT_TOKEN_SECRET", "secret")

		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, "8080", cfg.Server.Port)
		assert.Equal(t, "9090", cfg.Server.MetricsPort)
		assert.Equal(t, "spaceport_session", cfg.Auth.SessionCookieName)
		assert.Equal(t, 7*24*time.Hour, cfg.Auth.SessionTTL)
		assert.Equal(t, 30*time.Minute, cfg.Auth.PasswordResetTTL)
		assert.False(t, cfg.Auth.InvitationRequired)
		assert.False(t, cfg.Redis.Enabled())
		assert.False(t, cfg.Tracing.Enabled)
		assert.Equal(t, "localhost:4317", cfg.Tracing.Endpoint)
		assert.Equal(t, observability.InfoLevel, cfg.LogLevel)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("SPACEPORT_POSTGRES_URL", "postgres://localhost/spaceport")
		t.Setenv("SPACEPORT_TOKEN_SECRET", "secret")
		t.Setenv("SPACEPORT_PORT", "8181")
		t.Setenv("SPACEPORT_SESSION_TTL", "24h")
		t.Setenv("SPACEPORT_INVITATION_REQUIRED", "true")
		t.Setenv("SPACEPORT_REDIS_ADDR", "localhost:6379")
		t.Setenv("SPACEPORT_LOG_LEVEL", "debug")
		t.Setenv("SPACEPORT_OTEL_ENABLED", "true")
		t.Setenv("SPACEPORT_OTEL_ENDPOINT", "collector:4317")

		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, "8181", cfg.Server.Port)
		assert.True(t, cfg.Tracing.Enabled)
		assert.Equal(t, "collector:4317", cfg.Tracing.Endpoint)
		assert.Equal(t, 24*time.Hour, cfg.Auth.SessionTTL)
		assert.True(t, cfg.Auth.InvitationRequired)
		assert.True(t, cfg.Redis.Enabled())
		assert.Equal(t, observability.DebugLevel, cfg.LogLevel)
	})

	t.Run("missing postgres url fails validation", func(t *testing.T) {
		t.Setenv("SPACEPORT_POSTGRES_URL", "")
		t.Setenv("SPACEPORT_TOKEN_SECRET", "secret")

		_, err := LoadConfig()
		assert.Error(t, err)
	})

	t.Run("missing token secret fails validation", func(t *testing.T) {
		t.Setenv("SPACEPORT_POSTGRES_URL", "postgres://localhost/spaceport")
		t.Setenv("SPACEPORT_TOKEN_SECRET", "")

		_, err := LoadConfig()
		assert.Error(t, err)
	})
}
