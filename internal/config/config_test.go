package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/courier-sync/internal/config"
)

func baseEnv() map[string]string {
	return map[string]string{
		"DATABASE_URL":     "postgres://localhost:5432/courier_sync",
		"REDIS_URL":        "redis://localhost:6379/0",
		"COURIER_BASE_URL": "https://courier.example.com/api/v1",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.LoadForTests(baseEnv())
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.HTTPAddr())
	require.Equal(t, 5*time.Minute, cfg.TokenExpiryMargin)
	require.Equal(t, 3, cfg.RetryMaxAttempts)
	require.Equal(t, 200*time.Millisecond, cfg.RetryBase)
	require.Equal(t, 24*time.Hour, cfg.WebhookReplayTTL)
	require.Equal(t, 15*time.Minute, cfg.PollInterval)
	require.Equal(t, "courier", cfg.PollQueueName)
	require.Equal(t, "courier-sync", cfg.AdminJWTIssuer)
	require.True(t, cfg.RunMigrations)
}

func TestLoadOverrides(t *testing.T) {
	env := baseEnv()
	env["PORT"] = "9090"
	env["COURIER_TOKEN_EXPIRY_MARGIN"] = "2m"
	env["POLL_INTERVAL"] = "30s"
	env["RUN_MIGRATIONS"] = "false"
	env["CORS_ALLOWED_ORIGINS"] = "https://a.example.com, https://b.example.com"

	cfg, err := config.LoadForTests(env)
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.HTTPAddr())
	require.Equal(t, 2*time.Minute, cfg.TokenExpiryMargin)
	require.Equal(t, 30*time.Second, cfg.PollInterval)
	require.False(t, cfg.RunMigrations)
	require.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSAllowedOrigins)
}

func TestLoadRequiresCoreSettings(t *testing.T) {
	for _, missing := range []string{"DATABASE_URL", "REDIS_URL", "COURIER_BASE_URL"} {
		env := baseEnv()
		env[missing] = ""
		_, err := config.LoadForTests(env)
		require.Error(t, err, "missing %s must fail", missing)
	}
}
