package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/kiln/internal/config"
)

func TestLoad(t *testing.T) {
	t.Run("should load config with defaults", func(t *testing.T) {
		// Clear environment
		os.Clearenv()

		cfg := config.Load()

		require.NotNil(t, cfg)

		// Verify defaults
		require.Equal(t, 8080, cfg.Server.Port)
		require.Equal(t, 30, cfg.Server.ReadTimeout)
		require.Equal(t, 30, cfg.Server.WriteTimeout)
		require.Equal(t, 5, cfg.Breaker.FailureThreshold)
		require.Equal(t, 60*time.Second, cfg.Breaker.RecoveryTimeout)
		require.Equal(t, 5, cfg.Registry.ErrorThreshold)
		require.Equal(t, 60*time.Second, cfg.Registry.HealthCheckTick)
		require.Equal(t, 30*time.Second, cfg.Fallback.AttemptTimeout)
		require.Equal(t, 200*time.Millisecond, cfg.Fallback.RetryDelay)
		require.True(t, cfg.Gateway.FallbackEnabled)
		require.Equal(t, 1000, cfg.Gateway.MetricsCapacity)
		require.Zero(t, cfg.Quota.MaxRequestsPerWindow)
		require.False(t, cfg.Redis.Enabled)
		require.Equal(t, "https://api.openai.com/v1", cfg.OpenAI.BaseURL)
		require.Equal(t, 60, cfg.OpenAI.Timeout)
		require.Empty(t, cfg.OpenAI.APIKey)
		require.Empty(t, cfg.Anthropic.APIKey)
		require.False(t, cfg.Echo.Enabled)
	})

	t.Run("should load config from environment variables", func(t *testing.T) {
		// Set environment variables using t.Setenv for automatic cleanup
		t.Setenv("SERVER_PORT", "9000")
		t.Setenv("BREAKER_FAILURE_THRESHOLD", "3")
		t.Setenv("BREAKER_RECOVERY_TIMEOUT", "15s")
		t.Setenv("GATEWAY_FALLBACK_ENABLED", "false")
		t.Setenv("GATEWAY_METRICS_CAPACITY", "500")
		t.Setenv("OPENAI_API_KEY", "sk-test-key")
		t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test-key")
		t.Setenv("ECHO_ENABLED", "true")
		t.Setenv("REDIS_ENABLED", "true")
		t.Setenv("REDIS_ADDR", "redis.internal:6379")

		cfg := config.Load()

		require.NotNil(t, cfg)

		// Verify loaded values
		require.Equal(t, 9000, cfg.Server.Port)
		require.Equal(t, 3, cfg.Breaker.FailureThreshold)
		require.Equal(t, 15*time.Second, cfg.Breaker.RecoveryTimeout)
		require.False(t, cfg.Gateway.FallbackEnabled)
		require.Equal(t, 500, cfg.Gateway.MetricsCapacity)
		require.Equal(t, "sk-test-key", cfg.OpenAI.APIKey)
		require.Equal(t, "sk-ant-test-key", cfg.Anthropic.APIKey)
		require.True(t, cfg.Echo.Enabled)
		require.True(t, cfg.Redis.Enabled)
		require.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	})
}
