package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setCriticalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("API_ENCRYPTION_KEY", "test-encryption-key")
}

func TestLoad_MissingCriticalVarsFails(t *testing.T) {
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoad_DefaultsAppliedWhenUnset(t *testing.T) {
	setCriticalEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, 10, cfg.RateLimitMessages)
	assert.Equal(t, 60*time.Second, cfg.RateLimitWindow)
	assert.Equal(t, "migrations", cfg.MigrationsPath)
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	setCriticalEnv(t)
	t.Setenv("SERVER_ADDR", ":9090")
	t.Setenv("RATE_LIMIT_MESSAGES", "25")
	t.Setenv("HEARTBEAT_INTERVAL", "15s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ServerAddr)
	assert.Equal(t, 25, cfg.RateLimitMessages)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
}

func TestLoad_ProviderConfigsOnlyIncludeConfiguredKeys(t *testing.T) {
	setCriticalEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.Providers)

	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfg, err = Load()
	require.NoError(t, err)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "openai", cfg.Providers[0].Kind)
	assert.Equal(t, "gpt-4o-mini", cfg.Providers[0].DefaultModel)
}

func TestLoad_BothProvidersLoadedWhenBothKeysSet(t *testing.T) {
	setCriticalEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Providers, 2)
}

func TestS3Config_Configured(t *testing.T) {
	assert.False(t, (S3Config{}).Configured())
	assert.True(t, S3Config{Endpoint: "e", Region: "r", KeyID: "k", AppKey: "a", Bucket: "b"}.Configured())
}

func TestGetEnvAsInt_FallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("SOME_INT", "not-a-number")
	assert.Equal(t, 42, getEnvAsInt("SOME_INT", 42))
}

func TestGetEnvAsDuration_FallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("SOME_DURATION", "not-a-duration")
	assert.Equal(t, 5*time.Second, getEnvAsDuration("SOME_DURATION", 5*time.Second))
}
