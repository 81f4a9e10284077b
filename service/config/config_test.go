package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv() {
	os.Setenv("DATABASE_URL", "postgres://localhost/test")
	os.Setenv("JWT_SECRET", "test-secret")
	os.Setenv("STRIPE_API_KEY", "sk_test_123")
}

func TestLoad_ValidConfig(t *testing.T) {
	setRequiredEnv()
	defer cleanupEnv()

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "postgres://localhost/test", cfg.DatabaseURL)
	assert.Equal(t, "test-secret", cfg.JWTSecret)
	assert.Equal(t, "sk_test_123", cfg.StripeAPIKey)
	assert.Equal(t, ":8080", cfg.ServerAddr) // Default
	assert.Equal(t, "info", cfg.LogLevel)    // Default
	assert.Equal(t, 168*time.Hour, cfg.JWTTTL)
	assert.Equal(t, "inr", cfg.PaymentCurrency)
	assert.Equal(t, 5, cfg.ConfirmMaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.ConfirmPollInterval)
	assert.Equal(t, "transops-payments", cfg.TemporalTaskQueue)
	assert.Equal(t, "gpt-4o-mini", cfg.LLMModel)
	assert.Equal(t, ".choices[0].message.content", cfg.LLMResponseJQ)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.False(t, cfg.RouteOptimizerEnabled())
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingRequiredReportedTogether(t *testing.T) {
	defer cleanupEnv()

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
	assert.Contains(t, err.Error(), "STRIPE_API_KEY is required")
}

func TestLoad_InvalidPollInterval(t *testing.T) {
	setRequiredEnv()
	os.Setenv("CONFIRM_POLL_INTERVAL", "invalid")
	defer cleanupEnv()

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoad_InvalidMaxAttempts(t *testing.T) {
	setRequiredEnv()
	defer cleanupEnv()

	os.Setenv("CONFIRM_MAX_ATTEMPTS", "many")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid integer")

	os.Setenv("CONFIRM_MAX_ATTEMPTS", "0")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be at least 1")
}

func TestLoad_CustomValues(t *testing.T) {
	setRequiredEnv()
	os.Setenv("SERVER_ADDR", ":9090")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("CORS_ORIGINS", "https://app.example.com, https://admin.example.com,")
	os.Setenv("CONFIRM_MAX_ATTEMPTS", "8")
	os.Setenv("CONFIRM_POLL_INTERVAL", "500ms")
	os.Setenv("PAYMENT_CURRENCY", "USD")
	os.Setenv("LLM_API_KEY", "llm-key")
	defer cleanupEnv()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ServerAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.CORSOrigins)
	assert.Equal(t, 8, cfg.ConfirmMaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.ConfirmPollInterval)
	assert.Equal(t, "usd", cfg.PaymentCurrency)
	assert.True(t, cfg.RouteOptimizerEnabled())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			DatabaseURL:         "postgres://localhost/test",
			JWTSecret:           "secret",
			JWTTTL:              time.Hour,
			StripeAPIKey:        "sk_test",
			TemporalHost:        "localhost:7233",
			TemporalNamespace:   "default",
			TemporalTaskQueue:   "q",
			ConfirmMaxAttempts:  5,
			ConfirmPollInterval: 2 * time.Second,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing database", func(c *Config) { c.DatabaseURL = "" }, "DatabaseURL is required"},
		{"missing jwt secret", func(c *Config) { c.JWTSecret = "" }, "JWTSecret is required"},
		{"zero ttl", func(c *Config) { c.JWTTTL = 0 }, "JWTTTL must be positive"},
		{"zero attempts", func(c *Config) { c.ConfirmMaxAttempts = 0 }, "ConfirmMaxAttempts"},
		{"interval too short", func(c *Config) { c.ConfirmPollInterval = time.Millisecond }, "ConfirmPollInterval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// cleanupEnv removes all config-related environment variables.
func cleanupEnv() {
	keys := []string{
		"SERVER_ADDR", "LOG_LEVEL", "CORS_ORIGINS",
		"DATABASE_URL",
		"JWT_SECRET", "JWT_TTL",
		"NATS_URL",
		"TEMPORAL_HOST", "TEMPORAL_NAMESPACE", "TEMPORAL_TASK_QUEUE",
		"STRIPE_API_KEY", "STRIPE_WEBHOOK_SECRET", "PAYMENT_CURRENCY",
		"CONFIRM_MAX_ATTEMPTS", "CONFIRM_POLL_INTERVAL",
		"LLM_API_KEY", "LLM_BASE_URL", "LLM_MODEL", "LLM_RESPONSE_JQ", "LLM_TIMEOUT",
		"METRICS_ADDR",
	}
	for _, key := range keys {
		os.Unsetenv(key)
	}
}
