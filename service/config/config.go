package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string
	LogLevel    string
	CORSOrigins []string

	// Database configuration
	DatabaseURL string

	// Auth configuration
	JWTSecret string
	JWTTTL    time.Duration

	// NATS configuration
	NATSURL string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Payment configuration
	StripeAPIKey        string
	StripeWebhookSecret string
	PaymentCurrency     string

	// Confirmation polling configuration
	ConfirmMaxAttempts  int
	ConfirmPollInterval time.Duration

	// Route optimizer configuration
	LLMAPIKey     string
	LLMBaseURL    string
	LLMModel      string
	LLMResponseJQ string
	LLMTimeout    time.Duration

	// Worker metrics listener
	MetricsAddr string
}

// Load reads configuration from environment variables and validates all required fields.
// A .env file in the working directory is loaded first when present; values
// already set in the environment win.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.CORSOrigins = splitList(getEnvOrDefault("CORS_ORIGINS", "*"))

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	// Auth configuration
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}

	jwtTTL, err := parseDuration("JWT_TTL", "168h")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.JWTTTL = jwtTTL
	}

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "transops-payments")

	// Payment configuration
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	if cfg.StripeAPIKey == "" {
		errs = append(errs, fmt.Errorf("STRIPE_API_KEY is required"))
	}
	cfg.StripeWebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")
	cfg.PaymentCurrency = strings.ToLower(getEnvOrDefault("PAYMENT_CURRENCY", "inr"))

	// Confirmation polling configuration
	maxAttempts, err := parseInt("CONFIRM_MAX_ATTEMPTS", 5)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ConfirmMaxAttempts = maxAttempts
	}

	pollInterval, err := parseDuration("CONFIRM_POLL_INTERVAL", "2s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ConfirmPollInterval = pollInterval
	}

	if cfg.ConfirmMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("CONFIRM_MAX_ATTEMPTS must be at least 1, got %d", cfg.ConfirmMaxAttempts))
	}

	// Route optimizer configuration
	cfg.LLMAPIKey = os.Getenv("LLM_API_KEY")
	cfg.LLMBaseURL = getEnvOrDefault("LLM_BASE_URL", "https://api.openai.com/v1")
	cfg.LLMModel = getEnvOrDefault("LLM_MODEL", "gpt-4o-mini")
	cfg.LLMResponseJQ = getEnvOrDefault("LLM_RESPONSE_JQ", ".choices[0].message.content")

	llmTimeout, err := parseDuration("LLM_TIMEOUT", "60s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.LLMTimeout = llmTimeout
	}

	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9090")

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if c.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWTSecret is required"))
	}

	if c.JWTTTL <= 0 {
		errs = append(errs, fmt.Errorf("JWTTTL must be positive"))
	}

	if c.StripeAPIKey == "" {
		errs = append(errs, fmt.Errorf("StripeAPIKey is required"))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}

	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}

	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if c.ConfirmMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("ConfirmMaxAttempts must be at least 1"))
	}

	if c.ConfirmPollInterval < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("ConfirmPollInterval must be at least 100ms"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// RouteOptimizerEnabled reports whether an LLM key is configured.
func (c *Config) RouteOptimizerEnabled() bool {
	return c.LLMAPIKey != ""
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// splitList splits a comma-separated value, dropping blanks.
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
