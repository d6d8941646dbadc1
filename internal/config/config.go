// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/paymcp/internal/flow"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Payment flow
	Flow                flow.Mode
	ElicitationSignal   flow.ElicitationSignal
	ElicitationAttempts int
	PollInterval        time.Duration
	MaxWait             time.Duration

	// State
	StateBackend  string // "memory", "redis", "postgres"
	RedisURL      string
	DatabaseURL   string
	Namespace     string
	StateTTL      time.Duration
	SweepInterval time.Duration

	// Payment provider
	Provider         string // "memory" or "stripe"
	StripeSecretKey  string
	StripeSuccessURL string
	StripeCancelURL  string
	PaymentBaseURL   string // links handed out by the memory provider

	// Security
	RateLimitRPM   int
	AllowedOrigins []string

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultNamespace           = "paymcp"
	DefaultStateTTL            = time.Hour
	DefaultSweepInterval       = time.Minute
	DefaultPollInterval        = 3 * time.Second
	DefaultMaxWait             = 15 * time.Minute
	DefaultElicitationAttempts = 5
	DefaultRateLimitRPM        = 120
	DefaultPaymentBaseURL      = "http://localhost:8080/pay"
	DefaultStripeSuccessURL    = "https://example.com/success"
	DefaultStripeCancelURL     = "https://example.com/cancel"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	mode, err := flow.ParseMode(getEnv("PAYMCP_FLOW", string(flow.ModeAuto)))
	if err != nil {
		return nil, fmt.Errorf("PAYMCP_FLOW: %w", err)
	}
	signal, err := flow.ParseElicitationSignal(os.Getenv("PAYMCP_ELICITATION_SIGNAL"))
	if err != nil {
		return nil, fmt.Errorf("PAYMCP_ELICITATION_SIGNAL: %w", err)
	}

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		Flow:                mode,
		ElicitationSignal:   signal,
		ElicitationAttempts: int(getEnvInt64("PAYMCP_ELICITATION_ATTEMPTS", DefaultElicitationAttempts)),
		PollInterval:        getEnvDuration("PAYMCP_POLL_INTERVAL", DefaultPollInterval),
		MaxWait:             getEnvDuration("PAYMCP_MAX_WAIT", DefaultMaxWait),
		StateBackend:        strings.ToLower(getEnv("PAYMCP_STATE_BACKEND", "memory")),
		RedisURL:            os.Getenv("REDIS_URL"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		Namespace:           getEnv("PAYMCP_NAMESPACE", DefaultNamespace),
		StateTTL:            getEnvDuration("PAYMCP_STATE_TTL", DefaultStateTTL),
		SweepInterval:       getEnvDuration("PAYMCP_SWEEP_INTERVAL", DefaultSweepInterval),
		Provider:            strings.ToLower(getEnv("PAYMCP_PROVIDER", "memory")),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeSuccessURL:    getEnv("STRIPE_SUCCESS_URL", DefaultStripeSuccessURL),
		StripeCancelURL:     getEnv("STRIPE_CANCEL_URL", DefaultStripeCancelURL),
		PaymentBaseURL:      getEnv("PAYMCP_PAYMENT_BASE_URL", DefaultPaymentBaseURL),
		RateLimitRPM:        int(getEnvInt64("PAYMCP_RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		AllowedOrigins:      splitList(os.Getenv("PAYMCP_ALLOWED_ORIGINS")),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.StateBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis state backend")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres state backend")
		}
	default:
		return fmt.Errorf("PAYMCP_STATE_BACKEND must be memory, redis or postgres, got %q", c.StateBackend)
	}

	switch c.Provider {
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("the memory payment provider cannot run in production")
		}
	case "stripe":
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required for the stripe provider")
		}
	default:
		return fmt.Errorf("PAYMCP_PROVIDER must be memory or stripe, got %q", c.Provider)
	}

	if c.StateTTL <= 0 {
		return fmt.Errorf("PAYMCP_STATE_TTL must be positive")
	}
	if c.ElicitationAttempts < 1 {
		return fmt.Errorf("PAYMCP_ELICITATION_ATTEMPTS must be at least 1")
	}
	if c.PollInterval <= 0 || c.MaxWait < c.PollInterval {
		return fmt.Errorf("PAYMCP_MAX_WAIT must be at least PAYMCP_POLL_INTERVAL")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
