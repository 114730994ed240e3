// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Database settings. DatabaseURL selects Postgres; when empty,
	// SQLitePath selects the embedded store.
	DatabaseURL string
	SQLitePath  string

	// Provider credentials and endpoints.
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	GeminiAPIKey    string

	// Simulation defaults. Per-run config overrides these.
	DefaultProvider          string
	InterviewerModel         string
	PersonaModel             string
	MaxConcurrentSimulations int
	CallTimeout              time.Duration
	InterTurnDelay           time.Duration

	// Worker settings.
	ClaimInterval     time.Duration
	ReconcileSchedule string // cron expression for the rollup drift check
	ReconcileWindow   time.Duration

	// Resume token settings.
	ResumeTokenTTL    time.Duration
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	SessionJWTTTL     time.Duration

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:              envStr("DATABASE_URL", ""),
		SQLitePath:               envStr("SONDEO_SQLITE_PATH", "sondeo.db"),
		OpenAIAPIKey:             envStr("OPENAI_API_KEY", ""),
		OpenAIBaseURL:            envStr("OPENAI_BASE_URL", ""),
		AnthropicAPIKey:          envStr("ANTHROPIC_API_KEY", ""),
		GeminiAPIKey:             envStr("GEMINI_API_KEY", ""),
		DefaultProvider:          envStr("SONDEO_DEFAULT_PROVIDER", "openai"),
		InterviewerModel:         envStr("SONDEO_INTERVIEWER_MODEL", "gpt-4o"),
		PersonaModel:             envStr("SONDEO_PERSONA_MODEL", "gpt-4o-mini"),
		MaxConcurrentSimulations: envInt("SONDEO_MAX_CONCURRENT_SIMULATIONS", 3),
		CallTimeout:              envDuration("SONDEO_CALL_TIMEOUT", 90*time.Second),
		InterTurnDelay:           envDuration("SONDEO_INTER_TURN_DELAY", 500*time.Millisecond),
		ClaimInterval:            envDuration("SONDEO_CLAIM_INTERVAL", 5*time.Second),
		ReconcileSchedule:        envStr("SONDEO_RECONCILE_SCHEDULE", "@every 1h"),
		ReconcileWindow:          envDuration("SONDEO_RECONCILE_WINDOW", 24*time.Hour),
		ResumeTokenTTL:           envDuration("SONDEO_RESUME_TOKEN_TTL", 7*24*time.Hour),
		JWTPrivateKeyPath:        envStr("SONDEO_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:         envStr("SONDEO_JWT_PUBLIC_KEY", ""),
		SessionJWTTTL:            envDuration("SONDEO_SESSION_JWT_TTL", time.Hour),
		OTELEndpoint:             envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:             envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:              envStr("OTEL_SERVICE_NAME", "sondeo"),
		LogLevel:                 envStr("SONDEO_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		return fmt.Errorf("config: one of DATABASE_URL or SONDEO_SQLITE_PATH is required")
	}
	if c.MaxConcurrentSimulations <= 0 {
		return fmt.Errorf("config: SONDEO_MAX_CONCURRENT_SIMULATIONS must be positive")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("config: SONDEO_CALL_TIMEOUT must be positive")
	}
	if c.ResumeTokenTTL <= 0 {
		return fmt.Errorf("config: SONDEO_RESUME_TOKEN_TTL must be positive")
	}
	switch c.DefaultProvider {
	case "openai", "anthropic", "gemini":
	default:
		return fmt.Errorf("config: SONDEO_DEFAULT_PROVIDER %q is not one of openai, anthropic, gemini", c.DefaultProvider)
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
