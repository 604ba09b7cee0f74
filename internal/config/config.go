// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Risk model
	ModelPath         string  // Where the fitted classifier artifact is persisted
	ModerateThreshold float64 // Lower bound (inclusive) of the MODERATE tier
	CriticalThreshold float64 // Upper bound (inclusive) of the MODERATE tier
	BlockOnCritical   bool    // Whether CRITICAL additionally blocks the request

	// MFA mail dispatch
	SMTPHost     string
	SMTPPort     string
	SMTPFrom     string
	SMTPPassword string
	OTPTTL       time.Duration // 0 disables expiry (base contract)

	// Alerting
	AlertWebhookURL string
	AlertEmail      string

	// Geo lookup
	GeoLookupURL string
	GeoTimeout   time.Duration

	// Observability
	OTLPEndpoint string

	// Security
	AdminSecret  string // Guards /train and other admin operations
	RateLimitRPM int
}

// Defaults.
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultModelPath         = "models/classifier.json"
	DefaultModerateThreshold = 0.40
	DefaultCriticalThreshold = 0.75
	DefaultGeoLookupURL      = "http://ip-api.com/json"
	DefaultGeoTimeout        = 3 * time.Second
	DefaultRateLimit         = 120
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		ModelPath:         getEnv("MODEL_PATH", DefaultModelPath),
		ModerateThreshold: getEnvFloat("MODERATE_THRESHOLD", DefaultModerateThreshold),
		CriticalThreshold: getEnvFloat("CRITICAL_THRESHOLD", DefaultCriticalThreshold),
		BlockOnCritical:   getEnvBool("BLOCK_ON_CRITICAL", true),
		SMTPHost:          os.Getenv("SMTP_HOST"),
		SMTPPort:          getEnv("SMTP_PORT", "587"),
		SMTPFrom:          os.Getenv("SMTP_FROM"),
		SMTPPassword:      os.Getenv("SMTP_PASSWORD"),
		OTPTTL:            getEnvDuration("OTP_TTL", 0),
		AlertWebhookURL:   os.Getenv("ALERT_WEBHOOK_URL"),
		AlertEmail:        os.Getenv("ALERT_EMAIL"),
		GeoLookupURL:      getEnv("GEO_LOOKUP_URL", DefaultGeoLookupURL),
		GeoTimeout:        getEnvDuration("GEO_TIMEOUT", DefaultGeoTimeout),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.ModerateThreshold < 0 || c.ModerateThreshold > 1 {
		return fmt.Errorf("MODERATE_THRESHOLD must be in [0,1], got %v", c.ModerateThreshold)
	}
	if c.CriticalThreshold < 0 || c.CriticalThreshold > 1 {
		return fmt.Errorf("CRITICAL_THRESHOLD must be in [0,1], got %v", c.CriticalThreshold)
	}
	if c.ModerateThreshold >= c.CriticalThreshold {
		return fmt.Errorf("MODERATE_THRESHOLD (%v) must be below CRITICAL_THRESHOLD (%v)",
			c.ModerateThreshold, c.CriticalThreshold)
	}
	if c.SMTPHost != "" && c.SMTPFrom == "" {
		return fmt.Errorf("SMTP_FROM is required when SMTP_HOST is set")
	}
	return nil
}

// MailEnabled reports whether real SMTP dispatch is configured.
func (c *Config) MailEnabled() bool {
	return c.SMTPHost != ""
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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
