// Package config provides application configuration loading from environment variables and .env files.
// It uses viper for flexible configuration management with sensible defaults.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// DefaultAdminAPIKey is the development admin key. It is rejected in production.
const DefaultAdminAPIKey = "admin-123"

// Config holds all application configuration loaded from environment variables or .env file.
// Configuration priority: environment variables > .env file > defaults.
type Config struct {
	AppEnv      string // Application environment (dev, staging, prod)
	HTTPAddr    string // HTTP server bind address (e.g., ":8080")
	MetricsAddr string // Metrics server bind address

	RulesDir    string // Directory of autorun rule files
	RulesWatch  bool   // Reload rules when the directory changes
	ModulesFile string // Optional YAML module catalog; empty accepts any module name

	StepTimeout        time.Duration // Bound on waiting for one step's result
	DispatchMaxRetries int           // Enqueue retries per step after a dispatch failure
	LivenessTimeout    time.Duration // Sessions silent for longer are demoted to disconnected
	SweepInterval      time.Duration // How often the liveness sweep runs
	SessionMaxQueue    int           // Unreported commands held per session

	AdminAPIKey      string // Plain admin key for the admin API
	AdminAPIKeyHash  string // bcrypt hash of an admin key
	ViewerAPIKeyHash string // bcrypt hash of a read-only key

	SessionStore  string // Journal backend (memory, postgres, redis)
	DatabaseDSN   string // PostgreSQL connection string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RateLimitPerIP int // Requests per minute per IP on the hook/poll/report endpoints

	WebhookURLs       []string // Endpoints notified of execution outcomes
	WebhookSecret     string   // HMAC secret for webhook signatures
	WebhookMaxRetries int

	LogLevel  string
	LogFormat string // json or console
}

// Load reads configuration from environment variables and .env file (if present).
// Environment variables take precedence over .env file values.
// Load does not validate; call Validate before use.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env") // Optional; silently ignored if file doesn't exist
	_ = v.ReadInConfig()
	v.AutomaticEnv()

	setConfigDefaults(v)

	return &Config{
		AppEnv:             v.GetString("APP_ENV"),
		HTTPAddr:           v.GetString("APP_HTTP_ADDR"),
		MetricsAddr:        v.GetString("METRICS_ADDR"),
		RulesDir:           v.GetString("RULES_DIR"),
		RulesWatch:         v.GetBool("RULES_WATCH"),
		ModulesFile:        v.GetString("MODULES_FILE"),
		StepTimeout:        v.GetDuration("STEP_TIMEOUT"),
		DispatchMaxRetries: v.GetInt("DISPATCH_MAX_RETRIES"),
		LivenessTimeout:    v.GetDuration("LIVENESS_TIMEOUT"),
		SweepInterval:      v.GetDuration("SWEEP_INTERVAL"),
		SessionMaxQueue:    v.GetInt("SESSION_MAX_QUEUE"),
		AdminAPIKey:        v.GetString("ADMIN_API_KEY"),
		AdminAPIKeyHash:    v.GetString("ADMIN_API_KEY_HASH"),
		ViewerAPIKeyHash:   v.GetString("VIEWER_API_KEY_HASH"),
		SessionStore:       v.GetString("SESSION_STORE"),
		DatabaseDSN:        v.GetString("DB_DSN"),
		RedisAddr:          v.GetString("REDIS_ADDR"),
		RedisPassword:      v.GetString("REDIS_PASSWORD"),
		RedisDB:            v.GetInt("REDIS_DB"),
		RateLimitPerIP:     v.GetInt("RATE_LIMIT_PER_IP"),
		WebhookURLs:        splitList(v.GetString("WEBHOOK_URLS")),
		WebhookSecret:      v.GetString("WEBHOOK_SECRET"),
		WebhookMaxRetries:  v.GetInt("WEBHOOK_MAX_RETRIES"),
		LogLevel:           v.GetString("LOG_LEVEL"),
		LogFormat:          v.GetString("LOG_FORMAT"),
	}, nil
}

// setConfigDefaults sets defaults suitable for local development.
func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "dev")
	v.SetDefault("APP_HTTP_ADDR", ":8080")
	v.SetDefault("METRICS_ADDR", ":9090")
	v.SetDefault("RULES_DIR", "./autorun")
	v.SetDefault("RULES_WATCH", true)
	v.SetDefault("STEP_TIMEOUT", "30s")
	v.SetDefault("DISPATCH_MAX_RETRIES", 5)
	v.SetDefault("LIVENESS_TIMEOUT", "60s")
	v.SetDefault("SWEEP_INTERVAL", "10s")
	v.SetDefault("SESSION_MAX_QUEUE", 256)
	v.SetDefault("ADMIN_API_KEY", DefaultAdminAPIKey) // Change in production!
	v.SetDefault("SESSION_STORE", "memory")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("RATE_LIMIT_PER_IP", 600)
	v.SetDefault("WEBHOOK_MAX_RETRIES", 3)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

// splitList splits a comma-separated value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsProduction reports whether AppEnv names a production deployment.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "prod" || c.AppEnv == "production"
}

// ValidationError represents a configuration validation error with details about what failed.
type ValidationError struct {
	Field   string // Name of the configuration field
	Message string // Human-readable error message
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed [%s]: %s", e.Field, e.Message)
}

// Validate checks the configuration and returns the first problem as a ValidationError.
// In production the default admin key is rejected.
func (c *Config) Validate() error {
	switch c.SessionStore {
	case "memory":
	case "postgres":
		if c.DatabaseDSN == "" {
			return ValidationError{Field: "DB_DSN", Message: "database DSN is required when SESSION_STORE=postgres"}
		}
	case "redis":
		if c.RedisAddr == "" {
			return ValidationError{Field: "REDIS_ADDR", Message: "redis address is required when SESSION_STORE=redis"}
		}
	default:
		return ValidationError{
			Field:   "SESSION_STORE",
			Message: fmt.Sprintf("must be 'memory', 'postgres' or 'redis', got '%s'", c.SessionStore),
		}
	}

	if c.HTTPAddr == "" {
		return ValidationError{Field: "APP_HTTP_ADDR", Message: "HTTP server address cannot be empty"}
	}
	if c.MetricsAddr == "" {
		return ValidationError{Field: "METRICS_ADDR", Message: "metrics server address cannot be empty"}
	}
	if strings.TrimSpace(c.RulesDir) == "" {
		return ValidationError{Field: "RULES_DIR", Message: "rules directory cannot be empty"}
	}

	if c.StepTimeout <= 0 {
		return ValidationError{Field: "STEP_TIMEOUT", Message: "must be a positive duration"}
	}
	if c.LivenessTimeout <= 0 {
		return ValidationError{Field: "LIVENESS_TIMEOUT", Message: "must be a positive duration"}
	}
	if c.SweepInterval <= 0 {
		return ValidationError{Field: "SWEEP_INTERVAL", Message: "must be a positive duration"}
	}
	if c.DispatchMaxRetries < 0 {
		return ValidationError{Field: "DISPATCH_MAX_RETRIES", Message: "cannot be negative"}
	}
	if c.SessionMaxQueue <= 0 {
		return ValidationError{Field: "SESSION_MAX_QUEUE", Message: "must be positive"}
	}
	if c.RateLimitPerIP <= 0 {
		return ValidationError{Field: "RATE_LIMIT_PER_IP", Message: "must be positive"}
	}

	if c.AdminAPIKey == "" && c.AdminAPIKeyHash == "" {
		return ValidationError{Field: "ADMIN_API_KEY", Message: "set ADMIN_API_KEY or ADMIN_API_KEY_HASH"}
	}
	if c.AdminAPIKeyHash != "" && !strings.HasPrefix(c.AdminAPIKeyHash, "$2") {
		return ValidationError{Field: "ADMIN_API_KEY_HASH", Message: "must be a bcrypt hash"}
	}
	if c.ViewerAPIKeyHash != "" && !strings.HasPrefix(c.ViewerAPIKeyHash, "$2") {
		return ValidationError{Field: "VIEWER_API_KEY_HASH", Message: "must be a bcrypt hash"}
	}

	for _, raw := range c.WebhookURLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return ValidationError{Field: "WEBHOOK_URLS", Message: fmt.Sprintf("invalid webhook URL '%s'", raw)}
		}
	}
	if c.WebhookMaxRetries < 0 {
		return ValidationError{Field: "WEBHOOK_MAX_RETRIES", Message: "cannot be negative"}
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return ValidationError{Field: "LOG_LEVEL", Message: err.Error()}
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return ValidationError{Field: "LOG_FORMAT", Message: fmt.Sprintf("must be 'json' or 'console', got '%s'", c.LogFormat)}
	}

	if c.IsProduction() {
		if c.AdminAPIKey == DefaultAdminAPIKey {
			return ValidationError{
				Field:   "ADMIN_API_KEY",
				Message: "default admin API key 'admin-123' is not allowed in production",
			}
		}
		if len(c.WebhookURLs) > 0 && c.WebhookSecret == "" {
			return ValidationError{Field: "WEBHOOK_SECRET", Message: "webhooks must be signed in production"}
		}
	}
	return nil
}
