package config

import (
	"errors"
	"testing"
	"time"
)

var configKeys = []string{
	"APP_ENV", "APP_HTTP_ADDR", "METRICS_ADDR", "RULES_DIR", "RULES_WATCH", "MODULES_FILE",
	"STEP_TIMEOUT", "DISPATCH_MAX_RETRIES", "LIVENESS_TIMEOUT", "SWEEP_INTERVAL", "SESSION_MAX_QUEUE",
	"ADMIN_API_KEY", "ADMIN_API_KEY_HASH", "VIEWER_API_KEY_HASH", "SESSION_STORE", "DB_DSN",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "RATE_LIMIT_PER_IP", "WEBHOOK_URLS",
	"WEBHOOK_SECRET", "WEBHOOK_MAX_RETRIES", "LOG_LEVEL", "LOG_FORMAT",
}

// clearEnv blanks every config key for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configKeys {
		t.Setenv(key, "")
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.AppEnv != "dev" {
		t.Errorf("Expected AppEnv='dev', got '%s'", cfg.AppEnv)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("Expected HTTPAddr=':8080', got '%s'", cfg.HTTPAddr)
	}
	if cfg.MetricsAddr != ":9090" {
		t.Errorf("Expected MetricsAddr=':9090', got '%s'", cfg.MetricsAddr)
	}
	if cfg.AdminAPIKey != DefaultAdminAPIKey {
		t.Errorf("Expected AdminAPIKey='%s', got '%s'", DefaultAdminAPIKey, cfg.AdminAPIKey)
	}
	if cfg.SessionStore != "memory" {
		t.Errorf("Expected SessionStore='memory', got '%s'", cfg.SessionStore)
	}
	if cfg.StepTimeout != 30*time.Second {
		t.Errorf("Expected StepTimeout=30s, got %v", cfg.StepTimeout)
	}
	if cfg.LivenessTimeout != time.Minute || cfg.SweepInterval != 10*time.Second {
		t.Errorf("liveness = %v / %v", cfg.LivenessTimeout, cfg.SweepInterval)
	}
	if cfg.DispatchMaxRetries != 5 || cfg.SessionMaxQueue != 256 {
		t.Errorf("dispatch retries = %d, queue = %d", cfg.DispatchMaxRetries, cfg.SessionMaxQueue)
	}
	if !cfg.RulesWatch || cfg.RulesDir == "" {
		t.Errorf("rules dir = %q watch = %v", cfg.RulesDir, cfg.RulesWatch)
	}
	if len(cfg.WebhookURLs) != 0 {
		t.Errorf("Expected no webhooks, got %v", cfg.WebhookURLs)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate in dev: %v", err)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", "test")
	t.Setenv("APP_HTTP_ADDR", ":9999")
	t.Setenv("RULES_DIR", "/etc/autorun")
	t.Setenv("RULES_WATCH", "false")
	t.Setenv("STEP_TIMEOUT", "1500ms")
	t.Setenv("SESSION_STORE", "redis")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("WEBHOOK_URLS", "https://a.example/hook, https://b.example/hook ,")
	t.Setenv("LOG_FORMAT", "console")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.AppEnv != "test" || cfg.HTTPAddr != ":9999" {
		t.Errorf("AppEnv=%q HTTPAddr=%q", cfg.AppEnv, cfg.HTTPAddr)
	}
	if cfg.RulesDir != "/etc/autorun" || cfg.RulesWatch {
		t.Errorf("RulesDir=%q RulesWatch=%v", cfg.RulesDir, cfg.RulesWatch)
	}
	if cfg.StepTimeout != 1500*time.Millisecond {
		t.Errorf("StepTimeout = %v", cfg.StepTimeout)
	}
	if cfg.SessionStore != "redis" || cfg.RedisAddr != "localhost:6379" || cfg.RedisDB != 2 {
		t.Errorf("redis = %q %q %d", cfg.SessionStore, cfg.RedisAddr, cfg.RedisDB)
	}
	if len(cfg.WebhookURLs) != 2 || cfg.WebhookURLs[1] != "https://b.example/hook" {
		t.Errorf("WebhookURLs = %q", cfg.WebhookURLs)
	}
	if cfg.LogFormat != "console" {
		t.Errorf("LogFormat = %q", cfg.LogFormat)
	}
}

func validConfig() *Config {
	return &Config{
		AppEnv:             "dev",
		HTTPAddr:           ":8080",
		MetricsAddr:        ":9090",
		RulesDir:           "./autorun",
		StepTimeout:        time.Second,
		DispatchMaxRetries: 5,
		LivenessTimeout:    time.Minute,
		SweepInterval:      time.Second,
		SessionMaxQueue:    10,
		AdminAPIKey:        "secret-admin",
		SessionStore:       "memory",
		RateLimitPerIP:     100,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantField string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "unknown store", mutate: func(c *Config) { c.SessionStore = "mongo" }, wantField: "SESSION_STORE"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.SessionStore = "postgres" }, wantField: "DB_DSN"},
		{name: "redis without addr", mutate: func(c *Config) { c.SessionStore = "redis" }, wantField: "REDIS_ADDR"},
		{name: "empty http addr", mutate: func(c *Config) { c.HTTPAddr = "" }, wantField: "APP_HTTP_ADDR"},
		{name: "empty rules dir", mutate: func(c *Config) { c.RulesDir = " " }, wantField: "RULES_DIR"},
		{name: "zero step timeout", mutate: func(c *Config) { c.StepTimeout = 0 }, wantField: "STEP_TIMEOUT"},
		{name: "negative retries", mutate: func(c *Config) { c.DispatchMaxRetries = -1 }, wantField: "DISPATCH_MAX_RETRIES"},
		{name: "no admin credential", mutate: func(c *Config) { c.AdminAPIKey = "" }, wantField: "ADMIN_API_KEY"},
		{name: "hash only", mutate: func(c *Config) { c.AdminAPIKey = ""; c.AdminAPIKeyHash = "$2a$10$abcdefghijklmnopqrstuv" }},
		{name: "bad hash", mutate: func(c *Config) { c.ViewerAPIKeyHash = "plain" }, wantField: "VIEWER_API_KEY_HASH"},
		{name: "bad webhook url", mutate: func(c *Config) { c.WebhookURLs = []string{"ftp://x"} }, wantField: "WEBHOOK_URLS"},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantField: "LOG_LEVEL"},
		{name: "bad log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantField: "LOG_FORMAT"},
		{name: "prod default key", mutate: func(c *Config) { c.AppEnv = "prod"; c.AdminAPIKey = DefaultAdminAPIKey }, wantField: "ADMIN_API_KEY"},
		{name: "prod unsigned webhooks", mutate: func(c *Config) { c.AppEnv = "production"; c.WebhookURLs = []string{"https://x"} }, wantField: "WEBHOOK_SECRET"},
		{name: "dev default key", mutate: func(c *Config) { c.AdminAPIKey = DefaultAdminAPIKey }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			var ve ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Validate() error = %v, want ValidationError", err)
			}
			if ve.Field != tt.wantField {
				t.Fatalf("Field = %s, want %s (%v)", ve.Field, tt.wantField, err)
			}
		})
	}
}
