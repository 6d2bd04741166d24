package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the CLI configuration
type Config struct {
	DefaultProfile string             `yaml:"default_profile"`
	Profiles       map[string]Profile `yaml:"profiles"`
}

// Profile is one autorun server the CLI can talk to
type Profile struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// GetConfigPath returns the path to the config file. AUTORUN_CONFIG overrides
// the default of ~/.autorun/config.yaml.
func GetConfigPath() (string, error) {
	if p := os.Getenv("AUTORUN_CONFIG"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".autorun", "config.yaml"), nil
}

// LoadConfig loads the configuration from file
func LoadConfig() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Return empty config if file doesn't exist
			return &Config{
				DefaultProfile: "local",
				Profiles:       make(map[string]Profile),
			}, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Profiles == nil {
		cfg.Profiles = make(map[string]Profile)
	}

	return &cfg, nil
}

// SaveConfig saves the configuration to file
func SaveConfig(cfg *Config) error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Set assigns key ("base_url" or "api_key") on the named profile, creating it if needed.
func (c *Config) Set(profile, key, value string) error {
	if c.Profiles == nil {
		c.Profiles = make(map[string]Profile)
	}
	p := c.Profiles[profile]
	switch key {
	case "base_url":
		p.BaseURL = value
	case "api_key":
		p.APIKey = value
	default:
		return fmt.Errorf("unknown key '%s', valid keys: base_url, api_key", key)
	}
	c.Profiles[profile] = p
	return nil
}

// ResolveProfile returns the connection settings for a command.
// Priority: command flags > environment variables > config file
// Returns the profile and the effective profile name
func ResolveProfile(name, baseURLFlag, apiKeyFlag string) (*Profile, string, error) {
	if baseURLFlag != "" && apiKeyFlag != "" {
		return &Profile{BaseURL: baseURLFlag, APIKey: apiKeyFlag}, "flags", nil
	}

	envBaseURL := os.Getenv("AUTORUN_BASE_URL")
	envAPIKey := os.Getenv("AUTORUN_API_KEY")

	cfg, err := LoadConfig()
	if err != nil {
		return nil, "", err
	}
	if name == "" {
		name = cfg.DefaultProfile
	}

	p, ok := cfg.Profiles[name]

	// Override with flags/env vars if provided
	if baseURLFlag != "" {
		p.BaseURL = baseURLFlag
	} else if envBaseURL != "" {
		p.BaseURL = envBaseURL
	}

	if apiKeyFlag != "" {
		p.APIKey = apiKeyFlag
	} else if envAPIKey != "" {
		p.APIKey = envAPIKey
	}

	if p.BaseURL == "" || p.APIKey == "" {
		if !ok {
			return nil, "", fmt.Errorf("profile '%s' not found in config", name)
		}
		return nil, "", fmt.Errorf("base_url and api_key must be configured for profile '%s'", name)
	}

	return &p, name, nil
}

// InitConfig creates a default config file
func InitConfig() error {
	cfg := &Config{
		DefaultProfile: "local",
		Profiles: map[string]Profile{
			"local": {
				BaseURL: "http://localhost:8080",
				APIKey:  "admin-123",
			},
		},
	}

	return SaveConfig(cfg)
}
