package commands

import (
	"fmt"

	"github.com/TimurManjosov/goautorun/internal/cli"
	"github.com/TimurManjosov/goautorun/internal/client"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	baseURL string
	apiKey  string
	profile string
	format  string
	quiet   bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "autorunctl",
	Short: "CLI tool for autorun rules and hooked sessions",
	Long: `autorunctl validates autorun rule directories offline and inspects a running
autorun server: its active rules, hooked sessions and chain executions.

Examples:
  autorunctl rules validate ./autorun
  autorunctl rules match --browser chrome --browser-version 120 --os linux --os-version 6 --dir ./autorun
  autorunctl rules reload --profile lab
  autorunctl sessions list --format json
  autorunctl sessions get <session-id>
  autorunctl keys generate --role readonly`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "Base URL of the autorun server")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Admin API key")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "Profile from ~/.autorun/config.yaml")
	rootCmd.PersistentFlags().StringVar(&format, "format", "table", "Output format (table, json, yaml)")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress output")
}

// remote builds an API client from flags, environment and the config file.
func remote() (*client.Client, error) {
	p, _, err := cli.ResolveProfile(profile, baseURL, apiKey)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return client.NewClient(p.BaseURL, p.APIKey), nil
}
