package commands

import (
	"fmt"

	"github.com/TimurManjosov/goautorun/internal/cli"
	"github.com/TimurManjosov/goautorun/internal/engine"
	"github.com/TimurManjosov/goautorun/internal/rules"
	"github.com/spf13/cobra"
)

var (
	rulesDir string
	matchFP  rules.Fingerprint
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and validate autorun rules",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate <dir>",
	Short: "Validate a rule directory offline",
	Long: `Load every rule file in a directory exactly as the server would and report
each rejected definition. Exits non-zero if any rule was rejected.

Example:
  autorunctl rules validate ./autorun`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := rules.LoadDir(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if !quiet {
			fmt.Fprintf(out, "%d file(s), %d rule(s) accepted, %d rejected\n", res.Files, len(res.Rules), len(res.Errors))
			if len(res.Errors) > 0 {
				if err := cli.PrintRejected(out, cli.Rejected(res.Errors), cli.OutputFormat(format)); err != nil {
					return err
				}
			}
		}
		if len(res.Errors) > 0 {
			return fmt.Errorf("%d rule definition(s) rejected", len(res.Errors))
		}
		return nil
	},
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules from a directory or the server",
	Long: `List rules in load order. With --dir the directory is read locally,
otherwise the server's active snapshot is listed.

Examples:
  autorunctl rules list --dir ./autorun
  autorunctl rules list --profile lab --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var rs []rules.Rule
		if rulesDir != "" {
			res, err := rules.LoadDir(rulesDir)
			if err != nil {
				return err
			}
			for _, le := range res.Errors {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", le)
			}
			rs = res.Rules
		} else {
			c, err := remote()
			if err != nil {
				return err
			}
			set, err := c.ListRules(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list rules: %w", err)
			}
			rs = set.Rules
		}
		return printRules(cmd, rs)
	},
}

var rulesMatchCmd = &cobra.Command{
	Use:   "match",
	Short: "Show which rules a fingerprint would trigger",
	Long: `Match a concrete browser fingerprint against the rules, most specific first.

Example:
  autorunctl rules match --browser firefox --browser-version 128 --os windows --os-version 11 --dir ./autorun`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := matchFP.Validate(); err != nil {
			return err
		}
		var matched []rules.Rule
		if rulesDir != "" {
			res, err := rules.LoadDir(rulesDir)
			if err != nil {
				return err
			}
			matched = engine.Match(res.Rules, matchFP)
		} else {
			c, err := remote()
			if err != nil {
				return err
			}
			matched, err = c.MatchRules(cmd.Context(), matchFP)
			if err != nil {
				return fmt.Errorf("failed to match rules: %w", err)
			}
		}
		return printRules(cmd, matched)
	},
}

var rulesReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Make the server re-read its rule directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := remote()
		if err != nil {
			return err
		}
		set, err := c.ReloadRules(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to reload rules: %w", err)
		}
		if quiet {
			return nil
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Reloaded: %d rule(s) active, %d rejected, etag %s\n", len(set.Rules), len(set.Rejected), set.ETag)
		if len(set.Rejected) > 0 {
			return cli.PrintRejected(out, set.Rejected, cli.OutputFormat(format))
		}
		return nil
	},
}

func printRules(cmd *cobra.Command, rs []rules.Rule) error {
	if quiet {
		return nil
	}
	if len(rs) == 0 && cli.OutputFormat(format) == cli.FormatTable {
		fmt.Fprintln(cmd.OutOrStdout(), "No rules found")
		return nil
	}
	return cli.PrintRules(cmd.OutOrStdout(), rs, cli.OutputFormat(format))
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesValidateCmd, rulesListCmd, rulesMatchCmd, rulesReloadCmd)

	for _, c := range []*cobra.Command{rulesListCmd, rulesMatchCmd} {
		c.Flags().StringVar(&rulesDir, "dir", "", "Read rules from this directory instead of the server")
	}
	rulesMatchCmd.Flags().StringVar(&matchFP.Browser, "browser", "", "Browser name")
	rulesMatchCmd.Flags().StringVar(&matchFP.BrowserVersion, "browser-version", "", "Browser version")
	rulesMatchCmd.Flags().StringVar(&matchFP.OS, "os", "", "Operating system")
	rulesMatchCmd.Flags().StringVar(&matchFP.OSVersion, "os-version", "", "Operating system version")
	for _, name := range []string{"browser", "browser-version", "os", "os-version"} {
		_ = rulesMatchCmd.MarkFlagRequired(name)
	}
}
