package commands

import (
	"fmt"
	"sort"

	"github.com/TimurManjosov/goautorun/internal/cli"
	"github.com/TimurManjosov/goautorun/internal/session"
	"github.com/spf13/cobra"
)

var sessionsOnlineOnly bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect hooked sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List hooked sessions",
	Long: `List every session known to the server, oldest first.

Examples:
  autorunctl sessions list
  autorunctl sessions list --online-only --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := remote()
		if err != nil {
			return err
		}
		hb, err := c.ListSessions(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}

		all := make([]session.Info, 0, len(hb.Online)+len(hb.Offline))
		for _, info := range hb.Online {
			all = append(all, info)
		}
		if !sessionsOnlineOnly {
			for _, info := range hb.Offline {
				all = append(all, info)
			}
		}
		sort.Slice(all, func(i, j int) bool { return all[i].HookedAt.Before(all[j].HookedAt) })

		if quiet {
			return nil
		}
		if len(all) == 0 && cli.OutputFormat(format) == cli.FormatTable {
			fmt.Fprintln(cmd.OutOrStdout(), "No sessions found")
			return nil
		}
		return cli.PrintSessions(cmd.OutOrStdout(), all, cli.OutputFormat(format))
	},
}

var sessionsGetCmd = &cobra.Command{
	Use:   "get <session-id>",
	Short: "Show a session and its autorun executions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := remote()
		if err != nil {
			return err
		}
		info, err := c.GetSession(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get session: %w", err)
		}
		xs, err := c.Executions(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get executions: %w", err)
		}
		if quiet {
			return nil
		}
		out := cmd.OutOrStdout()
		if cli.OutputFormat(format) == cli.FormatTable {
			if err := cli.PrintSessions(out, []session.Info{*info}, cli.FormatTable); err != nil {
				return err
			}
		}
		return cli.PrintSession(out, info, xs, cli.OutputFormat(format))
	},
}

var sessionsExpireCmd = &cobra.Command{
	Use:   "expire <session-id>",
	Short: "Expire a session, aborting its running chains",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := remote()
		if err != nil {
			return err
		}
		if err := c.ExpireSession(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to expire session: %w", err)
		}
		if !quiet {
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s expired\n", args[0])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsGetCmd, sessionsExpireCmd)
	sessionsListCmd.Flags().BoolVar(&sessionsOnlineOnly, "online-only", false, "Show only pending and online sessions")
}
