package commands

import (
	"fmt"

	"github.com/TimurManjosov/goautorun/internal/auth"
	"github.com/spf13/cobra"
)

var keyRole string

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage admin API keys",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate an admin API key and its bcrypt hash",
	Long: `Generate a new API key for the admin API. The key is shown once; the server
only needs the hash.

  admin role:    set ADMIN_API_KEY_HASH to the printed hash
  readonly role: set VIEWER_API_KEY_HASH to the printed hash

Example:
  autorunctl keys generate --role readonly`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !auth.ValidateRole(keyRole) {
			return fmt.Errorf("invalid role %q, valid roles: readonly, admin", keyRole)
		}
		key, err := auth.GenerateAPIKey()
		if err != nil {
			return err
		}
		hash, err := auth.HashAPIKey(key)
		if err != nil {
			return err
		}

		env := "ADMIN_API_KEY_HASH"
		if auth.Role(keyRole) == auth.RoleReadonly {
			env = "VIEWER_API_KEY_HASH"
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Role: %s\n", keyRole)
		fmt.Fprintf(out, "Key:  %s\n", key)
		fmt.Fprintf(out, "%s=%s\n", env, hash)
		if !quiet {
			fmt.Fprintln(out, "\nStore the key now, it cannot be recovered from the hash.")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysGenerateCmd)
	keysGenerateCmd.Flags().StringVar(&keyRole, "role", string(auth.RoleAdmin), "Role the key grants (readonly, admin)")
}
