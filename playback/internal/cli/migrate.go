package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-playback/playback/internal/eventstore"
)

// Schema operations, replaced in tests.
var (
	migrateUp   = eventstore.MigrateUp
	migrateDown = eventstore.MigrateDown
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the event store schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending event store migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := migrateUp(cfg.Database.Postgres.DSN()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Event store schema is up to date")
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Revert every event store migration (drops all stored events)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("refusing to drop the event store without --yes")
		}
		if err := migrateDown(cfg.Database.Postgres.DSN()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Event store schema reverted")
		return nil
	},
}

func init() {
	migrateDownCmd.Flags().Bool("yes", false, "confirm dropping the event store")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)
	rootCmd.AddCommand(migrateCmd)
}
