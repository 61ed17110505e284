package cli

import (
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-playback/playback/internal/config"
)

const redacted = "********"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration (file, environment and defaults merged)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return Print(cmd.OutOrStdout(), outputFormat, redact(*cfg))
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func redact(c config.Config) config.Config {
	if c.Database.Postgres.Password != "" {
		c.Database.Postgres.Password = redacted
	}
	if c.NATS.Password != "" {
		c.NATS.Password = redacted
	}
	if c.NATS.Token != "" {
		c.NATS.Token = redacted
	}
	if c.OpenSearch.Password != "" {
		c.OpenSearch.Password = redacted
	}
	return c
}
