package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-playback/common/logging"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/seeder"
)

var (
	seedCount      int
	seedInterval   time.Duration
	seedTimeSpread time.Duration
	seedSeed       int64
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Publish synthetic beacon events to the capture stream",
	Long: `Generate realistic beacon traffic (page views, clicks, form submits)
and append it to the capture stream, as if it had arrived at /collect.

Examples:
  # 1000 events as fast as possible
  playbackctl seed --count 1000

  # Steady trickle, timestamps spread over the last hour
  playbackctl seed --count 600 --interval 100ms --time-spread 1h`,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().IntVarP(&seedCount, "count", "n", 100, "number of events to publish")
	seedCmd.Flags().DurationVar(&seedInterval, "interval", 0, "pause between events")
	seedCmd.Flags().DurationVar(&seedTimeSpread, "time-spread", 0, "spread event timestamps backwards from now")
	seedCmd.Flags().Int64Var(&seedSeed, "seed", 0, "random seed (default: time based)")
	rootCmd.AddCommand(seedCmd)
}

type seedResult struct {
	Sent     int    `json:"sent" yaml:"sent"`
	Failed   int    `json:"failed" yaml:"failed"`
	Duration string `json:"duration" yaml:"duration"`
}

func runSeed(cmd *cobra.Command, args []string) error {
	if seedCount <= 0 {
		return fmt.Errorf("--count must be positive")
	}

	publisher, closeFn, err := newPublisher(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer closeFn()

	logger := logging.NewWithWriter(cmd.ErrOrStderr(), logging.ParseLevel(cfg.Logging.Level), "text")
	runner := seeder.NewRunner(seeder.Config{
		Count:      seedCount,
		Interval:   seedInterval,
		TimeSpread: seedTimeSpread,
		Seed:       seedSeed,
	}, publisher, logger)

	summary, err := runner.Run(cmd.Context())
	if err != nil {
		return err
	}

	return Print(cmd.OutOrStdout(), outputFormat, seedResult{
		Sent:     summary.Sent,
		Failed:   summary.Failed,
		Duration: summary.Duration.Round(time.Millisecond).String(),
	})
}
