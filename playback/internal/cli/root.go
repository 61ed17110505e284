// Package cli implements playbackctl, the operator command line for the
// playback pipeline.
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	natsclient "github.com/telhawk-systems/telhawk-playback/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/capture"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/config"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/invoke"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/seeder"
)

var (
	cfgFile      string
	outputFormat string
	cfg          *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "playbackctl",
	Short: "TelHawk Playback operator CLI",
	Long: `playbackctl operates a TelHawk Playback pipeline.

Trigger reconcile, link and replay invocations, seed synthetic beacon
traffic, manage the event store schema and inspect the effective
configuration.`,
	Version:           "0.1.0",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/telhawk/playback/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", FormatTable, "output format: table, json, yaml")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg = c
	return nil
}

// connect opens a JetStream connection and makes sure stream exists.
func connect(cfg *config.Config, stream natsclient.StreamConfig) (*natsclient.JetStreamClient, error) {
	natsCfg := natsclient.DefaultConfig()
	natsCfg.URL = cfg.NATS.URL
	natsCfg.Name = "playbackctl"
	natsCfg.MaxReconnects = 0
	natsCfg.Username = cfg.NATS.Username
	natsCfg.Password = cfg.NATS.Password
	natsCfg.Token = cfg.NATS.Token

	js, err := natsclient.NewJetStreamClient(natsCfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := js.CreateOrUpdateStream(ctx, stream); err != nil {
		js.Close()
		return nil, err
	}
	return js, nil
}

// Connection factories, replaced in tests.
var (
	newDispatcher = func(cfg *config.Config) (invoke.Dispatcher, func(), error) {
		js, err := connect(cfg, natsclient.InvocationStream)
		if err != nil {
			return nil, nil, err
		}
		return invoke.NewJetStreamDispatcher(js), func() { js.Close() }, nil
	}

	newPublisher = func(cfg *config.Config) (seeder.Publisher, func(), error) {
		js, err := connect(cfg, natsclient.CaptureStream)
		if err != nil {
			return nil, nil, err
		}
		return capture.NewStreamProducer(js), func() { js.Close() }, nil
	}
)
