package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_WithDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8095 {
		t.Errorf("Server.Port = %d, want 8095", cfg.Server.Port)
	}

	if cfg.Pipeline.TimeUnit() != time.Second {
		t.Errorf("Pipeline.TimeUnit() = %v, want 1s", cfg.Pipeline.TimeUnit())
	}

	if !cfg.Pipeline.DecodePayload {
		t.Error("Pipeline.DecodePayload should be true by default")
	}

	if cfg.Reconcile.PageSize != 500 {
		t.Errorf("Reconcile.PageSize = %d, want 500", cfg.Reconcile.PageSize)
	}

	if cfg.Link.LookbackUnits != 15 {
		t.Errorf("Link.LookbackUnits = %d, want 15", cfg.Link.LookbackUnits)
	}

	if cfg.Replay.LookbackUnits != 900 {
		t.Errorf("Replay.LookbackUnits = %d, want 900", cfg.Replay.LookbackUnits)
	}

	if cfg.Replay.Strategy != StrategyBatch {
		t.Errorf("Replay.Strategy = %q, want %q", cfg.Replay.Strategy, StrategyBatch)
	}

	if cfg.Invocation.Budget != time.Minute {
		t.Errorf("Invocation.Budget = %v, want 1m", cfg.Invocation.Budget)
	}

	if cfg.Database.Postgres.DSN() != "postgres://telhawk:@localhost:5432/telhawk_playback?sslmode=disable" {
		t.Errorf("Database.Postgres.DSN() = %q", cfg.Database.Postgres.DSN())
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("PLAYBACK_PIPELINE_TIME_UNIT_MS", "60000")
	t.Setenv("PLAYBACK_REPLAY_STRATEGY", "sequenced")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Pipeline.TimeUnit() != time.Minute {
		t.Errorf("Pipeline.TimeUnit() = %v, want 1m", cfg.Pipeline.TimeUnit())
	}
	if cfg.Replay.Strategy != StrategySequenced {
		t.Errorf("Replay.Strategy = %q, want %q", cfg.Replay.Strategy, StrategySequenced)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "playback.yaml")
	content := []byte(`
replay:
  walk: stride
  transport: opensearch
link:
  lookback_units: 900
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Replay.Walk != WalkStride {
		t.Errorf("Replay.Walk = %q, want %q", cfg.Replay.Walk, WalkStride)
	}
	if cfg.Replay.Transport != TransportOpenSearch {
		t.Errorf("Replay.Transport = %q, want %q", cfg.Replay.Transport, TransportOpenSearch)
	}
	if cfg.Link.LookbackUnits != 900 {
		t.Errorf("Link.LookbackUnits = %d, want 900", cfg.Link.LookbackUnits)
	}
}

func TestValidate(t *testing.T) {
	valid, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero time unit", func(c *Config) { c.Pipeline.TimeUnitMS = 0 }},
		{"zero reconcile page", func(c *Config) { c.Reconcile.PageSize = 0 }},
		{"unknown strategy", func(c *Config) { c.Replay.Strategy = "parallel" }},
		{"unknown walk", func(c *Config) { c.Replay.Walk = "random" }},
		{"unknown buffer backend", func(c *Config) { c.BufferStore.Backend = "dynamo" }},
		{"negative margin", func(c *Config) { c.Link.SafetyMarginUnits = -1 }},
		{"negative replay margin", func(c *Config) { c.Replay.SafetyMarginUnits = -1 }},
		{"zero replay lookback", func(c *Config) { c.Replay.LookbackUnits = 0 }},
		{"budget inside link margin", func(c *Config) {
			c.Pipeline.TimeUnitMS = 60_000
			c.Invocation.Budget = time.Minute
		}},
		{"budget equal to replay margin", func(c *Config) {
			c.Replay.SafetyMarginUnits = 60
			c.Invocation.Budget = time.Minute
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *valid
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}

	if err := valid.Validate(); err != nil {
		t.Errorf("Validate() on defaults = %v", err)
	}
}
