package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Ordering strategies, walk modes and transports accepted by the replayer.
const (
	StrategyBatch     = "batch"
	StrategySequenced = "sequenced"

	WalkStride = "stride"
	WalkChain  = "chain"

	TransportJetStream  = "jetstream"
	TransportOpenSearch = "opensearch"

	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	Server      ServerConfig     `mapstructure:"server" yaml:"server"`
	Logging     LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	NATS        NATSConfig       `mapstructure:"nats" yaml:"nats"`
	Redis       RedisConfig      `mapstructure:"redis" yaml:"redis"`
	Database    DatabaseConfig   `mapstructure:"database" yaml:"database"`
	OpenSearch  OpenSearchConfig `mapstructure:"opensearch" yaml:"opensearch"`
	Pipeline    PipelineConfig   `mapstructure:"pipeline" yaml:"pipeline"`
	BufferStore StoreConfig      `mapstructure:"buffer_store" yaml:"buffer_store"`
	EventStore  StoreConfig      `mapstructure:"event_store" yaml:"event_store"`
	Capture     CaptureConfig    `mapstructure:"capture" yaml:"capture"`
	Reconcile   ReconcileConfig  `mapstructure:"reconcile" yaml:"reconcile"`
	Link        LinkConfig       `mapstructure:"link" yaml:"link"`
	Replay      ReplayConfig     `mapstructure:"replay" yaml:"replay"`
	Invocation  InvocationConfig `mapstructure:"invocation" yaml:"invocation"`
	Schedule    ScheduleConfig   `mapstructure:"schedule" yaml:"schedule"`
	Beacon      BeaconConfig     `mapstructure:"beacon" yaml:"beacon"`
	RateLimit   RateLimitConfig  `mapstructure:"ratelimit" yaml:"ratelimit"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url" yaml:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
	Username      string        `mapstructure:"username" yaml:"username"`
	Password      string        `mapstructure:"password" yaml:"password"`
	Token         string        `mapstructure:"token" yaml:"token"`
}

type RedisConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Database string `mapstructure:"database" yaml:"database"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

// DSN renders the connection string understood by pgx and golang-migrate.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

type OpenSearchConfig struct {
	URL           string `mapstructure:"url" yaml:"url"`
	Username      string `mapstructure:"username" yaml:"username"`
	Password      string `mapstructure:"password" yaml:"password"`
	TLSSkipVerify bool   `mapstructure:"tls_skip_verify" yaml:"tls_skip_verify"`
	Index         string `mapstructure:"index" yaml:"index"`
}

type PipelineConfig struct {
	// TimeUnitMS is the slot granularity in milliseconds.
	TimeUnitMS    int64 `mapstructure:"time_unit_ms" yaml:"time_unit_ms"`
	DecodePayload bool  `mapstructure:"decode_payload" yaml:"decode_payload"`
}

// TimeUnit returns the slot granularity as a duration.
func (p PipelineConfig) TimeUnit() time.Duration {
	return time.Duration(p.TimeUnitMS) * time.Millisecond
}

type StoreConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
}

type CaptureConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	Consumer    string        `mapstructure:"consumer" yaml:"consumer"`
	BatchSize   int           `mapstructure:"batch_size" yaml:"batch_size"`
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`
	FetchWait   time.Duration `mapstructure:"fetch_wait" yaml:"fetch_wait"`
}

type ReconcileConfig struct {
	PageSize int `mapstructure:"page_size" yaml:"page_size"`
}

type LinkConfig struct {
	LookbackUnits     int `mapstructure:"lookback_units" yaml:"lookback_units"`
	SafetyMarginUnits int `mapstructure:"safety_margin_units" yaml:"safety_margin_units"`
}

type ReplayConfig struct {
	LookbackUnits     int `mapstructure:"lookback_units" yaml:"lookback_units"`
	SafetyMarginUnits int `mapstructure:"safety_margin_units" yaml:"safety_margin_units"`

	PageSize       int           `mapstructure:"page_size" yaml:"page_size"`
	Strategy       string        `mapstructure:"strategy" yaml:"strategy"`
	Walk           string        `mapstructure:"walk" yaml:"walk"`
	Transport      string        `mapstructure:"transport" yaml:"transport"`
	Subject        string        `mapstructure:"subject" yaml:"subject"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
}

type InvocationConfig struct {
	Budget time.Duration `mapstructure:"budget" yaml:"budget"`
}

type ScheduleConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval" yaml:"reconcile_interval"`
	LinkInterval      time.Duration `mapstructure:"link_interval" yaml:"link_interval"`
}

type BeaconConfig struct {
	Enabled     bool  `mapstructure:"enabled" yaml:"enabled"`
	MaxBodySize int64 `mapstructure:"max_body_size" yaml:"max_body_size"`
}

type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Requests int           `mapstructure:"requests" yaml:"requests"`
	Window   time.Duration `mapstructure:"window" yaml:"window"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.port", 8095)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.database", "telhawk_playback")
	v.SetDefault("database.postgres.user", "telhawk")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("opensearch.url", "https://localhost:9200")
	v.SetDefault("opensearch.username", "admin")
	v.SetDefault("opensearch.tls_skip_verify", true)
	v.SetDefault("opensearch.index", "telhawk-playback")
	v.SetDefault("pipeline.time_unit_ms", 1000)
	v.SetDefault("pipeline.decode_payload", true)
	v.SetDefault("buffer_store.backend", BackendRedis)
	v.SetDefault("event_store.backend", BackendPostgres)
	v.SetDefault("capture.enabled", true)
	v.SetDefault("capture.consumer", "playback-capture-writer")
	v.SetDefault("capture.batch_size", 100)
	v.SetDefault("capture.concurrency", 16)
	v.SetDefault("capture.fetch_wait", "5s")
	v.SetDefault("reconcile.page_size", 500)
	v.SetDefault("link.lookback_units", 15)
	v.SetDefault("link.safety_margin_units", 5)
	v.SetDefault("replay.lookback_units", 900)
	v.SetDefault("replay.safety_margin_units", 5)
	v.SetDefault("replay.page_size", 500)
	v.SetDefault("replay.strategy", StrategyBatch)
	v.SetDefault("replay.walk", WalkChain)
	v.SetDefault("replay.transport", TransportJetStream)
	v.SetDefault("replay.subject", "playback.replay.events")
	v.SetDefault("replay.initial_backoff", "100ms")
	v.SetDefault("replay.max_backoff", "10s")
	v.SetDefault("invocation.budget", "60s")
	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.reconcile_interval", "1m")
	v.SetDefault("schedule.link_interval", "1m")
	v.SetDefault("beacon.enabled", true)
	v.SetDefault("beacon.max_body_size", 65536)
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.requests", 600)
	v.SetDefault("ratelimit.window", "1m")

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/telhawk/playback")
	}

	// Environment variables override, e.g. PLAYBACK_PIPELINE_TIME_UNIT_MS
	v.SetEnvPrefix("PLAYBACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate reports every setting that would make the pipeline misbehave.
func (c *Config) Validate() error {
	var errs []error

	if c.Pipeline.TimeUnitMS <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.time_unit_ms must be positive, got %d", c.Pipeline.TimeUnitMS))
	}
	if c.Reconcile.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("reconcile.page_size must be positive, got %d", c.Reconcile.PageSize))
	}
	if c.Replay.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("replay.page_size must be positive, got %d", c.Replay.PageSize))
	}
	if c.Capture.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("capture.batch_size must be positive, got %d", c.Capture.BatchSize))
	}
	if c.Link.LookbackUnits <= 0 {
		errs = append(errs, fmt.Errorf("link.lookback_units must be positive, got %d", c.Link.LookbackUnits))
	}
	if c.Link.SafetyMarginUnits < 0 {
		errs = append(errs, fmt.Errorf("link.safety_margin_units must not be negative, got %d", c.Link.SafetyMarginUnits))
	}
	if c.Replay.LookbackUnits <= 0 {
		errs = append(errs, fmt.Errorf("replay.lookback_units must be positive, got %d", c.Replay.LookbackUnits))
	}
	if c.Replay.SafetyMarginUnits < 0 {
		errs = append(errs, fmt.Errorf("replay.safety_margin_units must not be negative, got %d", c.Replay.SafetyMarginUnits))
	}
	if c.Invocation.Budget <= 0 {
		errs = append(errs, fmt.Errorf("invocation.budget must be positive, got %s", c.Invocation.Budget))
	}

	// A budget at or below a safety margin leaves no time to scan anything.
	unit := c.Pipeline.TimeUnit()
	for key, units := range map[string]int{
		"link.safety_margin_units":   c.Link.SafetyMarginUnits,
		"replay.safety_margin_units": c.Replay.SafetyMarginUnits,
	} {
		if margin := time.Duration(units) * unit; c.Invocation.Budget <= margin {
			errs = append(errs, fmt.Errorf("invocation.budget %s must exceed %s (%d x %s)",
				c.Invocation.Budget, key, units, unit))
		}
	}

	errs = append(errs,
		oneOf("replay.strategy", c.Replay.Strategy, StrategyBatch, StrategySequenced),
		oneOf("replay.walk", c.Replay.Walk, WalkStride, WalkChain),
		oneOf("replay.transport", c.Replay.Transport, TransportJetStream, TransportOpenSearch),
		oneOf("buffer_store.backend", c.BufferStore.Backend, BackendRedis, BackendMemory),
		oneOf("event_store.backend", c.EventStore.Backend, BackendPostgres, BackendMemory),
	)

	return errors.Join(errs...)
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), value)
}
