package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/telhawk-systems/telhawk-playback/common/logging"
	"github.com/telhawk-systems/telhawk-playback/common/messaging"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/beacon"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/bufferstore"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/capture"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/config"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/eventstore"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/invoke"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/link"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/ratelimit"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/reconcile"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/replay"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/server"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/transport"

	natsclient "github.com/telhawk-systems/telhawk-playback/common/messaging/nats"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("playback"))
	logging.SetDefault(logger)

	slog.Info("Starting Playback service",
		slog.Int("port", cfg.Server.Port),
		slog.String("log_level", cfg.Logging.Level),
		slog.Int64("time_unit_ms", cfg.Pipeline.TimeUnitMS),
		slog.String("buffer_store", cfg.BufferStore.Backend),
		slog.String("event_store", cfg.EventStore.Backend),
		slog.String("replay_transport", cfg.Replay.Transport),
	)
	if *configPath != "" {
		slog.Info("Loaded configuration", slog.String("config_path", *configPath))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to NATS JetStream
	natsCfg := natsclient.DefaultConfig()
	natsCfg.URL = cfg.NATS.URL
	natsCfg.MaxReconnects = cfg.NATS.MaxReconnects
	natsCfg.ReconnectWait = cfg.NATS.ReconnectWait
	natsCfg.Username = cfg.NATS.Username
	natsCfg.Password = cfg.NATS.Password
	natsCfg.Token = cfg.NATS.Token

	js, err := natsclient.NewJetStreamClient(natsCfg)
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer js.Drain()

	setupCtx, setupCancel := context.WithTimeout(ctx, 30*time.Second)
	for _, stream := range []natsclient.StreamConfig{
		natsclient.CaptureStream,
		natsclient.InvocationStream,
		natsclient.ReplayStream,
	} {
		if _, err := js.CreateOrUpdateStream(setupCtx, stream); err != nil {
			log.Fatalf("Failed to create stream %s: %v", stream.Name, err)
		}
	}
	setupCancel()
	slog.Info("Connected to NATS JetStream", slog.String("url", cfg.NATS.URL))

	// Initialize stores
	buffer, err := openBufferStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open buffer store: %v", err)
	}
	defer buffer.Close()

	events, err := openEventStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open event store: %v", err)
	}
	defer events.Close()

	out, err := openTransport(cfg, js)
	if err != nil {
		log.Fatalf("Failed to create replay transport: %v", err)
	}
	defer out.Close()

	// Register pipeline components with the invocation worker
	dispatcher := invoke.NewJetStreamDispatcher(js)
	unit := cfg.Pipeline.TimeUnit()

	worker := invoke.NewWorker(cfg.Invocation.Budget, logger)
	worker.Register(messaging.ComponentReconcile, reconcile.New(buffer, events, dispatcher, reconcile.Config{
		TimeUnit:      unit,
		PageSize:      cfg.Reconcile.PageSize,
		DecodePayload: cfg.Pipeline.DecodePayload,
	}, logger))
	worker.Register(messaging.ComponentLink, link.New(events, dispatcher, link.Config{
		TimeUnit:          unit,
		LookbackUnits:     cfg.Link.LookbackUnits,
		SafetyMarginUnits: cfg.Link.SafetyMarginUnits,
	}, logger))
	worker.Register(messaging.ComponentReplay, replay.New(events, out, dispatcher, replay.Config{
		TimeUnit:          unit,
		PageSize:          cfg.Replay.PageSize,
		Strategy:          cfg.Replay.Strategy,
		Walk:              cfg.Replay.Walk,
		LookbackUnits:     cfg.Replay.LookbackUnits,
		SafetyMarginUnits: cfg.Replay.SafetyMarginUnits,
		Backoff: replay.Backoff{
			Initial: cfg.Replay.InitialBackoff,
			Max:     cfg.Replay.MaxBackoff,
		},
	}, logger))

	stopWorker, err := worker.Start(ctx, js)
	if err != nil {
		log.Fatalf("Failed to start invocation worker: %v", err)
	}
	defer stopWorker()

	// Periodic fresh invocations
	var scheduler *invoke.Scheduler
	if cfg.Schedule.Enabled {
		scheduler = invoke.NewScheduler(dispatcher, logger,
			invoke.Schedule{Component: messaging.ComponentReconcile, Interval: cfg.Schedule.ReconcileInterval},
			invoke.Schedule{Component: messaging.ComponentLink, Interval: cfg.Schedule.LinkInterval},
		)
		go scheduler.Start(ctx)
		slog.Info("Scheduler enabled",
			slog.Duration("reconcile_interval", cfg.Schedule.ReconcileInterval),
			slog.Duration("link_interval", cfg.Schedule.LinkInterval),
		)
	} else {
		slog.Info("Scheduler disabled")
	}

	// Capture writer
	captureDone := make(chan struct{})
	if cfg.Capture.Enabled {
		consumerCfg := natsclient.DefaultConsumerConfig(cfg.Capture.Consumer, messaging.SubjectCaptureEvents)
		if _, err := js.CreateOrUpdateConsumer(ctx, natsclient.CaptureStream.Name, consumerCfg); err != nil {
			log.Fatalf("Failed to create capture consumer: %v", err)
		}

		writer := capture.NewWriter(buffer, cfg.Capture.Concurrency, logger)
		consumer := capture.NewConsumer(js, writer, capture.ConsumerConfig{
			Stream:    natsclient.CaptureStream.Name,
			Consumer:  cfg.Capture.Consumer,
			BatchSize: cfg.Capture.BatchSize,
			FetchWait: cfg.Capture.FetchWait,
		}, logger)

		go func() {
			defer close(captureDone)
			if err := consumer.Run(ctx); err != nil {
				slog.Error("Capture consumer failed", slog.String("error", err.Error()))
			}
		}()
	} else {
		close(captureDone)
		slog.Info("Capture writer disabled")
	}

	// Beacon ingress
	var beaconHandler http.Handler
	if cfg.Beacon.Enabled {
		limiter := newRateLimiter(cfg)
		defer limiter.Close()
		beaconHandler = beacon.NewHandler(capture.NewStreamProducer(js), limiter, cfg.Beacon.MaxBodySize, logger)
	}

	router := server.NewRouter(beaconHandler, func() error {
		return messaging.Ready(js)
	})

	// Create server with config values
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		slog.Info("Playback service listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	<-ctx.Done()

	slog.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", slog.String("error", err.Error()))
	}
	if scheduler != nil {
		scheduler.Stop()
	}
	<-captureDone

	slog.Info("Playback service stopped")
}

func openBufferStore(cfg *config.Config) (bufferstore.Store, error) {
	if cfg.BufferStore.Backend == config.BackendMemory {
		slog.Warn("Using in-memory buffer store; buffered records are lost on restart")
		return bufferstore.NewMemoryStore(), nil
	}
	return bufferstore.NewRedisStore(cfg.Redis.URL)
}

func openEventStore(ctx context.Context, cfg *config.Config) (eventstore.Store, error) {
	if cfg.EventStore.Backend == config.BackendMemory {
		slog.Warn("Using in-memory event store; events are lost on restart")
		return eventstore.NewMemoryStore(), nil
	}

	dsn := cfg.Database.Postgres.DSN()
	if err := eventstore.MigrateUp(dsn); err != nil {
		return nil, err
	}
	return eventstore.NewPostgresStore(ctx, dsn)
}

func openTransport(cfg *config.Config, js *natsclient.JetStreamClient) (transport.Transport, error) {
	if cfg.Replay.Transport == config.TransportOpenSearch {
		return transport.NewOpenSearch(transport.OpenSearchConfig{
			URL:           cfg.OpenSearch.URL,
			Username:      cfg.OpenSearch.Username,
			Password:      cfg.OpenSearch.Password,
			TLSSkipVerify: cfg.OpenSearch.TLSSkipVerify,
			Index:         cfg.OpenSearch.Index,
		})
	}
	return transport.NewJetStream(js, cfg.Replay.Subject), nil
}

func newRateLimiter(cfg *config.Config) ratelimit.RateLimiter {
	if !cfg.RateLimit.Enabled {
		slog.Info("Rate limiting disabled in configuration")
		return &ratelimit.NoOpRateLimiter{}
	}

	limiter, err := ratelimit.NewRedisRateLimiter(cfg.Redis.URL, cfg.RateLimit.Requests, cfg.RateLimit.Window)
	if err != nil {
		slog.Warn("Failed to initialize Redis rate limiter, continuing without rate limiting",
			slog.String("error", err.Error()),
		)
		return &ratelimit.NoOpRateLimiter{}
	}
	slog.Info("Rate limiting enabled",
		slog.Int("requests", cfg.RateLimit.Requests),
		slog.Duration("window", cfg.RateLimit.Window),
	)
	return limiter
}
