package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pausenow/pingwatch/internal/alerter"
	"github.com/pausenow/pingwatch/internal/api"
	"github.com/pausenow/pingwatch/internal/config"
	"github.com/pausenow/pingwatch/internal/dispatcher"
	"github.com/pausenow/pingwatch/internal/evaluator"
	"github.com/pausenow/pingwatch/internal/events"
	"github.com/pausenow/pingwatch/internal/notifier"
	"github.com/pausenow/pingwatch/internal/registry"
	"github.com/pausenow/pingwatch/internal/relay"
	"github.com/pausenow/pingwatch/internal/sweep"
	"github.com/pausenow/pingwatch/internal/version"
	"github.com/pausenow/pingwatch/internal/webui"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "/config/pingwatch.yaml", "Path to configuration file (.yaml or .toml)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error); overrides logging.level")
	flag.Parse()

	// Captures the last 1000 log entries for /api/logs and the dashboard
	logBuffer := webui.NewLogBuffer(1000)

	logger := zerolog.New(io.MultiWriter(os.Stdout, logBuffer)).With().
		Timestamp().
		Str("version", version.Version).
		Str("commit", version.Commit).
		Logger()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("config_path", *configPath).
			Msg("Failed to load configuration")
	}

	level := cfg.Logging.Level
	if *logLevel != "" {
		level = *logLevel
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)

	logger.Info().
		Str("version", version.Get().String()).
		Str("registry", cfg.Registry.Driver).
		Str("transport", cfg.Transport.Type).
		Dur("interval", cfg.Sweep.Interval).
		Dur("response_timeout", cfg.Sweep.ResponseTimeout).
		Dur("heartbeat_window", cfg.Sweep.HeartbeatFreshnessWindow).
		Msg("Starting pingwatch")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, closeRegistry, err := openRegistry(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open registry")
	}
	defer closeRegistry()

	transport, closeTransport, err := openTransport(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create push transport")
	}
	defer closeTransport()

	eval := evaluator.NewEvaluator(evaluator.Config{
		ResponseTimeout:          cfg.Sweep.ResponseTimeout,
		HeartbeatFreshnessWindow: cfg.Sweep.HeartbeatFreshnessWindow,
	}, logger)

	disp := dispatcher.New(reg, transport, dispatcher.Config{
		Pacing:           cfg.Sweep.DispatchPacing,
		OperationTimeout: cfg.Sweep.OperationTimeout,
		Concurrency:      cfg.Sweep.Concurrency,
	}, logger)

	alertEngine := alerter.NewEngine(transport, alerter.Config{
		OperationTimeout: cfg.Sweep.OperationTimeout,
		Concurrency:      cfg.Sweep.Concurrency,
	}, logger)

	sweeper := sweep.New(reg, eval, disp, alertEngine, sweep.Config{
		Interval:         cfg.Sweep.Interval,
		OperationTimeout: cfg.Sweep.OperationTimeout,
		Concurrency:      cfg.Sweep.Concurrency,
	}, logger)

	if cfg.Events.Enabled {
		publisher, err := events.Connect(ctx, cfg.Events.NATSURL, cfg.Events.Stream, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("url", cfg.Events.NATSURL).Msg("Failed to connect event publisher")
		}
		defer publisher.Close()
		sweeper.WithPublisher(publisher)
	}

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.Run(ctx)
	}()

	apiServer := api.NewServer(reg, alertEngine, sweeper, transport, logger, cfg.API.Port)
	apiServer.SetLogBuffer(logBuffer)
	apiServer.SetAPIKey(cfg.APIKey())
	apiServer.SetOperationTimeout(cfg.Sweep.OperationTimeout)
	apiServer.SetRelay(relay.New(transport, relay.Config{
		Pacing:           cfg.Sweep.DispatchPacing,
		OperationTimeout: cfg.Sweep.OperationTimeout,
	}, logger))

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error().
				Err(err).
				Msg("API server error")
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info().Str("port", cfg.API.Port).Msg("pingwatch running, press Ctrl+C to stop")

	select {
	case <-sigChan:
	case <-ctx.Done():
	}
	logger.Info().Msg("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down API server")
	}

	cancel()
	<-sweepDone
	logger.Info().Msg("pingwatch stopped")
}

func openRegistry(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (registry.Registry, func(), error) {
	switch cfg.Registry.Driver {
	case config.DriverPostgres:
		store, err := registry.NewPostgresStore(ctx, cfg.Registry.Postgres, cfg.PostgresPassword(), logger)
		if err != nil {
			return nil, nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, store.Close, nil

	case config.DriverMemory:
		if cfg.Registry.SeedFile == "" {
			logger.Warn().Msg("Memory registry without seed file starts empty")
			return registry.NewMemoryStore(), func() {}, nil
		}
		store, err := registry.LoadSeedFile(cfg.Registry.SeedFile)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("seed_file", cfg.Registry.SeedFile).Msg("Memory registry seeded")
		return store, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unsupported registry driver %q", cfg.Registry.Driver)
}

func openTransport(cfg *config.Config, logger zerolog.Logger) (notifier.Transport, func(), error) {
	switch cfg.Transport.Type {
	case config.TransportGateway:
		gw := cfg.Transport.Gateway
		return notifier.NewGatewayTransport(gw.URL, cfg.GatewayAPIKey(), gw.Timeout, logger), func() {}, nil

	case config.TransportNATS:
		nc := cfg.Transport.NATS
		t, err := notifier.ConnectNATSTransport(nc.URL, nc.Subject, nc.Timeout, logger)
		if err != nil {
			return nil, nil, err
		}
		return t, func() {
			if err := t.Close(); err != nil {
				logger.Warn().Err(err).Msg("Error draining NATS transport")
			}
		}, nil

	case config.TransportLog:
		logger.Warn().Msg("Log transport selected: probes and alerts are not delivered")
		return notifier.NewLogTransport(logger), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unsupported transport type %q", cfg.Transport.Type)
}
