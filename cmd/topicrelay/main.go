// Package main implements the entry point for the topic relay. The relay
// subscribes to bus topics, runs each message through the filtering and
// transformation pipeline, and forwards accepted results to a Loxone
// Miniserver over HTTP or websocket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/topicrelay/config"
	"github.com/c360/topicrelay/input/udp"
	"github.com/c360/topicrelay/metric"
	"github.com/c360/topicrelay/natsclient"
	"github.com/c360/topicrelay/output/miniserver"
	"github.com/c360/topicrelay/pkg/mssync"
	"github.com/c360/topicrelay/relay"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "topicrelay"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// CLI log level wins over the config file.
	logLevel := cfg.General.LogLevel
	if cliCfg.LogLevel != "" {
		logLevel = cliCfg.LogLevel
	}
	logger := setupLogger(logLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "path", cliCfg.ConfigPath)
		return nil
	}

	slog.Info("Starting topic relay",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	safe := config.NewSafe(cfg)

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	return runRelay(signalCtx, signalCancel, safe, cliCfg, logger)
}

// runRelay wires the components together and blocks until shutdown.
func runRelay(
	ctx context.Context,
	requestShutdown context.CancelFunc,
	safe *config.Safe,
	cliCfg *CLIConfig,
	logger *slog.Logger,
) error {
	cfg := safe.Get()

	// Metrics registry and endpoint.
	registry := metric.NewRegistry()
	var metricServer *metric.Server
	if cfg.Metrics.Enabled {
		metricServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry, logger)
		if err := metricServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer func() { _ = metricServer.Stop(5 * time.Second) }()
	}

	// Bus connection.
	client, err := createBusClient(cfg, logger)
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to bus: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = client.Close(closeCtx)
	}()

	// Downstream forwarder.
	forwarder, err := miniserver.NewForwarder(miniserver.Options{
		Config:  safe,
		Bus:     client,
		Logger:  logger,
		Metrics: registry,
	})
	if err != nil {
		return fmt.Errorf("create forwarder: %w", err)
	}
	defer func() { _ = forwarder.Close() }()

	// Processing pipeline.
	pipeline, err := relay.NewPipeline(relay.Options{
		Config:    safe,
		Forwarder: forwarder,
		Bus:       client,
		Logger:    logger,
		Metrics:   registry,
	})
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}
	if err := pipeline.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	defer func() { _ = pipeline.Stop(cliCfg.ShutdownTimeout) }()

	// Whitelist sync against the miniserver program.
	syncer, err := mssync.NewSyncer(safe, logger, nil)
	if err != nil {
		return fmt.Errorf("create whitelist syncer: %w", err)
	}
	syncWhitelist(ctx, syncer, safe, pipeline, logger)

	// Control plane.
	controller := config.NewController(safe, cliCfg.ConfigPath, client, config.Hooks{
		OnTopicsChanged: pipeline.ApplyTopics,
		OnRestart: func() {
			logger.Info("Restart requested, shutting down for supervisor restart")
			requestShutdown()
		},
		OnMiniserverStartup: func() {
			go syncWhitelist(ctx, syncer, safe, pipeline, logger)
		},
	}, logger)
	if err := controller.Start(ctx); err != nil {
		return fmt.Errorf("start control plane: %w", err)
	}

	// Data subscriptions.
	if err := subscribeTopics(ctx, client, safe, pipeline, logger); err != nil {
		return err
	}

	// UDP ingress.
	listener, err := udp.NewListener(safe.Get().UDP.InPort, client, logger)
	if err != nil {
		return fmt.Errorf("create udp listener: %w", err)
	}
	if err := listener.Start(ctx); err != nil {
		return fmt.Errorf("start udp listener: %w", err)
	}
	defer func() { _ = listener.Stop(5 * time.Second) }()

	slog.Info("Topic relay started")
	<-ctx.Done()
	slog.Info("Shutting down", "timeout", cliCfg.ShutdownTimeout)
	return nil
}

// createBusClient builds the NATS client from broker configuration.
func createBusClient(cfg *config.Config, logger *slog.Logger) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
	}
	if cfg.Broker.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Broker.Username, cfg.Broker.Password))
	}
	if cfg.Broker.ClientID != "" {
		opts = append(opts, natsclient.WithClientName(cfg.Broker.ClientID))
	}

	client, err := natsclient.NewClient(cfg.Broker.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bus client: %w", err)
	}
	return client, nil
}

// subscribeTopics sets up the data subscriptions feeding the pipeline.
func subscribeTopics(
	ctx context.Context,
	client *natsclient.Client,
	safe *config.Safe,
	pipeline *relay.Pipeline,
	logger *slog.Logger,
) error {
	topics := safe.Topics().Subscriptions
	if len(topics) == 0 {
		logger.Warn("No subscriptions configured, only UDP ingress will produce messages")
		return nil
	}

	for _, topic := range topics {
		if err := client.Subscribe(ctx, topic, func(ctx context.Context, subject string, data []byte) {
			pipeline.Process(ctx, subject, data)
		}); err != nil {
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}
		logger.Info("Subscribed to topic", "topic", topic)
	}
	return nil
}

// syncWhitelist pulls virtual inputs from the miniserver and installs them as
// the topic whitelist. Failures leave the current whitelist untouched.
func syncWhitelist(
	ctx context.Context,
	syncer *mssync.Syncer,
	safe *config.Safe,
	pipeline *relay.Pipeline,
	logger *slog.Logger,
) {
	inputs, err := syncer.Sync(ctx)
	if err != nil {
		logger.Error("Whitelist sync failed", "error", err)
		return
	}
	if inputs == nil {
		return
	}

	cfg := safe.Get()
	cfg.Topics.TopicWhitelist = inputs
	if err := safe.Update(cfg); err != nil {
		logger.Error("Rejected synced whitelist", "error", err)
		return
	}
	pipeline.UpdateWhitelist(inputs)
	logger.Info("Topic whitelist synced from miniserver", "count", len(inputs))
}
