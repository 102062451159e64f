package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sgerhart/aegisflux/backend/triage/internal/api"
	"github.com/sgerhart/aegisflux/backend/triage/internal/config"
	"github.com/sgerhart/aegisflux/backend/triage/internal/metrics"
	triagenats "github.com/sgerhart/aegisflux/backend/triage/internal/nats"
	"github.com/sgerhart/aegisflux/backend/triage/internal/pipeline"
	"github.com/sgerhart/aegisflux/backend/triage/internal/response"
	"github.com/sgerhart/aegisflux/backend/triage/internal/rules"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

func main() {
	// .env only fills variables that are not already set
	_ = godotenv.Load()

	if err := newRootCmd(config.NewViper()).ExecuteContext(context.Background()); err != nil {
		slog.Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "triage",
		Short:         "AegisFlux telemetry triage service",
		Long:          "Scores endpoint events, learns per-source baselines, correlates incidents and emits response signals.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("http-addr", ":8086", "Address for the operator HTTP API")
	flags.String("nats-url", "nats://localhost:4222", "NATS server URL")
	flags.String("rules-dir", "rules.d", "Directory containing weight table files")
	flags.Bool("hot-reload", false, "Reload weight tables when files change")
	flags.String("kafka-brokers", "", "Comma separated Kafka brokers for response signals")
	flags.String("config-api-url", "", "Base URL of the config-api")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")

	bindFlags(v, cmd, map[string]string{
		"http.addr":        "http-addr",
		"nats.url":         "nats-url",
		"rules.dir":        "rules-dir",
		"rules.hot_reload": "hot-reload",
		"kafka.brokers":    "kafka-brokers",
		"config_api.url":   "config-api-url",
		"log_level":        "log-level",
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("triage %s\n", version)
		},
	})

	return cmd
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for key, flag := range keys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			panic(fmt.Sprintf("failed to bind %s flag: %v", flag, err))
		}
	}
}

func run(parent context.Context, cfg *config.Config) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.GetLogLevel(),
	}))
	slog.SetDefault(logger)

	logger.Info("Starting AegisFlux Triage Service", "version", version)
	logger.Info("Configuration loaded",
		"http_addr", cfg.HTTP.Addr,
		"nats_url", cfg.NATS.URL,
		"subject_in", cfg.NATS.SubjectIn,
		"rules_dir", cfg.Rules.Dir,
		"hot_reload", cfg.Rules.HotReload,
		"kafka_enabled", cfg.Kafka.Brokers != "",
		"config_api_url", cfg.ConfigAPI.URL,
		"window_size", cfg.Triage.WindowSize,
		"history_size", cfg.Triage.HistorySize,
		"incident_threshold", cfg.Triage.IncidentThreshold,
		"retrain_interval", cfg.Triage.RetrainInterval.String(),
		"incident_ttl", cfg.Triage.IncidentTTL.String())

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(registry)

	// Weight tables
	ruleLoader := rules.NewLoader(cfg.Rules.Dir, cfg.Rules.HotReload, cfg.Rules.DebounceMs, logger)
	weights := rules.DefaultWeights
	if snapshot, err := ruleLoader.LoadSnapshot(); err != nil {
		logger.Warn("Failed to load weight tables, using built-in weights", "rules_dir", cfg.Rules.Dir, "error", err)
		m.IncWeightTableReload("fallback")
	} else {
		weights = snapshot.Weights
		m.IncWeightTableReload("ok")
	}
	scorer, err := rules.NewScorer(weights)
	if err != nil {
		return fmt.Errorf("invalid weight table: %w", err)
	}
	m.SetWeightsLoaded(len(scorer.Weights()))

	go applyWeightUpdates(ctx, ruleLoader, ruleLoader.Subscribe(), scorer, m, logger)
	if err := ruleLoader.WatchForChanges(); err != nil {
		return fmt.Errorf("failed to start weight table watcher: %w", err)
	}
	defer ruleLoader.Stop()

	// NATS
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("aegisflux-triage"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			m.SetNatsConnected(false)
			logger.Warn("Disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			m.SetNatsConnected(true)
			logger.Info("Reconnected to NATS", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()
	m.SetNatsConnected(true)
	logger.Info("Connected to NATS", "url", nc.ConnectedUrl())

	// Response sinks
	sinks := []response.Sink{
		response.NewNATSSink(nc, cfg.NATS.SubjectResponses, cfg.Notify.CompressThreshold),
	}
	if cfg.Kafka.Brokers != "" {
		writer := response.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		sinks = append(sinks, response.NewKafkaSink(writer, cfg.Notify.CompressThreshold))
		logger.Info("Kafka response sink enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	notifier := response.NewNotifier(cfg.Notify.QueueSize, cfg.Notify.Timeout, m, logger, sinks...)

	svc := pipeline.New(cfg.Pipeline(), scorer, notifier, m, logger)
	svc.SetPublisher(triagenats.NewEventPublisher(nc, cfg.NATS.SubjectScored))

	// Live configuration
	configManager := config.NewManager(cfg.ConfigAPI.URL, nc, logger)
	configManager.Subscribe(func(snapshot *config.Snapshot) {
		svc.SetRetrainInterval(snapshot.RetrainInterval)
		svc.SetIncidentTTL(snapshot.IncidentTTL)
	})
	if err := configManager.Initialize(ctx, cfg.Snapshot()); err != nil {
		logger.Warn("Failed to initialize configuration manager, using local configuration", "error", err)
	}
	defer configManager.Close()

	svc.Start(ctx)
	defer svc.Stop()

	// Event subscriber
	validator, err := triagenats.NewSchemaValidator()
	if err != nil {
		return err
	}
	subscriber := triagenats.NewSubscriber(nc, svc, validator, cfg.NATS.SubjectIn, cfg.NATS.Queue, m, logger)
	subscriberDone := make(chan error, 1)
	go func() {
		subscriberDone <- subscriber.Subscribe(ctx)
	}()

	// HTTP API
	httpAPI := api.NewHTTPAPI(svc, scorer, m, registry, nc, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpAPI.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.Info("Triage service started successfully")

	var runErr error
	subscriberStopped := false
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		runErr = fmt.Errorf("HTTP server error: %w", err)
	case err := <-subscriberDone:
		subscriberStopped = true
		if err != nil {
			runErr = fmt.Errorf("NATS subscriber error: %w", err)
		}
	}
	stop()

	logger.Info("Shutting down triage service...")

	if !subscriberStopped {
		if err := <-subscriberDone; err != nil {
			logger.Error("NATS subscriber error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("Triage service stopped")
	return runErr
}

// applyWeightUpdates swaps the scorer table whenever the loader publishes a
// new snapshot. A table the scorer rejects leaves the previous one active.
func applyWeightUpdates(ctx context.Context, loader *rules.Loader, updates <-chan struct{}, scorer *rules.Scorer, m *metrics.Metrics, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-updates:
		}

		snapshot := loader.GetSnapshot()
		if err := scorer.Update(snapshot.Weights); err != nil {
			m.IncWeightTableReload("error")
			logger.Error("Rejected weight table update, keeping previous weights", "error", err)
			continue
		}
		m.IncWeightTableReload("ok")
		m.SetWeightsLoaded(len(snapshot.Weights))
		logger.Info("Weight table applied", "indicators", len(snapshot.Weights), "version", snapshot.Version)
	}
}
