package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"depotboard/pkg/api"
	"depotboard/pkg/config"
	"depotboard/pkg/depot"
	"depotboard/pkg/logging"
	"depotboard/pkg/metrics"
	"depotboard/pkg/otel"
	"depotboard/pkg/pipeline"
	"depotboard/pkg/profiling"
	"depotboard/pkg/tracing"
)

func main() {
	// Command line flags
	var (
		dryRun       = flag.Bool("dry-run", false, "Print depot state to stdout instead of sending to Loki")
		configPath   = flag.String("config", getEnv("DEPOT_CONFIG", ""), "Depot configuration file (YAML)")
		depotID      = flag.String("depot", getEnv("DEPOT_ID", ""), "Depot ID, overrides the config file")
		schedule     = flag.String("schedule", getEnv("DEPOT_SCHEDULE", ""), "Schedule location (file path or URL)")
		fleet        = flag.String("fleet", getEnv("DEPOT_FLEET", ""), "Fleet location (file path or URL)")
		listen       = flag.String("listen", getEnv("DEPOT_LISTEN", ":8080"), "API listen address, empty to disable")
		lokiURL      = flag.String("loki-url", getEnv("DEPOT_LOKI_URL", "http://localhost:3100"), "Grafana Loki URL")
		lokiUser     = flag.String("loki-user", getEnv("DEPOT_LOKI_USER", ""), "Loki username (for Grafana Cloud authentication)")
		lokiPassword = flag.String("loki-password", getEnv("DEPOT_LOKI_PASSWORD", ""), "Loki password/token (for Grafana Cloud authentication)")
		interval     = flag.String("interval", getEnv("DEPOT_INTERVAL", ""), "Polling interval, overrides the config file")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Depot Board\n\n")
		fmt.Fprintf(os.Stderr, "Polls the depot schedule and fleet, derives live trip and vehicle\n")
		fmt.Fprintf(os.Stderr, "states, serves them over HTTP and pushes them to Grafana Loki.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  DEPOT_CONFIG        - Depot configuration file\n")
		fmt.Fprintf(os.Stderr, "  DEPOT_ID            - Depot ID\n")
		fmt.Fprintf(os.Stderr, "  DEPOT_SCHEDULE      - Schedule location\n")
		fmt.Fprintf(os.Stderr, "  DEPOT_FLEET         - Fleet location\n")
		fmt.Fprintf(os.Stderr, "  DEPOT_LISTEN        - API listen address (default: :8080)\n")
		fmt.Fprintf(os.Stderr, "  DEPOT_LOKI_URL      - Loki URL (default: http://localhost:3100)\n")
		fmt.Fprintf(os.Stderr, "  DEPOT_LOKI_USER     - Loki username (for Grafana Cloud)\n")
		fmt.Fprintf(os.Stderr, "  DEPOT_LOKI_PASSWORD - Loki password/token (for Grafana Cloud)\n")
		fmt.Fprintf(os.Stderr, "  DEPOT_INTERVAL      - Polling interval (default: 30s)\n")
		fmt.Fprintf(os.Stderr, "  LOG_LEVEL           - debug, info, warn or error (default: info)\n")
		fmt.Fprintf(os.Stderr, "  LOG_FORMAT          - text or json (default: text)\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Dry run with local files\n")
		fmt.Fprintf(os.Stderr, "  %s --dry-run --config=depot.yaml --schedule=schedule.json --fleet=fleet.xml\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Production mode with Grafana Cloud\n")
		fmt.Fprintf(os.Stderr, "  %s --config=depot.yaml \\\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "    --loki-url=https://logs-prod-us-central1.grafana.net \\\n")
		fmt.Fprintf(os.Stderr, "    --loki-user=123456 --loki-password=your_token\n\n")
	}

	flag.Parse()

	logging.InitLogging()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("Failed to load configuration", err)
	}
	if *depotID != "" {
		cfg.Depot.ID = *depotID
	}
	if *schedule != "" {
		cfg.Sources.Schedule = *schedule
	}
	if *fleet != "" {
		cfg.Sources.Fleet = *fleet
	}
	if *interval != "" {
		d, err := time.ParseDuration(*interval)
		if err != nil {
			fatal("Invalid interval format", err)
		}
		cfg.Sources.Interval = d
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration:\n%v\n\n", err)
		flag.Usage()
		os.Exit(1)
	}

	shutdownTracing, err := tracing.InitTracing(cfg.Depot.ID)
	if err != nil {
		fatal("Failed to initialize tracing", err)
	}
	defer shutdownTracing()

	shutdownMetrics, err := metrics.InitMetrics(cfg.Depot.ID)
	if err != nil {
		fatal("Failed to initialize metrics", err)
	}
	defer shutdownMetrics()

	shutdownProfiling, err := profiling.InitProfiling(cfg.Depot.ID, otel.Version)
	if err != nil {
		fatal("Failed to initialize profiling", err)
	}
	defer shutdownProfiling()

	store := depot.NewStore(depot.Options{
		DepotID:    cfg.Depot.ID,
		Windows:    cfg.StatusWindows(),
		SlotSize:   cfg.Slots.Size,
		BoardLimit: cfg.Board.Limit,
		Location:   cfg.Location(),
		Rollover:   cfg.Rollover(),
		Yard:       cfg.Yard,
		LineColors: cfg.LineColors,
	})

	pipelineInstance, err := pipeline.New(pipeline.Config{
		DryRun:            *dryRun,
		DepotID:           cfg.Depot.ID,
		ScheduleLocation:  cfg.Sources.Schedule,
		FleetLocation:     cfg.Sources.Fleet,
		LokiURL:           *lokiURL,
		LokiUser:          *lokiUser,
		LokiPassword:      *lokiPassword,
		Interval:          cfg.Sources.Interval,
		RecomputeInterval: cfg.Sources.RecomputeInterval,
		Watch:             cfg.Sources.Watch,
	}, store)
	if err != nil {
		fatal("Failed to create pipeline", err)
	}

	if *dryRun {
		slog.Info("Starting depot board in DRY RUN mode, data will be printed to stdout")
	} else {
		slog.Info("Starting depot board", "loki_url", *lokiURL)
	}
	slog.Info("Depot configuration",
		"depot", cfg.Depot.ID,
		"timezone", cfg.Depot.Timezone,
		"schedule", cfg.Sources.Schedule,
		"fleet", cfg.Sources.Fleet,
		"interval", cfg.Sources.Interval,
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 2)
	running := 1
	go func() {
		errChan <- pipelineInstance.Run(ctx)
	}()

	if *listen != "" {
		running++
		server := api.NewServer(store)
		go func() {
			errChan <- server.ListenAndServe(ctx, *listen)
		}()
	}

	// Wait for shutdown signal or error
	select {
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down gracefully", "signal", sig)
	case err := <-errChan:
		running--
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Component failed, shutting down", "error", err)
		}
	}
	cancel()

	timeout := time.After(5 * time.Second)
wait:
	for running > 0 {
		select {
		case <-errChan:
			running--
		case <-timeout:
			slog.Warn("Shutdown timeout, forcing exit")
			break wait
		}
	}

	slog.Info("Depot board shutdown complete")
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

// getEnv returns the value of an environment variable or a default value if not set
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
