// Remedyd ingests error events from telemetry collectors, correlates them
// into incidents, and drives template-generated fix candidates through a
// human review workflow.
//
// Usage:
//
//	# Start daemon with defaults
//	remedyd
//
//	# Configure via file and environment
//	remedyd -config /etc/remedyd/config.yaml
//	REMEDYD_SERVER__PORT=9090 remedyd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/audit"
	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/correlation"
	"github.com/fyrsmithlabs/remedyd/internal/event"
	"github.com/fyrsmithlabs/remedyd/internal/fixgen"
	"github.com/fyrsmithlabs/remedyd/internal/httpapi"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/notify"
	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
	"github.com/fyrsmithlabs/remedyd/internal/review"
	"github.com/fyrsmithlabs/remedyd/internal/scheduler"
	"github.com/fyrsmithlabs/remedyd/internal/signature"
	"github.com/fyrsmithlabs/remedyd/internal/store"
	"github.com/fyrsmithlabs/remedyd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  remedyd            Start the remedyd daemon\n")
			fmt.Fprintf(os.Stderr, "  remedyd version    Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("remedyd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until the context is canceled.
//
//  1. Loads and validates configuration
//  2. Initializes logger and telemetry
//  3. Connects to NATS (optional: no URL means no publishing)
//  4. Builds stores, engines, the review workflow, and the pipeline
//  5. Starts the background scheduler and the HTTP server
//  6. Shuts everything down gracefully on context cancellation
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info("Starting remedyd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()))

	tel, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	notifier, natsConn, err := initNotifier(cfg, logger)
	if err != nil {
		return err
	}
	if natsConn != nil {
		defer natsConn.Close()
	}

	p, err := buildPipeline(cfg, notifier, logger)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	sched := scheduler.New(logger)
	sched.Register("incident-seal", cfg.Correlation.SealInterval.Duration(), p.SealIncidents)
	sched.Register("review-timeout-scan", cfg.Review.ScanInterval.Duration(), p.ScanTimeouts)
	sched.Register("retention-sweep", cfg.Retention.SweepInterval.Duration(), p.SweepRetention)

	srv, err := httpapi.NewServer(p, logger, &httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	schedDone := make(chan error, 1)
	go func() { schedDone <- sched.Run(ctx) }()

	logger.Info("Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"),
		zap.Bool("nats_connected", natsConn != nil))

	err = srv.Start(ctx, cfg.Server.ShutdownTimeout.Duration())

	if schedErr := <-schedDone; schedErr != nil && err == nil {
		err = schedErr
	}
	return err
}

// initNotifier connects to NATS when a URL is configured; otherwise the
// workflow runs with a no-op publisher.
func initNotifier(cfg *config.Config, logger *zap.Logger) (review.Notifier, *nats.Conn, error) {
	if cfg.NATS.URL == "" {
		logger.Info("NATS URL not configured, notifications disabled")
		notifier, err := notify.NewNotifier(notify.NopPublisher{}, cfg.NATS.SubjectPrefix, logger)
		return notifier, nil, err
	}

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait.Duration()),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	logger.Info("Connected to NATS", zap.String("url", cfg.NATS.URL))

	pub, err := notify.NewNATSPublisher(nc, logger)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	notifier, err := notify.NewNotifier(pub, cfg.NATS.SubjectPrefix, logger)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return notifier, nc, nil
}

// buildPipeline assembles stores, engines, and the workflow into a pipeline.
func buildPipeline(cfg *config.Config, notifier review.Notifier, logger *zap.Logger) (*pipeline.Pipeline, error) {
	signatures, err := signature.NewEngine(&signature.Config{
		TopFrames:        cfg.Signature.TopFrames,
		HalfLife:         cfg.Signature.HalfLife.Duration(),
		SeverityWeights:  signature.DefaultConfig().SeverityWeights,
		CriticalServices: cfg.Signature.CriticalServices,
	}, store.NewKeyed[signature.ErrorSignature](), logger)
	if err != nil {
		return nil, err
	}

	incidents, err := correlation.NewEngine(&correlation.Config{
		Window:      cfg.Correlation.Window.Duration(),
		MaxLifetime: cfg.Correlation.MaxLifetime.Duration(),
	}, store.NewKeyed[correlation.Incident](), store.NewKeyed[string](), logger)
	if err != nil {
		return nil, err
	}

	catalog, err := loadCatalog(cfg.Generation.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load fix template catalog: %w", err)
	}
	generator, err := fixgen.NewGenerator(catalog, store.NewKeyed[fixgen.GenerationFailure](), logger)
	if err != nil {
		return nil, err
	}

	auditLog := audit.NewMemoryLog(logger)

	workflow, err := review.NewWorkflow(&review.Config{
		AutoApproveTimeout: cfg.Review.AutoApproveTimeout.Duration(),
		ExpireCeiling:      cfg.Review.ExpireCeiling.Duration(),
		ApprovalRateWindow: cfg.Review.ApprovalRateWindow.Duration(),
	}, store.NewKeyed[review.Proposal](), store.NewKeyed[string](), auditLog, notifier, logger)
	if err != nil {
		return nil, err
	}

	return pipeline.New(&pipeline.Config{
		GenerationThreshold: cfg.Generation.Threshold,
		EventTTL:            cfg.Retention.EventTTL.Duration(),
	},
		event.NewNormalizer(logger),
		signatures,
		incidents,
		generator,
		workflow,
		auditLog,
		store.NewKeyed[event.RawErrorEvent](),
		logger,
	)
}

func loadCatalog(path string) (*fixgen.Catalog, error) {
	if path == "" {
		return fixgen.DefaultCatalog()
	}
	return fixgen.LoadCatalogFile(path)
}
