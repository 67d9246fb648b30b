package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/moolen/triage/internal/config"
	"github.com/moolen/triage/internal/docstore"
	"github.com/moolen/triage/internal/events"
	"github.com/moolen/triage/internal/history"
	"github.com/moolen/triage/internal/lifecycle"
	"github.com/moolen/triage/internal/lock"
	"github.com/moolen/triage/internal/logging"
	"github.com/moolen/triage/internal/notify"
	"github.com/moolen/triage/internal/sweep"
	"github.com/moolen/triage/internal/tracing"
	"github.com/moolen/triage/internal/triage"
)

var (
	metricsPort        int
	databaseURL        string
	redisURL           string
	workflowConfigPath string
	sweepInterval      time.Duration
	staleIssueWindow   time.Duration
	tracingEnabled     bool
	tracingEndpoint    string
	tracingTLSCAPath   string
	tracingTLSInsecure bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the triage engine",
	Long: `Start the triage engine: step-completion ingestion, issue aggregation,
the background sweeper and the workflow digest scheduler.`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&metricsPort, "metrics-port", 9090, "Port the Prometheus metrics endpoint listens on (0 disables)")
	serveCmd.Flags().StringVar(&databaseURL, "database-url", "", "Postgres connection string; empty selects the in-memory store")
	serveCmd.Flags().StringVar(&redisURL, "redis-url", "", "Redis URL for the distributed lock; empty selects the in-process locker")
	serveCmd.Flags().StringVar(&workflowConfigPath, "workflow-config", "", "Path to the workflow policy YAML file (hot-reloaded)")
	serveCmd.Flags().DurationVar(&sweepInterval, "sweep-interval", 0, "Background sweep interval (overrides config file)")
	serveCmd.Flags().DurationVar(&staleIssueWindow, "stale-issue-window", 0, "Window after which unseen issues are auto-resolved (overrides config file)")
	serveCmd.Flags().BoolVar(&tracingEnabled, "tracing-enabled", false, "Enable OpenTelemetry tracing (default: false)")
	serveCmd.Flags().StringVar(&tracingEndpoint, "tracing-endpoint", "", "OTLP gRPC endpoint for traces (e.g., otel-collector:4317)")
	serveCmd.Flags().StringVar(&tracingTLSCAPath, "tracing-tls-ca", "", "Path to CA certificate for TLS verification (optional)")
	serveCmd.Flags().BoolVar(&tracingTLSInsecure, "tracing-tls-insecure", false, "Skip TLS certificate verification (insecure, use only for testing)")
}

// loadConfig merges the config file with the CLI flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if databaseURL != "" {
		cfg.DatabaseURL = databaseURL
	}
	if redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if workflowConfigPath != "" {
		cfg.WorkflowConfigPath = workflowConfigPath
	}
	if sweepInterval > 0 {
		cfg.SweepInterval = sweepInterval
	}
	if staleIssueWindow > 0 {
		cfg.StaleIssueWindow = staleIssueWindow
	}
	if tracingEnabled {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Endpoint = tracingEndpoint
		cfg.Tracing.TLSCAPath = tracingTLSCAPath
		cfg.Tracing.TLSInsecure = tracingTLSInsecure
	}
	return cfg, cfg.Validate()
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	HandleError(err, "Configuration error")

	HandleError(setupLog(logLevelFlags), "Failed to setup logging")
	logger := logging.GetLogger("serve")

	logger.Info("Starting Triage v%s", Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager := lifecycle.NewManager()

	// Tracing first; everything else may emit spans.
	tracingProvider, err := tracing.NewTracingProvider(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		TLSCAPath:   cfg.Tracing.TLSCAPath,
		TLSInsecure: cfg.Tracing.TLSInsecure,
	})
	if err != nil {
		logger.Warn("Failed to initialize tracing (continuing without tracing): %v", err)
		tracingProvider = nil
	}
	if tracingProvider != nil {
		HandleError(manager.Register(tracingProvider), "Tracing registration error")
	}
	var tracer trace.Tracer
	if tracingProvider != nil && tracingProvider.IsEnabled() {
		tracer = tracingProvider.GetTracer("triage")
	}

	// Document store
	var store docstore.Store
	if cfg.DatabaseURL != "" {
		pgStore, err := docstore.NewPostgresStore(ctx, cfg.DatabaseURL)
		HandleError(err, "Failed to connect to Postgres")
		defer pgStore.Close()
		store = pgStore
		logger.Info("Using Postgres document store")
	} else {
		store = docstore.NewMemoryStore()
		logger.Warn("Using in-memory document store; all state is lost on restart")
	}

	// Distributed lock
	var locks lock.Service
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		HandleError(err, "Invalid redis URL")
		client := redis.NewClient(opts)
		defer client.Close()
		locks = lock.NewRedisLocker(client)
		logger.Info("Using Redis lock service")
	} else {
		locks = lock.NewMemoryLocker()
		logger.Warn("Using in-process locker; only safe with a single engine instance")
	}

	// Commit history: the engine only speaks the history.Source contract.
	// Without an external backend wired, an empty in-memory source serves
	// local runs.
	hist, err := history.NewCachedSource(history.NewMemorySource(), history.DefaultCachedSourceConfig())
	HandleError(err, "Failed to create history source")

	// Event source and classifier are external collaborators; local runs get
	// the in-memory implementations.
	eventSource := events.NewMemorySource()
	classifier := events.NewStaticClassifier()

	sink := notify.NewLogSink()

	service, err := triage.NewService(triage.Config{
		Store:              store,
		Locks:              locks,
		History:            hist,
		Events:             eventSource,
		Classifier:         classifier,
		Notifier:           sink,
		Tracer:             tracer,
		MaxCommitsPerRange: cfg.MaxCommitsPerRange,
		MaxFilesPerCommit:  cfg.MaxFilesPerCommit,
		LockLease:          cfg.LockLease,
	})
	HandleError(err, "Failed to create triage service")
	HandleError(manager.Register(service), "Service registration error")

	sweeper, err := sweep.NewSweeper(sweep.Config{
		Service:     service,
		Store:       store,
		Sink:        sink,
		Tracer:      tracer,
		Interval:    cfg.SweepInterval,
		StaleWindow: cfg.StaleIssueWindow,
	})
	HandleError(err, "Failed to create sweeper")
	HandleError(manager.Register(sweeper, service), "Sweeper registration error")

	// Workflow policy file with hot reload
	var workflowWatcher *config.WorkflowWatcher
	if cfg.WorkflowConfigPath != "" {
		workflowWatcher, err = config.NewWorkflowWatcher(config.WorkflowWatcherConfig{
			FilePath: cfg.WorkflowConfigPath,
		}, func(workflows *config.WorkflowsFile) error {
			service.SetWorkflows(workflows)
			return sweeper.SetWorkflows(workflows)
		})
		HandleError(err, "Failed to create workflow watcher")
	}

	HandleError(manager.Start(ctx), "Startup error")

	if workflowWatcher != nil {
		HandleError(workflowWatcher.Start(ctx), "Workflow watcher error")
		defer workflowWatcher.Stop()
	}

	if metricsPort > 0 {
		go func() {
			addr := fmt.Sprintf(":%d", metricsPort)
			logger.Info("Serving metrics on %s/metrics", addr)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil { //nolint:gosec
				logger.Error("metrics server failed: %v", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("Shutting down")
	if err := manager.Stop(); err != nil {
		logger.Error("Shutdown error: %v", err)
		os.Exit(1)
	}
}
