package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/moolen/triage/internal/docstore"
	"github.com/moolen/triage/internal/events"
	"github.com/moolen/triage/internal/history"
	"github.com/moolen/triage/internal/lock"
	"github.com/moolen/triage/internal/logging"
	"github.com/moolen/triage/internal/notify"
	"github.com/moolen/triage/internal/sweep"
	"github.com/moolen/triage/internal/triage"
)

var sweepOnceCmd = &cobra.Command{
	Use:   "sweep-once",
	Short: "Run a single maintenance sweep and exit",
	Long: `Run one sweep against the configured document store: resolve stale
issues, report invariant drift and exit. Useful for cron-driven deployments
that do not run the full engine.`,
	Run: runSweepOnce,
}

func init() {
	sweepOnceCmd.Flags().StringVar(&databaseURL, "database-url", "", "Postgres connection string; empty selects the in-memory store")
	sweepOnceCmd.Flags().DurationVar(&staleIssueWindow, "stale-issue-window", 0, "Window after which unseen issues are auto-resolved (overrides config file)")
}

func runSweepOnce(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	HandleError(err, "Configuration error")

	HandleError(setupLog(logLevelFlags), "Failed to setup logging")
	logger := logging.GetLogger("sweep-once")

	ctx := context.Background()

	var store docstore.Store
	if cfg.DatabaseURL != "" {
		pgStore, err := docstore.NewPostgresStore(ctx, cfg.DatabaseURL)
		HandleError(err, "Failed to connect to Postgres")
		defer pgStore.Close()
		store = pgStore
	} else {
		store = docstore.NewMemoryStore()
		logger.Warn("Using in-memory document store; a one-shot sweep against it is a no-op")
	}

	hist, err := history.NewCachedSource(history.NewMemorySource(), history.DefaultCachedSourceConfig())
	HandleError(err, "Failed to create history source")

	service, err := triage.NewService(triage.Config{
		Store:      store,
		Locks:      lock.NewMemoryLocker(),
		History:    hist,
		Events:     events.NewMemorySource(),
		Classifier: events.NewStaticClassifier(),
		Notifier:   notify.NewLogSink(),
	})
	HandleError(err, "Failed to create triage service")

	sweeper, err := sweep.NewSweeper(sweep.Config{
		Service:     service,
		Store:       store,
		Sink:        notify.NewLogSink(),
		StaleWindow: cfg.StaleIssueWindow,
	})
	HandleError(err, "Failed to create sweeper")

	HandleError(sweeper.RunOnce(ctx), "Sweep failed")
	logger.Info("Sweep complete")
}
