// Package triage is the engine core: it ingests job-step completions,
// tracks failure occurrence spans, aggregates spans into issues, ranks
// culprit changelists and recomputes all issue-derived data.
//
// The service holds no authoritative in-process state. Every mutation goes
// through the document store with optimistic version checks; sequences that
// touch several documents (span creation, span moves, derived-data
// recomputation) run under the coarse issue-keyspace lock.
package triage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/moolen/triage/internal/config"
	"github.com/moolen/triage/internal/docstore"
	"github.com/moolen/triage/internal/events"
	"github.com/moolen/triage/internal/history"
	"github.com/moolen/triage/internal/lock"
	"github.com/moolen/triage/internal/logging"
	"github.com/moolen/triage/internal/models"
	"github.com/moolen/triage/internal/notify"
)

// keyspaceLockKey is the single lock key guarding all multi-document
// operations over the issue/span keyspace. Coarse on purpose: correctness
// over throughput, these operations are rare relative to reads.
const keyspaceLockKey = "issues"

// fixFailureGrace is how long after a resolution a failure in an unfixed
// stream is tolerated before the resolution is considered a failed fix
// attempt.
const fixFailureGrace = 24 * time.Hour

// Config wires the service's collaborators.
type Config struct {
	Store      docstore.Store
	Locks      lock.Service
	History    history.Source
	Events     events.Source
	Classifier events.Classifier
	Notifier   notify.Sink

	// Tracer instruments the ingestion and recomputation paths. Nil disables
	// instrumentation.
	Tracer trace.Tracer

	// MaxCommitsPerRange caps how many commits one suspect-ranking query
	// fetches. Defaults to 100.
	MaxCommitsPerRange int

	// MaxFilesPerCommit caps how many files of a commit are scored.
	// Defaults to 100.
	MaxFilesPerCommit int

	// LockLease is the lease duration for the keyspace lock. Defaults to 30s.
	LockLease time.Duration
}

// Service implements the triage engine operations consumed by the transport
// layer and the background sweeper.
type Service struct {
	store      docstore.Store
	locks      lock.Service
	history    history.Source
	events     events.Source
	classifier events.Classifier
	sink       notify.Sink
	logger     *logging.Logger
	tracer     trace.Tracer

	maxCommits int
	maxFiles   int
	lockLease  time.Duration

	openIssues *openIssueCache

	wfMu      sync.RWMutex
	workflows *config.WorkflowsFile

	// now is swapped in tests to control derived timestamps.
	now func() time.Time
}

// NewService creates the engine from its collaborators.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Locks == nil {
		return nil, fmt.Errorf("lock service is required")
	}
	if cfg.History == nil {
		return nil, fmt.Errorf("history source is required")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("event source is required")
	}
	if cfg.Classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NopSink{}
	}
	if cfg.MaxCommitsPerRange <= 0 {
		cfg.MaxCommitsPerRange = 100
	}
	if cfg.MaxFilesPerCommit <= 0 {
		cfg.MaxFilesPerCommit = 100
	}
	if cfg.LockLease <= 0 {
		cfg.LockLease = 30 * time.Second
	}

	cache, err := newOpenIssueCache()
	if err != nil {
		return nil, err
	}

	return &Service{
		store:      cfg.Store,
		locks:      cfg.Locks,
		history:    cfg.History,
		events:     cfg.Events,
		classifier: cfg.Classifier,
		sink:       cfg.Notifier,
		logger:     logging.GetLogger("triage"),
		tracer:     cfg.Tracer,
		maxCommits: cfg.MaxCommitsPerRange,
		maxFiles:   cfg.MaxFilesPerCommit,
		lockLease:  cfg.LockLease,
		openIssues: cache,
		now:        time.Now,
	}, nil
}

// Start implements lifecycle.Component.
func (s *Service) Start(ctx context.Context) error {
	if err := s.RebuildOpenIssueCache(ctx); err != nil {
		// The cache is best-effort; a cold start is fine.
		s.logger.Warn("failed to warm open-issue cache: %v", err)
	}
	s.logger.Info("Triage service started")
	return nil
}

// Stop implements lifecycle.Component.
func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info("Triage service stopped")
	return nil
}

// Name implements lifecycle.Component.
func (s *Service) Name() string {
	return "Triage Service"
}

// SetWorkflows installs the workflow policies consulted for default-owner
// election. Called on startup and on every policy-file reload.
func (s *Service) SetWorkflows(workflows *config.WorkflowsFile) {
	s.wfMu.Lock()
	s.workflows = workflows
	s.wfMu.Unlock()
}

// workflowForStream resolves the workflow policy covering the stream, or nil.
func (s *Service) workflowForStream(streamID string) *config.WorkflowConfig {
	s.wfMu.RLock()
	defer s.wfMu.RUnlock()
	return s.workflows.WorkflowForStream(streamID)
}

// withKeyspaceLock runs fn while holding the issue keyspace lease.
func (s *Service) withKeyspaceLock(ctx context.Context, fn func(ctx context.Context) error) error {
	held, err := lock.AcquireWithRetry(ctx, s.locks, keyspaceLockKey, s.lockLease, s.logger)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := held.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			s.logger.Warn("failed to release keyspace lock: %v", releaseErr)
		}
	}()
	return fn(ctx)
}

// notifyIssue publishes an issue state transition to the sink.
func (s *Service) notifyIssue(ctx context.Context, topic string, issue *models.Issue) {
	s.sink.SendEvent(ctx, topic, map[string]interface{}{
		"issueId":  issue.ID,
		"summary":  issue.DisplaySummary(),
		"severity": issue.Severity.String(),
		"ownerId":  issue.OwnerID,
		"promoted": issue.Promoted,
	})
}
