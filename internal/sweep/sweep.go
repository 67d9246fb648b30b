// Package sweep runs the engine's background maintenance: stale-issue
// auto-resolution, invariant drift checks, the open-issue cache rebuild and
// scheduled workflow digest reports.
package sweep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/moolen/triage/internal/config"
	"github.com/moolen/triage/internal/docstore"
	"github.com/moolen/triage/internal/logging"
	"github.com/moolen/triage/internal/metrics"
	"github.com/moolen/triage/internal/models"
	"github.com/moolen/triage/internal/notify"
	"github.com/moolen/triage/internal/triage"
)

// Config wires the sweeper.
type Config struct {
	Service *triage.Service
	Store   docstore.Store
	Sink    notify.Sink

	// Tracer instruments sweep runs. Nil disables instrumentation.
	Tracer trace.Tracer

	// Interval is the sweep period. Defaults to 5 minutes.
	Interval time.Duration

	// StaleWindow is how long an unresolved issue may go unseen before the
	// sweep resolves it as timed out. Defaults to 7 days.
	StaleWindow time.Duration
}

// Sweeper is the periodic maintenance loop. It implements
// lifecycle.Component.
type Sweeper struct {
	svc         *triage.Service
	store       docstore.Store
	sink        notify.Sink
	interval    time.Duration
	staleWindow time.Duration
	logger      *logging.Logger
	tracer      trace.Tracer

	cron *cron.Cron

	mu        sync.Mutex
	workflows *config.WorkflowsFile
	entries   []cron.EntryID
	cancel    context.CancelFunc
	stopped   chan struct{}

	// now is swapped in tests.
	now func() time.Time
}

// NewSweeper creates the sweeper.
func NewSweeper(cfg Config) (*Sweeper, error) {
	if cfg.Service == nil {
		return nil, fmt.Errorf("triage service is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Sink == nil {
		cfg.Sink = notify.NopSink{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.StaleWindow <= 0 {
		cfg.StaleWindow = 7 * 24 * time.Hour
	}
	return &Sweeper{
		svc:         cfg.Service,
		store:       cfg.Store,
		sink:        cfg.Sink,
		interval:    cfg.Interval,
		staleWindow: cfg.StaleWindow,
		logger:      logging.GetLogger("sweep"),
		tracer:      cfg.Tracer,
		cron:        cron.New(),
		stopped:     make(chan struct{}),
		now:         time.Now,
	}, nil
}

// SetWorkflows installs the workflow policies, replacing any previously
// scheduled digest jobs. Called on startup and on every policy-file reload.
func (s *Sweeper) SetWorkflows(workflows *config.WorkflowsFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.entries {
		s.cron.Remove(id)
	}
	s.entries = nil
	s.workflows = workflows
	if workflows == nil {
		return nil
	}

	for i := range workflows.Workflows {
		wf := workflows.Workflows[i]
		if wf.DigestSchedule == "" {
			continue
		}
		id, err := s.cron.AddFunc(wf.DigestSchedule, func() {
			s.emitDigest(context.Background(), wf)
		})
		if err != nil {
			return fmt.Errorf("failed to schedule digest for workflow %s: %w", wf.ID, err)
		}
		s.entries = append(s.entries, id)
	}
	s.logger.Info("scheduled %d workflow digests", len(s.entries))
	return nil
}

// Start implements lifecycle.Component.
func (s *Sweeper) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.cron.Start()
	go s.loop(runCtx)
	s.logger.Info("Sweeper started (interval: %s, stale window: %s)", s.interval, s.staleWindow)
	return nil
}

// Stop implements lifecycle.Component.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	cronCtx := s.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-s.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Info("Sweeper stopped")
	return nil
}

// Name implements lifecycle.Component.
func (s *Sweeper) Name() string {
	return "Sweeper"
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.stopped)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error("sweep failed: %v", err)
			}
		}
	}
}

// RunOnce performs one full sweep: resolve stale issues, check invariants,
// rebuild the open-issue cache.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "sweep.runOnce")
		defer span.End()
	}

	if err := s.runOnce(ctx); err != nil {
		if span != nil {
			span.RecordError(err)
		}
		metrics.SweepRuns.WithLabelValues("error").Inc()
		return err
	}
	metrics.SweepRuns.WithLabelValues("ok").Inc()
	return nil
}

func (s *Sweeper) runOnce(ctx context.Context) error {
	unresolved := false
	issues, err := s.store.Issues().Find(ctx, docstore.IssueFilter{Resolved: &unresolved}, 0, 0)
	if err != nil {
		return fmt.Errorf("failed to list unresolved issues: %w", err)
	}

	cutoff := s.now().Add(-s.staleWindow)
	stale := 0
	for _, issue := range issues {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !issue.LastSeenAt.Before(cutoff) {
			continue
		}
		resolver := models.TimeoutUserID
		found, err := s.svc.UpdateIssue(ctx, issue.ID, triage.IssuePatch{ResolvedBy: &resolver})
		if err != nil {
			return fmt.Errorf("failed to time out issue %d: %w", issue.ID, err)
		}
		if found {
			stale++
			s.logger.Info("resolved stale issue %d (last seen %s)", issue.ID, issue.LastSeenAt.Format(time.RFC3339))
		}
	}

	if err := s.checkDrift(ctx); err != nil {
		return err
	}
	if err := s.svc.RebuildOpenIssueCache(ctx); err != nil {
		return err
	}

	if stale > 0 {
		s.logger.Info("sweep resolved %d stale issues", stale)
	}
	return nil
}

// checkDrift logs resolved issues that still carry open spans with no
// explaining state. The issues stay in the store; only result sets exclude
// them.
func (s *Sweeper) checkDrift(ctx context.Context) error {
	resolved := true
	issues, err := s.store.Issues().Find(ctx, docstore.IssueFilter{Resolved: &resolved}, 0, 0)
	if err != nil {
		return fmt.Errorf("failed to list resolved issues: %w", err)
	}
	open := true
	for _, issue := range issues {
		if issue.ResolvedByID != "" || issue.ForceClosedByUserID != "" || issue.Quarantined() {
			continue
		}
		spans, err := s.store.Spans().Find(ctx, docstore.SpanFilter{IssueID: issue.ID, Open: &open})
		if err != nil {
			return fmt.Errorf("failed to load spans of issue %d: %w", issue.ID, err)
		}
		for _, span := range spans {
			if !issue.ExcludesSpan(span.ID) {
				s.logger.Warn("invariant drift: resolved issue %d has open %s", issue.ID, span.DebugString())
				break
			}
		}
	}
	return nil
}

// emitDigest assembles and publishes the open-issue digest for one workflow.
func (s *Sweeper) emitDigest(ctx context.Context, wf config.WorkflowConfig) {
	streams := make(map[string]struct{}, len(wf.Streams))
	for _, streamID := range wf.Streams {
		streams[streamID] = struct{}{}
	}

	var open, acknowledged, quarantined, promoted int
	for _, issue := range s.svc.OpenIssues() {
		if len(streams) > 0 && !issueTouchesStreams(issue, streams) {
			continue
		}
		open++
		if issue.AcknowledgedAt != nil {
			acknowledged++
		}
		if issue.Quarantined() {
			quarantined++
		}
		if issue.Promoted {
			promoted++
		}
	}

	s.sink.SendEvent(ctx, notify.TopicWorkflowDigest, map[string]interface{}{
		"workflowId":   wf.ID,
		"channel":      wf.Channel,
		"open":         open,
		"acknowledged": acknowledged,
		"quarantined":  quarantined,
		"promoted":     promoted,
	})
	s.logger.Debug("digest for workflow %s: %d open issues", wf.ID, open)
}

func issueTouchesStreams(issue *models.Issue, streams map[string]struct{}) bool {
	for _, entry := range issue.Streams {
		if _, ok := streams[entry.StreamID]; ok {
			return true
		}
	}
	return false
}
