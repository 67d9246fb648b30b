package triage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/moolen/triage/internal/docstore"
	"github.com/moolen/triage/internal/events"
	"github.com/moolen/triage/internal/metrics"
	"github.com/moolen/triage/internal/models"
)

// StepCompletion is the ingestion record for one finished job step.
type StepCompletion struct {
	StreamID   string
	TemplateID string
	NodeName   string

	// Change is the changelist the job ran at.
	Change int64

	JobID   string
	BatchID string
	StepID  string
	JobName string

	// Time is the step's start time.
	Time time.Time

	// Success reports whether the step finished green. Failed steps have
	// their log events classified into fingerprint groups.
	Success bool

	LogRef      string
	Annotations map[string]string
}

func (c StepCompletion) validate() error {
	if c.StreamID == "" || c.TemplateID == "" || c.NodeName == "" {
		return models.NewValidationError("step completion requires stream, template and node")
	}
	if c.Change <= 0 {
		return models.NewValidationError("step completion requires a positive changelist, got %d", c.Change)
	}
	if c.JobID == "" || c.StepID == "" {
		return models.NewValidationError("step completion requires job and step ids")
	}
	return nil
}

func (c StepCompletion) lineage() models.Lineage {
	return models.Lineage{StreamID: c.StreamID, TemplateID: c.TemplateID, NodeName: c.NodeName}
}

func (c StepCompletion) stepRef() events.StepRef {
	return events.StepRef{JobID: c.JobID, BatchID: c.BatchID, StepID: c.StepID, LogRef: c.LogRef}
}

// step builds the observation record for the completion at the given
// severity. SpanID is filled in by the caller once the owning span is known.
func (c StepCompletion) step(severity models.StepSeverity) models.Step {
	return models.Step{
		Change:           c.Change,
		Severity:         severity,
		JobID:            c.JobID,
		BatchID:          c.BatchID,
		StepID:           c.StepID,
		JobName:          c.JobName,
		Time:             c.Time,
		LogRef:           c.LogRef,
		Annotations:      c.Annotations,
		PromoteByDefault: promoteByDefault(severity, c.Annotations),
	}
}

// promoteByDefault decides whether a step's failure should surface its issue
// without manual promotion. Errors promote unless the node opts out; an
// explicit annotation wins either way.
func promoteByDefault(severity models.StepSeverity, annotations map[string]string) bool {
	switch annotations["promote"] {
	case "true":
		return true
	case "false":
		return false
	}
	return severity == models.SeverityError
}

// RecordStepCompletion is the main ingestion entry point: one call per
// finished build step. Failures are classified into fingerprint groups and
// matched against open spans; successes advance span bounds and close spans.
func (s *Service) RecordStepCompletion(ctx context.Context, c StepCompletion) error {
	if err := c.validate(); err != nil {
		return err
	}

	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "triage.recordStepCompletion")
		defer span.End()
	}

	outcome := "failure"
	if c.Success {
		outcome = "success"
	}
	metrics.StepsIngested.WithLabelValues(outcome).Inc()

	var err error
	if c.Success {
		err = s.recordSuccess(ctx, c)
	} else {
		err = s.recordFailure(ctx, c)
	}
	if err != nil && span != nil {
		span.RecordError(err)
	}
	return err
}

// recordSuccess advances the per-lineage success sentinel and applies the
// success to every open span of the lineage: spans entirely below the change
// close, spans entirely above advance their last-success bound.
func (s *Service) recordSuccess(ctx context.Context, c StepCompletion) error {
	sentinel := c.step(models.SeverityUnspecified)
	if err := s.store.Sentinels().Advance(ctx, c.lineage(), &sentinel); err != nil {
		return fmt.Errorf("failed to advance success sentinel: %w", err)
	}

	open := true
	spans, err := s.store.Spans().Find(ctx, docstore.SpanFilter{
		StreamID:   c.StreamID,
		TemplateID: c.TemplateID,
		NodeName:   c.NodeName,
		Open:       &open,
	})
	if err != nil {
		return fmt.Errorf("failed to load open spans: %w", err)
	}
	if len(spans) == 0 {
		return nil
	}

	return s.withKeyspaceLock(ctx, func(ctx context.Context) error {
		touched := make(map[int64]struct{})
		for _, span := range spans {
			issueID, err := s.applySuccess(ctx, span.ID, c)
			if err != nil {
				return err
			}
			if issueID != 0 {
				touched[issueID] = struct{}{}
			}
		}
		for issueID := range touched {
			if err := s.refreshIssue(ctx, issueID); err != nil {
				return err
			}
		}
		return nil
	})
}

// applySuccess applies one success observation to one span under CAS,
// returning the id of the owning issue when the span changed.
func (s *Service) applySuccess(ctx context.Context, spanID string, c StepCompletion) (int64, error) {
	var touchedIssue int64
	err := docstore.Retry(ctx, func(ctx context.Context) error {
		touchedIssue = 0
		span, ok, err := s.store.Spans().Get(ctx, spanID)
		if err != nil || !ok {
			return err
		}
		if !span.Open() {
			return nil
		}

		switch {
		case c.Change > span.LastFailure.Change:
			return s.closeSpan(ctx, span, c, &touchedIssue)
		case c.Change < span.FirstFailure.Change:
			return s.advanceLastSuccess(ctx, span, c, &touchedIssue)
		default:
			// A success inside the failing range contradicts the recorded
			// failures; keep the span as-is.
			s.logger.Warn("ignoring success at change %d inside failing range of %s", c.Change, span.DebugString())
			return nil
		}
	})
	return touchedIssue, err
}

// closeSpan bounds the span with its next success. Quarantined issues
// suppress the close: the success is appended to history only.
func (s *Service) closeSpan(ctx context.Context, span *models.Span, c StepCompletion, touchedIssue *int64) error {
	step := c.step(models.SeverityUnspecified)
	step.SpanID = span.ID

	issue, ok, err := s.store.Issues().Get(ctx, span.IssueID)
	if err != nil {
		return err
	}
	if ok && issue.Quarantined() {
		s.logger.Debug("quarantine holds %s open despite success at %d", span.DebugString(), c.Change)
		return s.store.Steps().Append(ctx, &step)
	}

	now := s.now()
	span.NextSuccess = &step
	span.ResolvedAt = &now
	if err := span.ValidateBounds(); err != nil {
		return err
	}
	if err := s.store.Spans().Update(ctx, span); err != nil {
		return err
	}
	if err := s.store.Steps().Append(ctx, &step); err != nil {
		return err
	}
	metrics.SpansClosed.Inc()
	*touchedIssue = span.IssueID
	return nil
}

// advanceLastSuccess tightens the span's lower bound and re-ranks suspects
// over the narrowed change window.
func (s *Service) advanceLastSuccess(ctx context.Context, span *models.Span, c StepCompletion, touchedIssue *int64) error {
	if span.LastSuccess != nil && c.Change <= span.LastSuccess.Change {
		return nil
	}

	step := c.step(models.SeverityUnspecified)
	step.SpanID = span.ID
	span.LastSuccess = &step

	suspects, err := s.rankSuspects(ctx, span.StreamID, span.Fingerprint, step.Change, span.FirstFailure.Change)
	if err != nil {
		return fmt.Errorf("failed to re-rank suspects for span %s: %w", span.ID, err)
	}
	span.Suspects = suspects

	if err := span.ValidateBounds(); err != nil {
		return err
	}
	if err := s.store.Spans().Update(ctx, span); err != nil {
		return err
	}
	if err := s.store.Steps().Append(ctx, &step); err != nil {
		return err
	}
	*touchedIssue = span.IssueID
	return nil
}

// recordFailure classifies the step's log events and matches every
// fingerprint group against the lineage's open spans. Unmatched groups are
// clustered among themselves and become new spans, each attached to a
// matching open issue or a freshly created one.
func (s *Service) recordFailure(ctx context.Context, c StepCompletion) error {
	ref := c.stepRef()
	evs, err := s.events.FindEvents(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to load events for job %s step %s: %w", c.JobID, c.StepID, err)
	}
	groups, err := s.classifier.Classify(ctx, ref, evs)
	if err != nil {
		return fmt.Errorf("failed to classify events for job %s step %s: %w", c.JobID, c.StepID, err)
	}
	if len(groups) == 0 {
		s.logger.Debug("failed step %s/%s produced no fingerprint groups", c.JobID, c.StepID)
		return nil
	}

	return s.withKeyspaceLock(ctx, func(ctx context.Context) error {
		open := true
		spans, err := s.store.Spans().Find(ctx, docstore.SpanFilter{
			StreamID:   c.StreamID,
			TemplateID: c.TemplateID,
			NodeName:   c.NodeName,
			Open:       &open,
		})
		if err != nil {
			return fmt.Errorf("failed to load open spans: %w", err)
		}

		touched := make(map[int64]struct{})
		var unmatched []events.Group
		for _, group := range groups {
			matched := false
			for _, span := range spans {
				if span.Fingerprint.IsMatch(group.Fingerprint) {
					issueID, err := s.applyFailure(ctx, span.ID, c, group)
					if err != nil {
						return err
					}
					touched[issueID] = struct{}{}
					matched = true
					break
				}
			}
			if !matched {
				unmatched = append(unmatched, group)
			}
		}

		for _, cluster := range clusterGroups(unmatched) {
			issueID, err := s.openSpan(ctx, c, cluster)
			if err != nil {
				return err
			}
			touched[issueID] = struct{}{}
		}

		for issueID := range touched {
			if err := s.refreshIssue(ctx, issueID); err != nil {
				return err
			}
		}
		return nil
	})
}

// applyFailure appends a failure observation to an existing open span,
// widening its bounds as needed.
func (s *Service) applyFailure(ctx context.Context, spanID string, c StepCompletion, group events.Group) (int64, error) {
	var issueID int64
	err := docstore.Retry(ctx, func(ctx context.Context) error {
		span, ok, err := s.store.Spans().Get(ctx, spanID)
		if err != nil {
			return err
		}
		if !ok {
			return models.NewNotFoundError("span", spanID)
		}
		issueID = span.IssueID

		step := c.step(group.Severity)
		step.SpanID = span.ID

		if span.LastSuccess != nil && step.Change <= span.LastSuccess.Change {
			// A failure at or below the recorded last success contradicts the
			// span's bounds; late deliveries land here. Keep the span intact.
			s.logger.Warn("ignoring failure at change %d at or below last success %d of %s",
				step.Change, span.LastSuccess.Change, span.DebugString())
			return nil
		}

		rerank := false
		if step.Change <= span.FirstFailure.Change {
			span.FirstFailure = step
			rerank = true
		}
		if step.Change >= span.LastFailure.Change {
			span.LastFailure = step
		}
		if rerank && span.LastSuccess != nil {
			suspects, err := s.rankSuspects(ctx, span.StreamID, span.Fingerprint, span.LastSuccess.Change, span.FirstFailure.Change)
			if err != nil {
				return fmt.Errorf("failed to re-rank suspects for span %s: %w", span.ID, err)
			}
			span.Suspects = suspects
		}

		if err := span.ValidateBounds(); err != nil {
			return err
		}
		if err := s.store.Spans().Update(ctx, span); err != nil {
			return err
		}
		return s.store.Steps().Append(ctx, &step)
	})
	return issueID, err
}

// clusterGroups partitions the unmatched fingerprint groups of one step into
// sibling clusters: groups of the same type without reject-key conflicts land
// in one cluster whose fingerprint is the merge of its members.
func clusterGroups(groups []events.Group) []events.Group {
	var clusters []events.Group
	for _, group := range groups {
		placed := false
		for i := range clusters {
			if clusters[i].Fingerprint.IsMatchForNewSpan(group.Fingerprint) {
				clusters[i].Fingerprint = clusters[i].Fingerprint.Merge(group.Fingerprint)
				if group.Severity > clusters[i].Severity {
					clusters[i].Severity = group.Severity
				}
				clusters[i].Events = append(clusters[i].Events, group.Events...)
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, group)
		}
	}
	return clusters
}

// openSpan creates a new span for a failure cluster, seeds its last-success
// bound from the lineage sentinel, ranks suspects and attaches the span to a
// matching or new issue.
func (s *Service) openSpan(ctx context.Context, c StepCompletion, cluster events.Group) (int64, error) {
	step := c.step(cluster.Severity)

	span := &models.Span{
		ID:           uuid.NewString(),
		StreamID:     c.StreamID,
		TemplateID:   c.TemplateID,
		NodeName:     c.NodeName,
		Fingerprint:  cluster.Fingerprint,
		FirstFailure: step,
		LastFailure:  step,
	}
	step.SpanID = span.ID
	span.FirstFailure.SpanID = span.ID
	span.LastFailure.SpanID = span.ID

	sentinel, ok, err := s.store.Sentinels().Get(ctx, c.lineage())
	if err != nil {
		return 0, fmt.Errorf("failed to read success sentinel: %w", err)
	}
	if ok && sentinel.Change < step.Change {
		seed := sentinel.Clone()
		seed.SpanID = span.ID
		span.LastSuccess = seed

		suspects, err := s.rankSuspects(ctx, span.StreamID, span.Fingerprint, seed.Change, step.Change)
		if err != nil {
			return 0, fmt.Errorf("failed to rank suspects for new span: %w", err)
		}
		span.Suspects = suspects
	}

	issue, err := s.issueForSpan(ctx, span)
	if err != nil {
		return 0, err
	}
	if issue == nil {
		issue, err = s.createIssueForSpan(ctx, span, c)
		if err != nil {
			return 0, err
		}
	}
	span.IssueID = issue.ID

	if err := span.ValidateBounds(); err != nil {
		return 0, err
	}
	if err := s.store.Spans().Insert(ctx, span); err != nil {
		return 0, fmt.Errorf("failed to insert span: %w", err)
	}
	if err := s.store.Steps().Append(ctx, &step); err != nil {
		return 0, err
	}
	metrics.SpansOpened.Inc()
	s.logger.Debug("opened %s for issue %d", span.DebugString(), issue.ID)
	return issue.ID, nil
}
