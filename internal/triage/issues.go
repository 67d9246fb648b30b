package triage

import (
	"context"
	"fmt"
	"time"

	"github.com/moolen/triage/internal/docstore"
	"github.com/moolen/triage/internal/metrics"
	"github.com/moolen/triage/internal/models"
	"github.com/moolen/triage/internal/notify"
)

// CreateIssue mints an empty issue with a user-provided summary. Spans are
// attached later, manually or by ingestion.
func (s *Service) CreateIssue(ctx context.Context, summary string) (*models.Issue, error) {
	if summary == "" {
		return nil, models.NewValidationError("issue summary must not be empty")
	}

	id, err := s.store.Ledger().NextIssueID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate issue id: %w", err)
	}

	now := s.now()
	issue := &models.Issue{
		ID:      id,
		Summary: summary,
		// A human-provided title survives derived-data recomputation.
		UserSummary: summary,
		CreatedAt:   now,
		LastSeenAt:  now,
	}
	if err := s.store.Issues().Insert(ctx, issue); err != nil {
		return nil, fmt.Errorf("failed to insert issue: %w", err)
	}
	metrics.IssuesCreated.Inc()
	s.openIssues.put(issue)
	s.notifyIssue(ctx, notify.TopicIssueCreated, issue)
	return issue.Clone(), nil
}

// GetIssue returns the issue, or (nil, false, nil) when it does not exist.
func (s *Service) GetIssue(ctx context.Context, id int64) (*models.Issue, bool, error) {
	return s.store.Issues().Get(ctx, id)
}

// FindIssues returns a page of issues matching the filter. Issues whose
// stored resolution state contradicts their spans (invariant drift) are
// logged and excluded rather than surfaced.
func (s *Service) FindIssues(ctx context.Context, filter docstore.IssueFilter, page, pageSize int) ([]*models.Issue, error) {
	if page < 0 {
		page = 0
	}
	issues, err := s.store.Issues().Find(ctx, filter, page*pageSize, pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to find issues: %w", err)
	}

	out := issues[:0]
	for _, issue := range issues {
		drifted, err := s.resolutionDrifted(ctx, issue)
		if err != nil {
			return nil, err
		}
		if drifted {
			s.logger.Warn("issue %d resolution state disagrees with its spans, excluding from results", issue.ID)
			continue
		}
		out = append(out, issue)
	}
	return out, nil
}

// resolutionDrifted reports whether a resolved issue still has open,
// non-excluded spans with no explanation (no quarantine, no force-close, no
// sweep timeout).
func (s *Service) resolutionDrifted(ctx context.Context, issue *models.Issue) (bool, error) {
	if !issue.Resolved() {
		return false, nil
	}
	if issue.ResolvedByID != "" || issue.ForceClosedByUserID != "" || issue.Quarantined() {
		return false, nil
	}

	open := true
	spans, err := s.store.Spans().Find(ctx, docstore.SpanFilter{IssueID: issue.ID, Open: &open})
	if err != nil {
		return false, fmt.Errorf("failed to load spans of issue %d: %w", issue.ID, err)
	}
	for _, span := range spans {
		if !issue.ExcludesSpan(span.ID) {
			return true, nil
		}
	}
	return false, nil
}

// IssuePatch is the partial update applied by UpdateIssue. Nil fields are
// left untouched; an explicit zero value clears the field where clearing is
// meaningful.
type IssuePatch struct {
	// Summary sets the user override of the derived summary.
	Summary     *string
	Description *string
	Promoted    *bool

	OwnerID     *string
	NominatedBy *string

	// DeclinedBy marks the author's suspect entries declined. A declined
	// auto-assigned owner is unassigned.
	DeclinedBy *string

	// FixChange records the nominated fix changelist; zero clears it.
	FixChange *int64

	// ResolvedBy resolves the issue as the acting user; empty clears an
	// explicit resolution.
	ResolvedBy *string

	AddSpanIDs    []string
	RemoveSpanIDs []string

	ExternalKey *string

	// QuarantineBy holds the issue in quarantine; empty lifts it.
	QuarantineBy *string

	// ForceCloseBy resolves the issue terminally regardless of span state.
	ForceCloseBy *string
}

func (p IssuePatch) movesSpans() bool {
	return len(p.AddSpanIDs) > 0 || len(p.RemoveSpanIDs) > 0
}

// UpdateIssue applies the patch to the issue. Returns false when the issue
// does not exist. Span moves and the follow-up derived-data recomputation run
// under the keyspace lock.
func (s *Service) UpdateIssue(ctx context.Context, id int64, patch IssuePatch) (bool, error) {
	var found bool
	err := s.withKeyspaceLock(ctx, func(ctx context.Context) error {
		var err error
		found, err = s.applyIssuePatch(ctx, id, patch)
		if err != nil || !found {
			return err
		}

		touched := map[int64]struct{}{id: {}}
		if patch.movesSpans() {
			moved, err := s.moveSpans(ctx, id, patch)
			if err != nil {
				return err
			}
			for issueID := range moved {
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
	return found, err
}

// applyIssuePatch writes the direct field updates under CAS.
func (s *Service) applyIssuePatch(ctx context.Context, id int64, patch IssuePatch) (bool, error) {
	found := false
	err := docstore.Retry(ctx, func(ctx context.Context) error {
		issue, ok, err := s.store.Issues().Get(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		found = true
		before := issue.Clone()
		now := s.now()

		if patch.Summary != nil {
			issue.UserSummary = *patch.Summary
		}
		if patch.Description != nil {
			issue.Description = *patch.Description
		}
		if patch.Promoted != nil {
			issue.Promoted = *patch.Promoted
		}
		if patch.OwnerID != nil {
			issue.OwnerID = *patch.OwnerID
			if patch.NominatedBy != nil {
				issue.NominatedByID = *patch.NominatedBy
			}
			if issue.OwnerID != "" && issue.AcknowledgedAt == nil {
				issue.AcknowledgedAt = &now
			}
		}
		if patch.DeclinedBy != nil && *patch.DeclinedBy != "" {
			declineSuspects(issue, *patch.DeclinedBy, now)
		}
		if patch.FixChange != nil {
			issue.FixChange = *patch.FixChange
			// Force fresh fix probes on the next recomputation.
			for i := range issue.Streams {
				issue.Streams[i].ContainsFix = nil
				issue.Streams[i].FixFailed = nil
			}
		}
		if patch.ResolvedBy != nil {
			if *patch.ResolvedBy == "" {
				issue.ResolvedAt = nil
				issue.ResolvedByID = ""
			} else {
				issue.ResolvedAt = &now
				issue.ResolvedByID = *patch.ResolvedBy
			}
		}
		if patch.ExternalKey != nil {
			issue.ExternalIssueKey = *patch.ExternalKey
		}
		if patch.QuarantineBy != nil {
			if *patch.QuarantineBy == "" {
				issue.QuarantinedByUserID = ""
				issue.QuarantineTime = nil
			} else {
				issue.QuarantinedByUserID = *patch.QuarantineBy
				issue.QuarantineTime = &now
			}
		}
		if patch.ForceCloseBy != nil && *patch.ForceCloseBy != "" {
			issue.ForceClosedByUserID = *patch.ForceCloseBy
			issue.ResolvedAt = &now
			issue.ResolvedByID = *patch.ForceCloseBy
		}
		for _, spanID := range patch.RemoveSpanIDs {
			if !issue.ExcludesSpan(spanID) {
				issue.ExcludeSpanIDs = append(issue.ExcludeSpanIDs, spanID)
			}
		}

		if err := s.store.Issues().Update(ctx, issue); err != nil {
			return err
		}
		s.openIssues.put(issue)
		s.emitTransitions(ctx, before, issue)
		return nil
	})
	return found, err
}

// declineSuspects stamps the author's suspect entries declined and revokes an
// auto-assigned ownership.
func declineSuspects(issue *models.Issue, authorID string, now time.Time) {
	declined := false
	for i := range issue.Suspects {
		if issue.Suspects[i].AuthorID == authorID && issue.Suspects[i].DeclinedAt == nil {
			t := now
			issue.Suspects[i].DeclinedAt = &t
			declined = true
		}
	}
	if declined && issue.OwnerID == authorID && issue.NominatedByID == models.UnknownUserID {
		issue.OwnerID = ""
		issue.NominatedByID = ""
	}
}

// moveSpans reattaches the AddSpanIDs to the issue, returning the set of
// previously owning issues that now need recomputation.
func (s *Service) moveSpans(ctx context.Context, id int64, patch IssuePatch) (map[int64]struct{}, error) {
	touched := make(map[int64]struct{})
	for _, spanID := range patch.AddSpanIDs {
		err := docstore.Retry(ctx, func(ctx context.Context) error {
			span, ok, err := s.store.Spans().Get(ctx, spanID)
			if err != nil {
				return err
			}
			if !ok {
				s.logger.Warn("cannot attach span %s to issue %d: span not found", spanID, id)
				return nil
			}
			if span.IssueID == id {
				return nil
			}
			touched[span.IssueID] = struct{}{}
			span.IssueID = id
			return s.store.Spans().Update(ctx, span)
		})
		if err != nil {
			return nil, err
		}

		// An explicitly attached span must not stay on the exclusion list.
		err = docstore.Retry(ctx, func(ctx context.Context) error {
			issue, ok, err := s.store.Issues().Get(ctx, id)
			if err != nil || !ok {
				return err
			}
			filtered := issue.ExcludeSpanIDs[:0]
			for _, excluded := range issue.ExcludeSpanIDs {
				if excluded != spanID {
					filtered = append(filtered, excluded)
				}
			}
			if len(filtered) == len(issue.ExcludeSpanIDs) {
				return nil
			}
			issue.ExcludeSpanIDs = filtered
			return s.store.Issues().Update(ctx, issue)
		})
		if err != nil {
			return nil, err
		}
	}
	return touched, nil
}

// FindSpans returns spans matching the filter.
func (s *Service) FindSpans(ctx context.Context, filter docstore.SpanFilter) ([]*models.Span, error) {
	return s.store.Spans().Find(ctx, filter)
}

// FindSteps returns the recorded observations matching the filter.
func (s *Service) FindSteps(ctx context.Context, filter docstore.StepFilter) ([]*models.Step, error) {
	return s.store.Steps().Find(ctx, filter)
}

// FindSuspects returns the issue's derived suspect index; nil when the issue
// does not exist.
func (s *Service) FindSuspects(ctx context.Context, issueID int64) ([]models.IssueSuspect, error) {
	issue, ok, err := s.store.Issues().Get(ctx, issueID)
	if err != nil || !ok {
		return nil, err
	}
	return append([]models.IssueSuspect(nil), issue.Suspects...), nil
}
