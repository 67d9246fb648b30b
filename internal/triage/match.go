package triage

import (
	"context"
	"fmt"

	"github.com/moolen/triage/internal/docstore"
	"github.com/moolen/triage/internal/metrics"
	"github.com/moolen/triage/internal/models"
	"github.com/moolen/triage/internal/notify"
)

// issueForSpan finds the unresolved issue a brand-new span should attach to,
// or nil when a new issue is needed.
//
// A span with no known last success (first-ever observation of the lineage)
// can only be tied to issues already failing at the exact same changelist in
// its stream. Those issues are matched with the same type/reject-key predicate
// used for sibling clustering, so a second failure type with a disjoint key
// set still lands on the issue already failing there. A span with suspects
// instead joins an unresolved, not yet verified issue blaming one of the same
// changes.
func (s *Service) issueForSpan(ctx context.Context, span *models.Span) (*models.Issue, error) {
	unresolved := false
	if span.LastSuccess == nil {
		candidates, err := s.store.Issues().Find(ctx, docstore.IssueFilter{
			StreamID:  span.StreamID,
			Resolved:  &unresolved,
			MinChange: span.FirstFailure.Change,
			MaxChange: span.FirstFailure.Change,
		}, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to search issues by changelist: %w", err)
		}
		for _, issue := range candidates {
			if fingerprintAdmits(issue, span.Fingerprint) {
				return issue, nil
			}
		}
		return nil, nil
	}

	suspectChanges := span.SuspectChanges()
	if len(suspectChanges) == 0 {
		return nil, nil
	}
	candidates, err := s.store.Issues().Find(ctx, docstore.IssueFilter{Resolved: &unresolved}, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to search issues by suspect: %w", err)
	}
	for _, issue := range candidates {
		if issue.VerifiedAt != nil {
			continue
		}
		if !issueBlamesAny(issue, suspectChanges) {
			continue
		}
		if fingerprintMatches(issue, span.Fingerprint) {
			return issue, nil
		}
	}
	return nil, nil
}

// fingerprintMatches reports whether any of the issue's composite
// fingerprints matches the candidate.
func fingerprintMatches(issue *models.Issue, fp models.Fingerprint) bool {
	for _, have := range issue.Fingerprints {
		if have.IsMatch(fp) {
			return true
		}
	}
	return false
}

// fingerprintAdmits reports whether any of the issue's composite fingerprints
// would cluster with the candidate: same type, no reject-key conflicts, key
// overlap not required.
func fingerprintAdmits(issue *models.Issue, fp models.Fingerprint) bool {
	for _, have := range issue.Fingerprints {
		if have.IsMatchForNewSpan(fp) {
			return true
		}
	}
	return false
}

// issueBlamesAny reports whether the issue's suspect index contains any of
// the span's origin-keyed suspect changes.
func issueBlamesAny(issue *models.Issue, changes map[int64]models.SpanSuspect) bool {
	for _, suspect := range issue.Suspects {
		if _, ok := changes[suspect.Change]; ok {
			return true
		}
	}
	return false
}

// createIssueForSpan mints a new issue seeded from the span's fingerprint.
func (s *Service) createIssueForSpan(ctx context.Context, span *models.Span, c StepCompletion) (*models.Issue, error) {
	id, err := s.store.Ledger().NextIssueID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate issue id: %w", err)
	}

	now := s.now()
	issue := &models.Issue{
		ID:           id,
		Summary:      span.Fingerprint.RenderSummary(models.SummaryArgs{Severity: span.LastFailure.Severity, Nodes: []string{span.NodeName}}),
		Severity:     span.LastFailure.Severity,
		Promoted:     span.LastFailure.PromoteByDefault,
		CreatedAt:    now,
		LastSeenAt:   span.LastFailure.Time,
		Fingerprints: []models.Fingerprint{span.Fingerprint},
		Streams:      []models.IssueStream{{StreamID: span.StreamID}},
	}
	if issue.LastSeenAt.Before(now) {
		issue.LastSeenAt = now
	}

	if err := s.store.Issues().Insert(ctx, issue); err != nil {
		return nil, fmt.Errorf("failed to insert issue: %w", err)
	}
	metrics.IssuesCreated.Inc()
	s.openIssues.put(issue)
	s.notifyIssue(ctx, notify.TopicIssueCreated, issue)
	s.logger.Info("created issue %d: %s", issue.ID, issue.Summary)
	return issue, nil
}
