package triage

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"go.opentelemetry.io/otel/trace"

	"github.com/moolen/triage/internal/docstore"
	"github.com/moolen/triage/internal/models"
	"github.com/moolen/triage/internal/notify"
)

// refreshIssue recomputes all of an issue's derived data from its attached
// spans: suspects, composite fingerprints, severity, summary, timestamps,
// stream rollups, ownership and promotion. The recomputation is idempotent;
// running it twice with unchanged spans writes nothing the second time.
//
// Callers hold the keyspace lock.
func (s *Service) refreshIssue(ctx context.Context, issueID int64) error {
	var tspan trace.Span
	if s.tracer != nil {
		ctx, tspan = s.tracer.Start(ctx, "triage.refreshIssue")
		defer tspan.End()
	}

	err := docstore.Retry(ctx, func(ctx context.Context) error {
		issue, ok, err := s.store.Issues().Get(ctx, issueID)
		if err != nil || !ok {
			return err
		}
		before := issue.Clone()

		spans, err := s.issueSpans(ctx, issue)
		if err != nil {
			return err
		}

		s.deriveSuspects(issue, spans)
		deriveFingerprints(issue, spans)
		deriveSeverity(issue, spans)
		deriveSummary(issue, spans)
		deriveLastSeen(issue, spans)
		deriveVerification(issue, spans)
		if err := s.deriveStreams(ctx, issue, spans); err != nil {
			return err
		}
		s.deriveMergeOrigin(issue, spans)
		s.detectFixFailure(issue, spans)
		s.deriveOwnership(issue, spans)
		derivePromotion(issue, spans)

		if reflect.DeepEqual(before, issue) {
			s.openIssues.put(issue)
			return nil
		}
		if err := s.store.Issues().Update(ctx, issue); err != nil {
			return err
		}
		s.openIssues.put(issue)
		s.emitTransitions(ctx, before, issue)
		return nil
	})
	if err != nil && tspan != nil {
		tspan.RecordError(err)
	}
	return err
}

// issueSpans loads the spans contributing to the issue's derived data:
// attached, not manually excluded, and living in a stream that still exists.
func (s *Service) issueSpans(ctx context.Context, issue *models.Issue) ([]*models.Span, error) {
	all, err := s.store.Spans().Find(ctx, docstore.SpanFilter{IssueID: issue.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to load spans of issue %d: %w", issue.ID, err)
	}

	streamAlive := make(map[string]bool)
	var spans []*models.Span
	for _, span := range all {
		if issue.ExcludesSpan(span.ID) {
			continue
		}
		alive, checked := streamAlive[span.StreamID]
		if !checked {
			exists, err := s.history.StreamExists(ctx, span.StreamID)
			if err != nil {
				// Keep the span when the stream check itself fails.
				s.logger.Warn("stream existence check failed for %s: %v", span.StreamID, err)
				exists = true
			}
			streamAlive[span.StreamID] = exists
			alive = exists
		}
		if !alive {
			s.logger.Warn("dropping %s from issue %d: stream gone", span.DebugString(), issue.ID)
			continue
		}
		spans = append(spans, span)
	}
	return spans, nil
}

// deriveSuspects intersects the spans' origin-keyed suspect sets. Only
// changes blamed by every span that has a last-success constraint survive
// into the issue's suspect index. Declination timestamps carry over.
func (s *Service) deriveSuspects(issue *models.Issue, spans []*models.Span) {
	declined := make(map[int64]*models.IssueSuspect)
	for i := range issue.Suspects {
		if issue.Suspects[i].DeclinedAt != nil {
			declined[issue.Suspects[i].Change] = &issue.Suspects[i]
		}
	}

	var intersection map[int64]models.SpanSuspect
	for _, span := range spans {
		if span.LastSuccess == nil {
			// No lower bound, no constraint.
			continue
		}
		changes := span.SuspectChanges()
		if intersection == nil {
			intersection = changes
			continue
		}
		for change := range intersection {
			if _, ok := changes[change]; !ok {
				delete(intersection, change)
			}
		}
	}

	if len(intersection) == 0 {
		issue.Suspects = nil
		return
	}

	suspects := make([]models.IssueSuspect, 0, len(intersection))
	for change, suspect := range intersection {
		entry := models.IssueSuspect{
			IssueID:  issue.ID,
			AuthorID: suspect.AuthorID,
			Change:   change,
		}
		if prev, ok := declined[change]; ok {
			entry.DeclinedAt = prev.DeclinedAt
		}
		suspects = append(suspects, entry)
	}
	sort.Slice(suspects, func(i, j int) bool { return suspects[i].Change < suspects[j].Change })
	issue.Suspects = suspects
}

// deriveFingerprints merges the spans' fingerprints into one composite per
// distinct type.
func deriveFingerprints(issue *models.Issue, spans []*models.Span) {
	if len(spans) == 0 {
		return
	}
	byType := make(map[string]models.Fingerprint)
	var order []string
	for _, span := range spans {
		fp, ok := byType[span.Fingerprint.Type]
		if !ok {
			byType[span.Fingerprint.Type] = span.Fingerprint
			order = append(order, span.Fingerprint.Type)
			continue
		}
		byType[span.Fingerprint.Type] = fp.Merge(span.Fingerprint)
	}
	sort.Strings(order)

	composites := make([]models.Fingerprint, 0, len(order))
	for _, fpType := range order {
		composites = append(composites, byType[fpType])
	}
	issue.Fingerprints = composites
}

// deriveSeverity: Error beats Warning among still-open spans; with every span
// closed the previous severity stands.
func deriveSeverity(issue *models.Issue, spans []*models.Span) {
	severity := models.SeverityUnspecified
	for _, span := range spans {
		if !span.Open() {
			continue
		}
		if span.LastFailure.Severity > severity {
			severity = span.LastFailure.Severity
		}
	}
	if severity != models.SeverityUnspecified {
		issue.Severity = severity
	}
}

// deriveSummary renders the composite fingerprint's template. Multiple
// distinct failure types get a generic headline; an issue without spans keeps
// its prior summary.
func deriveSummary(issue *models.Issue, spans []*models.Span) {
	switch len(issue.Fingerprints) {
	case 0:
		return
	case 1:
		issue.Summary = issue.Fingerprints[0].RenderSummary(models.SummaryArgs{
			Severity: issue.Severity,
			Nodes:    spanNodes(spans),
		})
	default:
		issue.Summary = fmt.Sprintf("Multiple failure types across %d spans", len(spans))
	}
}

func spanNodes(spans []*models.Span) []string {
	seen := make(map[string]struct{})
	var nodes []string
	for _, span := range spans {
		if _, ok := seen[span.NodeName]; ok {
			continue
		}
		seen[span.NodeName] = struct{}{}
		nodes = append(nodes, span.NodeName)
	}
	return nodes
}

// deriveLastSeen sets lastSeenAt to the latest failure across spans, never
// before creation.
func deriveLastSeen(issue *models.Issue, spans []*models.Span) {
	last := issue.CreatedAt
	for _, span := range spans {
		if span.LastFailure.Time.After(last) {
			last = span.LastFailure.Time
		}
	}
	issue.LastSeenAt = last
}

// deriveVerification sets verifiedAt to the first moment every lineage had
// recovered. Open spans, quarantine and span-less issues all block
// verification. The resolution follows verification unless a user resolved
// (or force-closed) explicitly.
func deriveVerification(issue *models.Issue, spans []*models.Span) {
	verified := len(spans) > 0 && !issue.Quarantined()

	var earliest *models.Step
	for _, span := range spans {
		if span.Open() {
			verified = false
			break
		}
		if earliest == nil || span.NextSuccess.Time.Before(earliest.Time) {
			earliest = span.NextSuccess
		}
	}

	if verified && earliest != nil {
		t := earliest.Time
		issue.VerifiedAt = &t
	} else {
		issue.VerifiedAt = nil
	}

	userResolved := issue.ResolvedByID != "" || issue.ForceClosedByUserID != ""
	switch {
	case issue.VerifiedAt != nil && !userResolved:
		issue.ResolvedAt = issue.VerifiedAt
	case issue.VerifiedAt == nil && !userResolved:
		issue.ResolvedAt = nil
	}
}

// deriveStreams rebuilds the per-stream rollup, probing each stream for the
// recorded fix changelist.
func (s *Service) deriveStreams(ctx context.Context, issue *models.Issue, spans []*models.Span) error {
	prev := make(map[string]models.IssueStream, len(issue.Streams))
	for _, entry := range issue.Streams {
		prev[entry.StreamID] = entry
	}

	seen := make(map[string]struct{})
	var streams []models.IssueStream
	for _, span := range spans {
		if _, ok := seen[span.StreamID]; ok {
			continue
		}
		seen[span.StreamID] = struct{}{}

		entry := models.IssueStream{StreamID: span.StreamID}
		if old, ok := prev[span.StreamID]; ok {
			entry.FixFailed = old.FixFailed
		}

		if issue.FixChange != 0 {
			contains, err := s.history.Contains(ctx, span.StreamID, issue.FixChange)
			if err != nil {
				s.logger.Warn("fix probe failed for stream %s change %d: %v", span.StreamID, issue.FixChange, err)
			} else {
				entry.ContainsFix = &contains
			}
			if failedAfterFix(spans, span.StreamID, issue.FixChange) {
				failed := true
				entry.FixFailed = &failed
			}
		}
		streams = append(streams, entry)
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].StreamID < streams[j].StreamID })
	if len(streams) == 0 {
		// Keep the seed stream entry for span-less issues.
		return nil
	}
	issue.Streams = streams
	return nil
}

// failedAfterFix reports whether any span of the stream failed above the fix
// changelist.
func failedAfterFix(spans []*models.Span, streamID string, fixChange int64) bool {
	for _, span := range spans {
		if span.StreamID == streamID && span.LastFailure.Change > fixChange {
			return true
		}
	}
	return false
}

// deriveMergeOrigin marks the stream(s) where a blamed change was submitted
// directly rather than merged in: for each issue suspect, the stream holding
// the lowest applied changelist for that origin is the origin stream.
func (s *Service) deriveMergeOrigin(issue *models.Issue, spans []*models.Span) {
	if len(issue.Suspects) == 0 || len(issue.Streams) == 0 {
		return
	}

	originStreams := make(map[string]struct{})
	for _, suspect := range issue.Suspects {
		var minApplied int64
		var minStreams []string
		for _, span := range spans {
			for _, ss := range span.Suspects {
				if ss.OriginKey() != suspect.Change {
					continue
				}
				switch {
				case minApplied == 0 || ss.Change < minApplied:
					minApplied = ss.Change
					minStreams = []string{span.StreamID}
				case ss.Change == minApplied:
					minStreams = append(minStreams, span.StreamID)
				}
			}
		}
		for _, streamID := range minStreams {
			originStreams[streamID] = struct{}{}
		}
	}

	for i := range issue.Streams {
		_, isOrigin := originStreams[issue.Streams[i].StreamID]
		origin := isOrigin
		issue.Streams[i].MergeOrigin = &origin
	}
}

// detectFixFailure clears a resolution when a stream without the fix keeps
// failing past the grace window: the fix attempt did not take.
func (s *Service) detectFixFailure(issue *models.Issue, spans []*models.Span) {
	if !issue.Resolved() || issue.ForceClosedByUserID != "" {
		return
	}

	deadline := issue.ResolvedAt.Add(fixFailureGrace)
	for _, span := range spans {
		if !span.LastFailure.Time.After(deadline) {
			continue
		}
		if streamHasFix(issue, span.StreamID) {
			continue
		}
		s.logger.Warn("issue %d: failure in stream %s at %s outlives resolution, clearing fix",
			issue.ID, span.StreamID, span.LastFailure.Time.Format("2006-01-02T15:04:05Z07:00"))
		issue.FixChange = 0
		issue.ResolvedAt = nil
		issue.ResolvedByID = ""
		issue.VerifiedAt = nil
		if entry := issue.StreamEntry(span.StreamID); entry != nil {
			failed := true
			entry.FixFailed = &failed
		}
		return
	}
}

// streamHasFix reports whether the fix changelist is known to exist in the
// stream.
func streamHasFix(issue *models.Issue, streamID string) bool {
	entry := issue.StreamEntry(streamID)
	return entry != nil && entry.ContainsFix != nil && *entry.ContainsFix
}

// deriveOwnership auto-assigns an owner to a fresh issue. A workflow policy
// covering one of the issue's streams with a default owner wins; otherwise
// the owner is the single author shared by every live suspect, when policy
// allows it (promoted issue or a span requesting auto-assignment via
// annotation).
func (s *Service) deriveOwnership(issue *models.Issue, spans []*models.Span) {
	if issue.OwnerID != "" {
		return
	}

	for _, entry := range issue.Streams {
		wf := s.workflowForStream(entry.StreamID)
		if wf != nil && wf.DefaultOwner != "" {
			issue.OwnerID = wf.DefaultOwner
			issue.NominatedByID = models.UnknownUserID
			return
		}
	}

	author := ""
	for _, suspect := range issue.Suspects {
		if suspect.DeclinedAt != nil {
			continue
		}
		if author == "" {
			author = suspect.AuthorID
			continue
		}
		if suspect.AuthorID != author {
			return
		}
	}
	if author == "" {
		return
	}

	if !issue.Promoted && !anySpanRequestsAutoAssign(spans) {
		return
	}

	issue.OwnerID = author
	issue.NominatedByID = models.UnknownUserID
}

func anySpanRequestsAutoAssign(spans []*models.Span) bool {
	for _, span := range spans {
		if span.LastFailure.Annotations["auto-assign"] == "true" {
			return true
		}
	}
	return false
}

// derivePromotion surfaces the issue when any span's latest failure carries
// promote-by-default. Manual promotion is never revoked here.
func derivePromotion(issue *models.Issue, spans []*models.Span) {
	if issue.Promoted {
		return
	}
	for _, span := range spans {
		if span.LastFailure.PromoteByDefault {
			issue.Promoted = true
			return
		}
	}
}

// emitTransitions publishes the state transitions between two revisions of
// an issue.
func (s *Service) emitTransitions(ctx context.Context, before, after *models.Issue) {
	if before.VerifiedAt == nil && after.VerifiedAt != nil {
		s.notifyIssue(ctx, notify.TopicIssueVerified, after)
	}
	if before.ResolvedAt == nil && after.ResolvedAt != nil {
		s.notifyIssue(ctx, notify.TopicIssueResolved, after)
	}
	if before.ResolvedAt != nil && after.ResolvedAt == nil {
		s.notifyIssue(ctx, notify.TopicIssueReopened, after)
	}
	if before.OwnerID != after.OwnerID && after.OwnerID != "" {
		s.notifyIssue(ctx, notify.TopicIssueOwnerAssigned, after)
	}
}
