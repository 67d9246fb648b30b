package models

import (
	"fmt"
	"time"
)

// Lineage is the (stream, template, node) triple a span is scoped to. Two
// failures in different lineages never share a span.
type Lineage struct {
	StreamID   string `json:"streamId"`
	TemplateID string `json:"templateId"`
	NodeName   string `json:"nodeName"`
}

// String renders the lineage as a stable composite key.
func (l Lineage) String() string {
	return l.StreamID + "/" + l.TemplateID + "/" + l.NodeName
}

// SpanSuspect is one candidate culprit changelist for a span.
type SpanSuspect struct {
	// Change is the changelist as applied in the span's stream.
	Change int64 `json:"change"`

	AuthorID string `json:"authorId"`

	// OriginatingChange is the merge/integration source changelist when the
	// applied change was copied from another stream; zero otherwise.
	OriginatingChange int64 `json:"originatingChange,omitempty"`
}

// OriginKey returns the changelist identity used to compare suspects across
// streams: the originating change when known, otherwise the applied change.
func (s SpanSuspect) OriginKey() int64 {
	if s.OriginatingChange != 0 {
		return s.OriginatingChange
	}
	return s.Change
}

// Span tracks the contiguous occurrence range of one fingerprint within one
// lineage. It is bounded below by the last known succeeding build and, once
// the failure is fixed, above by the next known succeeding build.
//
// A span with no NextSuccess is open. Closed spans are immutable history: a
// later failure inside an already-bounded range creates a new span instead of
// reopening the old one.
type Span struct {
	ID string `json:"id"`

	StreamID   string `json:"streamId"`
	TemplateID string `json:"templateId"`
	NodeName   string `json:"nodeName"`

	Fingerprint Fingerprint `json:"fingerprint"`

	// LastSuccess is the most recent succeeding build below FirstFailure,
	// when one is known.
	LastSuccess *Step `json:"lastSuccess,omitempty"`

	FirstFailure Step `json:"firstFailure"`
	LastFailure  Step `json:"lastFailure"`

	// NextSuccess closes the span: the first succeeding build above
	// LastFailure.
	NextSuccess *Step `json:"nextSuccess,omitempty"`

	// Suspects are the ranked candidate culprits over the
	// (LastSuccess, FirstFailure] change range.
	Suspects []SpanSuspect `json:"suspects,omitempty"`

	// IssueID is the owning issue. A span belongs to exactly one issue at a
	// time but may be reassigned.
	IssueID int64 `json:"issueId"`

	// ResolvedAt is the time the span was closed.
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`

	// UpdateVersion is the optimistic concurrency token. Every successful
	// store update increments it; conditional writes compare against it.
	UpdateVersion int64 `json:"updateVersion"`
}

// Lineage returns the span's (stream, template, node) scope.
func (s *Span) Lineage() Lineage {
	return Lineage{StreamID: s.StreamID, TemplateID: s.TemplateID, NodeName: s.NodeName}
}

// Open reports whether the span is still failing (no bounding success seen).
func (s *Span) Open() bool {
	return s.NextSuccess == nil
}

// ValidateBounds checks the span's ordering invariant:
// lastSuccess < firstFailure <= lastFailure < nextSuccess, for whichever
// bounds are known.
func (s *Span) ValidateBounds() error {
	if s.FirstFailure.Change > s.LastFailure.Change {
		return NewValidationError("span %s: first failure %d after last failure %d", s.ID, s.FirstFailure.Change, s.LastFailure.Change)
	}
	if s.LastSuccess != nil && s.LastSuccess.Change >= s.FirstFailure.Change {
		return NewValidationError("span %s: last success %d not below first failure %d", s.ID, s.LastSuccess.Change, s.FirstFailure.Change)
	}
	if s.NextSuccess != nil && s.NextSuccess.Change <= s.LastFailure.Change {
		return NewValidationError("span %s: next success %d not above last failure %d", s.ID, s.NextSuccess.Change, s.LastFailure.Change)
	}
	return nil
}

// SuspectChanges returns the set of origin-keyed suspect changes.
func (s *Span) SuspectChanges() map[int64]SpanSuspect {
	out := make(map[int64]SpanSuspect, len(s.Suspects))
	for _, suspect := range s.Suspects {
		out[suspect.OriginKey()] = suspect
	}
	return out
}

// Clone returns a deep copy of the span.
func (s *Span) Clone() *Span {
	if s == nil {
		return nil
	}
	out := *s
	out.LastSuccess = s.LastSuccess.Clone()
	out.NextSuccess = s.NextSuccess.Clone()
	if p := s.FirstFailure.Clone(); p != nil {
		out.FirstFailure = *p
	}
	if p := s.LastFailure.Clone(); p != nil {
		out.LastFailure = *p
	}
	out.Suspects = append([]SpanSuspect(nil), s.Suspects...)
	if s.ResolvedAt != nil {
		t := *s.ResolvedAt
		out.ResolvedAt = &t
	}
	out.Fingerprint = cloneFingerprint(s.Fingerprint)
	return &out
}

func cloneFingerprint(fp Fingerprint) Fingerprint {
	fp.Keys = append([]Key(nil), fp.Keys...)
	fp.RejectKeys = append([]Key(nil), fp.RejectKeys...)
	fp.Metadata = append([]MetaEntry(nil), fp.Metadata...)
	fp.ChangeFilter = append([]string(nil), fp.ChangeFilter...)
	return fp
}

// DebugString renders a terse one-line description for logs.
func (s *Span) DebugString() string {
	state := "open"
	if !s.Open() {
		state = fmt.Sprintf("closed@%d", s.NextSuccess.Change)
	}
	return fmt.Sprintf("span %s [%s] %s %d..%d (%s)", s.ID, s.Lineage(), s.Fingerprint.Type, s.FirstFailure.Change, s.LastFailure.Change, state)
}
