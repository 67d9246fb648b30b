package models

import "time"

// Sentinel user ids used where no real account applies.
const (
	// UnknownUserID marks system-initiated actions with no acting user.
	UnknownUserID = "unknown"
	// TimeoutUserID marks resolutions applied by the stale-issue sweep.
	TimeoutUserID = "timeout"
)

// IssueStream is the per-stream rollup of an issue's spans.
type IssueStream struct {
	StreamID string `json:"streamId"`

	// MergeOrigin marks the stream(s) where the defect was introduced rather
	// than merely propagated by merges.
	MergeOrigin *bool `json:"mergeOrigin,omitempty"`

	// ContainsFix reports whether the recorded fix changelist exists in this
	// stream's history. Nil when no fix is recorded or the probe failed.
	ContainsFix *bool `json:"containsFix,omitempty"`

	// FixFailed is set when a span in this stream failed again after the
	// recorded fix changelist.
	FixFailed *bool `json:"fixFailed,omitempty"`
}

// IssueSuspect is one entry of the issue-level suspect index, derived from
// the intersection of span suspects across all constrained spans.
type IssueSuspect struct {
	IssueID  int64  `json:"issueId"`
	AuthorID string `json:"authorId"`

	// Change is the origin-keyed changelist shared by every constrained span.
	Change int64 `json:"change"`

	// DeclinedAt is set when the author declined responsibility.
	DeclinedAt *time.Time `json:"declinedAt,omitempty"`
}

// Issue is the user-facing aggregate: one or more spans, possibly across
// streams, rolled into a single triage-worthy entity with ownership and
// resolution state. Issues are never deleted; resolved issues persist for
// history.
//
// All derived fields (summary, severity, suspects, streams, verification
// timestamps) are recomputed whenever any attached span changes.
type Issue struct {
	ID int64 `json:"id"`

	// Summary is the derived headline; UserSummary overrides it when a human
	// edited the title.
	Summary     string `json:"summary"`
	UserSummary string `json:"userSummary,omitempty"`
	Description string `json:"description,omitempty"`

	// Fingerprints holds one composite fingerprint per distinct type across
	// the issue's spans.
	Fingerprints []Fingerprint `json:"fingerprints,omitempty"`

	Severity StepSeverity `json:"severity"`

	// Promoted surfaces the issue on default dashboards. Set manually or
	// derived from span step annotations.
	Promoted bool `json:"promoted"`

	OwnerID       string `json:"ownerId,omitempty"`
	NominatedByID string `json:"nominatedById,omitempty"`

	CreatedAt      time.Time  `json:"createdAt"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`

	// ResolvedAt is set by verification, by an explicit user resolution or by
	// the stale-issue sweep. ResolvedByID records who resolved it; the
	// TimeoutUserID sentinel marks sweep resolutions.
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
	ResolvedByID string     `json:"resolvedById,omitempty"`

	// VerifiedAt is the first moment every attached span had recovered. Never
	// set while any span is open or the issue is quarantined.
	VerifiedAt *time.Time `json:"verifiedAt,omitempty"`

	// LastSeenAt is the most recent failure time across spans.
	LastSeenAt time.Time `json:"lastSeenAt"`

	// FixChange is the changelist nominated as the fix, when known.
	FixChange int64 `json:"fixChange,omitempty"`

	Streams []IssueStream `json:"streams,omitempty"`

	// Suspects is the derived issue-level suspect index.
	Suspects []IssueSuspect `json:"suspects,omitempty"`

	// ExcludeSpanIDs lists spans manually detached from this issue; they are
	// ignored by derived-data recomputation even if still pointing here.
	ExcludeSpanIDs []string `json:"excludeSpanIds,omitempty"`

	// UpdateVersion is the optimistic concurrency token.
	UpdateVersion int64 `json:"updateVersion"`

	// ExternalIssueKey links the issue to an external tracker.
	ExternalIssueKey string `json:"externalIssueKey,omitempty"`

	// Quarantine suppresses auto-close and auto-verification until lifted.
	QuarantinedByUserID string     `json:"quarantinedByUserId,omitempty"`
	QuarantineTime      *time.Time `json:"quarantineTime,omitempty"`

	ForceClosedByUserID string `json:"forceClosedByUserId,omitempty"`

	// WorkflowThreadURL points at the notification thread created for the
	// issue's workflow, when one exists.
	WorkflowThreadURL string `json:"workflowThreadUrl,omitempty"`
}

// Resolved reports whether the issue currently carries a resolution.
func (i *Issue) Resolved() bool {
	return i.ResolvedAt != nil
}

// Quarantined reports whether the issue is held in quarantine.
func (i *Issue) Quarantined() bool {
	return i.QuarantinedByUserID != ""
}

// ExcludesSpan reports whether the span was manually detached.
func (i *Issue) ExcludesSpan(spanID string) bool {
	for _, id := range i.ExcludeSpanIDs {
		if id == spanID {
			return true
		}
	}
	return false
}

// StreamEntry returns the rollup entry for streamID, if present.
func (i *Issue) StreamEntry(streamID string) *IssueStream {
	for idx := range i.Streams {
		if i.Streams[idx].StreamID == streamID {
			return &i.Streams[idx]
		}
	}
	return nil
}

// DisplaySummary returns the user override when set, the derived summary
// otherwise.
func (i *Issue) DisplaySummary() string {
	if i.UserSummary != "" {
		return i.UserSummary
	}
	return i.Summary
}

// Clone returns a deep copy of the issue.
func (i *Issue) Clone() *Issue {
	if i == nil {
		return nil
	}
	out := *i
	if i.Fingerprints != nil {
		out.Fingerprints = make([]Fingerprint, len(i.Fingerprints))
		for idx, fp := range i.Fingerprints {
			out.Fingerprints[idx] = cloneFingerprint(fp)
		}
	}
	out.Streams = append([]IssueStream(nil), i.Streams...)
	for idx := range out.Streams {
		out.Streams[idx].MergeOrigin = cloneBool(i.Streams[idx].MergeOrigin)
		out.Streams[idx].ContainsFix = cloneBool(i.Streams[idx].ContainsFix)
		out.Streams[idx].FixFailed = cloneBool(i.Streams[idx].FixFailed)
	}
	out.Suspects = append([]IssueSuspect(nil), i.Suspects...)
	for idx := range out.Suspects {
		out.Suspects[idx].DeclinedAt = cloneTime(i.Suspects[idx].DeclinedAt)
	}
	out.ExcludeSpanIDs = append([]string(nil), i.ExcludeSpanIDs...)
	out.AcknowledgedAt = cloneTime(i.AcknowledgedAt)
	out.ResolvedAt = cloneTime(i.ResolvedAt)
	out.VerifiedAt = cloneTime(i.VerifiedAt)
	out.QuarantineTime = cloneTime(i.QuarantineTime)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	c := *b
	return &c
}
