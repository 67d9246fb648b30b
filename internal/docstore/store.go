// Package docstore defines the typed document collections backing the triage
// engine: issues and spans with optimistic version-checked updates, an
// append-only step history, per-lineage success sentinels and a ledger
// singleton for id allocation.
//
// Two backends exist: an in-memory store used by tests and local runs, and a
// Postgres store (JSONB documents with an update_version guard column) for
// deployments. The store is the single source of truth; no in-process state
// is authoritative.
package docstore

import (
	"context"
	"errors"

	"github.com/moolen/triage/internal/models"
)

// ErrVersionConflict is returned by conditional updates when the stored
// document's version no longer matches the caller's copy. Callers retry the
// whole read-modify-write cycle, typically via Retry.
var ErrVersionConflict = errors.New("docstore: update version conflict")

// IssueFilter selects issues. Zero values mean "no constraint".
type IssueFilter struct {
	IDs      []int64
	OwnerID  string
	StreamID string

	// MinChange/MaxChange select issues whose spans overlap the range, as
	// approximated by the issue's recorded streams' span bounds.
	MinChange int64
	MaxChange int64

	Resolved *bool
	Promoted *bool
}

// SpanFilter selects spans. Zero values mean "no constraint".
type SpanFilter struct {
	IDs        []string
	IssueID    int64
	StreamID   string
	TemplateID string
	NodeName   string
	Open       *bool
}

// StepFilter selects steps of a span's append-only history.
type StepFilter struct {
	SpanID    string
	MinChange int64
	MaxChange int64
}

// IssueStore is the issues collection.
type IssueStore interface {
	Insert(ctx context.Context, issue *models.Issue) error

	// Get returns (nil, false, nil) when the issue does not exist.
	Get(ctx context.Context, id int64) (*models.Issue, bool, error)

	// Update writes the issue conditionally on issue.UpdateVersion matching
	// the stored document, returning ErrVersionConflict otherwise. On success
	// the stored and in-memory versions are incremented.
	Update(ctx context.Context, issue *models.Issue) error

	Find(ctx context.Context, filter IssueFilter, offset, limit int) ([]*models.Issue, error)
}

// SpanStore is the spans collection.
type SpanStore interface {
	Insert(ctx context.Context, span *models.Span) error

	// Get returns (nil, false, nil) when the span does not exist.
	Get(ctx context.Context, id string) (*models.Span, bool, error)

	// Update behaves like IssueStore.Update.
	Update(ctx context.Context, span *models.Span) error

	Find(ctx context.Context, filter SpanFilter) ([]*models.Span, error)
}

// StepStore is the append-only step history.
type StepStore interface {
	Append(ctx context.Context, step *models.Step) error
	Find(ctx context.Context, filter StepFilter) ([]*models.Step, error)
}

// SentinelStore tracks the latest known succeeding build per lineage. It is
// what seeds a new span's LastSuccess bound.
type SentinelStore interface {
	// Advance records a success at the given step's change if it is newer
	// than the recorded sentinel for the lineage.
	Advance(ctx context.Context, lineage models.Lineage, step *models.Step) error

	// Get returns (nil, false, nil) when no success is known for the lineage.
	Get(ctx context.Context, lineage models.Lineage) (*models.Step, bool, error)
}

// Ledger allocates monotonically increasing ids.
type Ledger interface {
	NextIssueID(ctx context.Context) (int64, error)
}

// Store bundles all collections of one backend.
type Store interface {
	Issues() IssueStore
	Spans() SpanStore
	Steps() StepStore
	Sentinels() SentinelStore
	Ledger() Ledger
}
