// Package events defines the boundary to the log/event subsystem. Event
// extraction and tokenization are black boxes to the triage engine: this
// package only specifies the typed records the engine consumes and the
// classifier contract that turns them into fingerprint groups.
package events

import (
	"context"

	"github.com/moolen/triage/internal/models"
)

// StepRef identifies the log artifacts of one finished job step.
type StepRef struct {
	JobID   string
	BatchID string
	StepID  string
	LogRef  string
}

// Event is one typed log event produced by a job step.
type Event struct {
	// LineIndex is the first log line of the event.
	LineIndex int

	// LineCount is the number of lines the event covers.
	LineCount int

	Severity models.StepSeverity

	// Message is the rendered first line of the event.
	Message string
}

// Source produces the typed events of a finished step.
type Source interface {
	// FindEvents returns the events emitted by the referenced step.
	FindEvents(ctx context.Context, ref StepRef) ([]Event, error)

	// GetEventData returns the structured fields extracted for an event
	// (file names, symbols, error codes), keyed by field name.
	GetEventData(ctx context.Context, ref StepRef, ev Event) (map[string]string, error)
}

// Group is a set of sibling events sharing one fingerprint.
type Group struct {
	Fingerprint models.Fingerprint
	Severity    models.StepSeverity
	Events      []Event
}

// Classifier groups a step's events into fingerprinted failure groups. The
// grouping rules (which fields form keys, which templates apply) live with
// the log-parsing subsystem, outside this engine.
type Classifier interface {
	Classify(ctx context.Context, ref StepRef, evs []Event) ([]Group, error)
}
