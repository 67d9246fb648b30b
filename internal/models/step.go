package models

import (
	"strings"
	"time"
)

// StepSeverity is the coarse severity of one failure observation.
type StepSeverity int

const (
	// SeverityUnspecified marks steps that carry no failure signal
	// (success sentinels recorded into a span's history).
	SeverityUnspecified StepSeverity = iota
	// SeverityWarning marks non-fatal build output.
	SeverityWarning
	// SeverityError marks failures that broke the step.
	SeverityError
)

// String returns the lowercase name of the severity.
func (s StepSeverity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unspecified"
	}
}

// ParseStepSeverity is the inverse of String. Unknown names decode to
// SeverityUnspecified.
func ParseStepSeverity(s string) StepSeverity {
	switch strings.ToLower(s) {
	case "warning":
		return SeverityWarning
	case "error":
		return SeverityError
	default:
		return SeverityUnspecified
	}
}

// Step is a single build-run observation contributing to a span's history:
// one failure (or success sentinel) at a specific changelist in a specific
// job run. Steps are append-only; once written they are never mutated.
type Step struct {
	// SpanID links the observation to its owning span.
	SpanID string `json:"spanId"`

	// Change is the changelist the job ran at.
	Change int64 `json:"change"`

	Severity StepSeverity `json:"severity"`

	JobID   string `json:"jobId"`
	BatchID string `json:"batchId"`
	StepID  string `json:"stepId"`
	JobName string `json:"jobName"`

	// Time is the start time of the observed job step.
	Time time.Time `json:"time"`

	// LogRef points at the step's log artifact, if one exists.
	LogRef string `json:"logRef,omitempty"`

	// Annotations are the free-form node annotations active for the step.
	Annotations map[string]string `json:"annotations,omitempty"`

	// PromoteByDefault requests that the owning issue be surfaced without a
	// manual promotion. Derived from severity and annotations at ingest time.
	PromoteByDefault bool `json:"promoteByDefault"`
}

// Clone returns a deep copy of the step.
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	out := *s
	if s.Annotations != nil {
		out.Annotations = make(map[string]string, len(s.Annotations))
		for k, v := range s.Annotations {
			out.Annotations[k] = v
		}
	}
	return &out
}
