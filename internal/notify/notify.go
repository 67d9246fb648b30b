// Package notify is the fire-and-forget telemetry boundary: issue state
// transitions and workflow digests are published as topic/payload events and
// delivery is somebody else's problem.
package notify

import (
	"context"

	"github.com/moolen/triage/internal/logging"
)

// Topics published by the engine.
const (
	TopicIssueCreated       = "issue.created"
	TopicIssueResolved      = "issue.resolved"
	TopicIssueVerified      = "issue.verified"
	TopicIssueReopened      = "issue.reopened"
	TopicIssueOwnerAssigned = "issue.owner_assigned"
	TopicWorkflowDigest     = "workflow.digest"
)

// Sink receives events. Implementations must not block the caller on
// delivery; errors are delivery-side concerns and are never surfaced to the
// triage path.
type Sink interface {
	SendEvent(ctx context.Context, topic string, payload map[string]interface{})
}

// LogSink writes events to the log. It is the default sink when no delivery
// integration is configured.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a sink that logs every event.
func NewLogSink() *LogSink {
	return &LogSink{logger: logging.GetLogger("notify")}
}

// SendEvent logs the event.
func (s *LogSink) SendEvent(_ context.Context, topic string, payload map[string]interface{}) {
	fields := make([]logging.LogField, 0, len(payload))
	for k, v := range payload {
		fields = append(fields, logging.Field(k, v))
	}
	s.logger.InfoWithFields("event "+topic, fields...)
}

// NopSink drops all events.
type NopSink struct{}

// SendEvent discards the event.
func (NopSink) SendEvent(context.Context, string, map[string]interface{}) {}

// Multi fans events out to several sinks.
type Multi []Sink

// SendEvent delivers the event to every sink.
func (m Multi) SendEvent(ctx context.Context, topic string, payload map[string]interface{}) {
	for _, sink := range m {
		sink.SendEvent(ctx, topic, payload)
	}
}
