// Package metrics exposes the engine's Prometheus collectors. Collectors are
// registered on the default registry; the serving process decides whether and
// where to expose them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StepsIngested counts job-step completions processed, by outcome.
	StepsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "triage",
		Name:      "steps_ingested_total",
		Help:      "Job step completions processed, labeled by outcome.",
	}, []string{"outcome"})

	// SpansOpened counts newly created spans.
	SpansOpened = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "triage",
		Name:      "spans_opened_total",
		Help:      "Spans created for newly observed failures.",
	})

	// SpansClosed counts spans closed by a bounding success.
	SpansClosed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "triage",
		Name:      "spans_closed_total",
		Help:      "Spans closed by a succeeding build above their last failure.",
	})

	// IssuesCreated counts issues minted for unmatched spans.
	IssuesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "triage",
		Name:      "issues_created_total",
		Help:      "Issues created because no open issue matched a new span.",
	})

	// VersionConflicts counts optimistic update collisions.
	VersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "triage",
		Name:      "version_conflicts_total",
		Help:      "Conditional document updates that lost the version race.",
	})

	// LockWaitSeconds observes distributed lock acquisition latency.
	LockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "triage",
		Name:      "lock_wait_seconds",
		Help:      "Time spent acquiring the issue keyspace lock.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	// SweepRuns counts background sweep executions, by result.
	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "triage",
		Name:      "sweep_runs_total",
		Help:      "Background sweep executions, labeled by result.",
	}, []string{"result"})
)
