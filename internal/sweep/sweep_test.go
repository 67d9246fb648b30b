package sweep

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moolen/triage/internal/config"
	"github.com/moolen/triage/internal/docstore"
	"github.com/moolen/triage/internal/events"
	"github.com/moolen/triage/internal/history"
	"github.com/moolen/triage/internal/lock"
	"github.com/moolen/triage/internal/models"
	"github.com/moolen/triage/internal/triage"
)

// recordingSink captures digest payloads for assertions.
type recordingSink struct {
	mu     sync.Mutex
	topics []string
	events []map[string]interface{}
}

func (r *recordingSink) SendEvent(_ context.Context, topic string, data map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	r.events = append(r.events, data)
}

func (r *recordingSink) last() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

func newTestSweeper(t *testing.T, base time.Time) (*Sweeper, *triage.Service, *docstore.MemoryStore, *recordingSink) {
	t.Helper()

	store := docstore.NewMemoryStore()
	src := history.NewMemorySource()
	src.AddStream("main")
	sink := &recordingSink{}

	svc, err := triage.NewService(triage.Config{
		Store:      store,
		Locks:      lock.NewMemoryLocker(),
		History:    src,
		Events:     events.NewMemorySource(),
		Classifier: events.NewStaticClassifier(),
		Notifier:   sink,
	})
	require.NoError(t, err)

	sw, err := NewSweeper(Config{Service: svc, Store: store, Sink: sink})
	require.NoError(t, err)
	sw.now = func() time.Time { return base }
	return sw, svc, store, sink
}

// insertIssue stores an unresolved issue with the given fields, bypassing
// ingestion.
func insertIssue(t *testing.T, store *docstore.MemoryStore, issue *models.Issue) {
	t.Helper()
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = issue.LastSeenAt
	}
	require.NoError(t, store.Issues().Insert(context.Background(), issue))
}

func TestSweepResolvesStaleIssues(t *testing.T) {
	base := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	sw, svc, store, _ := newTestSweeper(t, base)

	insertIssue(t, store, &models.Issue{
		ID:         1,
		Summary:    "Errors in Old.cpp",
		LastSeenAt: base.Add(-8 * 24 * time.Hour),
	})
	insertIssue(t, store, &models.Issue{
		ID:         2,
		Summary:    "Errors in Fresh.cpp",
		LastSeenAt: base.Add(-1 * time.Hour),
	})
	require.NoError(t, svc.RebuildOpenIssueCache(context.Background()))

	require.NoError(t, sw.RunOnce(context.Background()))

	stale, found, err := store.Issues().Get(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, stale.ResolvedAt)
	assert.Equal(t, models.TimeoutUserID, stale.ResolvedByID)

	fresh, found, err := store.Issues().Get(context.Background(), 2)
	require.NoError(t, err)
	require.True(t, found)
	assert.Nil(t, fresh.ResolvedAt)

	// The cache rebuild at the end of the sweep drops the timed-out issue.
	open := svc.OpenIssues()
	require.Len(t, open, 1)
	assert.Equal(t, int64(2), open[0].ID)
}

func TestSweepIsIdempotent(t *testing.T) {
	base := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	sw, _, store, _ := newTestSweeper(t, base)

	insertIssue(t, store, &models.Issue{
		ID:         1,
		Summary:    "Errors in Old.cpp",
		LastSeenAt: base.Add(-30 * 24 * time.Hour),
	})

	require.NoError(t, sw.RunOnce(context.Background()))
	first, _, err := store.Issues().Get(context.Background(), 1)
	require.NoError(t, err)

	require.NoError(t, sw.RunOnce(context.Background()))
	second, _, err := store.Issues().Get(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, first.ResolvedAt, second.ResolvedAt)
	assert.Equal(t, first.ResolvedByID, second.ResolvedByID)
}

func TestDigestCountsPerWorkflow(t *testing.T) {
	base := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	sw, svc, store, sink := newTestSweeper(t, base)

	ack := base.Add(-time.Hour)
	insertIssue(t, store, &models.Issue{
		ID:             1,
		Summary:        "Errors in Foo.cpp",
		LastSeenAt:     base,
		Streams:        []models.IssueStream{{StreamID: "main"}},
		AcknowledgedAt: &ack,
		Promoted:       true,
	})
	insertIssue(t, store, &models.Issue{
		ID:                  2,
		Summary:             "Errors in Bar.cpp",
		LastSeenAt:          base,
		Streams:             []models.IssueStream{{StreamID: "main"}},
		QuarantinedByUserID: "alice",
		QuarantineTime:      &ack,
	})
	insertIssue(t, store, &models.Issue{
		ID:         3,
		Summary:    "Errors in Other.cpp",
		LastSeenAt: base,
		Streams:    []models.IssueStream{{StreamID: "release"}},
	})
	require.NoError(t, svc.RebuildOpenIssueCache(context.Background()))

	sw.emitDigest(context.Background(), config.WorkflowConfig{
		ID:      "renderer",
		Channel: "#build-renderer",
		Streams: []string{"main"},
	})

	digest := sink.last()
	require.NotNil(t, digest)
	assert.Equal(t, "renderer", digest["workflowId"])
	assert.Equal(t, 2, digest["open"])
	assert.Equal(t, 1, digest["acknowledged"])
	assert.Equal(t, 1, digest["quarantined"])
	assert.Equal(t, 1, digest["promoted"])
}

func TestDigestWithoutStreamFilterCountsAllIssues(t *testing.T) {
	base := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	sw, svc, store, sink := newTestSweeper(t, base)

	for i := int64(1); i <= 3; i++ {
		insertIssue(t, store, &models.Issue{
			ID:         i,
			Summary:    fmt.Sprintf("Errors in File%d.cpp", i),
			LastSeenAt: base,
			Streams:    []models.IssueStream{{StreamID: fmt.Sprintf("%d", i)}},
		})
	}
	require.NoError(t, svc.RebuildOpenIssueCache(context.Background()))

	sw.emitDigest(context.Background(), config.WorkflowConfig{ID: "all", Channel: "#builds"})

	digest := sink.last()
	require.NotNil(t, digest)
	assert.Equal(t, 3, digest["open"])
}

func TestSetWorkflowsReplacesSchedules(t *testing.T) {
	base := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	sw, _, _, _ := newTestSweeper(t, base)

	require.NoError(t, sw.SetWorkflows(&config.WorkflowsFile{
		SchemaVersion: "v1",
		Workflows: []config.WorkflowConfig{
			{ID: "a", Channel: "#a", DigestSchedule: "0 9 * * *"},
			{ID: "b", Channel: "#b", DigestSchedule: "0 17 * * *"},
		},
	}))
	assert.Len(t, sw.entries, 2)

	require.NoError(t, sw.SetWorkflows(&config.WorkflowsFile{
		SchemaVersion: "v1",
		Workflows: []config.WorkflowConfig{
			{ID: "a", Channel: "#a", DigestSchedule: "0 9 * * *"},
		},
	}))
	assert.Len(t, sw.entries, 1)

	require.NoError(t, sw.SetWorkflows(nil))
	assert.Empty(t, sw.entries)
}

func TestSetWorkflowsRejectsBadSchedule(t *testing.T) {
	base := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	sw, _, _, _ := newTestSweeper(t, base)

	err := sw.SetWorkflows(&config.WorkflowsFile{
		SchemaVersion: "v1",
		Workflows: []config.WorkflowConfig{
			{ID: "a", Channel: "#a", DigestSchedule: "not a schedule"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflow a")
}
