package docstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moolen/triage/internal/models"
)

func TestMemoryIssues_GetMissingIsNoError(t *testing.T) {
	store := NewMemoryStore()

	issue, ok, err := store.Issues().Get(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, issue)
}

func TestMemoryIssues_UpdateIsVersionChecked(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	issue := &models.Issue{ID: 1, Summary: "Errors in Foo.cpp", CreatedAt: time.Now()}
	require.NoError(t, store.Issues().Insert(ctx, issue))

	first, _, err := store.Issues().Get(ctx, 1)
	require.NoError(t, err)
	second, _, err := store.Issues().Get(ctx, 1)
	require.NoError(t, err)

	first.Summary = "first writer"
	require.NoError(t, store.Issues().Update(ctx, first))

	second.Summary = "second writer"
	err = store.Issues().Update(ctx, second)
	assert.ErrorIs(t, err, ErrVersionConflict, "a stale version must lose the race")

	// After re-reading the winner's state the update goes through.
	fresh, _, err := store.Issues().Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "first writer", fresh.Summary)
	fresh.Summary = "second writer"
	require.NoError(t, store.Issues().Update(ctx, fresh))
}

func TestMemoryIssues_ConcurrentUpdatesExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Issues().Insert(ctx, &models.Issue{ID: 1}))

	base, _, err := store.Issues().Get(ctx, 1)
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			copy := base.Clone()
			results <- store.Issues().Update(ctx, copy)
		}()
	}
	wg.Wait()
	close(results)

	wins, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case err == ErrVersionConflict:
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins, "exactly one writer must win per version")
	assert.Equal(t, writers-1, conflicts)
}

func TestMemorySpans_FindByLineageAndOpen(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	open := &models.Span{ID: "a", StreamID: "main", TemplateID: "ci", NodeName: "compile",
		FirstFailure: models.Step{Change: 100}, LastFailure: models.Step{Change: 100}}
	closedNext := models.Step{Change: 120}
	closed := &models.Span{ID: "b", StreamID: "main", TemplateID: "ci", NodeName: "compile",
		FirstFailure: models.Step{Change: 90}, LastFailure: models.Step{Change: 95}, NextSuccess: &closedNext}
	other := &models.Span{ID: "c", StreamID: "release", TemplateID: "ci", NodeName: "compile",
		FirstFailure: models.Step{Change: 100}, LastFailure: models.Step{Change: 100}}

	for _, span := range []*models.Span{open, closed, other} {
		require.NoError(t, store.Spans().Insert(ctx, span))
	}

	isOpen := true
	spans, err := store.Spans().Find(ctx, SpanFilter{StreamID: "main", TemplateID: "ci", NodeName: "compile", Open: &isOpen})
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, "a", spans[0].ID)
}

func TestMemorySentinels_AdvanceIsMonotonic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	lineage := models.Lineage{StreamID: "main", TemplateID: "ci", NodeName: "compile"}

	require.NoError(t, store.Sentinels().Advance(ctx, lineage, &models.Step{Change: 100}))
	require.NoError(t, store.Sentinels().Advance(ctx, lineage, &models.Step{Change: 90}))

	sentinel, ok, err := store.Sentinels().Get(ctx, lineage)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(100), sentinel.Change, "an older success must not move the sentinel back")
}

func TestMemoryLedger_MonotonicIDs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	prev := int64(0)
	for i := 0; i < 5; i++ {
		id, err := store.Ledger().NextIssueID(ctx)
		require.NoError(t, err)
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestMemoryIssues_FindFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	now := time.Now()
	resolved := now
	require.NoError(t, store.Issues().Insert(ctx, &models.Issue{ID: 1, OwnerID: "alice",
		Streams: []models.IssueStream{{StreamID: "main"}}}))
	require.NoError(t, store.Issues().Insert(ctx, &models.Issue{ID: 2, OwnerID: "bob",
		ResolvedAt: &resolved, Streams: []models.IssueStream{{StreamID: "release"}}}))

	unresolved := false
	issues, err := store.Issues().Find(ctx, IssueFilter{Resolved: &unresolved}, 0, 0)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, int64(1), issues[0].ID)

	issues, err = store.Issues().Find(ctx, IssueFilter{StreamID: "release"}, 0, 0)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, int64(2), issues[0].ID)

	issues, err = store.Issues().Find(ctx, IssueFilter{OwnerID: "alice"}, 0, 0)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, int64(1), issues[0].ID)
}
