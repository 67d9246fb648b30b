package triage

import (
	"context"
	"fmt"
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
	"github.com/moolen/triage/internal/notify"
)

// recordingSink captures notification topics for assertions.
type recordingSink struct {
	topics []string
}

func (r *recordingSink) SendEvent(_ context.Context, topic string, _ map[string]interface{}) {
	r.topics = append(r.topics, topic)
}

func (r *recordingSink) has(topic string) bool {
	for _, t := range r.topics {
		if t == topic {
			return true
		}
	}
	return false
}

// fixture wires the service against all in-memory collaborators.
type fixture struct {
	svc        *Service
	store      *docstore.MemoryStore
	history    *history.MemorySource
	classifier *events.StaticClassifier
	sink       *recordingSink

	base time.Time
	seq  int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:      docstore.NewMemoryStore(),
		history:    history.NewMemorySource(),
		classifier: events.NewStaticClassifier(),
		sink:       &recordingSink{},
		base:       time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.history.AddStream("main")
	f.history.AddStream("release")

	svc, err := NewService(Config{
		Store:      f.store,
		Locks:      lock.NewMemoryLocker(),
		History:    f.history,
		Events:     events.NewMemorySource(),
		Classifier: f.classifier,
		Notifier:   f.sink,
	})
	require.NoError(t, err)
	svc.now = func() time.Time { return f.base }
	f.svc = svc
	return f
}

// completion builds a step completion at the given change. Times advance with
// the changelist so recency assertions are deterministic.
func (f *fixture) completion(streamID string, change int64, success bool) StepCompletion {
	f.seq++
	return StepCompletion{
		StreamID:   streamID,
		TemplateID: "build",
		NodeName:   "linux",
		Change:     change,
		JobID:      fmt.Sprintf("job-%d", f.seq),
		BatchID:    "b1",
		StepID:     "compile",
		JobName:    "compile",
		Time:       f.base.Add(time.Duration(change) * time.Minute),
		Success:    success,
	}
}

// fail ingests a failed step classified into the given fingerprints.
func (f *fixture) fail(t *testing.T, streamID string, change int64, fps ...models.Fingerprint) {
	t.Helper()
	c := f.completion(streamID, change, false)
	groups := make([]events.Group, 0, len(fps))
	for _, fp := range fps {
		groups = append(groups, events.Group{Fingerprint: fp, Severity: models.SeverityError})
	}
	f.classifier.SetGroups(c.stepRef(), groups)
	require.NoError(t, f.svc.RecordStepCompletion(context.Background(), c))
}

func (f *fixture) succeed(t *testing.T, streamID string, change int64) {
	t.Helper()
	require.NoError(t, f.svc.RecordStepCompletion(context.Background(), f.completion(streamID, change, true)))
}

func (f *fixture) spans(t *testing.T) []*models.Span {
	t.Helper()
	spans, err := f.store.Spans().Find(context.Background(), docstore.SpanFilter{})
	require.NoError(t, err)
	return spans
}

func (f *fixture) issues(t *testing.T) []*models.Issue {
	t.Helper()
	issues, err := f.store.Issues().Find(context.Background(), docstore.IssueFilter{}, 0, 0)
	require.NoError(t, err)
	return issues
}

func compileFP(files ...string) models.Fingerprint {
	keys := make([]models.Key, 0, len(files))
	for _, file := range files {
		keys = append(keys, models.Key{Name: file, Kind: models.KeyKindFile})
	}
	return models.NewFingerprint("Compile", "", keys, nil, nil, []string{"**"})
}

func TestNewFailureCreatesIssue(t *testing.T) {
	f := newFixture(t)
	f.fail(t, "main", 100, compileFP("Foo.cpp"))

	spans := f.spans(t)
	require.Len(t, spans, 1)
	span := spans[0]
	assert.True(t, span.Open())
	assert.Equal(t, int64(100), span.FirstFailure.Change)
	assert.Equal(t, int64(100), span.LastFailure.Change)
	assert.Nil(t, span.LastSuccess)

	issues := f.issues(t)
	require.Len(t, issues, 1)
	issue := issues[0]
	assert.Equal(t, span.IssueID, issue.ID)
	assert.Equal(t, models.SeverityError, issue.Severity)
	assert.Contains(t, issue.Summary, "Errors in Foo.cpp")
	assert.True(t, f.sink.has(notify.TopicIssueCreated))
}

func TestRecurrenceMergesIntoSameSpan(t *testing.T) {
	f := newFixture(t)
	f.fail(t, "main", 100, compileFP("Foo.cpp"))
	f.fail(t, "main", 105, compileFP("Foo.cpp"))

	spans := f.spans(t)
	require.Len(t, spans, 1)
	assert.Equal(t, int64(100), spans[0].FirstFailure.Change)
	assert.Equal(t, int64(105), spans[0].LastFailure.Change)

	require.Len(t, f.issues(t), 1)

	steps, err := f.svc.FindSteps(context.Background(), docstore.StepFilter{SpanID: spans[0].ID})
	require.NoError(t, err)
	assert.Len(t, steps, 2)
}

func TestDivergentFileSetsOpenSecondSpan(t *testing.T) {
	f := newFixture(t)
	f.fail(t, "main", 100, compileFP("Foo.cpp"))
	f.fail(t, "main", 108, compileFP("Bar.cpp"))

	spans := f.spans(t)
	require.Len(t, spans, 2)
	assert.Equal(t, spans[0].IssueID, spans[1].IssueID, "sibling failure types share the issue")

	issue, ok, err := f.svc.GetIssue(context.Background(), spans[0].IssueID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, issue.Fingerprints, 1)

	composite := issue.Fingerprints[0]
	assert.True(t, composite.IsMatch(compileFP("Foo.cpp")))
	assert.True(t, composite.IsMatch(compileFP("Bar.cpp")))
	assert.ElementsMatch(t, []string{"Bar.cpp", "Foo.cpp"}, composite.FileNames())
}

func TestFixClosesSpanAndVerifiesIssue(t *testing.T) {
	f := newFixture(t)
	f.fail(t, "main", 100, compileFP("Foo.cpp"))
	f.succeed(t, "main", 110)

	spans := f.spans(t)
	require.Len(t, spans, 1)
	span := spans[0]
	require.False(t, span.Open())
	assert.Equal(t, int64(110), span.NextSuccess.Change)

	issue, ok, err := f.svc.GetIssue(context.Background(), span.IssueID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, issue.VerifiedAt)
	assert.Equal(t, span.NextSuccess.Time, *issue.VerifiedAt)
	require.NotNil(t, issue.ResolvedAt)
	assert.Equal(t, *issue.VerifiedAt, *issue.ResolvedAt)
	assert.True(t, f.sink.has(notify.TopicIssueVerified))
	assert.True(t, f.sink.has(notify.TopicIssueResolved))
}

func TestReopenCreatesNewSpanAndIssueVerificationClears(t *testing.T) {
	f := newFixture(t)
	f.fail(t, "main", 100, compileFP("Foo.cpp"))
	f.succeed(t, "main", 110)

	// The same failure reappears above the bounding success: a new span.
	f.fail(t, "main", 115, compileFP("Foo.cpp"))

	spans := f.spans(t)
	require.Len(t, spans, 2)

	var reopened *models.Span
	for _, span := range spans {
		if span.Open() {
			reopened = span
		}
	}
	require.NotNil(t, reopened)
	assert.Equal(t, int64(115), reopened.FirstFailure.Change)
	// Seeded from the success sentinel at 110.
	require.NotNil(t, reopened.LastSuccess)
	assert.Equal(t, int64(110), reopened.LastSuccess.Change)
}

func TestSuccessBelowFirstFailureAdvancesLastSuccess(t *testing.T) {
	f := newFixture(t)
	f.fail(t, "main", 100, compileFP("Foo.cpp"))
	f.succeed(t, "main", 95)

	spans := f.spans(t)
	require.Len(t, spans, 1)
	span := spans[0]
	assert.True(t, span.Open())
	require.NotNil(t, span.LastSuccess)
	assert.Equal(t, int64(95), span.LastSuccess.Change)
}

func TestStaleFailureBelowLastSuccessIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.succeed(t, "main", 100)
	f.fail(t, "main", 105, compileFP("Foo.cpp"))
	f.fail(t, "main", 95, compileFP("Foo.cpp"))

	spans := f.spans(t)
	require.Len(t, spans, 1)
	span := spans[0]
	assert.True(t, span.Open())
	assert.Equal(t, int64(105), span.FirstFailure.Change)
	assert.Equal(t, int64(105), span.LastFailure.Change)
	require.NotNil(t, span.LastSuccess)
	assert.Equal(t, int64(100), span.LastSuccess.Change)
}

func TestSuspectRanking(t *testing.T) {
	f := newFixture(t)
	f.history.AddCommit("main", history.Commit{Number: 96, AuthorID: "alice", Files: []string{"src/Foo.cpp"}})
	f.history.AddCommit("main", history.Commit{Number: 97, AuthorID: "bob", Files: []string{"docs/readme.md"}})
	f.history.AddCommit("main", history.Commit{Number: 98, AuthorID: "carol", Files: []string{"src/Other.cpp"}})

	f.succeed(t, "main", 95)
	f.fail(t, "main", 100, compileFP("Foo.cpp"))

	spans := f.spans(t)
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Suspects, 1)
	assert.Equal(t, int64(96), spans[0].Suspects[0].Change)
	assert.Equal(t, "alice", spans[0].Suspects[0].AuthorID)

	suspects, err := f.svc.FindSuspects(context.Background(), spans[0].IssueID)
	require.NoError(t, err)
	require.Len(t, suspects, 1)
	assert.Equal(t, int64(96), suspects[0].Change)
	assert.Equal(t, "alice", suspects[0].AuthorID)
}

func TestEmptyChangeFilterYieldsNoSuspects(t *testing.T) {
	f := newFixture(t)
	f.history.AddCommit("main", history.Commit{Number: 96, AuthorID: "alice", Files: []string{"src/Foo.cpp"}})

	f.succeed(t, "main", 95)
	fp := models.NewFingerprint("Infra", "", nil, nil, nil, nil)
	f.fail(t, "main", 100, fp)

	spans := f.spans(t)
	require.Len(t, spans, 1)
	assert.Empty(t, spans[0].Suspects)
}

func TestQuarantineSuppressesAutoClose(t *testing.T) {
	f := newFixture(t)
	f.fail(t, "main", 100, compileFP("Foo.cpp"))

	spans := f.spans(t)
	require.Len(t, spans, 1)
	issueID := spans[0].IssueID

	user := "dave"
	found, err := f.svc.UpdateIssue(context.Background(), issueID, IssuePatch{QuarantineBy: &user})
	require.NoError(t, err)
	require.True(t, found)

	f.succeed(t, "main", 110)

	spans = f.spans(t)
	require.Len(t, spans, 1)
	assert.True(t, spans[0].Open(), "quarantine must hold the span open")

	// The success is still recorded in the span's history.
	steps, err := f.svc.FindSteps(context.Background(), docstore.StepFilter{SpanID: spans[0].ID})
	require.NoError(t, err)
	assert.Len(t, steps, 2)

	// Lifting quarantine and succeeding again closes the span.
	lift := ""
	_, err = f.svc.UpdateIssue(context.Background(), issueID, IssuePatch{QuarantineBy: &lift})
	require.NoError(t, err)
	f.succeed(t, "main", 111)

	spans = f.spans(t)
	assert.False(t, spans[0].Open())
}

func TestUserResolutionSurvivesRecomputation(t *testing.T) {
	f := newFixture(t)
	f.fail(t, "main", 100, compileFP("Foo.cpp"))

	issueID := f.spans(t)[0].IssueID
	resolver := "erin"
	found, err := f.svc.UpdateIssue(context.Background(), issueID, IssuePatch{ResolvedBy: &resolver})
	require.NoError(t, err)
	require.True(t, found)

	issue, ok, err := f.svc.GetIssue(context.Background(), issueID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, issue.ResolvedAt)
	assert.Equal(t, "erin", issue.ResolvedByID)
	assert.Nil(t, issue.VerifiedAt, "user resolution is not verification")
}

func TestUpdateIssueNotFound(t *testing.T) {
	f := newFixture(t)
	found, err := f.svc.UpdateIssue(context.Background(), 4711, IssuePatch{})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRemoveSpanExcludesFromDerivedData(t *testing.T) {
	f := newFixture(t)
	f.fail(t, "main", 100, compileFP("Foo.cpp"))
	f.fail(t, "main", 108, compileFP("Bar.cpp"))

	spans := f.spans(t)
	require.Len(t, spans, 2)
	issueID := spans[0].IssueID

	var barSpan *models.Span
	for _, span := range spans {
		if len(span.Fingerprint.FileNames()) == 1 && span.Fingerprint.FileNames()[0] == "Bar.cpp" {
			barSpan = span
		}
	}
	require.NotNil(t, barSpan)

	found, err := f.svc.UpdateIssue(context.Background(), issueID, IssuePatch{RemoveSpanIDs: []string{barSpan.ID}})
	require.NoError(t, err)
	require.True(t, found)

	issue, ok, err := f.svc.GetIssue(context.Background(), issueID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, issue.Fingerprints, 1)
	assert.Equal(t, []string{"Foo.cpp"}, issue.Fingerprints[0].FileNames())
}

func TestMoveSpanBetweenIssues(t *testing.T) {
	f := newFixture(t)
	f.fail(t, "main", 100, compileFP("Foo.cpp"))

	target, err := f.svc.CreateIssue(context.Background(), "tracking issue")
	require.NoError(t, err)

	span := f.spans(t)[0]
	source := span.IssueID

	found, err := f.svc.UpdateIssue(context.Background(), target.ID, IssuePatch{AddSpanIDs: []string{span.ID}})
	require.NoError(t, err)
	require.True(t, found)

	moved, ok, err := f.store.Spans().Get(context.Background(), span.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, target.ID, moved.IssueID)

	// The target issue now derives its data from the span.
	issue, ok, err := f.svc.GetIssue(context.Background(), target.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, issue.Fingerprints, 1)
	assert.Equal(t, []string{"Foo.cpp"}, issue.Fingerprints[0].FileNames())
	assert.NotEqual(t, source, target.ID)
}

func TestRefreshIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.succeed(t, "main", 95)
	f.fail(t, "main", 100, compileFP("Foo.cpp"))

	issueID := f.spans(t)[0].IssueID
	first, ok, err := f.svc.GetIssue(context.Background(), issueID)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.svc.refreshIssue(context.Background(), issueID))
	second, ok, err := f.svc.GetIssue(context.Background(), issueID)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, first, second, "recomputation with unchanged spans must write nothing")
}

func TestDeclineSuspectRevokesAutoOwner(t *testing.T) {
	f := newFixture(t)
	f.history.AddCommit("main", history.Commit{Number: 96, AuthorID: "alice", Files: []string{"src/Foo.cpp"}})

	f.succeed(t, "main", 95)
	f.fail(t, "main", 100, compileFP("Foo.cpp"))

	issueID := f.spans(t)[0].IssueID
	issue, _, err := f.svc.GetIssue(context.Background(), issueID)
	require.NoError(t, err)
	// Promoted issue with a single-author suspect set: auto-assigned.
	require.Equal(t, "alice", issue.OwnerID)
	require.Equal(t, models.UnknownUserID, issue.NominatedByID)

	decliner := "alice"
	found, err := f.svc.UpdateIssue(context.Background(), issueID, IssuePatch{DeclinedBy: &decliner})
	require.NoError(t, err)
	require.True(t, found)

	issue, _, err = f.svc.GetIssue(context.Background(), issueID)
	require.NoError(t, err)
	assert.Empty(t, issue.OwnerID)
	require.Len(t, issue.Suspects, 1)
	assert.NotNil(t, issue.Suspects[0].DeclinedAt)
}

func TestWorkflowDefaultOwnerWinsElection(t *testing.T) {
	f := newFixture(t)
	f.history.AddCommit("main", history.Commit{Number: 96, AuthorID: "alice", Files: []string{"src/Foo.cpp"}})
	f.svc.SetWorkflows(&config.WorkflowsFile{
		SchemaVersion: "v1",
		Workflows: []config.WorkflowConfig{
			{ID: "renderer", Channel: "#build-renderer", Streams: []string{"main"}, DefaultOwner: "buildcop"},
		},
	})

	f.succeed(t, "main", 95)
	f.fail(t, "main", 100, compileFP("Foo.cpp"))

	issue, _, err := f.svc.GetIssue(context.Background(), f.spans(t)[0].IssueID)
	require.NoError(t, err)
	assert.Equal(t, "buildcop", issue.OwnerID)
	assert.Equal(t, models.UnknownUserID, issue.NominatedByID)
}

func TestSuspectIntersectionAcrossStreams(t *testing.T) {
	f := newFixture(t)
	// Change 96 originates in main and is merged to release as 205.
	f.history.AddCommit("main", history.Commit{Number: 96, AuthorID: "alice", Files: []string{"src/Foo.cpp"}})
	f.history.AddCommit("main", history.Commit{Number: 97, AuthorID: "bob", Files: []string{"src/Foo.cpp"}})
	f.history.AddCommit("release", history.Commit{Number: 205, AuthorID: "alice", OriginatingChange: 96, Files: []string{"src/Foo.cpp"}})

	f.succeed(t, "main", 95)
	f.fail(t, "main", 100, compileFP("Foo.cpp"))

	issueID := f.spans(t)[0].IssueID

	f.succeed(t, "release", 200)
	f.fail(t, "release", 210, compileFP("Foo.cpp"))

	spans := f.spans(t)
	require.Len(t, spans, 2)

	// Attach the release span to the main issue if matching picked another.
	for _, span := range spans {
		if span.IssueID != issueID {
			found, err := f.svc.UpdateIssue(context.Background(), issueID, IssuePatch{AddSpanIDs: []string{span.ID}})
			require.NoError(t, err)
			require.True(t, found)
		}
	}

	issue, ok, err := f.svc.GetIssue(context.Background(), issueID)
	require.NoError(t, err)
	require.True(t, ok)

	// main blames {96, 97}, release blames {96 (via origin 205)}: only 96
	// survives the intersection.
	require.Len(t, issue.Suspects, 1)
	assert.Equal(t, int64(96), issue.Suspects[0].Change)
	assert.Equal(t, "alice", issue.Suspects[0].AuthorID)

	// The origin stream of change 96 is main.
	mainEntry := issue.StreamEntry("main")
	require.NotNil(t, mainEntry)
	require.NotNil(t, mainEntry.MergeOrigin)
	assert.True(t, *mainEntry.MergeOrigin)

	releaseEntry := issue.StreamEntry("release")
	require.NotNil(t, releaseEntry)
	require.NotNil(t, releaseEntry.MergeOrigin)
	assert.False(t, *releaseEntry.MergeOrigin)
}

func TestFindIssuesExcludesDriftedIssues(t *testing.T) {
	f := newFixture(t)
	f.fail(t, "main", 100, compileFP("Foo.cpp"))

	issueID := f.spans(t)[0].IssueID

	// Manufacture drift: stamp a verification-style resolution while the
	// span is still open.
	err := docstore.Retry(context.Background(), func(ctx context.Context) error {
		issue, ok, err := f.store.Issues().Get(ctx, issueID)
		require.True(t, ok)
		require.NoError(t, err)
		now := f.base
		issue.ResolvedAt = &now
		return f.store.Issues().Update(ctx, issue)
	})
	require.NoError(t, err)

	issues, err := f.svc.FindIssues(context.Background(), docstore.IssueFilter{}, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, issues)
}
