package docstore

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/moolen/triage/internal/models"
)

// MemoryStore is the in-memory backend. All reads and writes deep-copy
// documents so callers can never alias stored state; conditional updates
// enforce the same version-CAS contract as the Postgres backend.
type MemoryStore struct {
	mu        sync.RWMutex
	issues    map[int64]*models.Issue
	spans     map[string]*models.Span
	steps     []*models.Step
	sentinels map[models.Lineage]*models.Step
	nextIssue int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		issues:    make(map[int64]*models.Issue),
		spans:     make(map[string]*models.Span),
		sentinels: make(map[models.Lineage]*models.Step),
	}
}

// Issues returns the issues collection.
func (m *MemoryStore) Issues() IssueStore { return (*memoryIssues)(m) }

// Spans returns the spans collection.
func (m *MemoryStore) Spans() SpanStore { return (*memorySpans)(m) }

// Steps returns the append-only step history.
func (m *MemoryStore) Steps() StepStore { return (*memorySteps)(m) }

// Sentinels returns the per-lineage success sentinels.
func (m *MemoryStore) Sentinels() SentinelStore { return (*memorySentinels)(m) }

// Ledger returns the id allocator.
func (m *MemoryStore) Ledger() Ledger { return (*memoryLedger)(m) }

type memoryIssues MemoryStore

func (m *memoryIssues) Insert(_ context.Context, issue *models.Issue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.issues[issue.ID]; exists {
		return models.NewValidationError("issue %d already exists", issue.ID)
	}
	issue.UpdateVersion = 1
	m.issues[issue.ID] = issue.Clone()
	return nil
}

func (m *memoryIssues) Get(_ context.Context, id int64) (*models.Issue, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	issue, ok := m.issues[id]
	if !ok {
		return nil, false, nil
	}
	return issue.Clone(), true, nil
}

func (m *memoryIssues) Update(_ context.Context, issue *models.Issue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.issues[issue.ID]
	if !ok {
		return models.NewNotFoundError("issue", formatInt(issue.ID))
	}
	if stored.UpdateVersion != issue.UpdateVersion {
		return ErrVersionConflict
	}
	issue.UpdateVersion++
	m.issues[issue.ID] = issue.Clone()
	return nil
}

func (m *memoryIssues) Find(_ context.Context, filter IssueFilter, offset, limit int) ([]*models.Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Issue
	for _, issue := range m.issues {
		if !matchIssue(issue, filter) {
			continue
		}
		if (filter.MinChange != 0 || filter.MaxChange != 0) && !m.overlapsChangeRange(issue.ID, filter.MinChange, filter.MaxChange) {
			continue
		}
		out = append(out, issue.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, offset, limit), nil
}

// overlapsChangeRange reports whether any span of the issue overlaps the
// closed change range. An open span is still failing and counts as unbounded
// above its last observed failure. Called with the read lock held.
func (m *memoryIssues) overlapsChangeRange(issueID, minChange, maxChange int64) bool {
	for _, span := range m.spans {
		if span.IssueID != issueID {
			continue
		}
		if minChange != 0 && !span.Open() && span.LastFailure.Change < minChange {
			continue
		}
		if maxChange != 0 && span.FirstFailure.Change > maxChange {
			continue
		}
		return true
	}
	return false
}

func matchIssue(issue *models.Issue, filter IssueFilter) bool {
	if len(filter.IDs) > 0 {
		found := false
		for _, id := range filter.IDs {
			if id == issue.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.OwnerID != "" && issue.OwnerID != filter.OwnerID {
		return false
	}
	if filter.StreamID != "" && issue.StreamEntry(filter.StreamID) == nil {
		return false
	}
	if filter.Resolved != nil && issue.Resolved() != *filter.Resolved {
		return false
	}
	if filter.Promoted != nil && issue.Promoted != *filter.Promoted {
		return false
	}
	return true
}

type memorySpans MemoryStore

func (m *memorySpans) Insert(_ context.Context, span *models.Span) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.spans[span.ID]; exists {
		return models.NewValidationError("span %s already exists", span.ID)
	}
	span.UpdateVersion = 1
	m.spans[span.ID] = span.Clone()
	return nil
}

func (m *memorySpans) Get(_ context.Context, id string) (*models.Span, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	span, ok := m.spans[id]
	if !ok {
		return nil, false, nil
	}
	return span.Clone(), true, nil
}

func (m *memorySpans) Update(_ context.Context, span *models.Span) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.spans[span.ID]
	if !ok {
		return models.NewNotFoundError("span", span.ID)
	}
	if stored.UpdateVersion != span.UpdateVersion {
		return ErrVersionConflict
	}
	span.UpdateVersion++
	m.spans[span.ID] = span.Clone()
	return nil
}

func (m *memorySpans) Find(_ context.Context, filter SpanFilter) ([]*models.Span, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Span
	for _, span := range m.spans {
		if matchSpan(span, filter) {
			out = append(out, span.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func matchSpan(span *models.Span, filter SpanFilter) bool {
	if len(filter.IDs) > 0 {
		found := false
		for _, id := range filter.IDs {
			if id == span.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.IssueID != 0 && span.IssueID != filter.IssueID {
		return false
	}
	if filter.StreamID != "" && span.StreamID != filter.StreamID {
		return false
	}
	if filter.TemplateID != "" && span.TemplateID != filter.TemplateID {
		return false
	}
	if filter.NodeName != "" && span.NodeName != filter.NodeName {
		return false
	}
	if filter.Open != nil && span.Open() != *filter.Open {
		return false
	}
	return true
}

type memorySteps MemoryStore

func (m *memorySteps) Append(_ context.Context, step *models.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step.Clone())
	return nil
}

func (m *memorySteps) Find(_ context.Context, filter StepFilter) ([]*models.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Step
	for _, step := range m.steps {
		if filter.SpanID != "" && step.SpanID != filter.SpanID {
			continue
		}
		if filter.MinChange != 0 && step.Change < filter.MinChange {
			continue
		}
		if filter.MaxChange != 0 && step.Change > filter.MaxChange {
			continue
		}
		out = append(out, step.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Change < out[j].Change })
	return out, nil
}

type memorySentinels MemoryStore

func (m *memorySentinels) Advance(_ context.Context, lineage models.Lineage, step *models.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.sentinels[lineage]; ok && current.Change >= step.Change {
		return nil
	}
	m.sentinels[lineage] = step.Clone()
	return nil
}

func (m *memorySentinels) Get(_ context.Context, lineage models.Lineage) (*models.Step, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	step, ok := m.sentinels[lineage]
	if !ok {
		return nil, false, nil
	}
	return step.Clone(), true, nil
}

type memoryLedger MemoryStore

func (m *memoryLedger) NextIssueID(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextIssue++
	return m.nextIssue, nil
}

func paginate(issues []*models.Issue, offset, limit int) []*models.Issue {
	if offset >= len(issues) {
		return nil
	}
	issues = issues[offset:]
	if limit > 0 && len(issues) > limit {
		issues = issues[:limit]
	}
	return issues
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
