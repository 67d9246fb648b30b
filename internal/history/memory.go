package history

import (
	"context"
	"sort"
	"sync"
)

// MemorySource is an in-memory commit history used by tests and local runs.
type MemorySource struct {
	mu      sync.RWMutex
	streams map[string][]Commit
}

// NewMemorySource creates an empty in-memory history.
func NewMemorySource() *MemorySource {
	return &MemorySource{streams: make(map[string][]Commit)}
}

// AddStream registers a stream with no commits.
func (m *MemorySource) AddStream(streamID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[streamID]; !ok {
		m.streams[streamID] = nil
	}
}

// AddCommit appends a commit to a stream, registering the stream if needed.
func (m *MemorySource) AddCommit(streamID string, commit Commit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[streamID] = append(m.streams[streamID], commit)
}

// Find returns up to limit commits with minChange < number <= maxChange,
// newest first.
func (m *MemorySource) Find(_ context.Context, streamID string, minChange, maxChange int64, limit int) ([]Commit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Commit
	for _, c := range m.streams[streamID] {
		if c.Number > minChange && c.Number <= maxChange {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Contains reports whether the changelist exists in the stream's history.
func (m *MemorySource) Contains(_ context.Context, streamID string, change int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.streams[streamID] {
		if c.Number == change || (c.OriginatingChange != 0 && c.OriginatingChange == change) {
			return true, nil
		}
	}
	return false, nil
}

// StreamExists reports whether the stream was registered.
func (m *MemorySource) StreamExists(_ context.Context, streamID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.streams[streamID]
	return ok, nil
}
