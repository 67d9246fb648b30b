package events

import (
	"context"
	"sync"
)

// MemorySource is an in-memory event source for tests and local runs.
type MemorySource struct {
	mu     sync.RWMutex
	events map[string][]Event
	data   map[string]map[int]map[string]string
}

// NewMemorySource creates an empty in-memory event source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		events: make(map[string][]Event),
		data:   make(map[string]map[int]map[string]string),
	}
}

func refKey(ref StepRef) string {
	return ref.JobID + "/" + ref.BatchID + "/" + ref.StepID
}

// AddEvent registers an event with optional structured data for a step.
func (m *MemorySource) AddEvent(ref StepRef, ev Event, data map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := refKey(ref)
	m.events[key] = append(m.events[key], ev)
	if data != nil {
		if m.data[key] == nil {
			m.data[key] = make(map[int]map[string]string)
		}
		m.data[key][ev.LineIndex] = data
	}
}

// FindEvents returns the registered events for the step.
func (m *MemorySource) FindEvents(_ context.Context, ref StepRef) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Event(nil), m.events[refKey(ref)]...), nil
}

// GetEventData returns the structured fields registered for the event.
func (m *MemorySource) GetEventData(_ context.Context, ref StepRef, ev Event) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fields := m.data[refKey(ref)][ev.LineIndex]
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out, nil
}

// StaticClassifier returns preconfigured groups per step, ignoring the event
// payload. It stands in for the real log-parsing classifier in tests.
type StaticClassifier struct {
	mu     sync.RWMutex
	groups map[string][]Group
}

// NewStaticClassifier creates an empty static classifier.
func NewStaticClassifier() *StaticClassifier {
	return &StaticClassifier{groups: make(map[string][]Group)}
}

// SetGroups registers the fingerprint groups returned for a step.
func (c *StaticClassifier) SetGroups(ref StepRef, groups []Group) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups[refKey(ref)] = groups
}

// Classify returns the registered groups for the step.
func (c *StaticClassifier) Classify(_ context.Context, ref StepRef, _ []Event) ([]Group, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Group(nil), c.groups[refKey(ref)]...), nil
}
