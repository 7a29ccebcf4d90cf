// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	cycles      map[string]*Cycle          // keyed by cycle ID
	cycleOrder  []string                   // start order
	transitions []Transition               // append order
	tasks       map[string]*TaskCompletion // keyed by task name
	closed      bool
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		cycles: make(map[string]*Cycle),
		tasks:  make(map[string]*TaskCompletion),
	}
}

// StartCycle stores a new cycle.
func (m *MockStore) StartCycle(ctx context.Context, c *Cycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now().UTC()
	}
	if c.Phase == "" {
		c.Phase = PhaseRunning
	}
	if _, ok := m.cycles[c.ID]; ok {
		return ErrDuplicateCycle
	}

	// Make a copy to avoid external modification
	cp := *c
	m.cycles[c.ID] = &cp
	m.cycleOrder = append(m.cycleOrder, c.ID)
	return nil
}

// FinishCycle sets a cycle's final phase.
func (m *MockStore) FinishCycle(ctx context.Context, id, phase string, finishedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cycles[id]
	if !ok {
		return ErrNotFound
	}
	c.Phase = phase
	t := finishedAt.UTC()
	c.FinishedAt = &t
	return nil
}

// GetCycle retrieves a cycle by ID.
func (m *MockStore) GetCycle(ctx context.Context, id string) (*Cycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cycles[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// LatestCycle returns the last started cycle.
func (m *MockStore) LatestCycle(ctx context.Context) (*Cycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.cycleOrder) == 0 {
		return nil, ErrNotFound
	}
	result := *m.cycles[m.cycleOrder[len(m.cycleOrder)-1]]
	return &result, nil
}

// RecordTransition appends a transition.
func (m *MockStore) RecordTransition(ctx context.Context, t *Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}
	m.transitions = append(m.transitions, *t)
	return nil
}

// ListTransitions returns the most recent matching transitions, oldest first.
func (m *MockStore) ListTransitions(ctx context.Context, f TransitionFilter) ([]Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []Transition
	for _, t := range m.transitions {
		if f.CycleID != nil && t.CycleID != *f.CycleID {
			continue
		}
		if f.Service != nil && t.Service != *f.Service {
			continue
		}
		if f.Since != nil && t.At.Before(*f.Since) {
			continue
		}
		matched = append(matched, t)
	}

	limit := normalizeLimit(f.Limit)
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	result := make([]Transition, len(matched))
	copy(result, matched)
	return result, nil
}

// MarkTaskComplete stores a task completion.
func (m *MockStore) MarkTaskComplete(ctx context.Context, c *TaskCompletion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.CompletedAt.IsZero() {
		c.CompletedAt = time.Now().UTC()
	}
	cp := *c
	m.tasks[c.Task] = &cp
	return nil
}

// GetTaskCompletion retrieves a task completion.
func (m *MockStore) GetTaskCompletion(ctx context.Context, task string) (*TaskCompletion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.tasks[task]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// ClearTaskCompletion removes a task completion.
func (m *MockStore) ClearTaskCompletion(ctx context.Context, task string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tasks, task)
	return nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}
