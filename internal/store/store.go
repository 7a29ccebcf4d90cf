// ABOUTME: Store interface and data types for the bootstrap state ledger
// ABOUTME: Defines transitions, bootstrap cycles and completed run-once tasks

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateCycle is returned when trying to start a cycle that already exists
var ErrDuplicateCycle = errors.New("cycle already exists")

// Cycle phases
const (
	PhaseRunning  = "running"
	PhaseReady    = "ready"
	PhaseDegraded = "degraded"
	PhaseFailed   = "failed"
	PhaseStopped  = "stopped"
)

// Transition is one recorded service state change.
type Transition struct {
	ID      string
	CycleID string
	Service string
	From    string
	To      string
	Attempt int
	Reason  string // empty unless the transition was caused by an error
	At      time.Time
}

// TransitionFilter narrows ListTransitions.
type TransitionFilter struct {
	CycleID *string
	Service *string
	Since   *time.Time
	Limit   int // default 100, max 1000
}

// Cycle is one run of the bootstrap orchestrator.
type Cycle struct {
	ID         string
	Phase      string
	Services   int
	StartedAt  time.Time
	FinishedAt *time.Time
}

// TaskCompletion marks a run-once task as done for a descriptor fingerprint.
type TaskCompletion struct {
	Task        string
	Fingerprint string
	CycleID     string
	CompletedAt time.Time
}

// Store persists the orchestrator's history. Implementations must be safe
// for concurrent use.
type Store interface {
	// RecordTransition appends a transition. ID and At are set if empty.
	RecordTransition(ctx context.Context, t *Transition) error

	// ListTransitions returns matching transitions oldest first.
	ListTransitions(ctx context.Context, f TransitionFilter) ([]Transition, error)

	// StartCycle records a new cycle. ID and StartedAt are set if empty.
	StartCycle(ctx context.Context, c *Cycle) error

	// FinishCycle sets the final phase of a cycle.
	FinishCycle(ctx context.Context, id, phase string, finishedAt time.Time) error

	// GetCycle returns a cycle by ID.
	GetCycle(ctx context.Context, id string) (*Cycle, error)

	// LatestCycle returns the most recently started cycle.
	LatestCycle(ctx context.Context) (*Cycle, error)

	// MarkTaskComplete records (or replaces) a task completion.
	MarkTaskComplete(ctx context.Context, c *TaskCompletion) error

	// GetTaskCompletion returns the completion for task.
	GetTaskCompletion(ctx context.Context, task string) (*TaskCompletion, error)

	// ClearTaskCompletion forgets a task completion so it runs again.
	ClearTaskCompletion(ctx context.Context, task string) error

	// Close releases resources held by the store.
	Close() error
}

// normalizeLimit applies default (100) and cap (1000).
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
