// ABOUTME: Ledger methods on SQLiteStore: transitions, cycles and task completions
// ABOUTME: Timestamps are stored as fixed-width UTC text

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StartCycle records a new bootstrap cycle.
func (s *SQLiteStore) StartCycle(ctx context.Context, c *Cycle) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now().UTC()
	}
	if c.Phase == "" {
		c.Phase = PhaseRunning
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cycles (cycle_id, phase, services, started_at)
		VALUES (?, ?, ?, ?)
	`, c.ID, c.Phase, c.Services, c.StartedAt.UTC().Format(timeFormat))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateCycle
		}
		return fmt.Errorf("inserting cycle: %w", err)
	}

	s.logger.Debug("started cycle", "id", c.ID, "services", c.Services)
	return nil
}

// FinishCycle sets the final phase of a cycle.
func (s *SQLiteStore) FinishCycle(ctx context.Context, id, phase string, finishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cycles SET phase = ?, finished_at = ? WHERE cycle_id = ?
	`, phase, finishedAt.UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("updating cycle: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanCycle(scanner interface{ Scan(dest ...any) error }) (*Cycle, error) {
	var c Cycle
	var startedAt string
	var finishedAt sql.NullString

	if err := scanner.Scan(&c.ID, &c.Phase, &c.Services, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	var err error
	if c.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		t, err := parseTime(finishedAt.String)
		if err != nil {
			return nil, err
		}
		c.FinishedAt = &t
	}
	return &c, nil
}

// GetCycle returns a cycle by ID.
// Returns ErrNotFound if the cycle doesn't exist.
func (s *SQLiteStore) GetCycle(ctx context.Context, id string) (*Cycle, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cycle_id, phase, services, started_at, finished_at
		FROM cycles WHERE cycle_id = ?
	`, id)
	c, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying cycle: %w", err)
	}
	return c, nil
}

// LatestCycle returns the most recently started cycle.
func (s *SQLiteStore) LatestCycle(ctx context.Context) (*Cycle, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cycle_id, phase, services, started_at, finished_at
		FROM cycles ORDER BY started_at DESC LIMIT 1
	`)
	c, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest cycle: %w", err)
	}
	return c, nil
}

// RecordTransition appends a transition to the ledger.
func (s *SQLiteStore) RecordTransition(ctx context.Context, t *Transition) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}

	var reason *string
	if t.Reason != "" {
		reason = &t.Reason
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transitions (transition_id, cycle_id, service, from_state, to_state, attempt, reason, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.CycleID, t.Service, t.From, t.To, t.Attempt, reason, t.At.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("inserting transition: %w", err)
	}
	return nil
}

const transitionsQuery = `
	SELECT transition_id, cycle_id, service, from_state, to_state, attempt, reason, at
	FROM (
		SELECT * FROM transitions
		WHERE (? IS NULL OR cycle_id = ?)
		  AND (? IS NULL OR service = ?)
		  AND (? IS NULL OR at >= ?)
		ORDER BY seq DESC
		LIMIT ?
	)
	ORDER BY seq ASC
`

// ListTransitions returns the most recent matching transitions, oldest first.
func (s *SQLiteStore) ListTransitions(ctx context.Context, f TransitionFilter) ([]Transition, error) {
	var since *string
	if f.Since != nil {
		str := f.Since.UTC().Format(timeFormat)
		since = &str
	}

	rows, err := s.db.QueryContext(ctx, transitionsQuery,
		f.CycleID, f.CycleID,
		f.Service, f.Service,
		since, since,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	transitions := []Transition{}
	for rows.Next() {
		var t Transition
		var reason sql.NullString
		var at string
		if err := rows.Scan(&t.ID, &t.CycleID, &t.Service, &t.From, &t.To, &t.Attempt, &reason, &at); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		t.Reason = reason.String
		if t.At, err = parseTime(at); err != nil {
			return nil, err
		}
		transitions = append(transitions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transitions: %w", err)
	}
	return transitions, nil
}

// MarkTaskComplete records (or replaces) a task completion.
func (s *SQLiteStore) MarkTaskComplete(ctx context.Context, c *TaskCompletion) error {
	if c.CompletedAt.IsZero() {
		c.CompletedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_completions (task, fingerprint, cycle_id, completed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			cycle_id = excluded.cycle_id,
			completed_at = excluded.completed_at
	`, c.Task, c.Fingerprint, c.CycleID, c.CompletedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("upserting task completion: %w", err)
	}
	s.logger.Debug("marked task complete", "task", c.Task, "cycle", c.CycleID)
	return nil
}

// GetTaskCompletion returns the completion for task.
// Returns ErrNotFound if the task never completed.
func (s *SQLiteStore) GetTaskCompletion(ctx context.Context, task string) (*TaskCompletion, error) {
	var c TaskCompletion
	var completedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT task, fingerprint, cycle_id, completed_at
		FROM task_completions WHERE task = ?
	`, task).Scan(&c.Task, &c.Fingerprint, &c.CycleID, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task completion: %w", err)
	}
	if c.CompletedAt, err = parseTime(completedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// ClearTaskCompletion forgets a task completion.
func (s *SQLiteStore) ClearTaskCompletion(ctx context.Context, task string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM task_completions WHERE task = ?`, task); err != nil {
		return fmt.Errorf("deleting task completion: %w", err)
	}
	return nil
}
