// ABOUTME: Contract tests run against both SQLiteStore and MockStore
// ABOUTME: Ensures the mock matches the real ledger for cycles, transitions and tasks

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) {
		s := newTestStore(t)
		defer s.Close()
		fn(t, s)
	})
	t.Run("mock", func(t *testing.T) {
		s := NewMockStore()
		defer s.Close()
		fn(t, s)
	})
}

func TestStore_Cycles(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.LatestCycle(ctx)
		assert.ErrorIs(t, err, ErrNotFound)

		first := &Cycle{Services: 3, StartedAt: time.Now().UTC().Add(-time.Minute)}
		require.NoError(t, s.StartCycle(ctx, first))
		assert.NotEmpty(t, first.ID)
		assert.Equal(t, PhaseRunning, first.Phase)

		second := &Cycle{ID: "cycle-2", Services: 3}
		require.NoError(t, s.StartCycle(ctx, second))
		assert.ErrorIs(t, s.StartCycle(ctx, &Cycle{ID: "cycle-2"}), ErrDuplicateCycle)

		latest, err := s.LatestCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, "cycle-2", latest.ID)
		assert.Nil(t, latest.FinishedAt)

		done := time.Now().UTC()
		require.NoError(t, s.FinishCycle(ctx, "cycle-2", PhaseDegraded, done))
		got, err := s.GetCycle(ctx, "cycle-2")
		require.NoError(t, err)
		assert.Equal(t, PhaseDegraded, got.Phase)
		require.NotNil(t, got.FinishedAt)
		assert.WithinDuration(t, done, *got.FinishedAt, time.Millisecond)

		assert.ErrorIs(t, s.FinishCycle(ctx, "nope", PhaseReady, done), ErrNotFound)
		_, err = s.GetCycle(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_Transitions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.StartCycle(ctx, &Cycle{ID: "c1"}))
		require.NoError(t, s.StartCycle(ctx, &Cycle{ID: "c2"}))

		record := func(cycle, svc, from, to, reason string) {
			tr := &Transition{CycleID: cycle, Service: svc, From: from, To: to, Reason: reason, Attempt: 1}
			require.NoError(t, s.RecordTransition(ctx, tr))
			assert.NotEmpty(t, tr.ID)
		}
		record("c1", "db", "pending", "starting", "")
		record("c1", "db", "starting", "ready", "")
		record("c1", "api", "pending", "starting", "")
		record("c1", "api", "starting", "failed", "connection refused")
		record("c2", "db", "pending", "starting", "")

		all, err := s.ListTransitions(ctx, TransitionFilter{})
		require.NoError(t, err)
		require.Len(t, all, 5)
		assert.Equal(t, "pending", all[0].From, "oldest first")

		svc := "api"
		api, err := s.ListTransitions(ctx, TransitionFilter{Service: &svc})
		require.NoError(t, err)
		require.Len(t, api, 2)
		assert.Equal(t, "failed", api[1].To)
		assert.Equal(t, "connection refused", api[1].Reason)
		assert.Empty(t, api[0].Reason)

		cycle := "c2"
		c2, err := s.ListTransitions(ctx, TransitionFilter{CycleID: &cycle})
		require.NoError(t, err)
		assert.Len(t, c2, 1)

		limited, err := s.ListTransitions(ctx, TransitionFilter{Limit: 2})
		require.NoError(t, err)
		require.Len(t, limited, 2)
		assert.Equal(t, "c1", limited[0].CycleID)
		assert.Equal(t, "c2", limited[1].CycleID, "limit keeps the newest")
	})
}

func TestStore_TransitionsSince(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.StartCycle(ctx, &Cycle{ID: "c1"}))

		base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
		for i := range 4 {
			require.NoError(t, s.RecordTransition(ctx, &Transition{
				CycleID: "c1",
				Service: fmt.Sprintf("svc-%d", i),
				From:    "pending",
				To:      "starting",
				At:      base.Add(time.Duration(i) * 500 * time.Millisecond),
			}))
		}

		since := base.Add(time.Second)
		got, err := s.ListTransitions(ctx, TransitionFilter{Since: &since})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "svc-2", got[0].Service)
	})
}

func TestStore_TaskCompletions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.GetTaskCompletion(ctx, "migrate")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.MarkTaskComplete(ctx, &TaskCompletion{Task: "migrate", Fingerprint: "v1", CycleID: "c1"}))
		require.NoError(t, s.MarkTaskComplete(ctx, &TaskCompletion{Task: "migrate", Fingerprint: "v2", CycleID: "c2"}))

		got, err := s.GetTaskCompletion(ctx, "migrate")
		require.NoError(t, err)
		assert.Equal(t, "v2", got.Fingerprint)
		assert.Equal(t, "c2", got.CycleID)
		assert.False(t, got.CompletedAt.IsZero())

		require.NoError(t, s.ClearTaskCompletion(ctx, "migrate"))
		_, err = s.GetTaskCompletion(ctx, "migrate")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
