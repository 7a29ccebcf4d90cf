// ABOUTME: Unit tests for MockStore behavior not covered by the shared contract tests
// ABOUTME: Focuses on copy semantics specific to the in-memory implementation

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_ReturnsCopies(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	c := &Cycle{ID: "c1"}
	require.NoError(t, store.StartCycle(ctx, c))
	c.Phase = PhaseFailed

	got, err := store.GetCycle(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, PhaseRunning, got.Phase, "caller mutation must not leak into the store")

	got.Phase = PhaseReady
	again, err := store.GetCycle(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, PhaseRunning, again.Phase)
}

func TestMockStore_Close(t *testing.T) {
	store := NewMockStore()
	require.NoError(t, store.Close())
	assert.True(t, store.closed)
}
