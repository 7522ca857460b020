package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambientworks/capsuled/internal/models"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func snap(id string, state models.State) *models.Snapshot {
	return &models.Snapshot{
		Capsule: models.Capsule{
			ID:             id,
			OwnerAgentID:   "agent-1",
			DeviceID:       "dev-1",
			State:          state,
			StateChangedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			Metadata:       map[string]string{"agent_id": "agent-1"},
		},
		TakenAt:  time.Date(2026, 3, 1, 10, 0, 1, 0, time.UTC),
		DeviceID: "dev-1",
	}
}

func TestSaveGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	in := snap("c1", models.StateSuspended)
	require.NoError(t, store.SaveSnapshot(ctx, in))

	out, err := store.GetSnapshot(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, in.Capsule, out.Capsule)
	assert.True(t, in.TakenAt.Equal(out.TakenAt))
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetSnapshot(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveOverwrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSnapshot(ctx, snap("c1", models.StateActive)))
	require.NoError(t, store.SaveSnapshot(ctx, snap("c1", models.StateSuspended)))

	out, err := store.GetSnapshot(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.StateSuspended, out.Capsule.State)
}

func TestListSnapshots(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSnapshot(ctx, snap("a", models.StateActive)))
	require.NoError(t, store.SaveSnapshot(ctx, snap("b", models.StatePaused)))
	require.NoError(t, store.SaveSnapshot(ctx, snap("c", models.StateSuspended)))

	snaps, err := store.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	ids := map[string]bool{}
	for _, s := range snaps {
		ids[s.Capsule.ID] = true
	}
	assert.True(t, ids["a"] && ids["b"] && ids["c"])
}

func TestDeleteSnapshot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSnapshot(ctx, snap("c1", models.StateSuspended)))
	require.NoError(t, store.DeleteSnapshot(ctx, "c1"))
	_, err := store.GetSnapshot(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting an absent key is not an error.
	require.NoError(t, store.DeleteSnapshot(ctx, "c1"))
}
