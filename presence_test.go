package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPresence(t *testing.T) *Presence {
	t.Helper()
	return newPresence(newMemoryStore())
}

func TestAdmitCreatesAtSpawn(t *testing.T) {
	pr := newTestPresence(t)

	p, err := pr.Admit(context.Background(), "moss", "conn-1", "", 1000)
	require.NoError(t, err)

	assert.Equal(t, float64(spawnX), p.X)
	assert.Equal(t, float64(spawnY), p.Y)
	assert.Equal(t, int64(0), p.ActiveTime)
	assert.Equal(t, defaultMood, p.Identity.Mood)
	assert.Equal(t, "moss", p.Identity.AccountID)
	assert.Equal(t, "🌰", p.Growth)
	assert.Equal(t, 1, pr.LiveCount())
	assert.Equal(t, 0, pr.BloomCount())
}

func TestAdmitRestoresAndRecreditsBloom(t *testing.T) {
	pr := newTestPresence(t)
	ctx := context.Background()

	_, err := pr.store.Upsert(ctx, Participant{ID: "oak", ActiveTime: 43000})
	require.NoError(t, err)

	p, err := pr.Admit(ctx, "oak", "conn-1", "🔥", 1000)
	require.NoError(t, err)

	assert.Equal(t, int64(43000), p.ActiveTime)
	assert.Equal(t, "🌻", p.Growth)
	assert.Equal(t, "🔥", p.Identity.Mood, "requested mood overrides stored mood")
	assert.Equal(t, 1, pr.BloomCount())
}

func TestUpsertFromClientUpdateIsIdempotent(t *testing.T) {
	pr := newTestPresence(t)
	ctx := context.Background()

	first, transition, err := pr.UpsertFromClientUpdate(ctx, "fern", 300, 400, 43000, "😌", 1000)
	require.NoError(t, err)
	assert.Equal(t, bloomEntered, transition)

	second, transition, err := pr.UpsertFromClientUpdate(ctx, "fern", 300, 400, 43000, "😌", 1000)
	require.NoError(t, err)
	assert.Equal(t, bloomUnchanged, transition, "re-sending an identical payload must not re-enter bloom")
	assert.Equal(t, first, second)
	assert.Equal(t, 1, pr.BloomCount())
}

func TestUpsertFromClientUpdateMonotonicActiveTime(t *testing.T) {
	pr := newTestPresence(t)
	ctx := context.Background()

	_, _, err := pr.UpsertFromClientUpdate(ctx, "fern", 0, 0, 9000, "", 1000)
	require.NoError(t, err)

	// A lower reported value cannot rewind the accumulator.
	p, transition, err := pr.UpsertFromClientUpdate(ctx, "fern", 0, 0, 100, "", 2000)
	require.NoError(t, err)
	assert.Equal(t, bloomUnchanged, transition)
	assert.Equal(t, int64(9000), p.ActiveTime)
	assert.Equal(t, int64(2000), p.LastSeen)
}

func TestUpsertFromClientUpdateMergesStoredRecord(t *testing.T) {
	pr := newTestPresence(t)
	ctx := context.Background()

	// A dormant record, e.g. a plant reaped from the live view.
	_, err := pr.store.Upsert(ctx, Participant{ID: "fern", ActiveTime: 40000})
	require.NoError(t, err)

	// A reconnecting client reporting a fresh, tiny accumulator must not
	// rewind the stored one.
	p, transition, err := pr.UpsertFromClientUpdate(ctx, "fern", 10, 20, 5, "", 1000)
	require.NoError(t, err)
	assert.Equal(t, bloomUnchanged, transition)
	assert.Equal(t, int64(40000), p.ActiveTime)

	stored, err := pr.store.FindByAccountID(ctx, "fern")
	require.NoError(t, err)
	assert.Equal(t, int64(40000), stored.ActiveTime)
	assert.Equal(t, float64(10), stored.X)
}

func TestUpsertFromClientUpdateClampsPosition(t *testing.T) {
	pr := newTestPresence(t)

	p, _, err := pr.UpsertFromClientUpdate(context.Background(), "fern", -50, 99999, 0, "", 1000)
	require.NoError(t, err)
	assert.Equal(t, float64(0), p.X)
	assert.Equal(t, float64(canvasMaxY), p.Y)
}

func TestApplyActivityBoost(t *testing.T) {
	pr := newTestPresence(t)
	ctx := context.Background()

	_, err := pr.Admit(ctx, "fern", "conn-1", "", 1000)
	require.NoError(t, err)

	t.Run("missing participant", func(t *testing.T) {
		_, _, err := pr.ApplyActivityBoost(ctx, "nobody", 100, 1000)
		assert.ErrorIs(t, err, errParticipantNotFound)
	})

	t.Run("floor clamped at zero", func(t *testing.T) {
		p, transition, err := pr.ApplyActivityBoost(ctx, "fern", -500, 1000)
		require.NoError(t, err)
		assert.Equal(t, bloomUnchanged, transition)
		assert.Equal(t, int64(0), p.ActiveTime)
	})

	t.Run("crossing the terminal threshold enters bloom once", func(t *testing.T) {
		_, _, err := pr.ApplyActivityBoost(ctx, "fern", 42000, 1000)
		require.NoError(t, err)

		p, transition, err := pr.ApplyActivityBoost(ctx, "fern", 100, 1000)
		require.NoError(t, err)
		assert.Equal(t, bloomEntered, transition)
		assert.Equal(t, "🌻", p.Growth)

		_, transition, err = pr.ApplyActivityBoost(ctx, "fern", 100, 1000)
		require.NoError(t, err)
		assert.Equal(t, bloomUnchanged, transition)
		assert.Equal(t, 1, pr.BloomCount())
	})
}

func TestBoostBelowThresholdLeavesBloom(t *testing.T) {
	pr := newTestPresence(t)
	ctx := context.Background()

	_, _, err := pr.UpsertFromClientUpdate(ctx, "fern", 0, 0, 43000, "", 1000)
	require.NoError(t, err)
	require.Equal(t, 1, pr.BloomCount())

	p, transition, err := pr.ApplyActivityBoost(ctx, "fern", -2000, 1000)
	require.NoError(t, err)
	assert.Equal(t, bloomLeft, transition)
	assert.Equal(t, int64(41000), p.ActiveTime)
	assert.Equal(t, 0, pr.BloomCount())
}

func TestRemoveRetractsBloom(t *testing.T) {
	pr := newTestPresence(t)
	ctx := context.Background()

	_, _, err := pr.UpsertFromClientUpdate(ctx, "fern", 0, 0, 43000, "", 1000)
	require.NoError(t, err)

	assert.True(t, pr.Remove("fern"))
	assert.Equal(t, 0, pr.BloomCount())
	assert.Equal(t, 0, pr.LiveCount())

	// Removal only touches the live view; the record survives.
	stored, err := pr.store.FindByAccountID(ctx, "fern")
	require.NoError(t, err)
	assert.Equal(t, int64(43000), stored.ActiveTime)

	assert.False(t, pr.Remove("fern"), "second removal holds no bloom credit")
}

func TestSetMoodAppliesBoost(t *testing.T) {
	pr := newTestPresence(t)
	ctx := context.Background()

	_, err := pr.Admit(ctx, "fern", "conn-1", "", 1000)
	require.NoError(t, err)

	p, _, err := pr.SetMood(ctx, "fern", "🎉", 2000)
	require.NoError(t, err)
	assert.Equal(t, "🎉", p.Identity.Mood)
	assert.Equal(t, moodChangeBoost, p.ActiveTime)
	assert.Equal(t, int64(2000), p.LastSeen)
}

func TestSnapshotAllIsACopy(t *testing.T) {
	pr := newTestPresence(t)
	ctx := context.Background()

	_, err := pr.Admit(ctx, "fern", "conn-1", "", 1000)
	require.NoError(t, err)

	snapshot := pr.SnapshotAll()
	require.Len(t, snapshot, 1)
	delete(snapshot, "fern")

	assert.Equal(t, 1, pr.LiveCount())
}

func TestSnapshotWithStored(t *testing.T) {
	pr := newTestPresence(t)
	ctx := context.Background()

	_, err := pr.store.Upsert(ctx, Participant{ID: "dormant", ConnID: "stale-conn", ActiveTime: 30000})
	require.NoError(t, err)

	live, err := pr.Admit(ctx, "fern", "conn-1", "", 1000)
	require.NoError(t, err)

	snapshot, err := pr.SnapshotWithStored(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot, 2)

	assert.Equal(t, live, snapshot["fern"], "live entries win over their stored copies")
	assert.Equal(t, int64(30000), snapshot["dormant"].ActiveTime)
	assert.Empty(t, snapshot["dormant"].ConnID, "dormant plants carry no connection")

	t.Run("storage failure surfaces", func(t *testing.T) {
		broken := newPresence(&failingStore{})
		_, err := broken.SnapshotWithStored(ctx)
		assert.Error(t, err)
	})
}

func TestIdleSince(t *testing.T) {
	pr := newTestPresence(t)
	ctx := context.Background()

	_, err := pr.Admit(ctx, "old", "conn-1", "", 1000)
	require.NoError(t, err)
	_, err = pr.Admit(ctx, "fresh", "conn-2", "", 9000)
	require.NoError(t, err)

	idle := pr.IdleSince(5000)
	require.Len(t, idle, 1)
	assert.Equal(t, "old", idle[0])
}

func TestStorageFailureLeavesStateUntouched(t *testing.T) {
	pr := newPresence(&failingStore{})

	_, _, err := pr.UpsertFromClientUpdate(context.Background(), "fern", 0, 0, 43000, "", 1000)
	require.Error(t, err)
	assert.Equal(t, 0, pr.LiveCount())
	assert.Equal(t, 0, pr.BloomCount(), "a failed write must not mutate the bloom counter")
}

type failingStore struct{}

func (failingStore) FindByAccountID(context.Context, string) (Participant, error) {
	return Participant{}, errParticipantNotFound
}

func (failingStore) Upsert(context.Context, Participant) (Participant, error) {
	return Participant{}, context.DeadlineExceeded
}

func (failingStore) FindAll(context.Context) ([]Participant, error) {
	return nil, context.DeadlineExceeded
}

func (failingStore) AccountIDAvailable(context.Context, string) (bool, error) {
	return false, context.DeadlineExceeded
}

func (failingStore) Close() error { return nil }
