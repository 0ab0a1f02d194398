package rotation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ferry/internal/model"
	"github.com/roach88/ferry/internal/testutil"
)

func TestScheduleRotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ctl.ScheduleRotation(ctx, 24))
	state := f.ctl.State()
	assert.True(t, state.AutoRotateEnabled)
	assert.Equal(t, 24, state.RotationIntervalHours)
	require.NotNil(t, state.NextRotationAt)
	assert.True(t, state.NextRotationAt.Equal(testutil.Epoch.Add(24*time.Hour)))

	require.NoError(t, f.ctl.DisableAutoRotation(ctx))
	state = f.ctl.State()
	assert.False(t, state.AutoRotateEnabled)
	assert.Nil(t, state.NextRotationAt)
	assert.Equal(t, 24, state.RotationIntervalHours, "interval is kept")
}

func TestScheduleRotationRejectsNonPositive(t *testing.T) {
	f := newFixture(t)

	err := f.ctl.ScheduleRotation(context.Background(), 0)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestTickRotatesWhenDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.factory.Backend("primary").Seed("customers", model.Document{ID: "c1", Fields: model.Fields{"name": "Ada"}})
	require.NoError(t, f.ctl.ScheduleRotation(ctx, 6))

	f.clock.Advance(5 * time.Hour)
	rotated, _, err := f.ctl.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, rotated)

	f.clock.Advance(time.Hour)
	rotated, entry, err := f.ctl.Tick(ctx)
	require.NoError(t, err)
	require.True(t, rotated)
	assert.Equal(t, model.BackendStandby, entry.To)
	assert.Equal(t, "scheduled", entry.Reason)
	require.NotNil(t, entry.SyncResult)
	assert.Equal(t, 1, entry.SyncResult.Copied())
	assert.Len(t, f.factory.Backend("standby").Snapshot("customers"), 1)

	state := f.ctl.State()
	require.NotNil(t, state.NextRotationAt)
	assert.True(t, state.NextRotationAt.Equal(testutil.Epoch.Add(12*time.Hour)), "schedule restarts at the rotation time")
}

func TestForceRotationFollowsRing(t *testing.T) {
	f := newFixture(t, WithReplicateOnRotate(false))
	ctx := context.Background()

	_, err := f.ctl.RegisterBackend(ctx, "east", descriptor("east"))
	require.NoError(t, err)

	var visited []string
	for range 4 {
		entry, err := f.ctl.ForceRotation(ctx)
		require.NoError(t, err)
		assert.Nil(t, entry.SyncResult)
		visited = append(visited, entry.To)
	}
	assert.Equal(t, []string{"standby", "custom-1", "primary", "standby"}, visited)
}

func TestNextSkipsRetired(t *testing.T) {
	f := newFixture(t, WithReplicateOnRotate(false))
	ctx := context.Background()

	_, err := f.ctl.RegisterBackend(ctx, "east", descriptor("east"))
	require.NoError(t, err)
	_, err = f.ctl.Activate(ctx, "custom-1")
	require.NoError(t, err)
	_, err = f.ctl.Activate(ctx, model.BackendStandby)
	require.NoError(t, err)

	retired, err := f.ctl.RemoveBackend(ctx, "custom-1")
	require.NoError(t, err)
	require.True(t, retired)

	next, ok := f.ctl.Next()
	require.True(t, ok)
	assert.Equal(t, model.BackendPrimary, next.ID)
}

func TestForceRotationToOfflineBackend(t *testing.T) {
	f := newFixture(t)
	f.factory.Backend("standby").SetOffline(true)

	entry, err := f.ctl.ForceRotation(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrConnectionTestFailed)
	assert.Equal(t, model.BackendPrimary, f.ctl.Active().ID)
	require.NotNil(t, entry.SyncResult)
	assert.False(t, entry.SyncResult.OK(), "replication to an offline backend is recorded")
}
