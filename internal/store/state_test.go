package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ferry/internal/model"
)

func TestStateRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	marker := model.SyncMarker{
		IsComplete: true,
		LastSyncAt: time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC),
		Errors:     []string{"messages: timeout"},
	}
	require.NoError(t, s.PutState(ctx, KeySyncStatus, marker))

	var got model.SyncMarker
	ok, err := s.GetState(ctx, KeySyncStatus, &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, marker, got)

	var missing model.SyncMarker
	ok, err = s.GetState(ctx, KeyLastSyncSummary, &missing)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCorruptStateDoesNotBlockOthers(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutStateRaw(ctx, KeyBackendRegistry, []byte("{not json")))
	require.NoError(t, s.PutState(ctx, KeyLastAutoSync, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)))

	var registry []model.Backend
	ok, err := s.GetState(ctx, KeyBackendRegistry, &registry)
	require.NoError(t, err)
	assert.False(t, ok, "corrupt value is treated as absent")

	var last time.Time
	ok, err = s.GetState(ctx, KeyLastAutoSync, &last)
	require.NoError(t, err)
	assert.True(t, ok)

	keys, err := s.StateKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{KeyBackendRegistry, KeyLastAutoSync}, keys)

	require.NoError(t, s.DeleteState(ctx, KeyBackendRegistry))
	keys, err = s.StateKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{KeyLastAutoSync}, keys)
}

func TestPutStatesWritesEveryKey(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	marker := model.SyncMarker{IsComplete: true, LastSyncAt: time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC)}
	last := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutStates(ctx, map[string]any{
		KeySyncStatus:   marker,
		KeyLastAutoSync: last,
	}))

	var gotMarker model.SyncMarker
	ok, err := s.GetState(ctx, KeySyncStatus, &gotMarker)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, marker, gotMarker)

	var gotLast time.Time
	ok, err = s.GetState(ctx, KeyLastAutoSync, &gotLast)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, last.Equal(gotLast))

	err = s.PutStates(ctx, map[string]any{
		KeySyncStatus:   model.SyncMarker{},
		KeyLastAutoSync: make(chan int),
	})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	ok, err = s.GetState(ctx, KeySyncStatus, &gotMarker)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, gotMarker.IsComplete, "nothing is written when one value cannot be encoded")
}
