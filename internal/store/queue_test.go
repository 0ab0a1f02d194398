package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ferry/internal/model"
	"github.com/roach88/ferry/internal/testutil"
)

func TestEnqueueAssignsIDAndOrder(t *testing.T) {
	clk := testutil.NewFakeClock(testutil.Epoch)
	s := createTestStore(t, WithClock(clk), WithIDGenerator(model.NewFixedGenerator("op-1", "op-2", "op-3")))
	ctx := context.Background()

	id1, err := s.Enqueue(ctx, addOp("orders", "A", model.Fields{"field": 1}))
	require.NoError(t, err)
	assert.Equal(t, "op-1", id1)

	// same timestamp: insertion order breaks the tie
	id2, err := s.Enqueue(ctx, model.SyncOperation{Kind: model.OpUpdate, Collection: "orders", DocID: "A", Payload: model.Fields{"field": 2}})
	require.NoError(t, err)

	// an explicitly earlier timestamp sorts first
	id3, err := s.Enqueue(ctx, model.SyncOperation{
		Kind: model.OpDelete, Collection: "orders", DocID: "B",
		EnqueuedAt: testutil.Epoch.Add(-time.Minute),
	})
	require.NoError(t, err)

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []string{id3, id1, id2}, []string{pending[0].ID, pending[1].ID, pending[2].ID})

	first := pending[1]
	assert.Equal(t, model.OpAdd, first.Kind)
	assert.Equal(t, model.StatePending, first.State)
	assert.Equal(t, model.Fields{"field": int64(1)}, first.Payload)
	assert.Equal(t, testutil.Epoch, first.EnqueuedAt)
	assert.Nil(t, pending[0].Payload, "delete has no payload")
}

func TestEnqueueNeverCoalesces(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Enqueue(ctx, model.SyncOperation{Kind: model.OpUpdate, Collection: "orders", DocID: "A", Payload: model.Fields{"n": i}})
		require.NoError(t, err)
	}
	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestEnqueueValidates(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, model.SyncOperation{Kind: "merge", Collection: "orders", DocID: "A"})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = s.Enqueue(ctx, model.SyncOperation{Kind: model.OpAdd, Collection: "orders", DocID: "A"})
	assert.ErrorIs(t, err, model.ErrInvalidArgument, "add without payload")
}

func TestMarkRetryFailedReachesPermanentFailure(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, addOp("orders", "A", model.Fields{"x": 1}))
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		op, err := s.MarkRetryFailed(ctx, id, errors.New("unreachable"))
		require.NoError(t, err)
		assert.Equal(t, model.StateRetrying, op.State)
		assert.Equal(t, i, op.RetryCount)

		pending, err := s.ListPending(ctx)
		require.NoError(t, err)
		assert.Len(t, pending, 1, "retrying ops stay pending")
	}

	op, err := s.MarkRetryFailed(ctx, id, errors.New("unreachable"))
	require.NoError(t, err)
	assert.True(t, op.PermanentlyFailed())
	assert.Equal(t, 3, op.RetryCount)
	assert.Equal(t, "unreachable", op.LastError)

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "permanently failed ops are excluded")

	stored, err := s.GetOperation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, stored.State)
}

func TestFailTwiceThenSucceed(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, addOp("orders", "A", model.Fields{"x": 1}))
	require.NoError(t, err)

	_, err = s.MarkRetryFailed(ctx, id, errors.New("e1"))
	require.NoError(t, err)
	_, err = s.MarkRetryFailed(ctx, id, errors.New("e2"))
	require.NoError(t, err)

	op, err := s.MarkSynced(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StateSynced, op.State)
	require.NotNil(t, op.SyncedAt)
	assert.Equal(t, testutil.Epoch, *op.SyncedAt)

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	synced, err := s.ListOperations(ctx, model.StateSynced)
	require.NoError(t, err)
	require.Len(t, synced, 1)
	assert.Equal(t, 2, synced[0].RetryCount)
}

func TestMarkUnknownOperation(t *testing.T) {
	s := createTestStore(t)
	_, err := s.MarkSynced(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRequeue(t *testing.T) {
	s := createTestStore(t, WithMaxRetries(1))
	ctx := context.Background()

	id, err := s.Enqueue(ctx, addOp("orders", "A", model.Fields{"x": 1}))
	require.NoError(t, err)

	_, err = s.Requeue(ctx, id)
	assert.ErrorIs(t, err, model.ErrInvalidArgument, "only failed ops")

	op, err := s.MarkRetryFailed(ctx, id, errors.New("denied"))
	require.NoError(t, err)
	require.True(t, op.PermanentlyFailed())

	newID, err := s.Requeue(ctx, id)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, newID, pending[0].ID)
	assert.Equal(t, 0, pending[0].RetryCount)
	assert.Equal(t, op.EnqueuedAt, pending[0].EnqueuedAt)

	failed, err := s.ListOperations(ctx, model.StateFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 1, "failed entry kept for audit")
}

func TestSweepOld(t *testing.T) {
	clk := testutil.NewFakeClock(testutil.Epoch)
	s := createTestStore(t, WithClock(clk))
	ctx := context.Background()

	oldID, err := s.Enqueue(ctx, addOp("orders", "A", model.Fields{"x": 1}))
	require.NoError(t, err)
	_, err = s.MarkSynced(ctx, oldID)
	require.NoError(t, err)

	clk.Advance(6 * 24 * time.Hour)
	recentID, err := s.Enqueue(ctx, addOp("orders", "B", model.Fields{"x": 1}))
	require.NoError(t, err)
	_, err = s.MarkSynced(ctx, recentID)
	require.NoError(t, err)
	pendingID, err := s.Enqueue(ctx, addOp("orders", "C", model.Fields{"x": 1}))
	require.NoError(t, err)

	clk.Advance(2 * 24 * time.Hour)
	n, err := s.SweepOld(ctx, DefaultRetention)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetOperation(ctx, oldID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.GetOperation(ctx, recentID)
	assert.NoError(t, err)
	_, err = s.GetOperation(ctx, pendingID)
	assert.NoError(t, err)
}

func TestQueueStats(t *testing.T) {
	s := createTestStore(t, WithMaxRetries(1))
	ctx := context.Background()

	a, _ := s.Enqueue(ctx, addOp("orders", "A", model.Fields{"x": 1}))
	b, _ := s.Enqueue(ctx, addOp("orders", "B", model.Fields{"x": 1}))
	_, _ = s.Enqueue(ctx, addOp("orders", "C", model.Fields{"x": 1}))

	_, err := s.MarkSynced(ctx, a)
	require.NoError(t, err)
	_, err = s.MarkRetryFailed(ctx, b, errors.New("x"))
	require.NoError(t, err)

	stats, err := s.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.QueueStats{Pending: 1, Synced: 1, Failed: 1}, stats)
	assert.Equal(t, 1, stats.Outstanding())

	all, err := s.ListOperations(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
