package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ferry/internal/model"
)

func TestWriterAdd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	op, err := f.writer.Add(ctx, "customers", "", model.Fields{"name": "Ada", "visits": 3})
	require.NoError(t, err)
	assert.Equal(t, "op-001", op.ID)
	assert.Equal(t, "doc-001", op.DocID)
	assert.Equal(t, model.OpAdd, op.Kind)
	assert.Equal(t, model.StatePending, op.State)
	assert.Equal(t, model.Fields{"name": "Ada", "visits": int64(3)}, op.Payload)

	rec, err := f.store.Get(ctx, "customers", "doc-001")
	require.NoError(t, err)
	assert.Equal(t, op.Payload, rec.Fields)
}

func TestWriterUpdateMergesCacheAndQueuesPatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.writer.Add(ctx, "orders", "A", model.Fields{"status": "open", "total": 10})
	require.NoError(t, err)
	op, err := f.writer.Update(ctx, "orders", "A", model.Fields{"status": "paid"})
	require.NoError(t, err)

	assert.Equal(t, model.Fields{"status": "paid"}, op.Payload)
	rec, err := f.store.Get(ctx, "orders", "A")
	require.NoError(t, err)
	assert.Equal(t, model.Fields{"status": "paid", "total": int64(10)}, rec.Fields)

	// Update of an uncached document caches the patch alone.
	_, err = f.writer.Update(ctx, "orders", "Z", model.Fields{"status": "void"})
	require.NoError(t, err)
	rec, err = f.store.Get(ctx, "orders", "Z")
	require.NoError(t, err)
	assert.Equal(t, model.Fields{"status": "void"}, rec.Fields)
}

func TestWriterDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.writer.Add(ctx, "products", "p1", model.Fields{"sku": "X-1"})
	require.NoError(t, err)
	op, err := f.writer.Delete(ctx, "products", "p1")
	require.NoError(t, err)
	assert.Equal(t, model.OpDelete, op.Kind)
	assert.Nil(t, op.Payload)

	_, err = f.store.Get(ctx, "products", "p1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestWriterNeverCoalesces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.writer.Update(ctx, "orders", "A", model.Fields{"n": i})
		require.NoError(t, err)
	}
	pending, err := f.store.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestWriterRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.writer.Add(ctx, "invoices", "i1", model.Fields{})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = f.writer.Delete(ctx, "orders", "")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = f.writer.Add(ctx, "orders", "A", model.Fields{"ch": make(chan int)})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	pending, err := f.store.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "rejected writes are not queued")
}

func TestWriterQueueFailureLeavesCacheUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.writer.Add(ctx, "orders", "A", model.Fields{"status": "open"})
	require.NoError(t, err)

	_, err = f.store.DB().ExecContext(ctx, `
		CREATE TRIGGER reject_ops BEFORE INSERT ON sync_ops
		BEGIN SELECT RAISE(ABORT, 'queue is full'); END
	`)
	require.NoError(t, err)

	_, err = f.writer.Add(ctx, "orders", "B", model.Fields{"status": "open"})
	assert.ErrorIs(t, err, model.ErrStorageUnavailable)
	_, err = f.store.Get(ctx, "orders", "B")
	assert.ErrorIs(t, err, model.ErrNotFound, "add without a queue entry is rolled back")

	_, err = f.writer.Update(ctx, "orders", "A", model.Fields{"status": "paid"})
	assert.ErrorIs(t, err, model.ErrStorageUnavailable)
	_, err = f.writer.Delete(ctx, "orders", "A")
	assert.ErrorIs(t, err, model.ErrStorageUnavailable)

	rec, err := f.store.Get(ctx, "orders", "A")
	require.NoError(t, err)
	assert.Equal(t, model.Fields{"status": "open"}, rec.Fields)

	pending, err := f.store.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestWriterNotifiesAfterCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var seen []string
	w := NewWriter(f.store, WithOnQueued(func(op model.SyncOperation) {
		seen = append(seen, string(op.Kind)+" "+op.DocID)
	}))

	_, err := w.Add(ctx, "customers", "c1", model.Fields{"name": "Ada"})
	require.NoError(t, err)
	_, err = w.Delete(ctx, "customers", "c1")
	require.NoError(t, err)
	_, err = w.Add(ctx, "widgets", "w1", model.Fields{})
	require.Error(t, err)

	assert.Equal(t, []string{"add c1", "delete c1"}, seen)
}
