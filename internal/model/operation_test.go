package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingOp() SyncOperation {
	return SyncOperation{
		ID:         "op-1",
		Kind:       OpUpdate,
		Collection: "orders",
		DocID:      "A",
		Payload:    Fields{"field": int64(2)},
		EnqueuedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		State:      StatePending,
	}
}

func TestSyncOperationFailsPermanentlyAtThreshold(t *testing.T) {
	op := pendingOp()

	op = op.Failed("boom 1", DefaultMaxRetries)
	assert.Equal(t, StateRetrying, op.State)
	assert.Equal(t, 1, op.RetryCount)

	op = op.Failed("boom 2", DefaultMaxRetries)
	assert.Equal(t, StateRetrying, op.State)

	op = op.Failed("boom 3", DefaultMaxRetries)
	assert.Equal(t, StateFailed, op.State)
	assert.True(t, op.PermanentlyFailed())
	assert.Equal(t, 3, op.RetryCount)
	assert.Equal(t, "boom 3", op.LastError)

	// terminal states do not move
	again := op.Failed("boom 4", DefaultMaxRetries)
	assert.Equal(t, op, again)
	assert.Equal(t, op, op.Succeeded(time.Now()))
}

func TestSyncOperationSucceedsAfterRetries(t *testing.T) {
	at := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	op := pendingOp().Failed("x", 3).Failed("y", 3).Succeeded(at)

	assert.Equal(t, StateSynced, op.State)
	require.NotNil(t, op.SyncedAt)
	assert.True(t, at.Equal(*op.SyncedAt))
	assert.False(t, op.State.Drainable())
}

func TestSyncOperationValidate(t *testing.T) {
	assert.NoError(t, pendingOp().Validate())

	del := pendingOp()
	del.Kind = OpDelete
	del.Payload = nil
	assert.NoError(t, del.Validate())

	bad := pendingOp()
	bad.Kind = "upsert"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidArgument)

	noPayload := pendingOp()
	noPayload.Payload = nil
	assert.ErrorIs(t, noPayload.Validate(), ErrInvalidArgument)
}

func TestErrorMatchesByCode(t *testing.T) {
	err := fmt.Errorf("read orders: %w", Wrap(CodeStorageUnavailable, errors.New("disk I/O error"), "query"))

	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Equal(t, CodeStorageUnavailable, CodeOf(err))
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.Nil(t, Wrap(CodeNotFound, nil, "nothing"))
}

func TestFingerprintIgnoresRepresentation(t *testing.T) {
	a, err := Fingerprint(Fields{"n": 5, "s": "x"})
	require.NoError(t, err)
	b, err := Fingerprint(Fields{"s": "x", "n": 5.0})
	require.NoError(t, err)
	c, err := Fingerprint(Fields{"s": "x", "n": 6})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestFixedGenerator(t *testing.T) {
	gen := NewFixedGenerator("a", "b")
	assert.Equal(t, "a", gen.Generate())
	assert.Equal(t, "b", gen.Generate())
	assert.Panics(t, func() { gen.Generate() })

	id := UUIDv7Generator{}.Generate()
	assert.Len(t, id, 36)
}
