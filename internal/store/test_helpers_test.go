package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/ferry/internal/model"
	"github.com/roach88/ferry/internal/testutil"
)

// createTestStore opens a store in a temp dir with a fake clock.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	opts = append([]Option{WithClock(testutil.NewFakeClock(testutil.Epoch))}, opts...)
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func order(id, customer, status string) model.Record {
	return model.Record{
		Collection: "orders",
		ID:         id,
		Fields: model.Fields{
			"customerId": customer,
			"status":     status,
			"total":      int64(10),
		},
	}
}

func addOp(collection, docID string, fields model.Fields) model.SyncOperation {
	return model.SyncOperation{Kind: model.OpAdd, Collection: collection, DocID: docID, Payload: fields}
}
