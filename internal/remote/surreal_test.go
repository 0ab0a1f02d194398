package remote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/roach88/ferry/internal/model"
)

func TestSurrealEndpoint(t *testing.T) {
	d := model.Descriptor{AuthDomain: "db.example.test"}
	assert.Equal(t, "wss://db.example.test/rpc", SurrealEndpoint(d))

	d.Endpoint = "ws://localhost:8000/rpc"
	assert.Equal(t, "ws://localhost:8000/rpc", SurrealEndpoint(d))
}

func TestDocumentFromRow(t *testing.T) {
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	row := map[string]any{
		"id":     models.NewRecordID("orders", "A"),
		"total":  uint64(12),
		"at":     at,
		"owner":  models.NewRecordID("customers", "c1"),
		"nested": map[string]any{"n": int64(1)},
	}

	doc, err := documentFromRow(row)
	require.NoError(t, err)
	assert.Equal(t, "A", doc.ID)
	assert.Equal(t, model.Fields{
		"total":  int64(12),
		"at":     "2024-05-01T08:00:00Z",
		"owner":  "customers:c1",
		"nested": map[string]any{"n": int64(1)},
	}, doc.Fields)
}

func TestDocumentFromRowRequiresID(t *testing.T) {
	_, err := documentFromRow(map[string]any{"x": "y"})
	assert.Error(t, err)
}

func TestRecordKey(t *testing.T) {
	assert.Equal(t, "A", recordKey("orders:A"))
	assert.Equal(t, "plain", recordKey("plain"))
	rid := models.NewRecordID("orders", "B")
	assert.Equal(t, "B", recordKey(&rid))
}
