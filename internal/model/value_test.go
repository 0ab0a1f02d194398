package model

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))

	tests := []struct {
		name     string
		input    any
		expected any
	}{
		{"int", 7, int64(7)},
		{"uint32", uint32(7), int64(7)},
		{"large uint64", uint64(math.MaxUint64), float64(math.MaxUint64)},
		{"float32", float32(1.5), 1.5},
		{"json int", json.Number("12"), int64(12)},
		{"json float", json.Number("1.25"), 1.25},
		{"time", ts, "2024-03-01T11:00:00Z"},
		{"typed map", map[string]int{"a": 1}, map[string]any{"a": int64(1)}},
		{"nested", []any{map[string]any{"x": int8(2)}}, []any{map[string]any{"x": int64(2)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestNormalizeRejectsNonFinite(t *testing.T) {
	_, err := Normalize(math.NaN())
	assert.Error(t, err)

	_, err = NormalizeFields(Fields{"x": []any{math.Inf(1)}})
	assert.Error(t, err)
}

func TestNormalizeFieldsNil(t *testing.T) {
	out, err := NormalizeFields(nil)
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

func TestTimeValue(t *testing.T) {
	want := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	got, ok := TimeValue("2024-01-02T03:04:05Z")
	require.True(t, ok)
	assert.True(t, want.Equal(got))

	got, ok = TimeValue(want.UnixMilli())
	require.True(t, ok)
	assert.True(t, want.Equal(got))

	_, ok = TimeValue("yesterday")
	assert.False(t, ok)
}

func TestIndexKey(t *testing.T) {
	k1, ok := IndexKey(int64(5))
	require.True(t, ok)
	k2, ok := IndexKey(5.0)
	require.True(t, ok)
	assert.Equal(t, k1, k2, "5 and 5.0 share an index key")

	s, ok := IndexKey("5")
	require.True(t, ok)
	assert.NotEqual(t, k1, s, "strings and numbers do not collide")

	_, ok = IndexKey([]any{1})
	assert.False(t, ok)
	_, ok = IndexKey(nil)
	assert.False(t, ok)
}

func TestFieldsMergeDoesNotAlias(t *testing.T) {
	base := Fields{"a": int64(1), "nested": map[string]any{"x": int64(1)}}
	merged := base.Merge(Fields{"b": int64(2)})

	merged["nested"].(map[string]any)["x"] = int64(9)
	assert.Equal(t, int64(1), base["nested"].(map[string]any)["x"])
	assert.Equal(t, Fields{"a": int64(1), "b": int64(2), "nested": map[string]any{"x": int64(9)}}, merged)
}
