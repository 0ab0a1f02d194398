package testutil

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ferry/internal/model"
)

// AssertGolden compares the canonical JSON of v against
// testdata/golden/{name}.golden.
//
// v must be built from maps, slices and scalars (see model.Normalize).
// To regenerate golden files, run:
//
//	go test ./internal/... -update
func AssertGolden(t *testing.T, name string, v any) {
	t.Helper()

	data, err := model.MarshalCanonical(v)
	require.NoError(t, err, "canonical JSON for golden %s", name)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}
