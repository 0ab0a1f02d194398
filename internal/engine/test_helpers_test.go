package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/ferry/internal/event"
	"github.com/roach88/ferry/internal/model"
	"github.com/roach88/ferry/internal/remote"
	"github.com/roach88/ferry/internal/store"
	"github.com/roach88/ferry/internal/testutil"
)

// testBackends serves a single switchable backend.
type testBackends struct {
	mu    sync.Mutex
	id    string
	store remote.Store
	err   error
	ops   map[string]int
}

func newTestBackends(id string, s remote.Store) *testBackends {
	return &testBackends{id: id, store: s, ops: make(map[string]int)}
}

func (b *testBackends) ActiveStore(ctx context.Context) (string, remote.Store, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return "", nil, b.err
	}
	return b.id, b.store, nil
}

func (b *testBackends) RecordOperation(id string, class model.OpClass) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops[id+"/"+string(class)]++
}

func (b *testBackends) count(id string, class model.OpClass) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ops[id+"/"+string(class)]
}

func (b *testBackends) setErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

// countingIDs yields prefix-001, prefix-002, ...
type countingIDs struct {
	prefix string
	n      atomic.Int64
}

func (g *countingIDs) Generate() string {
	return fmt.Sprintf("%s-%03d", g.prefix, g.n.Add(1))
}

type fixture struct {
	store    *store.Store
	clock    *testutil.FakeClock
	bus      *event.Bus
	rec      *event.Recorder
	remote   *remote.Memory
	backends *testBackends
	drainer  *Drainer
	bulk     *BulkSyncer
	writer   *Writer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := testutil.NewFakeClock(testutil.Epoch)

	s, err := store.Open(filepath.Join(t.TempDir(), "ferry.db"),
		store.WithClock(clk),
		store.WithIDGenerator(&countingIDs{prefix: "op"}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	bus := event.NewBus(event.WithClock(clk))
	primary := remote.NewMemory("primary")
	backends := newTestBackends(model.BackendPrimary, primary)

	f := &fixture{
		store:    s,
		clock:    clk,
		bus:      bus,
		remote:   primary,
		backends: backends,
		drainer:  NewDrainer(s, backends, bus, WithDrainClock(clk)),
		bulk:     NewBulkSyncer(s, backends, bus, WithBulkClock(clk)),
		writer:   NewWriter(s, WithDocumentIDs(&countingIDs{prefix: "doc"})),
	}
	f.rec = event.Record(bus)
	t.Cleanup(func() { f.rec.Stop() })
	return f
}

// drain runs one pass and requires that it started.
func (f *fixture) drain(t *testing.T) DrainResult {
	t.Helper()
	res, started, err := f.drainer.StartDrain(context.Background())
	require.NoError(t, err)
	require.True(t, started)
	return res
}

// trace stops recording and returns the canonical event trace.
func (f *fixture) trace() []any {
	return event.Trace(f.rec.Stop())
}

func (f *fixture) op(t *testing.T, id string) model.SyncOperation {
	t.Helper()
	op, err := f.store.GetOperation(context.Background(), id)
	require.NoError(t, err)
	return op
}
