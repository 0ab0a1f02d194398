package remote

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/roach88/ferry/internal/model"
)

// ErrOffline is the cause reported by a Memory store switched offline.
var ErrOffline = errors.New("backend offline")

// Memory is an in-process document store with failure injection.
// It backs the memory driver and the tests.
type Memory struct {
	name string

	mu          sync.RWMutex
	collections map[string]map[string]model.Fields
	offline     bool
	latency     time.Duration
	failDocs    map[string]error
	failColls   map[string]error
	calls       map[string]int
}

// NewMemory creates an empty reachable store.
func NewMemory(name string) *Memory {
	return &Memory{
		name:        name,
		collections: make(map[string]map[string]model.Fields),
		failDocs:    make(map[string]error),
		failColls:   make(map[string]error),
		calls:       make(map[string]int),
	}
}

// Name returns the store's name.
func (m *Memory) Name() string { return m.name }

// SetOffline makes every call fail with ErrOffline while on.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// SetLatency delays every call by d, honoring context cancellation.
func (m *Memory) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// FailDocument makes writes and reads of one document fail with err.
func (m *Memory) FailDocument(collection, id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failDocs[collection+"/"+id] = err
}

// FailCollection makes list calls on a collection fail with err.
func (m *Memory) FailCollection(collection string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failColls[collection] = err
}

// ClearFailures removes all injected failures and brings the store online.
func (m *Memory) ClearFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = false
	m.failDocs = make(map[string]error)
	m.failColls = make(map[string]error)
}

// Calls returns how many times a method ("list", "set", ...) was invoked.
func (m *Memory) Calls(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[method]
}

// Seed stores documents directly, bypassing failure injection.
func (m *Memory) Seed(collection string, docs ...model.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.collectionLocked(collection)
	for _, d := range docs {
		fields, err := model.NormalizeFields(d.Fields)
		if err != nil {
			panic(err)
		}
		coll[d.ID] = fields
	}
}

// Snapshot returns a copy of a collection's documents keyed by id.
func (m *Memory) Snapshot(collection string) map[string]model.Fields {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]model.Fields, len(m.collections[collection]))
	for id, f := range m.collections[collection] {
		out[id] = f.Clone()
	}
	return out
}

func (m *Memory) List(ctx context.Context, collection string) ([]model.Document, error) {
	if err := m.enter(ctx, "list", collection, ""); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.documentsLocked(collection, func(model.Fields) bool { return true }), nil
}

func (m *Memory) ListSince(ctx context.Context, collection, field string, cutoff time.Time) ([]model.Document, error) {
	if err := m.enter(ctx, "list", collection, ""); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.documentsLocked(collection, func(f model.Fields) bool {
		t, ok := model.TimeValue(f[field])
		return ok && !t.Before(cutoff)
	}), nil
}

func (m *Memory) Get(ctx context.Context, collection, id string) (model.Document, error) {
	if err := m.enter(ctx, "get", collection, id); err != nil {
		return model.Document{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.collections[collection][id]
	if !ok {
		return model.Document{}, model.Errorf(model.CodeNotFound, "%s: document %s/%s not found", m.name, collection, id)
	}
	return model.Document{ID: id, Fields: f.Clone()}, nil
}

func (m *Memory) Set(ctx context.Context, collection, id string, fields model.Fields) error {
	if err := m.enter(ctx, "set", collection, id); err != nil {
		return err
	}
	n, err := model.NormalizeFields(fields)
	if err != nil {
		return model.Wrap(model.CodeInvalidArgument, err, "set %s/%s", collection, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collectionLocked(collection)[id] = n
	return nil
}

func (m *Memory) Update(ctx context.Context, collection, id string, fields model.Fields) error {
	if err := m.enter(ctx, "update", collection, id); err != nil {
		return err
	}
	n, err := model.NormalizeFields(fields)
	if err != nil {
		return model.Wrap(model.CodeInvalidArgument, err, "update %s/%s", collection, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.collectionLocked(collection)
	existing, ok := coll[id]
	if !ok {
		return model.Errorf(model.CodeNotFound, "%s: document %s/%s not found", m.name, collection, id)
	}
	coll[id] = existing.Merge(n)
	return nil
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	if err := m.enter(ctx, "delete", collection, id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections[collection], id)
	return nil
}

func (m *Memory) Probe(ctx context.Context) error {
	return m.enter(ctx, "probe", "", "")
}

// Close is a no-op; a Memory store keeps its data for later opens.
func (m *Memory) Close() error { return nil }

// enter counts the call, applies latency and returns any injected failure.
func (m *Memory) enter(ctx context.Context, method, collection, id string) error {
	m.mu.Lock()
	m.calls[method]++
	latency := m.latency
	offline := m.offline
	var injected error
	if id != "" {
		injected = m.failDocs[collection+"/"+id]
	} else if collection != "" {
		injected = m.failColls[collection]
	}
	m.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return unreachable(ctx.Err(), "%s: %s", m.name, method)
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return unreachable(err, "%s: %s", m.name, method)
	}
	if offline {
		return unreachable(ErrOffline, "%s: %s", m.name, method)
	}
	if injected != nil {
		return unreachable(injected, "%s: %s %s/%s", m.name, method, collection, id)
	}
	return nil
}

func (m *Memory) collectionLocked(name string) map[string]model.Fields {
	coll, ok := m.collections[name]
	if !ok {
		coll = make(map[string]model.Fields)
		m.collections[name] = coll
	}
	return coll
}

func (m *Memory) documentsLocked(collection string, keep func(model.Fields) bool) []model.Document {
	coll := m.collections[collection]
	ids := make([]string, 0, len(coll))
	for id, f := range coll {
		if keep(f) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	docs := make([]model.Document, len(ids))
	for i, id := range ids {
		docs[i] = model.Document{ID: id, Fields: coll[id].Clone()}
	}
	return docs
}

// MemoryFactory hands out Memory stores keyed by descriptor project id.
// Unknown project ids get a fresh store on first open.
type MemoryFactory struct {
	mu          sync.Mutex
	stores      map[string]*Memory
	unreachable map[string]bool
}

// NewMemoryFactory creates an empty factory.
func NewMemoryFactory() *MemoryFactory {
	return &MemoryFactory{
		stores:      make(map[string]*Memory),
		unreachable: make(map[string]bool),
	}
}

// Backend returns the store for a project id, creating it if needed.
func (f *MemoryFactory) Backend(projectID string) *Memory {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.stores[projectID]
	if !ok {
		m = NewMemory(projectID)
		f.stores[projectID] = m
	}
	return m
}

// SetUnreachable makes Open fail for a project id.
func (f *MemoryFactory) SetUnreachable(projectID string, unreachable bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreachable[projectID] = unreachable
}

// Open returns the Memory store for d.ProjectID.
func (f *MemoryFactory) Open(ctx context.Context, d model.Descriptor) (Store, error) {
	f.mu.Lock()
	down := f.unreachable[d.ProjectID]
	f.mu.Unlock()
	if down {
		return nil, unreachable(ErrOffline, "dial %s", d.ProjectID)
	}
	return f.Backend(d.ProjectID), nil
}
