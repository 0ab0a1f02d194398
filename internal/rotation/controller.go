// Package rotation owns the remote backend registry and decides which
// backend is active.
//
// The Controller keeps two pieces of persisted state: the ordered backend
// registry and the rotation state (active id, schedule, bounded history).
// Activation, rotation and removal are serialized by a rotation mutex so
// concurrent callers can never leave zero or two active backends. Reads of
// the registry take a shared lock; probes and replication run without the
// state lock held.
package rotation

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/ferry/internal/clock"
	"github.com/roach88/ferry/internal/event"
	"github.com/roach88/ferry/internal/metrics"
	"github.com/roach88/ferry/internal/model"
	"github.com/roach88/ferry/internal/remote"
	"github.com/roach88/ferry/internal/store"
)

// Builtins are the descriptors of the two built-in backends.
type Builtins struct {
	Primary model.Descriptor
	Standby model.Descriptor
}

// Controller is the backend rotation controller.
type Controller struct {
	store   *store.Store
	pool    *remote.Pool
	bus     *event.Bus
	metrics *metrics.Metrics
	clock   clock.Clock
	logger  *slog.Logger
	ids     model.IDGenerator

	historyLimit      int
	replicateOnRotate bool

	// rotateMu serializes activation, rotation, registration and removal.
	rotateMu sync.Mutex

	// persistMu orders snapshots and their writes, so the last snapshot
	// taken is the last one stored. Acquired before mu.
	persistMu sync.Mutex

	mu       sync.RWMutex
	backends []model.Backend
	state    model.RotationState
	dirty    bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the clock used for timestamps and schedules.
func WithClock(c clock.Clock) Option {
	return func(r *Controller) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Controller) { r.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Controller) { r.metrics = m }
}

// WithIDGenerator sets the generator for custom backend ids.
func WithIDGenerator(g model.IDGenerator) Option {
	return func(r *Controller) { r.ids = g }
}

// WithHistoryLimit bounds the rotation history.
func WithHistoryLimit(n int) Option {
	return func(r *Controller) { r.historyLimit = n }
}

// WithReplicateOnRotate controls whether a rotation copies the active
// backend's data to the next one before activating it.
func WithReplicateOnRotate(on bool) Option {
	return func(r *Controller) { r.replicateOnRotate = on }
}

// New creates a controller. Call Load before use.
func New(s *store.Store, pool *remote.Pool, bus *event.Bus, opts ...Option) *Controller {
	r := &Controller{
		store:             s,
		pool:              pool,
		bus:               bus,
		clock:             clock.System{},
		logger:            slog.Default(),
		ids:               model.UUIDv7Generator{},
		historyLimit:      model.DefaultHistoryLimit,
		replicateOnRotate: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.clock = clock.OrSystem(r.clock)
	if r.historyLimit <= 0 {
		r.historyLimit = model.DefaultHistoryLimit
	}
	return r
}

// Load restores the registry and rotation state and seeds the built-in
// backends. Built-in descriptors always come from b. When no valid active
// backend is recorded, primary becomes active.
func (r *Controller) Load(ctx context.Context, b Builtins) error {
	var backends []model.Backend
	if _, err := r.store.GetState(ctx, store.KeyBackendRegistry, &backends); err != nil {
		return fmt.Errorf("load backend registry: %w", err)
	}
	var state model.RotationState
	if _, err := r.store.GetState(ctx, store.KeyRotationState, &state); err != nil {
		return fmt.Errorf("load rotation state: %w", err)
	}

	now := r.clock.Now()
	backends = seedBuiltin(backends, model.BackendStandby, b.Standby, now)
	backends = seedBuiltin(backends, model.BackendPrimary, b.Primary, now)

	active := state.ActiveBackendID
	if i := indexOf(backends, active); i < 0 || backends[i].Retired {
		active = model.BackendPrimary
	}
	state.ActiveBackendID = active
	for i := range backends {
		if backends[i].ID == active {
			backends[i].Status = model.StatusActive
		} else {
			backends[i].Status = model.StatusInactive
		}
	}
	if state.History == nil {
		state.History = make([]model.RotationEntry, 0)
	}

	r.mu.Lock()
	r.backends = backends
	r.state = state
	r.mu.Unlock()

	r.logger.Info("backend registry loaded", "backends", len(backends), "active", active)
	r.publishActiveMetric()
	return r.persist(ctx)
}

// seedBuiltin makes sure a built-in entry exists with the configured
// descriptor. Missing built-ins are inserted at the front, so seeding
// standby then primary yields [primary, standby, ...].
func seedBuiltin(backends []model.Backend, id string, d model.Descriptor, now time.Time) []model.Backend {
	if i := indexOf(backends, id); i >= 0 {
		backends[i].Descriptor = d
		backends[i].Builtin = true
		backends[i].Retired = false
		return backends
	}
	entry := model.Backend{
		ID:         id,
		Label:      id,
		Descriptor: d,
		Status:     model.StatusInactive,
		Builtin:    true,
		Metrics:    model.BackendMetrics{Healthy: true},
		AddedAt:    now,
	}
	return append([]model.Backend{entry}, backends...)
}

func indexOf(backends []model.Backend, id string) int {
	return slices.IndexFunc(backends, func(b model.Backend) bool { return b.ID == id })
}

// Backends returns a copy of the registry in ring order.
func (r *Controller) Backends() []model.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.backends)
}

// Backend returns one registry entry.
func (r *Controller) Backend(id string) (model.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(id)
}

func (r *Controller) lookupLocked(id string) (model.Backend, error) {
	i := indexOf(r.backends, id)
	if i < 0 {
		return model.Backend{}, model.Errorf(model.CodeUnknownBackend, "unknown backend %q", id)
	}
	return r.backends[i], nil
}

// Active returns the active backend.
func (r *Controller) Active() model.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, _ := r.lookupLocked(r.state.ActiveBackendID)
	return b
}

// State returns a copy of the rotation state.
func (r *Controller) State() model.RotationState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.state
	s.History = slices.Clone(r.state.History)
	return s
}

// History returns the rotation history, oldest first.
func (r *Controller) History() []model.RotationEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.state.History)
}

// ActiveStore returns the active backend's id and an open store for it.
func (r *Controller) ActiveStore(ctx context.Context) (string, remote.Store, error) {
	b := r.Active()
	if b.ID == "" {
		return "", nil, model.Errorf(model.CodeUnknownBackend, "no active backend")
	}
	s, err := r.pool.Get(ctx, b.Descriptor)
	if err != nil {
		r.setHealthy(b.ID, false)
		return "", nil, err
	}
	return b.ID, s, nil
}

// RecordOperation counts a read or write against a backend and stamps its
// last operation time. Unknown ids are ignored. Counters are persisted on
// the next registry write or Flush.
func (r *Controller) RecordOperation(id string, class model.OpClass) {
	now := r.clock.Now()
	r.mu.Lock()
	i := indexOf(r.backends, id)
	if i < 0 {
		r.mu.Unlock()
		return
	}
	m := &r.backends[i].Metrics
	switch class {
	case model.OpRead:
		m.Reads++
	case model.OpWrite:
		m.Writes++
	}
	m.LastOperationAt = &now
	m.Healthy = true
	r.dirty = true
	r.mu.Unlock()

	r.metrics.BackendOperation(id, class)
}

// Probe checks the active backend with a trivial read.
func (r *Controller) Probe(ctx context.Context) error {
	b := r.Active()
	if b.ID == "" {
		return model.Errorf(model.CodeUnknownBackend, "no active backend")
	}
	return r.probeDescriptor(ctx, b.ID, b.Descriptor)
}

// ProbeBackend checks a registered backend and records the test time.
func (r *Controller) ProbeBackend(ctx context.Context, id string) error {
	b, err := r.Backend(id)
	if err != nil {
		return err
	}
	return r.probeDescriptor(ctx, id, b.Descriptor)
}

// probeDescriptor opens (or reuses) a connection and probes it. A failed
// probe evicts the connection so the next attempt redials.
func (r *Controller) probeDescriptor(ctx context.Context, id string, d model.Descriptor) error {
	err := r.probe(ctx, d)
	now := r.clock.Now()

	r.mu.Lock()
	if i := indexOf(r.backends, id); i >= 0 {
		r.backends[i].LastTestedAt = &now
		r.backends[i].Metrics.Healthy = err == nil
		r.dirty = true
	}
	r.mu.Unlock()
	return err
}

func (r *Controller) probe(ctx context.Context, d model.Descriptor) error {
	s, err := r.pool.Get(ctx, d)
	if err == nil {
		err = s.Probe(ctx)
	}
	if err != nil {
		r.pool.Evict(d)
		return err
	}
	return nil
}

func (r *Controller) setHealthy(id string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := indexOf(r.backends, id); i >= 0 && r.backends[i].Metrics.Healthy != healthy {
		r.backends[i].Metrics.Healthy = healthy
		r.dirty = true
	}
}

// RegisterBackend validates and probes a descriptor and appends it to the
// registry as inactive. Registering a descriptor identical to an existing
// entry returns that entry. A failed probe returns ConnectionTestFailed and
// leaves the registry unchanged.
func (r *Controller) RegisterBackend(ctx context.Context, label string, d model.Descriptor) (model.Backend, error) {
	if err := d.Validate(); err != nil {
		return model.Backend{}, err
	}
	hash, err := model.DescriptorHash(d)
	if err != nil {
		return model.Backend{}, model.Wrap(model.CodeInvalidArgument, err, "descriptor")
	}

	r.rotateMu.Lock()
	defer r.rotateMu.Unlock()

	existing, found := r.findDescriptor(hash)
	if found && !existing.Retired {
		return existing, nil
	}

	if err := r.probe(ctx, d); err != nil {
		r.logger.Warn("backend registration probe failed", "project", d.ProjectID, "error", err)
		return model.Backend{}, model.Wrap(model.CodeConnectionTestFailed, err, "probe %s", d.ProjectID)
	}

	now := r.clock.Now()
	r.mu.Lock()
	var b model.Backend
	if found {
		// Re-registering a retired entry brings it back into the ring.
		i := indexOf(r.backends, existing.ID)
		r.backends[i].Retired = false
		r.backends[i].LastTestedAt = &now
		r.backends[i].Metrics.Healthy = true
		if label != "" {
			r.backends[i].Label = label
		}
		b = r.backends[i]
	} else {
		if label == "" {
			label = d.ProjectID
		}
		b = model.Backend{
			ID:           r.ids.Generate(),
			Label:        label,
			Descriptor:   d,
			Status:       model.StatusInactive,
			Metrics:      model.BackendMetrics{Healthy: true},
			AddedAt:      now,
			LastTestedAt: &now,
		}
		r.backends = append(r.backends, b)
	}
	r.mu.Unlock()

	r.logger.Info("backend registered", "id", b.ID, "label", b.Label)
	r.publishActiveMetric()
	return b, r.persist(ctx)
}

func (r *Controller) findDescriptor(hash string) (model.Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.backends {
		if h, err := model.DescriptorHash(b.Descriptor); err == nil && h == hash {
			return b, true
		}
	}
	return model.Backend{}, false
}

// Activate makes id the active backend after probing it.
//
// On success the previous backend becomes inactive and a successful history
// entry is appended. On a failed probe the previous backend stays active, a
// failed entry is appended and ConnectionTestFailed is returned. Activating
// the backend that is already active is a no-op.
func (r *Controller) Activate(ctx context.Context, id string) (model.RotationEntry, error) {
	r.rotateMu.Lock()
	defer r.rotateMu.Unlock()
	return r.activateLocked(ctx, id, "manual", nil)
}

// activateLocked performs an activation. Callers hold rotateMu.
func (r *Controller) activateLocked(ctx context.Context, id, reason string, syncResult *model.ReplicationResult) (model.RotationEntry, error) {
	r.mu.RLock()
	target, err := r.lookupLocked(id)
	from := r.state.ActiveBackendID
	r.mu.RUnlock()
	if err != nil {
		return model.RotationEntry{}, err
	}
	if target.Retired {
		return model.RotationEntry{}, model.Errorf(model.CodeInvalidArgument, "backend %s is retired", id)
	}
	if id == from {
		return model.RotationEntry{From: from, To: id, At: r.clock.Now(), Success: true, Reason: "already active"}, nil
	}

	probeErr := r.probeDescriptor(ctx, id, target.Descriptor)

	now := r.clock.Now()
	entry := model.RotationEntry{From: from, To: id, At: now, Success: probeErr == nil, Reason: reason, SyncResult: syncResult}
	if probeErr != nil {
		entry.Reason = reason + ": " + probeErr.Error()
	}

	r.mu.Lock()
	if probeErr == nil {
		for i := range r.backends {
			if r.backends[i].ID == id {
				r.backends[i].Status = model.StatusActive
			} else {
				r.backends[i].Status = model.StatusInactive
			}
		}
		r.state.ActiveBackendID = id
		r.state.LastRotationAt = &now
	}
	r.resetScheduleLocked(now)
	r.state.AppendHistory(entry, r.historyLimit)
	r.mu.Unlock()

	r.metrics.Rotation(entry.Success)
	r.publishActiveMetric()
	r.publishEntry(entry)

	if err := r.persist(ctx); err != nil {
		return entry, err
	}
	if probeErr != nil {
		r.logger.Warn("activation failed", "from", from, "to", id, "error", probeErr)
		return entry, model.Wrap(model.CodeConnectionTestFailed, probeErr, "activate %s", id)
	}
	r.logger.Info("backend activated", "from", from, "to", id, "reason", reason)
	return entry, nil
}

// RemoveBackend removes a custom backend. Entries referenced by rotation
// history are retired instead of deleted. Built-in and active backends
// cannot be removed. It reports whether the entry was retired.
func (r *Controller) RemoveBackend(ctx context.Context, id string) (retired bool, err error) {
	r.rotateMu.Lock()
	defer r.rotateMu.Unlock()

	r.mu.Lock()
	b, err := r.lookupLocked(id)
	if err != nil {
		r.mu.Unlock()
		return false, err
	}
	switch {
	case b.Builtin:
		r.mu.Unlock()
		return false, model.Errorf(model.CodeInvalidArgument, "backend %s is built in", id)
	case b.Active():
		r.mu.Unlock()
		return false, model.Errorf(model.CodeInvalidArgument, "backend %s is active", id)
	}
	i := indexOf(r.backends, id)
	if r.state.References(id) {
		r.backends[i].Retired = true
		retired = true
	} else {
		r.backends = slices.Delete(r.backends, i, i+1)
	}
	r.mu.Unlock()

	r.pool.Evict(b.Descriptor)
	r.logger.Info("backend removed", "id", id, "retired", retired)
	return retired, r.persist(ctx)
}

// Flush persists counters recorded since the last registry write.
func (r *Controller) Flush(ctx context.Context) error {
	r.mu.RLock()
	dirty := r.dirty
	r.mu.RUnlock()
	if !dirty {
		return nil
	}
	return r.persist(ctx)
}

func (r *Controller) persist(ctx context.Context) error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.Lock()
	backends := slices.Clone(r.backends)
	state := r.state
	state.History = slices.Clone(r.state.History)
	r.dirty = false
	r.mu.Unlock()

	err := r.store.PutStates(ctx, map[string]any{
		store.KeyBackendRegistry: backends,
		store.KeyRotationState:   state,
	})
	if err != nil {
		r.mu.Lock()
		r.dirty = true
		r.mu.Unlock()
		return fmt.Errorf("persist rotation state: %w", err)
	}
	return nil
}

func (r *Controller) publishEntry(e model.RotationEntry) {
	data := map[string]any{
		"from":    e.From,
		"to":      e.To,
		"at":      e.At,
		"success": e.Success,
		"reason":  e.Reason,
	}
	if e.SyncResult != nil {
		data["copied"] = e.SyncResult.Copied()
		data["errors"] = e.SyncResult.Errors()
	}
	r.bus.Publish(event.KindRotation, event.SourceRotation, data)
}

func (r *Controller) publishActiveMetric() {
	if r.metrics == nil {
		return
	}
	r.mu.RLock()
	ids := make([]string, len(r.backends))
	for i, b := range r.backends {
		ids[i] = b.ID
	}
	active := r.state.ActiveBackendID
	r.mu.RUnlock()
	r.metrics.SetActiveBackend(active, ids)
}
