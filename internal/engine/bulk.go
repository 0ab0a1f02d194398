package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/ferry/internal/clock"
	"github.com/roach88/ferry/internal/event"
	"github.com/roach88/ferry/internal/metrics"
	"github.com/roach88/ferry/internal/model"
	"github.com/roach88/ferry/internal/schema"
	"github.com/roach88/ferry/internal/store"
)

const (
	// DefaultStaleness is how long a complete bulk sync stays fresh.
	DefaultStaleness = time.Hour

	// DefaultAutoSyncInterval is the period of RunAutoSync.
	DefaultAutoSyncInterval = 5 * time.Minute
)

// BulkStatus describes how a PerformFullSync call was answered.
type BulkStatus string

const (
	BulkCompleted  BulkStatus = "completed"
	BulkCached     BulkStatus = "cached"
	BulkInProgress BulkStatus = "in_progress"
)

// Bulk progress steps.
const (
	StepDownloading = "downloading"
	StepSaving      = "saving"
	StepCompleted   = "completed"
	StepFailed      = "failed"
)

// CollectionResult is the outcome of one collection download.
type CollectionResult struct {
	Name     string `json:"name"`
	Count    int    `json:"count"`
	Windowed bool   `json:"windowed,omitempty"`
	Error    string `json:"error,omitempty"`
}

// BulkResult is the outcome of one PerformFullSync call.
type BulkResult struct {
	Status      BulkStatus         `json:"status"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
	LastSyncAt  time.Time          `json:"last_sync_at"`
	Collections []CollectionResult `json:"collections"`
	Errors      []string           `json:"errors"`
}

// Documents returns the number of documents saved.
func (r BulkResult) Documents() int {
	n := 0
	for _, c := range r.Collections {
		n += c.Count
	}
	return n
}

// BulkSyncer downloads schema collections into the local cache.
type BulkSyncer struct {
	store    *store.Store
	schema   *schema.Schema
	backends Backends
	drainer  *Drainer
	bus      *event.Bus
	metrics  *metrics.Metrics
	clock    clock.Clock
	logger   *slog.Logger

	staleness    time.Duration
	autoInterval time.Duration

	running atomic.Bool

	mu         sync.Mutex
	session    *model.SyncSession
	foreground bool
	online     func() bool
}

// BulkOption configures a BulkSyncer.
type BulkOption func(*BulkSyncer)

// WithBulkClock sets the clock used for staleness and timestamps.
func WithBulkClock(c clock.Clock) BulkOption {
	return func(b *BulkSyncer) { b.clock = c }
}

// WithBulkLogger sets the logger.
func WithBulkLogger(l *slog.Logger) BulkOption {
	return func(b *BulkSyncer) { b.logger = l }
}

// WithBulkMetrics sets the metrics sink.
func WithBulkMetrics(m *metrics.Metrics) BulkOption {
	return func(b *BulkSyncer) { b.metrics = m }
}

// WithStaleness sets how long a complete sync marker stays fresh.
func WithStaleness(d time.Duration) BulkOption {
	return func(b *BulkSyncer) { b.staleness = d }
}

// WithAutoSyncInterval sets the RunAutoSync period.
func WithAutoSyncInterval(d time.Duration) BulkOption {
	return func(b *BulkSyncer) { b.autoInterval = d }
}

// WithBulkDrainer makes every downloading pass drain the mutation queue
// first, so local writes reach the backend before its snapshot is read.
func WithBulkDrainer(d *Drainer) BulkOption {
	return func(b *BulkSyncer) { b.drainer = d }
}

// NewBulkSyncer creates a bulk sync service for the store's schema.
// The service starts foregrounded and assumes it is online until
// SetOnlineCheck says otherwise.
func NewBulkSyncer(s *store.Store, b Backends, bus *event.Bus, opts ...BulkOption) *BulkSyncer {
	bs := &BulkSyncer{
		store:        s,
		schema:       s.Schema(),
		backends:     b,
		bus:          bus,
		clock:        clock.System{},
		logger:       slog.Default(),
		staleness:    DefaultStaleness,
		autoInterval: DefaultAutoSyncInterval,
		foreground:   true,
	}
	for _, opt := range opts {
		opt(bs)
	}
	bs.clock = clock.OrSystem(bs.clock)
	if bs.staleness <= 0 {
		bs.staleness = DefaultStaleness
	}
	if bs.autoInterval <= 0 {
		bs.autoInterval = DefaultAutoSyncInterval
	}
	return bs
}

// SetForeground records whether the client is foregrounded.
// Auto sync only runs while foregrounded.
func (b *BulkSyncer) SetForeground(fg bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.foreground = fg
}

// SetOnlineCheck installs the predicate auto sync consults before running.
func (b *BulkSyncer) SetOnlineCheck(online func() bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.online = online
}

// Running reports whether a pass is in progress.
func (b *BulkSyncer) Running() bool {
	return b.running.Load()
}

// Session returns a snapshot of the running pass, if any.
func (b *BulkSyncer) Session() (model.SyncSession, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return model.SyncSession{}, false
	}
	return b.session.Snapshot(), true
}

// Marker returns the persisted sync status marker.
func (b *BulkSyncer) Marker(ctx context.Context) (model.SyncMarker, bool, error) {
	var m model.SyncMarker
	ok, err := b.store.GetState(ctx, store.KeySyncStatus, &m)
	return m, ok, err
}

// LastSummary returns the persisted result of the last completed pass.
func (b *BulkSyncer) LastSummary(ctx context.Context) (BulkResult, bool, error) {
	var r BulkResult
	ok, err := b.store.GetState(ctx, store.KeyLastSyncSummary, &r)
	return r, ok, err
}

// PerformFullSync downloads every schema collection from the active
// backend into the cache, in schema order.
//
// Unless force is set, a complete marker younger than the staleness window
// answers with a cached result and no remote I/O. A call made while a pass
// is running answers with an in_progress result. A failing collection is
// recorded and the pass moves on to the next one; the returned error is
// reserved for failures to read or write the marker itself.
//
// Pending writes are pushed first when a drainer is configured. A cached
// document that still has an unsynced queue entry is never overwritten by
// the downloaded snapshot.
func (b *BulkSyncer) PerformFullSync(ctx context.Context, force bool) (BulkResult, error) {
	if !b.running.CompareAndSwap(false, true) {
		return BulkResult{Status: BulkInProgress, Collections: []CollectionResult{}, Errors: []string{}}, nil
	}
	defer b.running.Store(false)

	now := b.clock.Now()
	if !force {
		marker, ok, err := b.Marker(ctx)
		if err != nil {
			return BulkResult{}, err
		}
		if ok && marker.Fresh(now, b.staleness) {
			b.logger.Debug("bulk sync skipped, cache is fresh", "last_sync_at", marker.LastSyncAt)
			return BulkResult{
				Status:      BulkCached,
				StartedAt:   now,
				FinishedAt:  now,
				LastSyncAt:  marker.LastSyncAt,
				Collections: []CollectionResult{},
				Errors:      append([]string{}, marker.Errors...),
			}, nil
		}
	}

	b.drainFirst(ctx)

	names := b.schema.Names()
	res := BulkResult{
		Status:      BulkCompleted,
		StartedAt:   now,
		Collections: make([]CollectionResult, 0, len(names)),
	}
	session := model.NewSyncSession(model.SessionBulk, now, len(names))
	b.mu.Lock()
	b.session = session
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.session = nil
		b.mu.Unlock()
	}()

	b.logger.Info("bulk sync starting", "collections", len(names), "force", force)
	b.bus.Publish(event.KindSyncStart, event.SourceBulk, map[string]any{
		"total": len(names),
		"force": force,
	})

	for i, name := range names {
		if ctx.Err() != nil {
			break
		}
		coll, _ := b.schema.Lookup(name)

		b.mu.Lock()
		session.Begin(name)
		b.mu.Unlock()

		cr, err := b.syncCollection(ctx, coll, i+1, len(names), session)

		b.mu.Lock()
		session.Done(err)
		b.mu.Unlock()

		b.metrics.CollectionSynced(name, cr.Count, err)
		if err != nil {
			cr.Error = err.Error()
			b.logger.Warn("collection sync failed", "collection", name, "error", err)
			b.bus.Publish(event.KindSyncProgress, event.SourceBulk, map[string]any{
				"step":       StepFailed,
				"collection": name,
				"current":    i + 1,
				"total":      len(names),
				"error":      err.Error(),
				"errors":     append([]string{}, session.Errors...),
			})
		}
		res.Collections = append(res.Collections, cr)
	}

	res.FinishedAt = b.clock.Now()
	res.LastSyncAt = res.FinishedAt
	res.Errors = session.Snapshot().Errors
	b.metrics.ObserveBulk(res.FinishedAt.Sub(res.StartedAt), len(res.Errors) == 0)

	marker := model.SyncMarker{IsComplete: true, LastSyncAt: res.LastSyncAt, Errors: res.Errors}
	if err := b.store.PutState(ctx, store.KeySyncStatus, marker); err != nil {
		b.bus.Publish(event.KindSyncError, event.SourceBulk, map[string]any{"error": err.Error()})
		return res, err
	}
	if err := b.store.PutState(ctx, store.KeyLastSyncSummary, res); err != nil {
		b.logger.Warn("failed to persist sync summary", "error", err)
	}

	b.bus.Publish(event.KindSyncComplete, event.SourceBulk, map[string]any{
		"stats": map[string]any{
			"collections": len(res.Collections),
			"documents":   res.Documents(),
			"failed":      len(res.Errors),
		},
		"errors": res.Errors,
	})
	b.logger.Info("bulk sync finished",
		"documents", res.Documents(),
		"errors", len(res.Errors))
	return res, nil
}

// syncCollection downloads one collection and replaces its cached copy.
func (b *BulkSyncer) syncCollection(ctx context.Context, coll schema.Collection, current, total int, session *model.SyncSession) (CollectionResult, error) {
	cr := CollectionResult{Name: coll.Name, Windowed: coll.Window != nil}
	progress := func(step string, extra map[string]any) {
		data := map[string]any{
			"step":       step,
			"collection": coll.Name,
			"current":    current,
			"total":      total,
			"errors":     append([]string{}, session.Errors...),
		}
		for k, v := range extra {
			data[k] = v
		}
		b.bus.Publish(event.KindSyncProgress, event.SourceBulk, data)
	}

	progress(StepDownloading, nil)

	id, st, err := b.backends.ActiveStore(ctx)
	if err != nil {
		return cr, err
	}
	var docs []model.Document
	if coll.Window != nil {
		cutoff := coll.Window.Cutoff(b.clock.Now())
		docs, err = st.ListSince(ctx, coll.Name, coll.Window.Field, cutoff)
	} else {
		docs, err = st.List(ctx, coll.Name)
	}
	if err != nil {
		return cr, err
	}
	b.backends.RecordOperation(id, model.OpRead)

	progress(StepSaving, map[string]any{"count": len(docs)})

	now := b.clock.Now()
	records := make([]model.Record, len(docs))
	for i, doc := range docs {
		records[i] = doc.ToRecord(coll.Name, now)
	}
	saved, err := b.store.RefreshCollection(ctx, coll.Name, records)
	if err != nil {
		return cr, err
	}
	cr.Count = saved

	progress(StepCompleted, map[string]any{"count": cr.Count})
	return cr, nil
}

// drainFirst runs a drain pass when the queue holds unsynced operations.
func (b *BulkSyncer) drainFirst(ctx context.Context) {
	if b.drainer == nil {
		return
	}
	stats, err := b.store.QueueStats(ctx)
	if err != nil {
		b.logger.Warn("failed to read queue before bulk sync", "error", err)
		return
	}
	if stats.Pending+stats.Retrying == 0 {
		return
	}
	res, started, err := b.drainer.StartDrain(ctx)
	switch {
	case err != nil:
		b.logger.Warn("drain before bulk sync failed", "error", err)
	case !started:
		b.logger.Debug("drain already running, unsynced records are kept")
	default:
		b.logger.Debug("drained before bulk sync", "synced", res.Stats.Synced, "errors", len(res.Errors))
	}
}

// AutoSyncOnce runs one auto sync tick: a forced pass when online and
// foregrounded, skipped when a pass is already running. It reports whether
// a pass ran.
func (b *BulkSyncer) AutoSyncOnce(ctx context.Context) (bool, error) {
	b.mu.Lock()
	fg, online := b.foreground, b.online
	b.mu.Unlock()

	if !fg || (online != nil && !online()) || b.Running() {
		return false, nil
	}

	res, err := b.PerformFullSync(ctx, true)
	if err != nil {
		return true, err
	}
	if res.Status == BulkInProgress {
		return false, nil
	}
	if err := b.store.PutState(ctx, store.KeyLastAutoSync, res.FinishedAt); err != nil {
		return true, err
	}
	return true, nil
}

// LastAutoSync returns when auto sync last completed a pass.
func (b *BulkSyncer) LastAutoSync(ctx context.Context) (time.Time, bool, error) {
	var t time.Time
	ok, err := b.store.GetState(ctx, store.KeyLastAutoSync, &t)
	return t, ok, err
}

// RunAutoSync ticks AutoSyncOnce every auto sync interval until ctx is
// cancelled.
func (b *BulkSyncer) RunAutoSync(ctx context.Context) error {
	ticker := time.NewTicker(b.autoInterval)
	defer ticker.Stop()

	b.logger.Info("auto sync starting", "interval", b.autoInterval)
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("auto sync stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := b.AutoSyncOnce(ctx); err != nil {
				b.logger.Error("auto sync failed", "error", err)
			}
		}
	}
}
