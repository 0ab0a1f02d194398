package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/ferry/internal/clock"
	"github.com/roach88/ferry/internal/event"
	"github.com/roach88/ferry/internal/metrics"
	"github.com/roach88/ferry/internal/model"
	"github.com/roach88/ferry/internal/remote"
	"github.com/roach88/ferry/internal/store"
)

// DrainState is the drain manager's state.
//
//	idle -> draining -> idle
//	idle -> draining -> error_reported -> idle
type DrainState string

const (
	DrainIdle          DrainState = "idle"
	DrainDraining      DrainState = "draining"
	DrainErrorReported DrainState = "error_reported"
)

// DrainStats counts what a pass did with each listed operation.
type DrainStats struct {
	Total    int `json:"total"`
	Synced   int `json:"synced"`
	Retried  int `json:"retried"`
	Failed   int `json:"failed"`
	Deferred int `json:"deferred"`
}

// DrainResult is the frozen outcome of one drain pass.
type DrainResult struct {
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	Stats       DrainStats        `json:"stats"`
	Errors      []string          `json:"errors"`
	Interrupted bool              `json:"interrupted,omitempty"`
	Permanent   []string          `json:"permanent,omitempty"`
	Session     model.SyncSession `json:"session"`
}

// Drainer replays the mutation queue against the active backend.
type Drainer struct {
	store    *store.Store
	backends Backends
	bus      *event.Bus
	metrics  *metrics.Metrics
	clock    clock.Clock
	logger   *slog.Logger

	running atomic.Bool

	mu      sync.Mutex
	state   DrainState
	session *model.SyncSession
}

// DrainOption configures a Drainer.
type DrainOption func(*Drainer)

// WithDrainClock sets the clock used for timestamps.
func WithDrainClock(c clock.Clock) DrainOption {
	return func(d *Drainer) { d.clock = c }
}

// WithDrainLogger sets the logger.
func WithDrainLogger(l *slog.Logger) DrainOption {
	return func(d *Drainer) { d.logger = l }
}

// WithDrainMetrics sets the metrics sink.
func WithDrainMetrics(m *metrics.Metrics) DrainOption {
	return func(d *Drainer) { d.metrics = m }
}

// NewDrainer creates an idle drain manager.
func NewDrainer(s *store.Store, b Backends, bus *event.Bus, opts ...DrainOption) *Drainer {
	d := &Drainer{
		store:    s,
		backends: b,
		bus:      bus,
		clock:    clock.System{},
		logger:   slog.Default(),
		state:    DrainIdle,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.clock = clock.OrSystem(d.clock)
	return d
}

// State returns the current drain state.
func (d *Drainer) State() DrainState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Session returns a snapshot of the running pass, if any.
func (d *Drainer) Session() (model.SyncSession, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return model.SyncSession{}, false
	}
	return d.session.Snapshot(), true
}

// StartDrain runs one drain pass. started is false, and nothing happens,
// when a pass is already running.
//
// Operations are processed in queue order. An operation whose document
// already failed or was deferred earlier in the same pass is deferred: it
// stays pending without a retry being counted, so an update never lands
// before the create it depends on. The returned error is set only when the
// pass could not run or the local store failed mid-pass.
func (d *Drainer) StartDrain(ctx context.Context) (res DrainResult, started bool, err error) {
	if !d.running.CompareAndSwap(false, true) {
		d.logger.Debug("drain already running")
		return DrainResult{}, false, nil
	}
	defer d.running.Store(false)

	res.StartedAt = d.clock.Now()
	res.Errors = make([]string, 0)

	ops, err := d.store.ListPending(ctx)
	if err != nil {
		d.setState(DrainErrorReported, nil)
		d.bus.Publish(event.KindSyncError, event.SourceDrain, map[string]any{
			"error": err.Error(),
		})
		d.setState(DrainIdle, nil)
		return res, true, fmt.Errorf("drain: %w", err)
	}

	session := model.NewSyncSession(model.SessionDrain, res.StartedAt, len(ops))
	d.setState(DrainDraining, session)
	res.Stats.Total = len(ops)

	d.logger.Info("drain starting", "pending", len(ops))
	d.bus.Publish(event.KindSyncStart, event.SourceDrain, map[string]any{
		"total": len(ops),
	})

	var passErr error
	blocked := make(map[string]bool)
	for i, op := range ops {
		if ctx.Err() != nil {
			res.Interrupted = true
			break
		}

		d.mu.Lock()
		session.Begin(opLabel(op))
		d.mu.Unlock()

		outcome, opErr, err := d.process(ctx, op, blocked)
		if err != nil {
			passErr = err
			break
		}

		d.mu.Lock()
		session.Done(opErr)
		d.mu.Unlock()

		switch outcome {
		case metrics.ResultSynced:
			res.Stats.Synced++
		case metrics.ResultRetry:
			res.Stats.Retried++
		case metrics.ResultFailed:
			res.Stats.Failed++
			res.Permanent = append(res.Permanent, op.ID)
		case metrics.ResultDeferred:
			res.Stats.Deferred++
		}
		d.metrics.DrainOperation(outcome)

		d.bus.Publish(event.KindSyncProgress, event.SourceDrain, map[string]any{
			"current":    i + 1,
			"total":      len(ops),
			"op":         op.ID,
			"kind":       string(op.Kind),
			"collection": op.Collection,
			"doc":        op.DocID,
			"result":     outcome,
			"errors":     append([]string{}, session.Errors...),
		})

		if outcome == metrics.ResultFailed {
			d.setState(DrainErrorReported, session)
			d.bus.Publish(event.KindSyncError, event.SourceDrain, map[string]any{
				"error": model.Errorf(model.CodePermanentSyncFailure,
					"%s exhausted its retries: %v", opLabel(op), opErr).Error(),
				"op": op.ID,
			})
			d.setState(DrainDraining, session)
		}
	}

	res.FinishedAt = d.clock.Now()
	res.Session = session.Snapshot()
	res.Errors = res.Session.Errors
	d.metrics.ObserveDrain(res.FinishedAt.Sub(res.StartedAt))

	if passErr != nil {
		d.setState(DrainErrorReported, nil)
		d.bus.Publish(event.KindSyncError, event.SourceDrain, map[string]any{
			"error": passErr.Error(),
		})
		d.setState(DrainIdle, nil)
		return res, true, fmt.Errorf("drain: %w", passErr)
	}

	if err := d.store.PutState(ctx, store.KeyLastDrainSummary, res); err != nil {
		d.logger.Warn("failed to persist drain summary", "error", err)
	}
	if stats, err := d.store.QueueStats(ctx); err == nil {
		d.metrics.SetQueueStats(stats)
	}

	if len(res.Errors) > 0 {
		d.setState(DrainErrorReported, nil)
	}
	d.bus.Publish(event.KindSyncComplete, event.SourceDrain, map[string]any{
		"stats": map[string]any{
			"total":    res.Stats.Total,
			"synced":   res.Stats.Synced,
			"retried":  res.Stats.Retried,
			"failed":   res.Stats.Failed,
			"deferred": res.Stats.Deferred,
		},
		"errors": res.Errors,
	})
	d.setState(DrainIdle, nil)

	d.logger.Info("drain finished",
		"synced", res.Stats.Synced,
		"retried", res.Stats.Retried,
		"failed", res.Stats.Failed,
		"deferred", res.Stats.Deferred,
		"interrupted", res.Interrupted)
	return res, true, nil
}

// process applies one operation and records its outcome in the queue.
// opErr is the per-operation failure; err is a local store failure that
// ends the pass.
func (d *Drainer) process(ctx context.Context, op model.SyncOperation, blocked map[string]bool) (outcome string, opErr error, err error) {
	key := op.Collection + "/" + op.DocID
	if blocked[key] {
		d.logger.Debug("operation deferred", "op", op.ID, "doc", key)
		return metrics.ResultDeferred, nil, nil
	}

	opErr = d.apply(ctx, op)
	if opErr == nil {
		if _, err := d.store.MarkSynced(ctx, op.ID); err != nil {
			return "", nil, err
		}
		return metrics.ResultSynced, nil, nil
	}

	blocked[key] = true
	updated, err := d.store.MarkRetryFailed(ctx, op.ID, opErr)
	if err != nil {
		return "", nil, err
	}
	d.logger.Warn("operation failed",
		"op", op.ID,
		"doc", key,
		"attempt", updated.RetryCount,
		"error", opErr)
	if updated.PermanentlyFailed() {
		return metrics.ResultFailed, opErr, nil
	}
	return metrics.ResultRetry, opErr, nil
}

// apply sends one operation to the backend that is active right now.
func (d *Drainer) apply(ctx context.Context, op model.SyncOperation) error {
	id, st, err := d.backends.ActiveStore(ctx)
	if err != nil {
		return err
	}
	if err := applyOperation(ctx, st, op); err != nil {
		return err
	}
	d.backends.RecordOperation(id, model.OpWrite)
	return nil
}

func applyOperation(ctx context.Context, st remote.Store, op model.SyncOperation) error {
	switch op.Kind {
	case model.OpAdd:
		return st.Set(ctx, op.Collection, op.DocID, op.Payload)
	case model.OpUpdate:
		return st.Update(ctx, op.Collection, op.DocID, op.Payload)
	case model.OpDelete:
		return st.Delete(ctx, op.Collection, op.DocID)
	}
	return model.Errorf(model.CodeInvalidArgument, "unknown operation kind %q", op.Kind)
}

func (d *Drainer) setState(s DrainState, session *model.SyncSession) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = s
	d.session = session
}

// LastSummary returns the persisted result of the last completed pass.
func (d *Drainer) LastSummary(ctx context.Context) (DrainResult, bool, error) {
	var res DrainResult
	ok, err := d.store.GetState(ctx, store.KeyLastDrainSummary, &res)
	return res, ok, err
}

func opLabel(op model.SyncOperation) string {
	return string(op.Kind) + " " + op.Collection + "/" + op.DocID
}
