package app

import (
	"context"
	"errors"

	"github.com/roach88/ferry/internal/connectivity"
	"github.com/roach88/ferry/internal/engine"
	"github.com/roach88/ferry/internal/model"
	"github.com/roach88/ferry/internal/store"
)

// Outcome is the result of an administrative action. Reason is set when
// Success is false, and may describe a no-op when it is true.
type Outcome struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
	Code    string `json:"code,omitempty"`
}

func outcome(err error) Outcome {
	if err == nil {
		return Outcome{Success: true}
	}
	return Outcome{Success: false, Reason: err.Error(), Code: string(model.CodeOf(err))}
}

// RegisterBackend probes and registers a custom backend.
func (a *App) RegisterBackend(ctx context.Context, label string, d model.Descriptor) (Outcome, model.Backend) {
	b, err := a.Rotation.RegisterBackend(ctx, label, d)
	return outcome(err), b
}

// ActivateBackend makes id the active backend.
func (a *App) ActivateBackend(ctx context.Context, id string) Outcome {
	entry, err := a.Rotation.Activate(ctx, id)
	o := outcome(err)
	if err == nil && entry.Reason == "already active" {
		o.Reason = entry.Reason
	}
	return o
}

// ForceRotation rotates to the next backend now.
func (a *App) ForceRotation(ctx context.Context) (Outcome, model.RotationEntry) {
	entry, err := a.Rotation.ForceRotation(ctx)
	return outcome(err), entry
}

// Replicate copies every collection from one backend to another. A run in
// which any collection failed is reported as unsuccessful.
func (a *App) Replicate(ctx context.Context, from, to string) (Outcome, model.ReplicationResult) {
	res, err := a.Rotation.Replicate(ctx, from, to)
	if err != nil {
		return outcome(err), res
	}
	if errs := res.Errors(); len(errs) > 0 {
		return Outcome{Success: false, Reason: errors.Join(toErrors(errs)...).Error()}, res
	}
	return Outcome{Success: true}, res
}

func toErrors(msgs []string) []error {
	errs := make([]error, len(msgs))
	for i, m := range msgs {
		errs[i] = errors.New(m)
	}
	return errs
}

// ClearCache drops every cached record and the bulk sync marker so the next
// sync downloads again. Queued mutations are kept.
func (a *App) ClearCache(ctx context.Context) Outcome {
	if err := a.Store.Clear(ctx); err != nil {
		return outcome(err)
	}
	if err := a.Store.DeleteState(ctx, store.KeySyncStatus); err != nil {
		return outcome(err)
	}
	a.logger.Info("local cache cleared")
	return Outcome{Success: true}
}

// Status is a point-in-time view of the engine.
type Status struct {
	Connectivity connectivity.Status    `json:"connectivity"`
	Active       model.Backend          `json:"active_backend"`
	Rotation     model.RotationState    `json:"rotation"`
	Queue        model.QueueStats       `json:"queue"`
	Drain        engine.DrainState      `json:"drain"`
	BulkRunning  bool                   `json:"bulk_running"`
	Marker       *model.SyncMarker      `json:"sync_marker,omitempty"`
	Collections  []store.CollectionInfo `json:"collections"`
	Session      *model.SyncSession     `json:"session,omitempty"`
}

// Status collects the current engine state.
func (a *App) Status(ctx context.Context) (Status, error) {
	queue, err := a.Store.QueueStats(ctx)
	if err != nil {
		return Status{}, err
	}
	colls, err := a.Store.Collections(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Connectivity: a.Monitor.Status(),
		Active:       a.Rotation.Active(),
		Rotation:     a.Rotation.State(),
		Queue:        queue,
		Drain:        a.Drainer.State(),
		BulkRunning:  a.Bulk.Running(),
		Collections:  colls,
	}
	st.Active.Descriptor = st.Active.Descriptor.Redacted()
	st.Rotation.History = nil

	marker, ok, err := a.Bulk.Marker(ctx)
	if err != nil {
		return Status{}, err
	}
	if ok {
		st.Marker = &marker
	}
	if s, ok := a.Drainer.Session(); ok {
		st.Session = &s
	} else if s, ok := a.Bulk.Session(); ok {
		st.Session = &s
	}
	return st, nil
}

// Backends returns the registry with API keys redacted.
func (a *App) Backends() []model.Backend {
	backends := a.Rotation.Backends()
	for i := range backends {
		backends[i].Descriptor = backends[i].Descriptor.Redacted()
	}
	return backends
}
