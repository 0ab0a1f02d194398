package rotation

import (
	"context"
	"time"

	"github.com/roach88/ferry/internal/model"
)

// DefaultCheckInterval is how often Run checks whether a rotation is due.
const DefaultCheckInterval = time.Minute

// ScheduleRotation enables automatic rotation every hours hours, counting
// from now.
func (r *Controller) ScheduleRotation(ctx context.Context, hours int) error {
	if hours <= 0 {
		return model.Errorf(model.CodeInvalidArgument, "rotation interval must be positive, got %d hours", hours)
	}
	r.mu.Lock()
	r.state.RotationIntervalHours = hours
	r.state.AutoRotateEnabled = true
	r.resetScheduleLocked(r.clock.Now())
	next := *r.state.NextRotationAt
	r.mu.Unlock()

	r.logger.Info("automatic rotation scheduled", "interval_hours", hours, "next", next)
	return r.persist(ctx)
}

// DisableAutoRotation turns automatic rotation off. The interval is kept.
func (r *Controller) DisableAutoRotation(ctx context.Context) error {
	r.mu.Lock()
	r.state.AutoRotateEnabled = false
	r.state.NextRotationAt = nil
	r.mu.Unlock()

	r.logger.Info("automatic rotation disabled")
	return r.persist(ctx)
}

// resetScheduleLocked recomputes NextRotationAt from now. Callers hold mu.
func (r *Controller) resetScheduleLocked(now time.Time) {
	if !r.state.AutoRotateEnabled || r.state.RotationIntervalHours <= 0 {
		r.state.NextRotationAt = nil
		return
	}
	next := now.Add(time.Duration(r.state.RotationIntervalHours) * time.Hour)
	r.state.NextRotationAt = &next
}

// ForceRotation rotates to the next backend immediately.
func (r *Controller) ForceRotation(ctx context.Context) (model.RotationEntry, error) {
	r.rotateMu.Lock()
	defer r.rotateMu.Unlock()
	return r.rotateLocked(ctx, "forced")
}

// Tick rotates when automatic rotation is enabled and due. It reports
// whether a rotation was attempted.
func (r *Controller) Tick(ctx context.Context) (bool, model.RotationEntry, error) {
	r.rotateMu.Lock()
	defer r.rotateMu.Unlock()

	r.mu.RLock()
	due := r.state.Due(r.clock.Now())
	r.mu.RUnlock()
	if !due {
		return false, model.RotationEntry{}, nil
	}
	entry, err := r.rotateLocked(ctx, "scheduled")
	return true, entry, err
}

// Run calls Tick every interval until ctx is cancelled.
func (r *Controller) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := r.Tick(ctx); err != nil {
				r.logger.Warn("scheduled rotation failed", "error", err)
			}
			if err := r.Flush(ctx); err != nil {
				r.logger.Warn("failed to persist backend counters", "error", err)
			}
		}
	}
}

// Next returns the backend a rotation would activate: the first entry after
// the active one in ring order that is not retired.
func (r *Controller) Next() (model.Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.backends)
	start := indexOf(r.backends, r.state.ActiveBackendID)
	for step := 1; step < n; step++ {
		b := r.backends[(start+step+n)%n]
		if !b.Retired && b.ID != r.state.ActiveBackendID {
			return b, true
		}
	}
	return model.Backend{}, false
}

// rotateLocked replicates the active backend onto the next one, when
// configured, and activates it. Callers hold rotateMu.
func (r *Controller) rotateLocked(ctx context.Context, reason string) (model.RotationEntry, error) {
	next, ok := r.Next()
	if !ok {
		return model.RotationEntry{}, model.Errorf(model.CodeInvalidArgument, "no backend to rotate to")
	}

	var syncResult *model.ReplicationResult
	if r.replicateOnRotate {
		res, err := r.replicate(ctx, r.Active(), next)
		if err != nil {
			r.logger.Warn("replication before rotation failed", "to", next.ID, "error", err)
			res.Collections = append(res.Collections, model.CollectionCopy{Name: "*", Error: err.Error()})
		}
		syncResult = &res
	}
	return r.activateLocked(ctx, next.ID, reason, syncResult)
}
