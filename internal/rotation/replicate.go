package rotation

import (
	"context"

	"github.com/roach88/ferry/internal/model"
	"github.com/roach88/ferry/internal/remote"
)

// Replicate copies every schema collection from src to dst so that the
// target ends up equal to the source. Collections are copied independently;
// a failure in one is recorded in its CollectionCopy and the rest continue.
// Equal ids fail with InvalidReplicationPair before any I/O.
func (r *Controller) Replicate(ctx context.Context, src, dst string) (model.ReplicationResult, error) {
	if src == dst {
		return model.ReplicationResult{}, model.Errorf(model.CodeInvalidReplicationPair,
			"cannot replicate backend %s onto itself", src)
	}
	from, err := r.Backend(src)
	if err != nil {
		return model.ReplicationResult{}, err
	}
	to, err := r.Backend(dst)
	if err != nil {
		return model.ReplicationResult{}, err
	}
	return r.replicate(ctx, from, to)
}

func (r *Controller) replicate(ctx context.Context, from, to model.Backend) (model.ReplicationResult, error) {
	res := model.ReplicationResult{
		From:        from.ID,
		To:          to.ID,
		StartedAt:   r.clock.Now(),
		Collections: make([]model.CollectionCopy, 0),
	}

	source, err := r.pool.Get(ctx, from.Descriptor)
	if err != nil {
		return res, err
	}
	target, err := r.pool.Get(ctx, to.Descriptor)
	if err != nil {
		return res, err
	}

	r.logger.Info("replication starting", "from", from.ID, "to", to.ID)
	for _, name := range r.store.Schema().Names() {
		c := r.copyCollection(ctx, name, from.ID, source, to.ID, target)
		if c.Error != "" {
			r.logger.Warn("collection replication failed", "collection", name, "error", c.Error)
		}
		r.metrics.Replicated(name, c.Copied)
		res.Collections = append(res.Collections, c)
	}
	res.FinishedAt = r.clock.Now()

	r.logger.Info("replication finished",
		"from", from.ID,
		"to", to.ID,
		"copied", res.Copied(),
		"errors", len(res.Errors()))
	if err := r.Flush(ctx); err != nil {
		r.logger.Warn("failed to persist backend counters", "error", err)
	}
	return res, nil
}

// copyCollection mirrors one collection: every source document is written
// to the target and target documents missing from the source are deleted.
func (r *Controller) copyCollection(ctx context.Context, name, srcID string, source remote.Store, dstID string, target remote.Store) model.CollectionCopy {
	c := model.CollectionCopy{Name: name}

	docs, err := source.List(ctx, name)
	if err != nil {
		c.Error = err.Error()
		return c
	}
	r.RecordOperation(srcID, model.OpRead)

	existing, err := target.List(ctx, name)
	if err != nil {
		c.Error = err.Error()
		return c
	}
	r.RecordOperation(dstID, model.OpRead)

	keep := make(map[string]bool, len(docs))
	for _, d := range docs {
		keep[d.ID] = true
		if err := target.Set(ctx, name, d.ID, d.Fields); err != nil {
			c.Error = err.Error()
			return c
		}
		r.RecordOperation(dstID, model.OpWrite)
		c.Copied++
	}
	for _, d := range existing {
		if keep[d.ID] {
			continue
		}
		if err := target.Delete(ctx, name, d.ID); err != nil {
			c.Error = err.Error()
			return c
		}
		r.RecordOperation(dstID, model.OpWrite)
		c.Deleted++
	}
	return c
}
