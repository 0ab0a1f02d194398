package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/ferry/internal/model"
	"github.com/roach88/ferry/internal/store"
)

// Writer is the local write path. Each call updates the cached record and
// appends exactly one operation to the mutation queue in the same
// transaction; nothing is sent to the remote store until the next drain.
type Writer struct {
	store    *store.Store
	ids      model.IDGenerator
	logger   *slog.Logger
	onQueued func(model.SyncOperation)
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithDocumentIDs sets the generator used when Add is called without an id.
func WithDocumentIDs(g model.IDGenerator) WriterOption {
	return func(w *Writer) { w.ids = g }
}

// WithWriterLogger sets the logger.
func WithWriterLogger(l *slog.Logger) WriterOption {
	return func(w *Writer) { w.logger = l }
}

// WithOnQueued sets a callback run after each committed write. It must not
// block.
func WithOnQueued(fn func(model.SyncOperation)) WriterOption {
	return func(w *Writer) { w.onQueued = fn }
}

// NewWriter creates a write path over s.
func NewWriter(s *store.Store, opts ...WriterOption) *Writer {
	w := &Writer{
		store:  s,
		ids:    model.UUIDv7Generator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Add creates a document. An empty id is generated.
func (w *Writer) Add(ctx context.Context, collection, id string, fields model.Fields) (model.SyncOperation, error) {
	if id == "" {
		id = w.ids.Generate()
	}
	normalized, err := w.prepare(collection, id, fields)
	if err != nil {
		return model.SyncOperation{}, err
	}

	rec := model.Record{Collection: collection, ID: id, Fields: normalized}
	opID, err := w.store.PutWithOp(ctx, rec, newOp(model.OpAdd, collection, id, normalized))
	if err != nil {
		return model.SyncOperation{}, fmt.Errorf("add %s/%s: %w", collection, id, err)
	}
	return w.queued(ctx, opID)
}

// Update merges patch into a document. The cached record is rewritten with
// the merged fields; the queue carries only the patch, which the backend
// merges on its side.
func (w *Writer) Update(ctx context.Context, collection, id string, patch model.Fields) (model.SyncOperation, error) {
	normalized, err := w.prepare(collection, id, patch)
	if err != nil {
		return model.SyncOperation{}, err
	}

	merged := normalized
	cached, err := w.store.Get(ctx, collection, id)
	switch {
	case err == nil:
		merged = cached.Fields.Merge(normalized)
	case !errors.Is(err, model.ErrNotFound):
		return model.SyncOperation{}, fmt.Errorf("update %s/%s: %w", collection, id, err)
	}

	rec := model.Record{Collection: collection, ID: id, Fields: merged}
	opID, err := w.store.PutWithOp(ctx, rec, newOp(model.OpUpdate, collection, id, normalized))
	if err != nil {
		return model.SyncOperation{}, fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	return w.queued(ctx, opID)
}

// Delete removes a document.
func (w *Writer) Delete(ctx context.Context, collection, id string) (model.SyncOperation, error) {
	if err := w.checkTarget(collection, id); err != nil {
		return model.SyncOperation{}, err
	}
	opID, err := w.store.DeleteWithOp(ctx, collection, id, newOp(model.OpDelete, collection, id, nil))
	if err != nil {
		return model.SyncOperation{}, fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return w.queued(ctx, opID)
}

func (w *Writer) prepare(collection, id string, fields model.Fields) (model.Fields, error) {
	if err := w.checkTarget(collection, id); err != nil {
		return nil, err
	}
	normalized, err := model.NormalizeFields(fields)
	if err != nil {
		return nil, model.Wrap(model.CodeInvalidArgument, err, "document %s/%s", collection, id)
	}
	return normalized, nil
}

func (w *Writer) checkTarget(collection, id string) error {
	if _, ok := w.store.Schema().Lookup(collection); !ok {
		return model.Errorf(model.CodeInvalidArgument, "unknown collection %q", collection)
	}
	if id == "" {
		return model.Errorf(model.CodeInvalidArgument, "document id is required")
	}
	return nil
}

func newOp(kind model.OpKind, collection, id string, payload model.Fields) model.SyncOperation {
	return model.SyncOperation{
		Kind:       kind,
		Collection: collection,
		DocID:      id,
		Payload:    payload,
	}
}

func (w *Writer) queued(ctx context.Context, opID string) (model.SyncOperation, error) {
	op, err := w.store.GetOperation(ctx, opID)
	if err != nil {
		return model.SyncOperation{}, err
	}
	w.logger.Debug("mutation queued", "op", op.ID, "kind", op.Kind, "collection", op.Collection, "doc", op.DocID)
	if w.onQueued != nil {
		w.onQueued(op)
	}
	return op, nil
}
