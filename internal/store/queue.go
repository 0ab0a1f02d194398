package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/roach88/ferry/internal/model"
)

// DefaultRetention is how long synced operations are kept for audit.
const DefaultRetention = 7 * 24 * time.Hour

const opColumns = `seq, id, kind, collection, doc_id, payload, enqueued_at, state, retry_count, last_error, synced_at`

// Enqueue appends one operation to the queue and returns its id.
//
// ID and EnqueuedAt are assigned when empty; State always starts pending.
// Operations are never coalesced: two writes to the same document are two
// entries.
func (s *Store) Enqueue(ctx context.Context, op model.SyncOperation) (string, error) {
	op, payload, err := s.prepareOp(op)
	if err != nil {
		return "", err
	}
	if err := insertOp(ctx, s.db, op, payload); err != nil {
		return "", err
	}
	return op.ID, nil
}

// prepareOp fills in a new operation and encodes its payload.
func (s *Store) prepareOp(op model.SyncOperation) (model.SyncOperation, []byte, error) {
	if op.ID == "" {
		op.ID = s.ids.Generate()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = s.now()
	}
	op.State = model.StatePending
	op.RetryCount = 0
	op.LastError = ""
	op.SyncedAt = nil

	if err := op.Validate(); err != nil {
		return model.SyncOperation{}, nil, err
	}

	var payload []byte
	if op.Payload != nil {
		var err error
		payload, err = marshalFields(op.Payload)
		if err != nil {
			return model.SyncOperation{}, nil, err
		}
	}
	return op, payload, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertOp(ctx context.Context, db execer, op model.SyncOperation, payload []byte) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_ops (id, kind, collection, doc_id, payload, enqueued_at, state)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, op.ID, string(op.Kind), op.Collection, op.DocID, payload, toNanos(op.EnqueuedAt), string(op.State))
	if err != nil {
		return unavailable(err, "enqueue %s %s/%s", op.Kind, op.Collection, op.DocID)
	}
	return nil
}

// unsyncedDocIDs returns the ids of documents in collection that still have
// a pending or retrying operation.
func unsyncedDocIDs(ctx context.Context, tx *sql.Tx, collection string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT doc_id FROM sync_ops
		WHERE collection = ? AND state IN ('pending', 'retrying')
	`, collection)
	if err != nil {
		return nil, unavailable(err, "list unsynced documents of %s", collection)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable(err, "scan unsynced document")
		}
		ids[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err, "iterate unsynced documents")
	}
	return ids, nil
}

// ListPending returns operations still to be applied (pending or retrying)
// ordered by enqueue time, then insertion order.
func (s *Store) ListPending(ctx context.Context) ([]model.SyncOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+opColumns+`
		FROM sync_ops
		WHERE state IN ('pending', 'retrying')
		ORDER BY enqueued_at ASC, seq ASC
	`)
	if err != nil {
		return nil, unavailable(err, "list pending")
	}
	return collectOps(rows)
}

// ListOperations returns queued operations in queue order, optionally
// restricted to the given states.
func (s *Store) ListOperations(ctx context.Context, states ...model.OpState) ([]model.SyncOperation, error) {
	query := `SELECT ` + opColumns + ` FROM sync_ops`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		query += ` WHERE state IN (?` + strings.Repeat(",?", len(states)-1) + `)`
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY enqueued_at ASC, seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(err, "list operations")
	}
	return collectOps(rows)
}

// GetOperation returns one queued operation, or model.ErrNotFound.
func (s *Store) GetOperation(ctx context.Context, id string) (model.SyncOperation, error) {
	return getOp(ctx, s.db, id)
}

// MarkSynced marks an operation as applied remotely.
func (s *Store) MarkSynced(ctx context.Context, id string) (model.SyncOperation, error) {
	return s.transition(ctx, id, "mark synced", func(op model.SyncOperation) model.SyncOperation {
		return op.Succeeded(s.now())
	})
}

// MarkRetryFailed records a failed attempt. The operation becomes
// permanently failed once its retry count reaches the configured maximum.
// Returns the updated operation.
func (s *Store) MarkRetryFailed(ctx context.Context, id string, cause error) (model.SyncOperation, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return s.transition(ctx, id, "mark retry failed", func(op model.SyncOperation) model.SyncOperation {
		return op.Failed(msg, s.maxRetries)
	})
}

// Requeue appends a fresh pending copy of a permanently failed operation.
// The failed entry stays in the queue for audit. The copy keeps the original
// enqueue time so replay order is preserved.
func (s *Store) Requeue(ctx context.Context, id string) (string, error) {
	op, err := s.GetOperation(ctx, id)
	if err != nil {
		return "", err
	}
	if op.State != model.StateFailed {
		return "", model.Errorf(model.CodeInvalidArgument, "operation %s is %s, only failed operations can be requeued", id, op.State)
	}
	op.ID = ""
	return s.Enqueue(ctx, op)
}

// SweepOld deletes synced operations whose SyncedAt is older than retention.
// Returns the number of deleted entries.
func (s *Store) SweepOld(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := s.now().Add(-retention)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_ops
		WHERE state = 'synced' AND synced_at IS NOT NULL AND synced_at < ?
	`, toNanos(cutoff))
	if err != nil {
		return 0, unavailable(err, "sweep synced operations")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable(err, "sweep synced operations")
	}
	return n, nil
}

// QueueStats counts operations per state.
func (s *Store) QueueStats(ctx context.Context) (model.QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM sync_ops GROUP BY state`)
	if err != nil {
		return model.QueueStats{}, unavailable(err, "queue stats")
	}
	defer rows.Close()

	var stats model.QueueStats
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return model.QueueStats{}, unavailable(err, "scan queue stats")
		}
		switch model.OpState(state) {
		case model.StatePending:
			stats.Pending = n
		case model.StateRetrying:
			stats.Retrying = n
		case model.StateSynced:
			stats.Synced = n
		case model.StateFailed:
			stats.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return model.QueueStats{}, unavailable(err, "iterate queue stats")
	}
	return stats, nil
}

// transition applies a state change inside a read-modify-write transaction.
func (s *Store) transition(ctx context.Context, id, what string, next func(model.SyncOperation) model.SyncOperation) (model.SyncOperation, error) {
	var updated model.SyncOperation
	err := s.withTx(ctx, what, func(tx *sql.Tx) error {
		op, err := getOp(ctx, tx, id)
		if err != nil {
			return err
		}
		updated = next(op)

		var syncedAt any
		if updated.SyncedAt != nil {
			syncedAt = toNanos(*updated.SyncedAt)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE sync_ops
			SET state = ?, retry_count = ?, last_error = ?, synced_at = ?
			WHERE id = ?
		`, string(updated.State), updated.RetryCount, updated.LastError, syncedAt, id)
		if err != nil {
			return unavailable(err, "%s %s", what, id)
		}
		return nil
	})
	if err != nil {
		return model.SyncOperation{}, err
	}
	return updated, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getOp(ctx context.Context, q queryRower, id string) (model.SyncOperation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+opColumns+` FROM sync_ops WHERE id = ?`, id)
	op, err := scanOp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SyncOperation{}, model.Errorf(model.CodeNotFound, "operation %s not found", id)
	}
	return op, err
}

func scanOp(row rowScanner) (model.SyncOperation, error) {
	var (
		op         model.SyncOperation
		kind       string
		state      string
		payload    []byte
		enqueuedAt int64
		syncedAt   sql.NullInt64
	)
	err := row.Scan(&op.Seq, &op.ID, &kind, &op.Collection, &op.DocID, &payload,
		&enqueuedAt, &state, &op.RetryCount, &op.LastError, &syncedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SyncOperation{}, err
		}
		return model.SyncOperation{}, unavailable(err, "scan operation")
	}

	op.Kind = model.OpKind(kind)
	op.State = model.OpState(state)
	op.EnqueuedAt = fromNanos(enqueuedAt)
	if syncedAt.Valid {
		t := fromNanos(syncedAt.Int64)
		op.SyncedAt = &t
	}
	if payload != nil {
		fields, err := unmarshalFields(payload)
		if err != nil {
			return model.SyncOperation{}, unavailable(err, "decode operation %s", op.ID)
		}
		op.Payload = fields
	}
	return op, nil
}

func collectOps(rows *sql.Rows) ([]model.SyncOperation, error) {
	defer rows.Close()

	ops := make([]model.SyncOperation, 0)
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err, "iterate operations")
	}
	return ops, nil
}
