package store

import (
	"context"
	"database/sql"
	"errors"
	"maps"
	"slices"

	"github.com/goccy/go-json"

	"github.com/roach88/ferry/internal/model"
)

// State keys. Each is stored and loaded independently so one corrupt value
// does not block the others.
const (
	KeySyncStatus       = "sync_status"
	KeyLastAutoSync     = "last_auto_sync"
	KeyLastSyncSummary  = "last_sync_summary"
	KeyLastDrainSummary = "last_drain_summary"
	KeyBackendRegistry  = "backend_registry"
	KeyRotationState    = "rotation_state"
)

// PutState stores v as JSON under key.
func (s *Store) PutState(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return model.Wrap(model.CodeInvalidArgument, err, "encode state %s", key)
	}
	return s.PutStateRaw(ctx, key, data)
}

// PutStateRaw stores raw bytes under key.
func (s *Store) PutStateRaw(ctx context.Context, key string, data []byte) error {
	return putStateRaw(ctx, s.db, key, data, toNanos(s.now()))
}

func putStateRaw(ctx context.Context, db execer, key string, data []byte, at int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, data, at)
	if err != nil {
		return unavailable(err, "write state %s", key)
	}
	return nil
}

// PutStates stores several JSON values in one transaction.
func (s *Store) PutStates(ctx context.Context, values map[string]any) error {
	encoded := make(map[string][]byte, len(values))
	for key, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return model.Wrap(model.CodeInvalidArgument, err, "encode state %s", key)
		}
		encoded[key] = data
	}
	now := toNanos(s.now())
	return s.withTx(ctx, "write state", func(tx *sql.Tx) error {
		for _, key := range slices.Sorted(maps.Keys(encoded)) {
			if err := putStateRaw(ctx, tx, key, encoded[key], now); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetState loads the JSON value under key into dst.
//
// ok is false when the key is missing or its value cannot be decoded; a
// corrupt value is logged and treated as absent. Only database failures
// return an error.
func (s *Store) GetState(ctx context.Context, key string, dst any) (ok bool, err error) {
	var data []byte
	err = s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, unavailable(err, "read state %s", key)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		s.logger.Warn("ignoring corrupt state", "key", key, "error", err)
		return false, nil
	}
	return true, nil
}

// DeleteState removes key. Missing keys are ignored.
func (s *Store) DeleteState(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return unavailable(err, "delete state %s", key)
	}
	return nil
}

// StateKeys returns every stored key in order.
func (s *Store) StateKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv ORDER BY key COLLATE BINARY ASC`)
	if err != nil {
		return nil, unavailable(err, "list state keys")
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, unavailable(err, "scan state key")
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err, "iterate state keys")
	}
	return keys, nil
}
