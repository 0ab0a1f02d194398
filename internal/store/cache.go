package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/roach88/ferry/internal/model"
	"github.com/roach88/ferry/internal/schema"
)

// CollectionInfo is the metadata kept per cached collection.
type CollectionInfo struct {
	Name         string    `json:"name"`
	LastSyncedAt time.Time `json:"last_synced_at"`
	RecordCount  int       `json:"record_count"`
}

// ReplaceCollection atomically clears a collection and inserts records.
// Readers see either the previous snapshot or the new one, never a mix.
// Records whose Collection is empty are assigned to name; a record naming a
// different collection is rejected.
func (s *Store) ReplaceCollection(ctx context.Context, name string, records []model.Record) error {
	coll, err := s.collection(name)
	if err != nil {
		return err
	}

	now := s.now()
	return s.withTx(ctx, "replace collection "+name, func(tx *sql.Tx) error {
		// record_index rows cascade.
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ?`, name); err != nil {
			return unavailable(err, "clear collection %s", name)
		}
		for _, rec := range records {
			if rec.Collection == "" {
				rec.Collection = name
			}
			if rec.Collection != name {
				return model.Errorf(model.CodeInvalidArgument, "record %s/%s in replacement of %s", rec.Collection, rec.ID, name)
			}
			if rec.LastWriteAt.IsZero() {
				rec.LastWriteAt = now
			}
			if err := putRecord(ctx, tx, coll, rec); err != nil {
				return err
			}
		}
		return touchMeta(ctx, tx, name, now)
	})
}

// RefreshCollection replaces a collection with a fresh remote snapshot while
// keeping every document that still has an unsynced queue entry exactly as
// it is cached. Like ReplaceCollection it runs in one transaction. It
// returns how many records were taken from the snapshot.
func (s *Store) RefreshCollection(ctx context.Context, name string, records []model.Record) (int, error) {
	coll, err := s.collection(name)
	if err != nil {
		return 0, err
	}

	now := s.now()
	saved := 0
	err = s.withTx(ctx, "refresh collection "+name, func(tx *sql.Tx) error {
		keep, err := unsyncedDocIDs(ctx, tx, name)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM records
			WHERE collection = ? AND id NOT IN (
				SELECT doc_id FROM sync_ops
				WHERE collection = ? AND state IN ('pending', 'retrying')
			)
		`, name, name); err != nil {
			return unavailable(err, "clear collection %s", name)
		}
		for _, rec := range records {
			if rec.Collection == "" {
				rec.Collection = name
			}
			if rec.Collection != name {
				return model.Errorf(model.CodeInvalidArgument, "record %s/%s in refresh of %s", rec.Collection, rec.ID, name)
			}
			if keep[rec.ID] {
				continue
			}
			if rec.LastWriteAt.IsZero() {
				rec.LastWriteAt = now
			}
			if err := putRecord(ctx, tx, coll, rec); err != nil {
				return err
			}
			saved++
		}
		if len(keep) > 0 {
			s.logger.Debug("kept unsynced records", "collection", name, "count", len(keep))
		}
		return touchMeta(ctx, tx, name, now)
	})
	if err != nil {
		return 0, err
	}
	return saved, nil
}

// PutWithOp upserts rec and appends op to the queue in one transaction, so
// a cached local write never exists without its queue entry. Returns the
// operation id.
func (s *Store) PutWithOp(ctx context.Context, rec model.Record, op model.SyncOperation) (string, error) {
	coll, err := s.collection(rec.Collection)
	if err != nil {
		return "", err
	}
	op, payload, err := s.prepareOp(op)
	if err != nil {
		return "", err
	}
	now := s.now()
	if rec.LastWriteAt.IsZero() {
		rec.LastWriteAt = now
	}
	err = s.withTx(ctx, "put "+rec.Collection, func(tx *sql.Tx) error {
		if err := putRecord(ctx, tx, coll, rec); err != nil {
			return err
		}
		if err := touchMeta(ctx, tx, rec.Collection, now); err != nil {
			return err
		}
		return insertOp(ctx, tx, op, payload)
	})
	if err != nil {
		return "", err
	}
	return op.ID, nil
}

// DeleteWithOp removes one record and appends op to the queue in one
// transaction. Returns the operation id.
func (s *Store) DeleteWithOp(ctx context.Context, collection, id string, op model.SyncOperation) (string, error) {
	if _, err := s.collection(collection); err != nil {
		return "", err
	}
	op, payload, err := s.prepareOp(op)
	if err != nil {
		return "", err
	}
	now := s.now()
	err = s.withTx(ctx, "delete "+collection, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, collection, id); err != nil {
			return unavailable(err, "delete %s/%s", collection, id)
		}
		if err := touchMeta(ctx, tx, collection, now); err != nil {
			return err
		}
		return insertOp(ctx, tx, op, payload)
	})
	if err != nil {
		return "", err
	}
	return op.ID, nil
}

// Put upserts one record, replacing its fields wholesale.
func (s *Store) Put(ctx context.Context, rec model.Record) error {
	coll, err := s.collection(rec.Collection)
	if err != nil {
		return err
	}
	now := s.now()
	if rec.LastWriteAt.IsZero() {
		rec.LastWriteAt = now
	}
	return s.withTx(ctx, "put "+rec.Collection, func(tx *sql.Tx) error {
		if err := putRecord(ctx, tx, coll, rec); err != nil {
			return err
		}
		return touchMeta(ctx, tx, rec.Collection, now)
	})
}

// Delete removes one record. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if _, err := s.collection(collection); err != nil {
		return err
	}
	now := s.now()
	return s.withTx(ctx, "delete "+collection, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, collection, id); err != nil {
			return unavailable(err, "delete %s/%s", collection, id)
		}
		return touchMeta(ctx, tx, collection, now)
	})
}

// Get returns one record, or model.ErrNotFound.
func (s *Store) Get(ctx context.Context, collection, id string) (model.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT collection, id, fields, last_write_at
		FROM records
		WHERE collection = ? AND id = ?
	`, collection, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Record{}, model.Errorf(model.CodeNotFound, "record %s/%s not found", collection, id)
	}
	if err != nil {
		return model.Record{}, err
	}
	return rec, nil
}

// GetAll returns every record of a collection ordered by id.
// Returns an empty slice (not nil) for an empty collection.
func (s *Store) GetAll(ctx context.Context, collection string) ([]model.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT collection, id, fields, last_write_at
		FROM records
		WHERE collection = ?
		ORDER BY id COLLATE BINARY ASC
	`, collection)
	if err != nil {
		return nil, unavailable(err, "query %s", collection)
	}
	return collectRecords(rows, collection)
}

// GetByIndex returns records whose declared index field equals value,
// ordered by id. Undeclared fields fail with model.ErrInvalidArgument.
func (s *Store) GetByIndex(ctx context.Context, collection, field string, value any) ([]model.Record, error) {
	coll, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	if !coll.HasIndex(field) {
		return nil, model.Errorf(model.CodeInvalidArgument, "%s has no index on %q", collection, field)
	}
	key, ok := model.IndexKey(value)
	if !ok {
		return nil, model.Errorf(model.CodeInvalidArgument, "value of type %T is not indexable", value)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.collection, r.id, r.fields, r.last_write_at
		FROM record_index i
		JOIN records r ON r.collection = i.collection AND r.id = i.id
		WHERE i.collection = ? AND i.field = ? AND i.value = ?
		ORDER BY r.id COLLATE BINARY ASC
	`, collection, field, key)
	if err != nil {
		return nil, unavailable(err, "query %s by %s", collection, field)
	}
	return collectRecords(rows, collection)
}

// LastSyncedAt returns the time of the last successful write to a
// collection. ok is false when the collection was never written.
func (s *Store) LastSyncedAt(ctx context.Context, collection string) (t time.Time, ok bool, err error) {
	var n int64
	err = s.db.QueryRowContext(ctx,
		`SELECT last_synced_at FROM collection_meta WHERE collection = ?`, collection,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, unavailable(err, "read meta %s", collection)
	}
	return fromNanos(n), true, nil
}

// Collections returns metadata for every collection written so far,
// ordered by name.
func (s *Store) Collections(ctx context.Context) ([]CollectionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT collection, last_synced_at, record_count
		FROM collection_meta
		ORDER BY collection COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, unavailable(err, "query collection meta")
	}
	defer rows.Close()

	infos := make([]CollectionInfo, 0)
	for rows.Next() {
		var info CollectionInfo
		var at int64
		if err := rows.Scan(&info.Name, &at, &info.RecordCount); err != nil {
			return nil, unavailable(err, "scan collection meta")
		}
		info.LastSyncedAt = fromNanos(at)
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err, "iterate collection meta")
	}
	return infos, nil
}

// Clear drops every cached record and all collection metadata.
// The mutation queue and state blobs are untouched.
func (s *Store) Clear(ctx context.Context) error {
	return s.withTx(ctx, "clear cache", func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM record_index`,
			`DELETE FROM records`,
			`DELETE FROM collection_meta`,
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return unavailable(err, "clear cache")
			}
		}
		return nil
	})
}

func (s *Store) collection(name string) (schema.Collection, error) {
	coll, ok := s.schema.Lookup(name)
	if !ok {
		return schema.Collection{}, model.Errorf(model.CodeInvalidArgument, "unknown collection %q", name)
	}
	return coll, nil
}

// putRecord upserts a record and rewrites its index entries.
func putRecord(ctx context.Context, tx *sql.Tx, coll schema.Collection, rec model.Record) error {
	if rec.ID == "" {
		return model.Errorf(model.CodeInvalidArgument, "record in %s has no id", coll.Name)
	}
	fields, err := model.NormalizeFields(rec.Fields)
	if err != nil {
		return model.Wrap(model.CodeInvalidArgument, err, "record %s/%s", coll.Name, rec.ID)
	}
	blob, err := marshalFields(fields)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (collection, id, fields, last_write_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			fields = excluded.fields,
			last_write_at = excluded.last_write_at
	`, coll.Name, rec.ID, blob, toNanos(rec.LastWriteAt))
	if err != nil {
		return unavailable(err, "write %s/%s", coll.Name, rec.ID)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM record_index WHERE collection = ? AND id = ?`, coll.Name, rec.ID,
	); err != nil {
		return unavailable(err, "clear index %s/%s", coll.Name, rec.ID)
	}
	for _, field := range coll.Indexes {
		key, ok := model.IndexKey(fields[field])
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO record_index (collection, field, value, id)
			VALUES (?, ?, ?, ?)
		`, coll.Name, field, key, rec.ID); err != nil {
			return unavailable(err, "index %s/%s.%s", coll.Name, rec.ID, field)
		}
	}
	return nil
}

// touchMeta records a successful write and refreshes the record count.
func touchMeta(ctx context.Context, tx *sql.Tx, collection string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO collection_meta (collection, last_synced_at, record_count)
		VALUES (?, ?, (SELECT COUNT(*) FROM records WHERE collection = ?))
		ON CONFLICT(collection) DO UPDATE SET
			last_synced_at = excluded.last_synced_at,
			record_count = excluded.record_count
	`, collection, toNanos(at), collection)
	if err != nil {
		return unavailable(err, "update meta %s", collection)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (model.Record, error) {
	var rec model.Record
	var blob []byte
	var at int64
	if err := row.Scan(&rec.Collection, &rec.ID, &blob, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Record{}, err
		}
		return model.Record{}, unavailable(err, "scan record")
	}
	fields, err := unmarshalFields(blob)
	if err != nil {
		return model.Record{}, unavailable(err, "decode %s/%s", rec.Collection, rec.ID)
	}
	rec.Fields = fields
	rec.LastWriteAt = fromNanos(at)
	return rec, nil
}

func collectRecords(rows *sql.Rows, collection string) ([]model.Record, error) {
	defer rows.Close()

	records := make([]model.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err, "iterate %s", collection)
	}
	return records, nil
}
