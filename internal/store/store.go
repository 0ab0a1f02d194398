package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/ferry/internal/clock"
	"github.com/roach88/ferry/internal/model"
	"github.com/roach88/ferry/internal/schema"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial schema
// 2 - Added queue drain index on sync_ops(state, enqueued_at, seq)
const currentSchemaVersion = 2

// Store is the local database: cache, mutation queue and state blobs.
type Store struct {
	db         *sql.DB
	schema     *schema.Schema
	clock      clock.Clock
	ids        model.IDGenerator
	logger     *slog.Logger
	maxRetries int
}

// Option configures a Store.
type Option func(*Store)

// WithSchema sets the collection schema used for secondary indexes.
// Defaults to schema.Default().
func WithSchema(s *schema.Schema) Option {
	return func(st *Store) { st.schema = s }
}

// WithClock sets the wall clock. Defaults to the system clock.
func WithClock(c clock.Clock) Option {
	return func(st *Store) { st.clock = c }
}

// WithIDGenerator sets the queue id generator. Defaults to UUIDv7.
func WithIDGenerator(g model.IDGenerator) Option {
	return func(st *Store) { st.ids = g }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(st *Store) { st.logger = l }
}

// WithMaxRetries sets the failure count at which queued operations become
// permanently failed. Defaults to model.DefaultMaxRetries.
func WithMaxRetries(n int) Option {
	return func(st *Store) { st.maxRetries = n }
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		clock:      clock.System{},
		ids:        model.UUIDv7Generator{},
		logger:     slog.Default(),
		maxRetries: model.DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.schema == nil {
		s.schema = schema.Default()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, unavailable(err, "open database")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, unavailable(err, "connect to database")
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, unavailable(err, "apply pragmas")
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, unavailable(err, "apply schema")
	}

	s.db = db
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Schema returns the collection schema the store indexes by.
func (s *Store) Schema() *schema.Schema {
	return s.schema
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable(err, "ping")
	}
	return nil
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

// unavailable wraps a database error as StorageUnavailable.
func unavailable(err error, format string, args ...any) error {
	return model.Wrap(model.CodeStorageUnavailable, err, format, args...)
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 2 {
		if err := migrateToV2(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV2 adds the index ListPending scans.
func migrateToV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_sync_ops_drain
		ON sync_ops(state, enqueued_at, seq)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

// withTx runs fn in a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err, "%s: begin", op)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err, "%s: commit", op)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
