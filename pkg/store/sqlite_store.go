package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-environ"
	"github.com/goliatone/go-environ/pkg/activity"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// MigrationsTable records the applied schema version.
const MigrationsTable = "environ_store_migrations"

// OpenSQLite opens the database at path with the settings SQLiteStore
// expects.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite
	db.SetConnMaxLifetime(0)
	return db, nil
}

// Migrate applies the embedded schema migrations to db. Running it on an
// up-to-date database is a no-op.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("store: load migrations: %w", err)
	}
	defer src.Close()

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	// Migrate.Close would close db too, so only the source is released.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("store: migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// SQLiteStore persists one collection of JSON-encoded values in SQLite.
// Several stores may share a database as long as their collections differ.
type SQLiteStore[T any] struct {
	cfg    config
	db     *sql.DB
	ownsDB bool

	mu     sync.RWMutex
	hub    hub[T]
	closed bool
}

// NewSQLiteStore migrates db and returns a store over cfg's collection. The
// caller keeps ownership of db.
func NewSQLiteStore[T any](db *sql.DB, opts ...Option) (*SQLiteStore[T], error) {
	if db == nil {
		return nil, fmt.Errorf("store: sqlite store requires a database")
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return &SQLiteStore[T]{cfg: newConfig(opts), db: db}, nil
}

// OpenSQLiteStore opens path, migrates it and returns a store that closes the
// database on Close.
func OpenSQLiteStore[T any](path string, opts ...Option) (*SQLiteStore[T], error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteStore[T](db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// Insert stores value under a new id.
func (s *SQLiteStore[T]) Insert(ctx context.Context, value T) (Record[T], error) {
	ctx = orBackground(ctx)
	if err := ctxErr(ctx); err != nil {
		return Record[T]{}, err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return Record[T]{}, fmt.Errorf("store: encode value: %w", err)
	}
	now := s.cfg.clock()
	id := s.cfg.newID()
	etag := uuid.NewString()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Record[T]{}, ErrClosed
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (collection, id, value, etag, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		s.cfg.collection, id, string(encoded), etag, now.UnixNano(), now.UnixNano())
	if err != nil {
		s.mu.Unlock()
		return Record[T]{}, fmt.Errorf("store: insert %s: %w", id, err)
	}
	s.publishLocked(ctx)
	s.mu.Unlock()

	out, err := decodeRecord[T](id, encoded, etag, now.UnixNano(), now.UnixNano())
	if err != nil {
		return Record[T]{}, err
	}
	s.cfg.emit(ctx, activity.VerbRecordInserted, id, etag, now)
	return out, nil
}

// Get returns the record stored under id.
func (s *SQLiteStore[T]) Get(ctx context.Context, id string) (Record[T], error) {
	ctx = orBackground(ctx)
	if err := ctxErr(ctx); err != nil {
		return Record[T]{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Record[T]{}, ErrClosed
	}
	return s.get(ctx, s.db, id)
}

// Save replaces the value under id. A non-empty expectedETag must match the
// stored ETag.
func (s *SQLiteStore[T]) Save(ctx context.Context, id string, value T, expectedETag string) (Record[T], error) {
	return s.Mutate(ctx, id, expectedETag, func(current *T) error {
		*current = value
		return nil
	})
}

// Mutate loads the value under id, applies fn and stores the result in one
// transaction. A failing fn leaves the record untouched.
func (s *SQLiteStore[T]) Mutate(ctx context.Context, id, expectedETag string, fn Mutator[T]) (Record[T], error) {
	ctx = orBackground(ctx)
	if err := ctxErr(ctx); err != nil {
		return Record[T]{}, err
	}
	if fn == nil {
		return Record[T]{}, fmt.Errorf("store: mutator is required")
	}
	now := s.cfg.clock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Record[T]{}, ErrClosed
	}
	var out Record[T]
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		current, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if expectedETag != "" && expectedETag != current.Meta.ETag {
			return fmt.Errorf("%w: expected %q, got %q", ErrETagMismatch, expectedETag, current.Meta.ETag)
		}
		value := current.Value
		if err := fn(&value); err != nil {
			return fmt.Errorf("store: mutate %s: %w", id, err)
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("store: encode value: %w", err)
		}
		etag := uuid.NewString()
		if _, err := tx.ExecContext(ctx,
			`UPDATE records SET value = ?, etag = ?, updated_at = ? WHERE collection = ? AND id = ?`,
			string(encoded), etag, now.UnixNano(), s.cfg.collection, id); err != nil {
			return fmt.Errorf("store: update %s: %w", id, err)
		}
		out, err = decodeRecord[T](id, encoded, etag, current.Meta.CreatedAt.UnixNano(), now.UnixNano())
		return err
	})
	if err != nil {
		s.mu.Unlock()
		return Record[T]{}, err
	}
	s.publishLocked(ctx)
	s.mu.Unlock()

	s.cfg.emit(ctx, activity.VerbRecordSaved, id, out.Meta.ETag, now)
	return out, nil
}

// Delete removes the record under id.
func (s *SQLiteStore[T]) Delete(ctx context.Context, id string) error {
	ctx = orBackground(ctx)
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, s.cfg.collection, id)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.publishLocked(ctx)
	s.mu.Unlock()

	s.cfg.emit(ctx, activity.VerbRecordDeleted, id, "", s.cfg.clock())
	return nil
}

// Query runs q against the collection. Filtering and ordering happen in
// process.
func (s *SQLiteStore[T]) Query(ctx context.Context, q Query[T]) ([]Record[T], error) {
	ctx = orBackground(ctx)
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	records, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	return q.apply(records), nil
}

// Watch delivers the result of q now and after every write made through this
// store until ctx ends or the store closes.
func (s *SQLiteStore[T]) Watch(ctx context.Context, q Query[T]) (<-chan []Record[T], error) {
	ctx = orBackground(ctx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	records, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	return s.hub.watch(ctx, q, records)
}

// Len reports the number of records in the collection.
func (s *SQLiteStore[T]) Len(ctx context.Context) (int, error) {
	ctx = orBackground(ctx)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE collection = ?`, s.cfg.collection).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}

// Close ends every watch, rejects later operations and closes the database
// when the store opened it.
func (s *SQLiteStore[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.hub.close()
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore[T]) get(ctx context.Context, q queryer, id string) (Record[T], error) {
	var (
		value, etag      string
		created, updated int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT value, etag, created_at, updated_at FROM records WHERE collection = ? AND id = ?`,
		s.cfg.collection, id).Scan(&value, &etag, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Record[T]{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record[T]{}, fmt.Errorf("store: get %s: %w", id, err)
	}
	return decodeRecord[T](id, []byte(value), etag, created, updated)
}

func (s *SQLiteStore[T]) all(ctx context.Context) ([]Record[T], error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, value, etag, created_at, updated_at FROM records WHERE collection = ? ORDER BY seq`,
		s.cfg.collection)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()

	var records []Record[T]
	for rows.Next() {
		var (
			id, value, etag  string
			created, updated int64
		)
		if err := rows.Scan(&id, &value, &etag, &created, &updated); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		record, err := decodeRecord[T](id, []byte(value), etag, created, updated)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	return records, nil
}

// publishLocked reloads the collection for watchers. It runs under the write
// lock after commit, so a caller cancelling ctx does not starve watchers.
func (s *SQLiteStore[T]) publishLocked(ctx context.Context) {
	if !s.hub.active() {
		return
	}
	records, err := s.all(context.WithoutCancel(ctx))
	if err != nil {
		s.cfg.logger.Log(environ.LogEvent{Op: "watch", Scope: s.cfg.collection, Err: err})
		return
	}
	s.hub.publish(records)
}

func decodeRecord[T any](id string, value []byte, etag string, created, updated int64) (Record[T], error) {
	var decoded T
	if err := json.Unmarshal(value, &decoded); err != nil {
		return Record[T]{}, fmt.Errorf("store: decode %s: %w", id, err)
	}
	return Record[T]{
		ID:    id,
		Value: decoded,
		Meta:  Meta{ETag: etag, CreatedAt: time.Unix(0, created), UpdatedAt: time.Unix(0, updated)},
	}, nil
}

// withTx runs fn in a transaction.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
