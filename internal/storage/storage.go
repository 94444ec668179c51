package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"
)

// Options configures Open.
type Options struct {
	Path         string
	MaxOpenConns int
	BusyTimeout  time.Duration
}

// DB is the connection pool shared by every repository. Reads go straight
// to the pool; writes check out the single writer slot for the length of
// one short transaction.
type DB struct {
	db     *sql.DB
	writer chan struct{}
	path   string
}

// Open opens (creating if needed) the database at opts.Path in WAL mode and
// applies pending migrations.
func Open(ctx context.Context, opts Options) (*DB, error) {
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 4
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	db, err := sql.Open("sqlite", dsn(opts))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &DB{db: db, writer: make(chan struct{}, 1), path: opts.Path}
	if _, _, err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func dsn(opts Options) string {
	q := url.Values{}
	q.Set("_time_format", "sqlite")
	q.Set("_txlock", "immediate")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", opts.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + opts.Path + "?" + q.Encode()
}

// Close closes the database connection
func (s *DB) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *DB) Path() string { return s.path }

// Ping checks that the database is reachable.
func (s *DB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WriteTx runs fn inside an IMMEDIATE transaction while holding the writer
// slot. The transaction commits when fn returns nil and rolls back otherwise.
// fn must not perform network I/O.
func (s *DB) WriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	select {
	case s.writer <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.writer }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
