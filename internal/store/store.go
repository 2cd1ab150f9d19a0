// Package store owns the single-file SQLite datastore backing all
// memory tiers. Every tier lives in its own table inside one database
// file, which keeps cross-tier work transactional without any
// distributed coordination.
//
// The engine is a single-writer system: one assistant session owns the
// file at a time. The pool is capped at one connection so writes
// serialize in the driver instead of racing on SQLITE_BUSY.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps the shared database handle. Components receive a *DB at
// construction; none of them open connections of their own.
type DB struct {
	sql  *sql.DB
	path string
}

// Open opens (creating if needed) the datastore at path and verifies
// connectivity. Use ":memory:" for tests.
func Open(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("datastore path cannot be empty")
	}

	// WAL keeps readers unblocked during the inline consolidation
	// write path; busy_timeout covers the brief checkpoint locks.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening datastore: %w", err)
	}

	// Single writer by design.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging datastore: %w", err)
	}

	return &DB{sql: db, path: path}, nil
}

// Handle exposes the underlying *sql.DB for component queries.
func (d *DB) Handle() *sql.DB {
	return d.sql
}

// Path returns the datastore file path.
func (d *DB) Path() string {
	return d.path
}

// Close closes the datastore.
func (d *DB) Close() error {
	return d.sql.Close()
}

// WithTx runs fn inside a transaction, committing on nil and rolling
// back on error or panic. Batch jobs wrap each tier's writes in one
// call so a crash leaves pre-job or fully-updated state, never a
// partial mixture.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (after: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
