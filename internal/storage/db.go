// Package storage is the thin adapter over the embedded SQLite engine.
// It owns connection setup, pragma configuration, busy retry, WAL
// management and schema migrations; everything above it speaks plain SQL
// through this surface.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/hive/internal/hiveerr"
	"github.com/mattn/go-sqlite3"
)

// DB wraps the single SQLite connection every Hive subsystem shares.
// SetMaxOpenConns(1) serializes writers at the adapter, which keeps
// transactions strictly local to one goroutine.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies the
// connection pragmas. The process that opens the database owns all tables
// for its lifetime.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, hiveerr.Wrap(hiveerr.KindIO, "create db directory", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, hiveerr.Wrap(hiveerr.KindIO, "open sqlite3", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db, path: path}
	if err := d.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, q := range pragma {
		if _, err := d.db.ExecContext(ctx, q); err != nil {
			return hiveerr.Wrap(hiveerr.KindSchema, fmt.Sprintf("set pragma %q", q), err)
		}
	}
	return nil
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// SQL exposes the underlying handle for packages that build their own
// statements. All of them share this one serialized connection.
func (d *DB) SQL() *sql.DB { return d.db }

func (d *DB) Close() error { return d.db.Close() }

func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	return rows, nil
}

func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, query, args...)
}

func (d *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	return tx, nil
}

// retryDelays is the backoff schedule for busy/locked contention, applied
// on top of the driver's busy_timeout.
var retryDelays = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
}

// WithRetry runs fn, retrying on busy/locked classification with
// exponential backoff. Constraint, mismatch and other errors surface
// immediately. Multi-statement write sequences (migrations, resets, batch
// registrations) go through here.
func WithRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !hiveerr.Retryable(classify(err)) {
			return err
		}
		if attempt >= len(retryDelays) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelays[attempt]):
		}
	}
}

// classify maps driver errors onto the hiveerr taxonomy. Already-typed
// errors pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var he *hiveerr.Error
	if errors.As(err, &he) {
		return err
	}

	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrBusy:
			return hiveerr.Wrap(hiveerr.KindBusy, "database busy", err)
		case sqlite3.ErrLocked:
			return hiveerr.Wrap(hiveerr.KindLocked, "database locked", err)
		case sqlite3.ErrConstraint:
			return hiveerr.Wrap(hiveerr.KindConstraint, "constraint violation", err)
		case sqlite3.ErrMismatch:
			return hiveerr.Wrap(hiveerr.KindMismatch, "datatype mismatch", err)
		case sqlite3.ErrSchema:
			return hiveerr.Wrap(hiveerr.KindSchema, "schema changed", err)
		}
	}

	// Fallback for wrapped or stringly driver errors.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "(5)"):
		return hiveerr.Wrap(hiveerr.KindBusy, "database busy", err)
	case strings.Contains(msg, "database table is locked"), strings.Contains(msg, "(6)"):
		return hiveerr.Wrap(hiveerr.KindLocked, "database locked", err)
	case strings.Contains(msg, "constraint"):
		return hiveerr.Wrap(hiveerr.KindConstraint, "constraint violation", err)
	}
	return err
}

// Classify exposes error classification to the packages above.
func Classify(err error) error { return classify(err) }
