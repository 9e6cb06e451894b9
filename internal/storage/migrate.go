package storage

import (
	"context"
	"sort"

	"github.com/basket/hive/internal/hiveerr"
)

// Migration is one versioned, declarative schema step. SQL only; no data
// reshaping that depends on runtime values.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrate applies pending migrations in version order, one transaction
// each, checkpointing the WAL after every applied migration. A database
// whose recorded version exceeds the highest known migration refuses to
// open (no downgrades).
func Migrate(ctx context.Context, db *DB, migrations []Migration) error {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return hiveerr.Wrap(hiveerr.KindSchema, "create schema_version", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version;`).Scan(&current); err != nil {
		return hiveerr.Wrap(hiveerr.KindSchema, "read schema version", err)
	}

	latest := 0
	if len(sorted) > 0 {
		latest = sorted[len(sorted)-1].Version
	}
	if current > latest {
		return hiveerr.Newf(hiveerr.KindSchema, "db schema version %d is newer than supported %d", current, latest)
	}

	for _, m := range sorted {
		if m.Version <= current {
			continue
		}
		m := m
		err := WithRetry(ctx, func() error {
			tx, err := db.BeginTx(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = tx.Rollback() }()

			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return hiveerr.Wrap(hiveerr.KindSchema, "apply migration "+m.Description, Classify(err))
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?);`, m.Version); err != nil {
				return hiveerr.Wrap(hiveerr.KindSchema, "record migration version", Classify(err))
			}
			return tx.Commit()
		})
		if err != nil {
			return err
		}
		if err := db.Checkpoint(ctx); err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion reports the highest applied migration version.
func SchemaVersion(ctx context.Context, db *DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version;`).Scan(&v); err != nil {
		return 0, hiveerr.Wrap(hiveerr.KindSchema, "read schema version", err)
	}
	return v, nil
}
