package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/basket/hive/internal/hiveerr"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if db.Path() != path {
		t.Fatalf("path = %s", db.Path())
	}
}

func TestMigrateAppliesInOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	migrations := []Migration{
		{Version: 2, Description: "widgets data", SQL: `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT);`},
		{Version: 1, Description: "kv", SQL: `CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT);`},
	}
	if err := Migrate(ctx, db, migrations); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	v, err := SchemaVersion(ctx, db)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 2 {
		t.Fatalf("version = %d, want 2", v)
	}

	// Re-running is a no-op.
	if err := Migrate(ctx, db, migrations); err != nil {
		t.Fatalf("re-migrate: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO widgets (name) VALUES ('w');`); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestMigrateRefusesDowngrade(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := Migrate(ctx, db, []Migration{
		{Version: 5, Description: "future", SQL: `CREATE TABLE future (id INTEGER);`},
	}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	err := Migrate(ctx, db, []Migration{
		{Version: 1, Description: "past", SQL: `CREATE TABLE past (id INTEGER);`},
	})
	if !hiveerr.Is(err, hiveerr.KindSchema) {
		t.Fatalf("err = %v, want Schema", err)
	}
}

func TestMigrateRollsBackFailedStep(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := Migrate(ctx, db, []Migration{
		{Version: 1, Description: "good", SQL: `CREATE TABLE good (id INTEGER);`},
		{Version: 2, Description: "bad", SQL: `CREATE BROKEN SYNTAX;`},
	})
	if err == nil {
		t.Fatal("want migration error")
	}
	v, verr := SchemaVersion(ctx, db)
	if verr != nil {
		t.Fatalf("version: %v", verr)
	}
	if v != 1 {
		t.Fatalf("version = %d, want 1 (bad step rolled back)", v)
	}
}

func TestClassifyConstraint(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, `CREATE TABLE uniq (id TEXT PRIMARY KEY);`); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO uniq (id) VALUES ('a');`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err := db.ExecContext(ctx, `INSERT INTO uniq (id) VALUES ('a');`)
	if !hiveerr.Is(err, hiveerr.KindConstraint) {
		t.Fatalf("err = %v, want Constraint", err)
	}
	if hiveerr.Retryable(err) {
		t.Fatal("constraint errors must not be retryable")
	}
}

func TestWithRetrySurfacesNonRetryable(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return hiveerr.New(hiveerr.KindConstraint, "boom")
	})
	if err == nil || calls != 1 {
		t.Fatalf("calls = %d, err = %v; want single failing call", calls, err)
	}
}

func TestWithRetryRetriesBusy(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return hiveerr.New(hiveerr.KindBusy, "database busy")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestWithRetryGivesUp(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return hiveerr.New(hiveerr.KindBusy, "database busy")
	})
	if err == nil {
		t.Fatal("want error after exhausting retries")
	}
	if calls != len(retryDelays)+1 {
		t.Fatalf("calls = %d, want %d", calls, len(retryDelays)+1)
	}
}

func TestWithRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithRetry(ctx, func() error {
		return hiveerr.New(hiveerr.KindBusy, "database busy")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestWalStatsAndHealth(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, `CREATE TABLE filler (id INTEGER PRIMARY KEY, body TEXT);`); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 50; i++ {
		if _, err := db.ExecContext(ctx, `INSERT INTO filler (body) VALUES ('payload');`); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	stats, err := db.GetWalStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.WalFileCount == 0 {
		t.Fatal("expected wal side files in WAL mode")
	}

	health, err := db.CheckWalHealth(ctx, 100)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !health.Healthy {
		t.Fatalf("health = %+v, want healthy under 100MB", health)
	}

	// Checkpoint truncates the WAL.
	if err := db.Checkpoint(ctx); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	stats, err = db.GetWalStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.WalSizeBytes != 0 {
		t.Fatalf("wal size after checkpoint = %d, want 0", stats.WalSizeBytes)
	}
}
