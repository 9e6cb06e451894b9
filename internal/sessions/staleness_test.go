package sessions

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/hive/internal/memory"
	"github.com/basket/hive/internal/storage"
)

func newTestTracker(t *testing.T) *StalenessTracker {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := storage.Migrate(context.Background(), db, memory.Migrations()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStalenessTracker(db)
}

func TestStalenessNeverIndexed(t *testing.T) {
	tr := newTestTracker(t)
	stale, err := tr.Check(context.Background(), "/tmp/never.jsonl", time.Now())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !stale {
		t.Fatal("never-indexed path must be stale")
	}
}

func TestStalenessBoundaries(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	mtime := time.Now().Truncate(time.Second)

	if err := tr.RecordIndexed(ctx, "/tmp/s.jsonl", mtime, 12); err != nil {
		t.Fatalf("record: %v", err)
	}

	cases := []struct {
		name    string
		current time.Time
		stale   bool
	}{
		{"unchanged", mtime, false},
		{"slightly newer", mtime.Add(time.Second), false},
		{"boundary: exactly grace", mtime.Add(StalenessGrace), false},
		{"past grace", mtime.Add(StalenessGrace + time.Millisecond), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stale, err := tr.Check(ctx, "/tmp/s.jsonl", tc.current)
			if err != nil {
				t.Fatalf("check: %v", err)
			}
			if stale != tc.stale {
				t.Fatalf("stale = %v, want %v", stale, tc.stale)
			}
		})
	}

	st, err := tr.State(ctx, "/tmp/s.jsonl")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st == nil || st.MessageCount != 12 {
		t.Fatalf("state = %+v", st)
	}
}

func TestCheckBulk(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	mtime := time.Now()

	if err := tr.RecordIndexed(ctx, "/tmp/fresh.jsonl", mtime, 1); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := tr.RecordIndexed(ctx, "/tmp/old.jsonl", mtime.Add(-time.Hour), 1); err != nil {
		t.Fatalf("record: %v", err)
	}

	results, err := tr.CheckBulk(ctx, []BulkItem{
		{Path: "/tmp/fresh.jsonl", CurrentMtime: mtime},
		{Path: "/tmp/old.jsonl", CurrentMtime: mtime},
		{Path: "/tmp/unknown.jsonl", CurrentMtime: mtime},
	})
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if results["/tmp/fresh.jsonl"] {
		t.Fatal("fresh path reported stale")
	}
	if !results["/tmp/old.jsonl"] {
		t.Fatal("hour-drifted path reported fresh")
	}
	if !results["/tmp/unknown.jsonl"] {
		t.Fatal("never-indexed path reported fresh")
	}
}

func TestForget(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	if err := tr.RecordIndexed(ctx, "/tmp/s.jsonl", time.Now(), 1); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := tr.Forget(ctx, "/tmp/s.jsonl"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	stale, err := tr.Check(ctx, "/tmp/s.jsonl", time.Now())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !stale {
		t.Fatal("forgotten path must be stale again")
	}
}
