package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/hive/internal/hiveerr"
	"github.com/basket/hive/internal/storage"
)

const testDim = 4

// stubEmbedder returns a fixed vector per keyword, failing on demand.
type stubEmbedder struct {
	vectors map[string][]float32
	fail    bool
}

func (e *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, hiveerr.New(hiveerr.KindEmbedder, "stub down")
	}
	if vec, ok := e.vectors[text]; ok {
		return vec, nil
	}
	return []float32{1, 0, 0, 0}, nil
}

func (e *stubEmbedder) CheckHealth(context.Context) (bool, string) {
	return !e.fail, "stub-model"
}

func newTestStoreWith(t *testing.T, embedder Embedder) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "mem.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := storage.Migrate(context.Background(), db, Migrations()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(db, embedder, testDim, nil)
}

func TestStoreAndGet(t *testing.T) {
	s := newTestStoreWith(t, nil)
	ctx := context.Background()

	m := &Memory{
		ID:       "mem-1",
		Content:  "the flaky test lives in watcher_test.go",
		Tags:     []string{"testing"},
		Metadata: []byte(`{"source":"review"}`),
	}
	if err := s.Store(ctx, m, []float32{1, 0, 0, 0}); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, err := s.Get(ctx, "mem-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != m.Content || got.Collection != "default" || got.Confidence != 1 {
		t.Fatalf("memory = %+v", got)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "testing" {
		t.Fatalf("tags = %v", got.Tags)
	}

	memories, embeddings, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if memories != 1 || embeddings != 1 {
		t.Fatalf("stats = %d/%d", memories, embeddings)
	}
}

func TestStoreUpsertReplacesEmbedding(t *testing.T) {
	s := newTestStoreWith(t, nil)
	ctx := context.Background()

	m := &Memory{ID: "mem-1", Content: "v1"}
	if err := s.Store(ctx, m, []float32{1, 0, 0, 0}); err != nil {
		t.Fatalf("store: %v", err)
	}
	m2 := &Memory{ID: "mem-1", Content: "v2", Collection: "facts", Confidence: 0.5}
	if err := s.Store(ctx, m2, []float32{0, 1, 0, 0}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.Get(ctx, "mem-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != "v2" || got.Collection != "facts" || got.Confidence != 0.5 {
		t.Fatalf("memory = %+v", got)
	}

	hits, err := s.VectorSearch(ctx, []float32{0, 1, 0, 0}, SearchOptions{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].Score < 0.99 {
		t.Fatalf("hits = %+v, want replaced embedding to match", hits)
	}
}

func TestStoreRejectsWrongDimension(t *testing.T) {
	s := newTestStoreWith(t, nil)
	err := s.Store(context.Background(), &Memory{ID: "mem-1", Content: "x"}, []float32{1, 2})
	if !hiveerr.Is(err, hiveerr.KindMismatch) {
		t.Fatalf("err = %v, want Mismatch", err)
	}
}

func TestRemoveCascadesEmbedding(t *testing.T) {
	s := newTestStoreWith(t, nil)
	ctx := context.Background()

	if err := s.Store(ctx, &Memory{ID: "mem-1", Content: "x"}, []float32{1, 0, 0, 0}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := s.Remove(ctx, "mem-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	memories, embeddings, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if memories != 0 || embeddings != 0 {
		t.Fatalf("stats = %d/%d, want cascade delete", memories, embeddings)
	}
	if err := s.Remove(ctx, "mem-1"); !hiveerr.Is(err, hiveerr.KindNotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestValidateRefreshesDecayTimer(t *testing.T) {
	s := newTestStoreWith(t, nil)
	ctx := context.Background()

	old := time.Now().Add(-100 * 24 * time.Hour).UnixMilli()
	if err := s.Store(ctx, &Memory{ID: "mem-1", Content: "x", CreatedAt: old}, nil); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := s.Validate(ctx, "mem-1"); err != nil {
		t.Fatalf("validate: %v", err)
	}
	got, err := s.Get(ctx, "mem-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CreatedAt == old {
		t.Fatal("created_at not refreshed")
	}
}

func TestListByCollection(t *testing.T) {
	s := newTestStoreWith(t, nil)
	ctx := context.Background()

	for _, m := range []*Memory{
		{ID: "a", Content: "one", Collection: "alpha"},
		{ID: "b", Content: "two", Collection: "beta"},
		{ID: "c", Content: "three", Collection: "alpha"},
	} {
		if err := s.Store(ctx, m, nil); err != nil {
			t.Fatalf("store: %v", err)
		}
	}
	alpha, err := s.List(ctx, "alpha")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(alpha) != 2 {
		t.Fatalf("alpha = %d memories, want 2", len(alpha))
	}
	all, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all = %d memories, want 3", len(all))
	}
}

func TestRemoveBySource(t *testing.T) {
	s := newTestStoreWith(t, nil)
	ctx := context.Background()

	for _, m := range []*Memory{
		{ID: "a", Content: "one", SourcePath: "/tmp/s1.jsonl"},
		{ID: "b", Content: "two", SourcePath: "/tmp/s1.jsonl"},
		{ID: "c", Content: "three", SourcePath: "/tmp/s2.jsonl"},
	} {
		if err := s.Store(ctx, m, nil); err != nil {
			t.Fatalf("store: %v", err)
		}
	}
	n, err := s.RemoveBySource(ctx, "/tmp/s1.jsonl")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if n != 2 {
		t.Fatalf("removed = %d, want 2", n)
	}
}

func TestCheckHealth(t *testing.T) {
	up := newTestStoreWith(t, &stubEmbedder{})
	h := up.CheckHealth(context.Background())
	if !h.EmbedderAvailable || h.Model != "stub-model" {
		t.Fatalf("health = %+v", h)
	}

	down := newTestStoreWith(t, nil)
	h = down.CheckHealth(context.Background())
	if h.EmbedderAvailable {
		t.Fatalf("health = %+v, want unavailable without embedder", h)
	}
}
