package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/hive/internal/hiveerr"
)

func fakeServer(t *testing.T, dim int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Model == "" || req.Prompt == "" {
			http.Error(w, "missing fields", http.StatusBadRequest)
			return
		}
		vec := make([]float32, dim)
		vec[0] = 1
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": vec})
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]string{{"name": "test-embed:latest"}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbed(t *testing.T) {
	srv := fakeServer(t, 8)
	c := New(srv.URL, "test-embed", 8, time.Second)

	vec, err := c.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vec) != 8 || vec[0] != 1 {
		t.Fatalf("vec = %v", vec)
	}
}

func TestEmbedDimensionMismatch(t *testing.T) {
	srv := fakeServer(t, 8)
	c := New(srv.URL, "test-embed", 16, time.Second)

	_, err := c.Embed(context.Background(), "hello")
	if !hiveerr.Is(err, hiveerr.KindMismatch) {
		t.Fatalf("err = %v, want Mismatch", err)
	}
}

func TestEmbedBatchOrder(t *testing.T) {
	srv := fakeServer(t, 4)
	c := New(srv.URL, "test-embed", 4, time.Second)

	vecs, err := c.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("vecs = %d, want 3", len(vecs))
	}
}

func TestEmbedServerDown(t *testing.T) {
	c := New("http://127.0.0.1:1", "test-embed", 4, 200*time.Millisecond)
	_, err := c.Embed(context.Background(), "hello")
	if !hiveerr.Is(err, hiveerr.KindEmbedder) {
		t.Fatalf("err = %v, want Embedder", err)
	}
}

func TestEmbedServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL, "test-embed", 4, time.Second)
	_, err := c.Embed(context.Background(), "hello")
	if !hiveerr.Is(err, hiveerr.KindEmbedder) {
		t.Fatalf("err = %v, want Embedder", err)
	}
}

func TestCheckHealth(t *testing.T) {
	srv := fakeServer(t, 4)

	up := New(srv.URL, "test-embed", 4, time.Second)
	ok, model := up.CheckHealth(context.Background())
	if !ok || model != "test-embed:latest" {
		t.Fatalf("health = %v, %s", ok, model)
	}

	down := New("http://127.0.0.1:1", "test-embed", 4, 200*time.Millisecond)
	ok, _ = down.CheckHealth(context.Background())
	if ok {
		t.Fatal("unreachable server reported healthy")
	}
}
