// Package embedding is the HTTP client for the external embedding
// model server (Ollama-compatible API). Failures surface as typed
// Embedder errors; callers decide whether to degrade to FTS.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/basket/hive/internal/hiveerr"
	hiveotel "github.com/basket/hive/internal/otel"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// DefaultDimension is the vector width of the reference model.
const DefaultDimension = 1024

// Client talks to one embedding model over HTTP.
type Client struct {
	host      string
	model     string
	dimension int
	http      *http.Client
	tracer    trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithTracer attaches an OTel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// New builds a client for host/model with the given vector dimension
// and per-call timeout.
func New(host, model string, dimension int, timeout time.Duration, opts ...Option) *Client {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		host:      strings.TrimSuffix(host, "/"),
		model:     model,
		dimension: dimension,
		http:      &http.Client{Timeout: timeout},
		tracer:    nooptrace.NewTracerProvider().Tracer(hiveotel.TracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Dimension returns the configured vector width.
func (c *Client) Dimension() int { return c.dimension }

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns the vector for one text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := hiveotel.StartClientSpan(ctx, c.tracer, "embedding.embed",
		hiveotel.AttrModel.String(c.model))
	defer span.End()

	body, err := json.Marshal(embedRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, hiveerr.Wrap(hiveerr.KindEmbedder, "marshal request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, hiveerr.Wrap(hiveerr.KindEmbedder, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, hiveerr.Wrap(hiveerr.KindEmbedder, "embedding request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, hiveerr.Newf(hiveerr.KindEmbedder, "embedding server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, hiveerr.Wrap(hiveerr.KindEmbedder, "decode response", err)
	}
	if len(out.Embedding) != c.dimension {
		return nil, hiveerr.Newf(hiveerr.KindMismatch, "embedding dimension %d, want %d", len(out.Embedding), c.dimension)
	}
	return out.Embedding, nil
}

// EmbedBatch embeds each text in order. The Ollama API is
// single-prompt, so the batch is sequential requests; one failure fails
// the batch (callers degrade to null embeddings).
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := hiveotel.StartClientSpan(ctx, c.tracer, "embedding.embed_batch",
		hiveotel.AttrModel.String(c.model), hiveotel.AttrBatchSize.Int(len(texts)))
	defer span.End()

	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := c.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", len(out), err)
		}
		out = append(out, vec)
	}
	return out, nil
}

// CheckHealth probes the server's tag listing and reports whether the
// configured model is available.
func (c *Client) CheckHealth(ctx context.Context) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+"/api/tags", nil)
	if err != nil {
		return false, ""
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, ""
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return false, ""
	}
	for _, m := range tags.Models {
		if m.Name == c.model || strings.HasPrefix(m.Name, c.model+":") {
			return true, m.Name
		}
	}
	// Server is up; the model may still be pullable on demand.
	return true, c.model
}
