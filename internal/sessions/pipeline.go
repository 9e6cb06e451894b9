package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/hive/internal/memory"
	"github.com/basket/hive/internal/shared"
)

// DefaultConcurrency bounds parallel embedding batches.
const DefaultConcurrency = 5

// embedBatchSize is how many chunks go into one embedding batch.
const embedBatchSize = 16

// Embedder is the slice of the embedding client the pipeline needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Pipeline turns chunks into stored, searchable memories. On any
// embedding failure the batch is stored with nil embeddings so FTS can
// still find the messages.
type Pipeline struct {
	store       *memory.Store
	embedder    Embedder // may be nil: FTS-only
	logger      *slog.Logger
	concurrency int
}

// NewPipeline builds a pipeline over the memory store.
func NewPipeline(store *memory.Store, embedder Embedder, concurrency int, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Pipeline{
		store:       store,
		embedder:    embedder,
		logger:      logger,
		concurrency: concurrency,
	}
}

// IndexChunks embeds and stores every chunk, batched with bounded
// concurrency. Returns the number of chunks stored.
func (p *Pipeline) IndexChunks(ctx context.Context, chunks []Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}

	type batch struct {
		chunks []Chunk
	}
	var batches []batch
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batches = append(batches, batch{chunks: chunks[start:end]})
	}

	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	stored := 0
	var firstErr error

	for _, b := range batches {
		b := b
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			vectors := p.embedBatch(ctx, b.chunks)
			n, err := p.storeBatch(ctx, b.chunks, vectors)
			mu.Lock()
			stored += n
			if err != nil && firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return stored, firstErr
}

// embedBatch returns one vector per chunk, or all nils on failure
// (graceful degradation to FTS-only storage).
func (p *Pipeline) embedBatch(ctx context.Context, chunks []Chunk) [][]float32 {
	vectors := make([][]float32, len(chunks))
	if p.embedder == nil {
		return vectors
	}
	// Embed the same scrubbed text that gets stored, so vectors never
	// encode credentials the store refuses to keep.
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = shared.Redact(c.Message.Content)
	}
	embedded, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		p.logger.Warn("embedding batch failed, storing without vectors", "chunks", len(chunks), "error", err)
		return vectors
	}
	copy(vectors, embedded)
	return vectors
}

func (p *Pipeline) storeBatch(ctx context.Context, chunks []Chunk, vectors [][]float32) (int, error) {
	stored := 0
	for i, c := range chunks {
		m := chunkToMemory(&c)
		var vec []float32
		if i < len(vectors) {
			vec = vectors[i]
		}
		if err := p.store.Store(ctx, m, vec); err != nil {
			return stored, err
		}
		stored++
	}
	return stored, nil
}

// chunkToMemory derives the stable memory id and session fields for one
// chunk. The id is keyed on (session, line, part) so re-indexing
// upserts instead of duplicating. Content is scrubbed before storage:
// transcripts are full of pasted credentials and the memory store must
// not retain them.
func chunkToMemory(c *Chunk) *memory.Memory {
	id := fmt.Sprintf("session:%s:%d", c.Message.SessionID, c.Message.MessageIdx)
	if c.Part > 0 {
		id = fmt.Sprintf("%s.%d", id, c.Part)
	}
	idx := c.Message.MessageIdx
	m := &memory.Memory{
		ID:          id,
		Content:     shared.Redact(c.Message.Content),
		Collection:  "sessions",
		CreatedAt:   c.Message.Timestamp,
		Confidence:  1,
		AgentType:   c.Message.AgentType,
		SessionID:   c.Message.SessionID,
		MessageRole: c.Message.Role,
		MessageIdx:  &idx,
		SourcePath:  c.Message.SourcePath,
	}
	if len(c.Message.Metadata) > 0 {
		m.Metadata = c.Message.Metadata
	}
	return m
}
