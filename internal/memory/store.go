// Package memory is the semantic memory store: textual memories with
// float32 embeddings, searchable by cosine similarity and by FTS5 BM25,
// with time-decayed relevance. Vector search runs in-process over
// embedding blobs, which keeps the store on plain SQLite instead of an
// ANN extension while staying fast at fleet-memory scale.
package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/basket/hive/internal/hiveerr"
	"github.com/basket/hive/internal/storage"
)

// Embedder is the slice of the embedding client the store needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	CheckHealth(ctx context.Context) (bool, string)
}

// Memory is one stored fact with optional session provenance.
type Memory struct {
	ID          string          `json:"id"`
	Content     string          `json:"content"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Collection  string          `json:"collection"`
	CreatedAt   int64           `json:"created_at"`
	Confidence  float64         `json:"confidence"`
	Tags        []string        `json:"tags,omitempty"`
	AgentType   string          `json:"agent_type,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
	MessageRole string          `json:"message_role,omitempty"`
	MessageIdx  *int            `json:"message_idx,omitempty"`
	SourcePath  string          `json:"source_path,omitempty"`
}

// MatchType labels which index produced a search result.
type MatchType string

const (
	MatchVector MatchType = "vector"
	MatchFTS    MatchType = "fts"
)

// SearchResult is one scored hit.
type SearchResult struct {
	Memory    Memory    `json:"memory"`
	Score     float64   `json:"score"`
	MatchType MatchType `json:"match_type"`
}

// Store persists and searches memories.
type Store struct {
	db       *storage.DB
	embedder Embedder // may be nil: FTS-only mode
	logger   *slog.Logger

	dimension int
	now       func() time.Time

	// ftsOnce probes FTS5 on first use. When the driver was built
	// without it, full-text search falls back to LIKE queries.
	ftsOnce      sync.Once
	ftsAvailable bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New builds a memory store. embedder may be nil; search then degrades
// to FTS and stored memories carry no vectors.
func New(db *storage.DB, embedder Embedder, dimension int, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if dimension <= 0 {
		dimension = 1024
	}
	s := &Store{
		db:        db,
		embedder:  embedder,
		logger:    logger,
		dimension: dimension,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ensureFTS creates the FTS5 index and sync triggers on first use.
// When the driver lacks FTS5 (it is a build-tag feature), search
// degrades to LIKE matching and we log once.
func (s *Store) ensureFTS(ctx context.Context) bool {
	s.ftsOnce.Do(func() {
		stmts := []string{
			`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
				content,
				content='memories',
				content_rowid='rowid'
			);`,
			`CREATE TRIGGER IF NOT EXISTS memories_fts_insert AFTER INSERT ON memories BEGIN
				INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
			END;`,
			`CREATE TRIGGER IF NOT EXISTS memories_fts_delete AFTER DELETE ON memories BEGIN
				INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
			END;`,
			`CREATE TRIGGER IF NOT EXISTS memories_fts_update AFTER UPDATE OF content ON memories BEGIN
				INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
				INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
			END;`,
			// Backfill anything inserted before the index existed.
			`INSERT INTO memories_fts(rowid, content)
				SELECT rowid, content FROM memories
				WHERE rowid NOT IN (SELECT rowid FROM memories_fts);`,
		}
		for _, stmt := range stmts {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				s.logger.Warn("fts5 unavailable, falling back to LIKE search", "error", err)
				return
			}
		}
		s.ftsAvailable = true
	})
	return s.ftsAvailable
}

// Store upserts one memory and its embedding atomically: on conflict
// the content, metadata, collection and confidence update and the
// embedding is replaced. A nil embedding clears any stored vector.
func (s *Store) Store(ctx context.Context, m *Memory, embedding []float32) error {
	if m.ID == "" {
		return hiveerr.New(hiveerr.KindMismatch, "memory id is required")
	}
	if m.Collection == "" {
		m.Collection = "default"
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = s.now().UnixMilli()
	}
	if m.Confidence == 0 {
		m.Confidence = 1
	}
	if embedding != nil && len(embedding) != s.dimension {
		return hiveerr.Newf(hiveerr.KindMismatch, "embedding dimension %d, want %d", len(embedding), s.dimension)
	}

	metadata := "{}"
	if len(m.Metadata) > 0 {
		metadata = string(m.Metadata)
	}
	tags, _ := json.Marshal(m.Tags)
	if m.Tags == nil {
		tags = []byte("[]")
	}

	s.ensureFTS(ctx)
	return storage.WithRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var msgIdx any
		if m.MessageIdx != nil {
			msgIdx = *m.MessageIdx
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memories (id, content, metadata, collection, created_at, confidence, tags,
				agent_type, session_id, message_role, message_idx, source_path)
			VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, NULLIF(?, ''))
			ON CONFLICT(id) DO UPDATE SET
				content = excluded.content,
				metadata = excluded.metadata,
				collection = excluded.collection,
				confidence = excluded.confidence,
				tags = excluded.tags;
		`, m.ID, m.Content, metadata, m.Collection, m.CreatedAt, m.Confidence, string(tags),
			m.AgentType, m.SessionID, m.MessageRole, msgIdx, m.SourcePath); err != nil {
			return storage.Classify(err)
		}

		if embedding == nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM memory_embeddings WHERE memory_id = ?;`, m.ID); err != nil {
				return storage.Classify(err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO memory_embeddings (memory_id, embedding) VALUES (?, ?)
				ON CONFLICT(memory_id) DO UPDATE SET embedding = excluded.embedding;
			`, m.ID, encodeVector(embedding)); err != nil {
				return storage.Classify(err)
			}
		}
		return storage.Classify(tx.Commit())
	})
}

// Get returns one memory by id.
func (s *Store) Get(ctx context.Context, id string) (*Memory, error) {
	row := s.db.QueryRowContext(ctx, memoryColumns+` WHERE id = ?;`, id)
	m, err := scanMemory(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, hiveerr.Newf(hiveerr.KindNotFound, "memory %s", id)
		}
		return nil, err
	}
	return m, nil
}

// Validate resets a memory's created_at to now, refreshing its decay
// timer after an agent confirms it is still true.
func (s *Store) Validate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE memories SET created_at = ? WHERE id = ?;`, s.now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hiveerr.Newf(hiveerr.KindNotFound, "memory %s", id)
	}
	return nil
}

// Remove deletes a memory; the embedding cascades.
func (s *Store) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?;`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hiveerr.Newf(hiveerr.KindNotFound, "memory %s", id)
	}
	return nil
}

// RemoveBySource deletes every memory indexed from one transcript file.
// Used when a watched session file is unlinked or re-indexed.
func (s *Store) RemoveBySource(ctx context.Context, sourcePath string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE source_path = ?;`, sourcePath)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// List returns memories, optionally scoped to a collection, newest
// first.
func (s *Store) List(ctx context.Context, collection string) ([]Memory, error) {
	query := memoryColumns
	var args []any
	if collection != "" {
		query += ` WHERE collection = ?`
		args = append(args, collection)
	}
	query += ` ORDER BY created_at DESC, id;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, storage.Classify(rows.Err())
}

// Stats reports row counts.
func (s *Store) Stats(ctx context.Context) (memories, embeddings int64, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM memories;`).Scan(&memories); err != nil {
		return 0, 0, storage.Classify(err)
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM memory_embeddings;`).Scan(&embeddings); err != nil {
		return 0, 0, storage.Classify(err)
	}
	return memories, embeddings, nil
}

// Health reports embedder availability and the active model.
type Health struct {
	EmbedderAvailable bool   `json:"embedder_available"`
	Model             string `json:"model,omitempty"`
}

// CheckHealth probes the embedding service.
func (s *Store) CheckHealth(ctx context.Context) Health {
	if s.embedder == nil {
		return Health{}
	}
	ok, model := s.embedder.CheckHealth(ctx)
	return Health{EmbedderAvailable: ok, Model: model}
}

const memoryColumns = `
	SELECT id, content, metadata, collection, created_at, confidence, tags,
		COALESCE(agent_type, ''), COALESCE(session_id, ''), COALESCE(message_role, ''),
		message_idx, COALESCE(source_path, '')
	FROM memories`

func scanMemory(scan func(dest ...any) error) (*Memory, error) {
	var m Memory
	var metadata, tags string
	var msgIdx sql.NullInt64
	if err := scan(&m.ID, &m.Content, &metadata, &m.Collection, &m.CreatedAt, &m.Confidence, &tags,
		&m.AgentType, &m.SessionID, &m.MessageRole, &msgIdx, &m.SourcePath); err != nil {
		return nil, storage.Classify(err)
	}
	if metadata != "" && metadata != "{}" {
		m.Metadata = []byte(metadata)
	}
	if tags != "" && tags != "[]" {
		_ = json.Unmarshal([]byte(tags), &m.Tags)
	}
	if msgIdx.Valid {
		v := int(msgIdx.Int64)
		m.MessageIdx = &v
	}
	return &m, nil
}

// encodeVector packs a float32 slice little-endian, 4 bytes per value.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector unpacks an embedding blob.
func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
