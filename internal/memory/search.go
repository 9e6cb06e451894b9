package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/basket/hive/internal/hiveerr"
	"github.com/basket/hive/internal/storage"
)

// Search tuning constants.
const (
	defaultLimit     = 10
	defaultThreshold = 0.3

	// decayHalfLifeDays halves a result's score every 90 days of age.
	decayHalfLifeDays = 90.0

	// truncateRunes bounds unexpanded result content.
	truncateRunes = 200
)

// SearchOptions tunes a search.
type SearchOptions struct {
	Limit      int
	Threshold  float64
	Collection string
	// FTS forces full-text search even when an embedder is available.
	FTS bool
	// Expand returns full content instead of the truncated preview.
	Expand bool
}

func (o *SearchOptions) fill() {
	if o.Limit <= 0 {
		o.Limit = defaultLimit
	}
	if o.Threshold == 0 {
		o.Threshold = defaultThreshold
	}
}

// VectorSearch scores every stored embedding against the query vector
// by cosine similarity, filters by threshold (and collection when
// given), and returns the top results ordered by descending score.
func (s *Store) VectorSearch(ctx context.Context, queryVec []float32, opts SearchOptions) ([]SearchResult, error) {
	opts.fill()
	if len(queryVec) != s.dimension {
		return nil, hiveerr.Newf(hiveerr.KindMismatch, "query dimension %d, want %d", len(queryVec), s.dimension)
	}

	query := qualifiedMemoryColumns + `, e.embedding
		FROM memories m
		JOIN memory_embeddings e ON e.memory_id = m.id`
	var args []any
	if opts.Collection != "" {
		query += ` WHERE m.collection = ?`
		args = append(args, opts.Collection)
	}

	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var blob []byte
		m, err := scanMemoryWithBlob(rows.Scan, &blob)
		if err != nil {
			return nil, err
		}
		score := cosineSimilarity(queryVec, decodeVector(blob))
		if score < opts.Threshold {
			continue
		}
		out = append(out, SearchResult{Memory: *m, Score: score, MatchType: MatchVector})
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Classify(err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// FTSSearch runs BM25-ranked full-text search. BM25 ranks ascending
// (more negative is better); scores are normalized into (0, 1]. When
// the driver lacks FTS5 the search degrades to LIKE matching.
func (s *Store) FTSSearch(ctx context.Context, queryText string, opts SearchOptions) ([]SearchResult, error) {
	opts.fill()
	if !s.ensureFTS(ctx) {
		return s.searchLike(ctx, queryText, opts)
	}
	match := sanitizeFTSQuery(queryText)
	if match == "" {
		return nil, nil
	}

	query := qualifiedMemoryColumns + `, bm25(memories_fts)
		FROM memories_fts
		JOIN memories m ON m.rowid = memories_fts.rowid
		WHERE memories_fts MATCH ?`
	args := []any{match}
	if opts.Collection != "" {
		query += ` AND m.collection = ?`
		args = append(args, opts.Collection)
	}
	query += ` ORDER BY bm25(memories_fts) LIMIT ?;`
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var rank float64
		m, err := scanMemoryWithRank(rows.Scan, &rank)
		if err != nil {
			return nil, err
		}
		// bm25() is negative for matches; map to (0, 1].
		score := 1.0 / (1.0 + math.Abs(rank))
		out = append(out, SearchResult{Memory: *m, Score: score, MatchType: MatchFTS})
	}
	return out, storage.Classify(rows.Err())
}

// Find is the primary search entry point: embed the query and run
// vector search, degrading to FTS when the embedder is unavailable or
// FTS is forced. Results are re-scored with time decay
// (score * 0.5^(age_days/90)) and re-sorted; content is truncated to a
// preview unless Expand.
func (s *Store) Find(ctx context.Context, queryText string, opts SearchOptions) ([]SearchResult, error) {
	opts.fill()

	var results []SearchResult
	var err error
	useFTS := opts.FTS || s.embedder == nil
	if !useFTS {
		queryVec, embedErr := s.embedder.Embed(ctx, queryText)
		if embedErr != nil {
			s.logger.Warn("embedder unavailable, degrading to fts", "error", embedErr)
			useFTS = true
		} else {
			results, err = s.VectorSearch(ctx, queryVec, opts)
			if err != nil {
				return nil, err
			}
		}
	}
	if useFTS {
		results, err = s.FTSSearch(ctx, queryText, opts)
		if err != nil {
			return nil, err
		}
	}

	nowMs := s.now().UnixMilli()
	for i := range results {
		results[i].Score *= decayFactor(nowMs, results[i].Memory.CreatedAt)
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	if !opts.Expand {
		for i := range results {
			results[i].Memory.Content = truncateContent(results[i].Memory.Content)
		}
	}
	return results, nil
}

// searchLike is the degraded path for drivers built without FTS5: each
// query token must appear as a substring; scores count matched tokens.
func (s *Store) searchLike(ctx context.Context, queryText string, opts SearchOptions) ([]SearchResult, error) {
	tokens := strings.Fields(strings.ToLower(queryText))
	if len(tokens) == 0 {
		return nil, nil
	}

	query := qualifiedMemoryColumns + ` FROM memories m WHERE 1=1`
	var args []any
	if opts.Collection != "" {
		query += ` AND m.collection = ?`
		args = append(args, opts.Collection)
	}
	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		m, err := scanMemory(rows.Scan)
		if err != nil {
			return nil, err
		}
		content := strings.ToLower(m.Content)
		matched := 0
		for _, tok := range tokens {
			if strings.Contains(content, tok) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		out = append(out, SearchResult{
			Memory:    *m,
			Score:     float64(matched) / float64(len(tokens)),
			MatchType: MatchFTS,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Classify(err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

const qualifiedMemoryColumns = `
	SELECT m.id, m.content, m.metadata, m.collection, m.created_at, m.confidence, m.tags,
		COALESCE(m.agent_type, ''), COALESCE(m.session_id, ''), COALESCE(m.message_role, ''),
		m.message_idx, COALESCE(m.source_path, '')`

// decayFactor computes 0.5^(age_days/90). Future timestamps decay
// nothing.
func decayFactor(nowMs, createdAtMs int64) float64 {
	ageDays := float64(nowMs-createdAtMs) / float64(24*time.Hour/time.Millisecond)
	if ageDays <= 0 {
		return 1
	}
	return math.Pow(0.5, ageDays/decayHalfLifeDays)
}

func truncateContent(content string) string {
	if utf8.RuneCountInString(content) <= truncateRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:truncateRunes]) + "..."
}

// sanitizeFTSQuery strips FTS5 operators so user text can't inject
// query syntax; each token is quoted and OR-joined.
func sanitizeFTSQuery(query string) string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return !(r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r > 127)
	})
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func scanMemoryWithBlob(scan func(dest ...any) error, blob *[]byte) (*Memory, error) {
	return scanMemory(func(dest ...any) error {
		return scan(append(dest, blob)...)
	})
}

func scanMemoryWithRank(scan func(dest ...any) error, rank *float64) (*Memory, error) {
	return scanMemory(func(dest ...any) error {
		return scan(append(dest, rank)...)
	})
}
