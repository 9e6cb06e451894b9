package sessions

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/basket/hive/internal/storage"
)

// StalenessGrace is how far a file's mtime may run ahead of the indexed
// mtime before the file counts as stale.
const StalenessGrace = 300 * time.Second

// IndexState is one row of session_index_state.
type IndexState struct {
	SourcePath    string `json:"source_path"`
	LastIndexedAt int64  `json:"last_indexed_at"`
	FileMtime     int64  `json:"file_mtime"`
	MessageCount  int    `json:"message_count"`
}

// StalenessTracker persists which transcripts have been indexed and at
// what mtime.
type StalenessTracker struct {
	db  *storage.DB
	now func() time.Time
}

// NewStalenessTracker builds a tracker over the shared database.
func NewStalenessTracker(db *storage.DB) *StalenessTracker {
	return &StalenessTracker{db: db, now: time.Now}
}

// RecordIndexed upserts the index state for a path.
func (t *StalenessTracker) RecordIndexed(ctx context.Context, path string, mtime time.Time, messageCount int) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO session_index_state (source_path, last_indexed_at, file_mtime, message_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source_path) DO UPDATE SET
			last_indexed_at = excluded.last_indexed_at,
			file_mtime = excluded.file_mtime,
			message_count = excluded.message_count;
	`, path, t.now().UnixMilli(), mtime.UnixMilli(), messageCount)
	return err
}

// Check reports whether a file is stale: never indexed, or its current
// mtime exceeds the indexed mtime by more than the grace window.
func (t *StalenessTracker) Check(ctx context.Context, path string, currentMtime time.Time) (bool, error) {
	var fileMtime int64
	err := t.db.QueryRowContext(ctx, `
		SELECT file_mtime FROM session_index_state WHERE source_path = ?;
	`, path).Scan(&fileMtime)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, storage.Classify(err)
	}
	return isStale(currentMtime.UnixMilli(), fileMtime), nil
}

// CheckBulk resolves staleness for many paths with a single IN query.
// Never-indexed paths report stale.
type BulkItem struct {
	Path         string
	CurrentMtime time.Time
}

func (t *StalenessTracker) CheckBulk(ctx context.Context, items []BulkItem) (map[string]bool, error) {
	out := make(map[string]bool, len(items))
	if len(items) == 0 {
		return out, nil
	}
	args := make([]any, len(items))
	for i, item := range items {
		args[i] = item.Path
		out[item.Path] = true // stale until proven indexed
	}

	rows, err := t.db.QueryContext(ctx, `
		SELECT source_path, file_mtime FROM session_index_state
		WHERE source_path IN (?`+strings.Repeat(",?", len(items)-1)+`);
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	indexed := map[string]int64{}
	for rows.Next() {
		var path string
		var mtime int64
		if err := rows.Scan(&path, &mtime); err != nil {
			return nil, storage.Classify(err)
		}
		indexed[path] = mtime
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Classify(err)
	}

	for _, item := range items {
		if fileMtime, ok := indexed[item.Path]; ok {
			out[item.Path] = isStale(item.CurrentMtime.UnixMilli(), fileMtime)
		}
	}
	return out, nil
}

// Forget drops the index state for a path (file unlinked).
func (t *StalenessTracker) Forget(ctx context.Context, path string) error {
	_, err := t.db.ExecContext(ctx, `DELETE FROM session_index_state WHERE source_path = ?;`, path)
	return err
}

// State returns the recorded row for a path, or nil when never indexed.
func (t *StalenessTracker) State(ctx context.Context, path string) (*IndexState, error) {
	var st IndexState
	err := t.db.QueryRowContext(ctx, `
		SELECT source_path, last_indexed_at, file_mtime, message_count
		FROM session_index_state WHERE source_path = ?;
	`, path).Scan(&st.SourcePath, &st.LastIndexedAt, &st.FileMtime, &st.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Classify(err)
	}
	return &st, nil
}

// isStale applies the boundary rule: exactly grace-old is fresh.
func isStale(currentMtimeMs, fileMtimeMs int64) bool {
	return currentMtimeMs-fileMtimeMs > StalenessGrace.Milliseconds()
}
