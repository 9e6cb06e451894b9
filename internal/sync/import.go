package sync

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/basket/hive/internal/hive"
	"github.com/basket/hive/internal/storage"
)

// ImportOptions controls upsert behavior.
type ImportOptions struct {
	// SkipExisting leaves rows that already exist untouched.
	SkipExisting bool
}

// ImportResult tallies one import pass. Malformed lines are collected
// per line and never abort the batch.
type ImportResult struct {
	Created           int      `json:"created"`
	Updated           int      `json:"updated"`
	Skipped           int      `json:"skipped"`
	TombstonesApplied int      `json:"tombstones_applied"`
	Errors            []string `json:"errors,omitempty"`
}

// Import parses each JSONL line, validates it against the bead record
// schema, and upserts by id into the projections. Tombstone records
// within TTL (clock-skew grace applied) write a tombstone row; expired
// tombstones are skipped as garbage-collectable.
func (s *Syncer) Import(ctx context.Context, project, jsonl string, opts ImportOptions) (*ImportResult, error) {
	res := &ImportResult{}
	nowMs := s.now().UnixMilli()

	for i, line := range strings.Split(jsonl, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rec, err := s.vals.parseBeadLine(line)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: %v", i+1, err))
			continue
		}
		if err := s.importRecord(ctx, project, rec, opts, nowMs, res); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("line %d (%s): %v", i+1, rec.ID, err))
		}
	}
	return res, nil
}

func (s *Syncer) importRecord(ctx context.Context, project string, rec *beadRecord, opts ImportOptions, nowMs int64, res *ImportResult) error {
	return storage.WithRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var existingHash string
		var exists bool
		err = tx.QueryRowContext(ctx, `SELECT content_hash FROM beads WHERE id = ?;`, rec.ID).Scan(&existingHash)
		switch err {
		case nil:
			exists = true
		case sql.ErrNoRows:
		default:
			return storage.Classify(err)
		}

		if exists && opts.SkipExisting {
			res.Skipped++
			return tx.Commit()
		}

		tombstone := rec.Status == string(hive.StatusTombstone) && rec.DeletedAt != 0
		if tombstone && !tombstoneAlive(rec.DeletedAt, s.TombstoneTTL, nowMs) {
			// Expired: garbage-collectable, nothing to converge.
			res.Skipped++
			return tx.Commit()
		}
		if exists && !tombstone && existingHash == rec.ContentHash {
			res.Skipped++
			return tx.Commit()
		}

		if err := s.upsertRecordTx(ctx, tx, project, rec); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return storage.Classify(err)
		}

		switch {
		case tombstone:
			res.TombstonesApplied++
		case exists:
			res.Updated++
		default:
			res.Created++
		}
		return nil
	})
}

func (s *Syncer) upsertRecordTx(ctx context.Context, tx *sql.Tx, project string, rec *beadRecord) error {
	status := rec.Status
	var closedAt, deletedAt any
	if rec.ClosedAt != 0 {
		closedAt = rec.ClosedAt
	}
	if rec.DeletedAt != 0 {
		deletedAt = rec.DeletedAt
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO beads (
			id, project_key, title, description, issue_type, priority, status,
			parent_id, created_at, updated_at, closed_at, deleted_at, content_hash
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			issue_type = excluded.issue_type,
			priority = excluded.priority,
			status = excluded.status,
			parent_id = excluded.parent_id,
			updated_at = excluded.updated_at,
			closed_at = excluded.closed_at,
			deleted_at = excluded.deleted_at,
			content_hash = excluded.content_hash;
	`, rec.ID, project, rec.Title, rec.Description, rec.IssueType, rec.Priority, status,
		rec.ParentID, rec.CreatedAt, rec.UpdatedAt, closedAt, deletedAt, rec.ContentHash); err != nil {
		return storage.Classify(err)
	}

	// Labels and dependencies are replaced wholesale: the record is the
	// source of truth for its own sets.
	if _, err := tx.ExecContext(ctx, `DELETE FROM bead_labels WHERE bead_id = ?;`, rec.ID); err != nil {
		return storage.Classify(err)
	}
	for _, label := range rec.Labels {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO bead_labels (bead_id, label) VALUES (?, ?);`, rec.ID, label); err != nil {
			return storage.Classify(err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bead_dependencies WHERE bead_id = ?;`, rec.ID); err != nil {
		return storage.Classify(err)
	}
	for _, dep := range rec.Dependencies {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO bead_dependencies (bead_id, depends_on_id, relationship, created_at)
			VALUES (?, ?, ?, ?);
		`, rec.ID, dep.DependsOnID, dep.Relationship, rec.UpdatedAt); err != nil {
			return storage.Classify(err)
		}
	}
	return nil
}

// RebuildCaches recomputes the blocked cache for every imported bead.
// Run once after an import batch; edge inserts bypass the event path.
func (s *Syncer) RebuildCaches(ctx context.Context, project string) error {
	beads, err := s.store.QueryBeads(ctx, hive.BeadFilter{Project: project, IncludeDeleted: true})
	if err != nil {
		return err
	}
	for i := range beads {
		if err := s.store.RebuildBlockedCache(ctx, project, beads[i].ID); err != nil {
			return err
		}
	}
	return nil
}

// ImportMemories parses a memory JSONL export and upserts by id.
// Embeddings are regenerated by the caller when an embedder is
// available; the importer stores content only.
func (s *Syncer) ImportMemories(ctx context.Context, jsonl string, opts ImportOptions) (*ImportResult, error) {
	res := &ImportResult{}
	for i, line := range strings.Split(jsonl, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rec, err := s.vals.parseMemoryLine(line)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: %v", i+1, err))
			continue
		}

		var exists bool
		var one int
		err = s.db.QueryRowContext(ctx, `SELECT 1 FROM memories WHERE id = ?;`, rec.ID).Scan(&one)
		switch err {
		case nil:
			exists = true
		case sql.ErrNoRows:
		default:
			return nil, storage.Classify(err)
		}
		if exists && opts.SkipExisting {
			res.Skipped++
			continue
		}

		metadata := "{}"
		if len(rec.Metadata) > 0 {
			metadata = string(rec.Metadata)
		}
		tags := "[]"
		if len(rec.Tags) > 0 {
			raw, _ := marshalLine(rec.Tags)
			tags = strings.TrimSuffix(raw, "\n")
		}
		confidence := rec.Confidence
		if confidence == 0 {
			confidence = 1
		}
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO memories (id, content, metadata, collection, created_at, confidence, tags)
			VALUES (?, ?, ?, 'default', ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				content = excluded.content,
				metadata = excluded.metadata,
				created_at = excluded.created_at,
				confidence = excluded.confidence,
				tags = excluded.tags;
		`, rec.ID, rec.Information, metadata, rec.CreatedAt, confidence, tags); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("line %d (%s): %v", i+1, rec.ID, err))
			continue
		}
		if exists {
			res.Updated++
		} else {
			res.Created++
		}
	}
	return res, nil
}
