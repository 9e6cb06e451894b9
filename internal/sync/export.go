package sync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/basket/hive/internal/hive"
	"github.com/basket/hive/internal/storage"
)

// Syncer exports and imports the bead and memory projections as JSONL.
type Syncer struct {
	db     *storage.DB
	store  *hive.Store
	vals   *validators
	logger *slog.Logger

	// TombstoneTTL governs how long tombstones survive on import.
	TombstoneTTL time.Duration

	now func() time.Time
}

// NewSyncer builds a Syncer over the store's database.
func NewSyncer(store *hive.Store, logger *slog.Logger) (*Syncer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	vals, err := newValidators()
	if err != nil {
		return nil, err
	}
	return &Syncer{
		db:           store.DB(),
		store:        store,
		vals:         vals,
		logger:       logger,
		TombstoneTTL: DefaultTombstoneTTL,
		now:          time.Now,
	}, nil
}

// ExportOptions scopes an export.
type ExportOptions struct {
	// IncludeTombstones keeps soft-deleted beads in the output as
	// tombstone records. Default true: merges need them to converge.
	IncludeTombstones bool
}

// Export serializes every bead of the project as one compact JSON
// object per line, UTF-8, newline terminated, keys in canonical order.
// The output is byte-reproducible: identical state yields identical
// bytes.
func (s *Syncer) Export(ctx context.Context, project string, opts ExportOptions) (string, error) {
	beads, err := s.store.QueryBeads(ctx, hive.BeadFilter{
		Project:        project,
		IncludeDeleted: opts.IncludeTombstones,
	})
	if err != nil {
		return "", err
	}
	// QueryBeads returns newest first; exports are ordered by id so
	// diffs stay stable under concurrent edits.
	sortBeadsByID(beads)

	var out strings.Builder
	for i := range beads {
		rec, err := s.beadToRecord(ctx, &beads[i])
		if err != nil {
			return "", err
		}
		line, err := marshalLine(rec)
		if err != nil {
			return "", err
		}
		out.WriteString(line)
	}
	return out.String(), nil
}

func (s *Syncer) beadToRecord(ctx context.Context, b *hive.Bead) (*beadRecord, error) {
	rec := &beadRecord{
		ID:          b.ID,
		Title:       b.Title,
		Description: b.Description,
		IssueType:   string(b.IssueType),
		Priority:    b.Priority,
		Status:      string(b.Status),
		ParentID:    b.ParentID,
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
		ContentHash: b.ContentHash,
		Labels:      b.Labels,
	}
	if b.ClosedAt != nil {
		rec.ClosedAt = *b.ClosedAt
	}
	if b.DeletedAt != nil {
		rec.DeletedAt = *b.DeletedAt
		rec.Status = string(hive.StatusTombstone)
	}

	deps, err := s.store.GetDependencies(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	for _, d := range deps {
		rec.Dependencies = append(rec.Dependencies, depRecord{
			DependsOnID:  d.DependsOnID,
			Relationship: string(d.Relationship),
		})
	}

	// The last ledger sequence that touched this bead; merge tie-break.
	var seq int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM events
		WHERE project_key = ? AND json_extract(data, '$.bead_id') = ?;
	`, b.Project, b.ID).Scan(&seq); err != nil {
		return nil, storage.Classify(err)
	}
	rec.Sequence = seq
	return rec, nil
}

// ExportMemories serializes the memory store, omitting embeddings.
func (s *Syncer) ExportMemories(ctx context.Context) (string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, metadata, tags, confidence, created_at
		FROM memories ORDER BY id;
	`)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var out strings.Builder
	for rows.Next() {
		var rec memoryRecord
		var metadata, tags string
		if err := rows.Scan(&rec.ID, &rec.Information, &metadata, &tags, &rec.Confidence, &rec.CreatedAt); err != nil {
			return "", storage.Classify(err)
		}
		if metadata != "" && metadata != "{}" {
			rec.Metadata = []byte(metadata)
		}
		if tags != "" && tags != "[]" {
			rec.Tags = splitJSONStrings(tags)
		}
		line, err := marshalLine(&rec)
		if err != nil {
			return "", err
		}
		out.WriteString(line)
	}
	return out.String(), storage.Classify(rows.Err())
}

func sortBeadsByID(beads []hive.Bead) {
	sort.Slice(beads, func(i, j int) bool { return beads[i].ID < beads[j].ID })
}

func splitJSONStrings(raw string) []string {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
