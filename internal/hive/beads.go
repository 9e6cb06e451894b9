package hive

import (
	"context"
	"database/sql"

	"github.com/basket/hive/internal/hiveerr"
	hiveotel "github.com/basket/hive/internal/otel"
	"github.com/basket/hive/internal/shared"
	"github.com/basket/hive/internal/storage"
)

// CreateBeadParams carries the caller-supplied fields for a new bead.
type CreateBeadParams struct {
	ID          string // optional; minted when empty
	Title       string
	Description string
	IssueType   IssueType
	Priority    int
	ParentID    string
	Assignee    string
	CreatedBy   string
	Labels      []string
}

// CreateBead appends bead_created and materializes the new bead. A bead
// with a parent gets a "parent.N" subtask id unless the caller supplied
// one.
func (s *Store) CreateBead(ctx context.Context, project string, p CreateBeadParams) (string, error) {
	ctx, span := hiveotel.StartSpan(ctx, s.tracer, "hive.create_bead", hiveotel.AttrProject.String(project))
	defer span.End()

	if p.Title == "" {
		return "", hiveerr.New(hiveerr.KindMismatch, "bead title is required")
	}
	if p.IssueType == "" {
		p.IssueType = TypeTask
	}
	if !ValidIssueType(p.IssueType) {
		return "", hiveerr.Newf(hiveerr.KindMismatch, "invalid issue type %q", p.IssueType)
	}
	if p.Priority < 0 || p.Priority > 3 {
		return "", hiveerr.Newf(hiveerr.KindMismatch, "priority %d out of range 0..3", p.Priority)
	}
	if p.CreatedBy == "" {
		p.CreatedBy = shared.Agent(ctx)
	}

	beadID := p.ID
	err := s.mutate(ctx, func(tx *sql.Tx, pend *pending) error {
		if beadID == "" {
			if p.ParentID != "" {
				id, err := s.nextChildIDTx(ctx, tx, p.ParentID)
				if err != nil {
					return err
				}
				beadID = id
			} else {
				beadID = NewBeadID()
			}
		}
		_, err := s.appendEventTx(ctx, tx, pend, EvBeadCreated, project, map[string]any{
			"bead_id":     beadID,
			"title":       p.Title,
			"description": p.Description,
			"issue_type":  string(p.IssueType),
			"priority":    p.Priority,
			"parent_id":   p.ParentID,
			"assignee":    p.Assignee,
			"created_by":  p.CreatedBy,
			"labels":      p.Labels,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	return beadID, nil
}

// UpdateBeadParams carries optional field updates; nil means unchanged.
type UpdateBeadParams struct {
	Title       *string
	Description *string
	IssueType   *IssueType
	Priority    *int
	Assignee    *string
}

// UpdateBead appends bead_updated with only the changed fields.
func (s *Store) UpdateBead(ctx context.Context, project, beadID string, p UpdateBeadParams) error {
	data := map[string]any{"bead_id": beadID}
	if p.Title != nil {
		data["title"] = *p.Title
	}
	if p.Description != nil {
		data["description"] = *p.Description
	}
	if p.IssueType != nil {
		if !ValidIssueType(*p.IssueType) {
			return hiveerr.Newf(hiveerr.KindMismatch, "invalid issue type %q", *p.IssueType)
		}
		data["issue_type"] = string(*p.IssueType)
	}
	if p.Priority != nil {
		if *p.Priority < 0 || *p.Priority > 3 {
			return hiveerr.Newf(hiveerr.KindMismatch, "priority %d out of range 0..3", *p.Priority)
		}
		data["priority"] = *p.Priority
	}
	if p.Assignee != nil {
		data["assignee"] = *p.Assignee
	}
	if len(data) == 1 {
		return nil
	}
	return s.mutate(ctx, func(tx *sql.Tx, pend *pending) error {
		_, err := s.appendEventTx(ctx, tx, pend, EvBeadUpdated, project, data)
		return err
	})
}

// SetBeadStatus appends bead_status_changed. Closing goes through
// CloseBead so reason and epic bookkeeping aren't skipped.
func (s *Store) SetBeadStatus(ctx context.Context, project, beadID string, to Status) error {
	if !ValidStatus(to) {
		return hiveerr.Newf(hiveerr.KindMismatch, "invalid status %q", to)
	}
	return s.mutate(ctx, func(tx *sql.Tx, pend *pending) error {
		from, err := s.beadStatusTx(ctx, tx, beadID)
		if err != nil {
			return err
		}
		if from == to {
			return nil
		}
		_, err = s.appendEventTx(ctx, tx, pend, EvBeadStatusChanged, project, map[string]any{
			"bead_id": beadID,
			"from":    string(from),
			"to":      string(to),
		})
		return err
	})
}

// CloseBead appends bead_closed with the reason and files touched. When
// the closed bead's parent is an epic whose children are now all closed,
// a synthetic bead_epic_closure_eligible event is appended in the same
// transaction for the coordinator to consume.
func (s *Store) CloseBead(ctx context.Context, project, beadID, reason string, filesTouched []string) error {
	ctx, span := hiveotel.StartSpan(ctx, s.tracer, "hive.close_bead",
		hiveotel.AttrProject.String(project), hiveotel.AttrBeadID.String(beadID))
	defer span.End()

	return s.mutate(ctx, func(tx *sql.Tx, pend *pending) error {
		var createdAt int64
		var parentID sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT created_at, parent_id FROM beads WHERE id = ?;`, beadID).Scan(&createdAt, &parentID)
		if err == sql.ErrNoRows {
			return hiveerr.Newf(hiveerr.KindNotFound, "bead %s", beadID)
		}
		if err != nil {
			return storage.Classify(err)
		}

		if _, err := s.appendEventTx(ctx, tx, pend, EvBeadClosed, project, map[string]any{
			"bead_id":       beadID,
			"reason":        reason,
			"files_touched": filesTouched,
			"duration_ms":   s.nowMs() - createdAt,
		}); err != nil {
			return err
		}

		if !parentID.Valid || parentID.String == "" {
			return nil
		}
		eligible, err := s.epicClosureEligibleTx(ctx, tx, parentID.String)
		if err != nil {
			return err
		}
		if eligible {
			if _, err := s.appendEventTx(ctx, tx, pend, EvEpicClosureEligible, project, map[string]any{
				"epic_id":      parentID.String,
				"triggered_by": beadID,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// epicClosureEligibleTx reports whether parent is an open epic with all
// children closed.
func (s *Store) epicClosureEligibleTx(ctx context.Context, tx *sql.Tx, epicID string) (bool, error) {
	var issueType string
	var status string
	err := tx.QueryRowContext(ctx, `SELECT issue_type, status FROM beads WHERE id = ?;`, epicID).Scan(&issueType, &status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, storage.Classify(err)
	}
	if IssueType(issueType) != TypeEpic || Status(status) == StatusClosed {
		return false, nil
	}
	var openChildren int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM beads
		WHERE parent_id = ? AND status != 'closed' AND deleted_at IS NULL;
	`, epicID).Scan(&openChildren); err != nil {
		return false, storage.Classify(err)
	}
	return openChildren == 0, nil
}

// ReopenBead appends bead_reopened: status back to open, closed_at
// cleared, dependents' caches rebuilt.
func (s *Store) ReopenBead(ctx context.Context, project, beadID string) error {
	return s.mutate(ctx, func(tx *sql.Tx, pend *pending) error {
		_, err := s.appendEventTx(ctx, tx, pend, EvBeadReopened, project, map[string]any{
			"bead_id": beadID,
		})
		return err
	})
}

// DeleteBead soft-deletes: deleted_at set, row retained for tombstone
// export until the TTL expires.
func (s *Store) DeleteBead(ctx context.Context, project, beadID string) error {
	return s.mutate(ctx, func(tx *sql.Tx, pend *pending) error {
		_, err := s.appendEventTx(ctx, tx, pend, EvBeadDeleted, project, map[string]any{
			"bead_id": beadID,
		})
		return err
	})
}

// CompactBead records that a bead's historical events were removed by an
// administrative compaction pass.
func (s *Store) CompactBead(ctx context.Context, project, beadID string) error {
	return s.mutate(ctx, func(tx *sql.Tx, pend *pending) error {
		_, err := s.appendEventTx(ctx, tx, pend, EvBeadCompacted, project, map[string]any{
			"bead_id": beadID,
		})
		return err
	})
}

// AddDependency appends bead_dependency_added. "blocked-by" is stored as
// the inverse blocks edge; cycle attempts fail with Cycle and roll the
// whole transaction back.
func (s *Store) AddDependency(ctx context.Context, project, beadID, dependsOnID string, rel Relationship) error {
	if rel == "" {
		rel = RelBlocks
	}
	if rel == "blocked-by" {
		// Computed relation: store the inverse edge.
		beadID, dependsOnID = dependsOnID, beadID
		rel = RelBlocks
	}
	switch rel {
	case RelBlocks, RelRelated, RelDiscoveredFrom:
	default:
		return hiveerr.Newf(hiveerr.KindMismatch, "invalid relationship %q", rel)
	}
	return s.mutate(ctx, func(tx *sql.Tx, pend *pending) error {
		_, err := s.appendEventTx(ctx, tx, pend, EvBeadDependencyAdded, project, map[string]any{
			"bead_id":       beadID,
			"depends_on_id": dependsOnID,
			"relationship":  string(rel),
		})
		return err
	})
}

// RemoveDependency appends bead_dependency_removed.
func (s *Store) RemoveDependency(ctx context.Context, project, beadID, dependsOnID string) error {
	return s.mutate(ctx, func(tx *sql.Tx, pend *pending) error {
		_, err := s.appendEventTx(ctx, tx, pend, EvBeadDependencyRemoved, project, map[string]any{
			"bead_id":       beadID,
			"depends_on_id": dependsOnID,
		})
		return err
	})
}

// AddLabel appends bead_label_added.
func (s *Store) AddLabel(ctx context.Context, project, beadID, label string) error {
	return s.mutate(ctx, func(tx *sql.Tx, pend *pending) error {
		_, err := s.appendEventTx(ctx, tx, pend, EvBeadLabelAdded, project, map[string]any{
			"bead_id": beadID,
			"label":   label,
		})
		return err
	})
}

// RemoveLabel appends bead_label_removed.
func (s *Store) RemoveLabel(ctx context.Context, project, beadID, label string) error {
	return s.mutate(ctx, func(tx *sql.Tx, pend *pending) error {
		_, err := s.appendEventTx(ctx, tx, pend, EvBeadLabelRemoved, project, map[string]any{
			"bead_id": beadID,
			"label":   label,
		})
		return err
	})
}

// AddComment appends bead_comment_added. Comment ids are allocated at
// append time and carried in the event so replay is deterministic.
func (s *Store) AddComment(ctx context.Context, project, beadID, author, body string, parentCommentID *int64) (int64, error) {
	var commentID int64
	err := s.mutate(ctx, func(tx *sql.Tx, pend *pending) error {
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM bead_comments;`).Scan(&commentID); err != nil {
			return storage.Classify(err)
		}
		data := map[string]any{
			"bead_id":    beadID,
			"comment_id": commentID,
			"author":     author,
			"body":       body,
		}
		if parentCommentID != nil {
			data["parent_comment_id"] = *parentCommentID
		}
		_, err := s.appendEventTx(ctx, tx, pend, EvBeadCommentAdded, project, data)
		return err
	})
	if err != nil {
		return 0, err
	}
	return commentID, nil
}

// UpdateComment appends bead_comment_updated.
func (s *Store) UpdateComment(ctx context.Context, project string, commentID int64, body string) error {
	return s.mutate(ctx, func(tx *sql.Tx, pend *pending) error {
		_, err := s.appendEventTx(ctx, tx, pend, EvBeadCommentUpdated, project, map[string]any{
			"comment_id": commentID,
			"body":       body,
		})
		return err
	})
}

// DeleteComment appends bead_comment_deleted.
func (s *Store) DeleteComment(ctx context.Context, project string, commentID int64) error {
	return s.mutate(ctx, func(tx *sql.Tx, pend *pending) error {
		_, err := s.appendEventTx(ctx, tx, pend, EvBeadCommentDeleted, project, map[string]any{
			"comment_id": commentID,
		})
		return err
	})
}

func (s *Store) beadStatusTx(ctx context.Context, tx *sql.Tx, beadID string) (Status, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM beads WHERE id = ?;`, beadID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", hiveerr.Newf(hiveerr.KindNotFound, "bead %s", beadID)
	}
	if err != nil {
		return "", storage.Classify(err)
	}
	return Status(status), nil
}
