package hive

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/basket/hive/internal/hiveerr"
	"github.com/basket/hive/internal/storage"
)

// updateProjectionsTx applies one event to the materialized tables. It
// is a pure function of (event, current state): switch-driven on the
// event type, idempotent under the same (id, sequence), and it never
// appends further events — synthesis (epic closure eligibility) happens
// in the write API so replay cannot duplicate ledger rows.
func (s *Store) updateProjectionsTx(ctx context.Context, tx *sql.Tx, pend *pending, ev *Event) error {
	data, err := ev.DataMap()
	if err != nil {
		return hiveerr.Wrap(hiveerr.KindParse, "event data", err)
	}
	d := fields(data)

	switch ev.Type {
	case EvBeadCreated:
		return s.applyBeadCreated(ctx, tx, pend, ev, d)
	case EvBeadUpdated:
		return s.applyBeadUpdated(ctx, tx, pend, ev, d)
	case EvBeadStatusChanged:
		return s.applyStatusChanged(ctx, tx, pend, ev, d)
	case EvBeadClosed:
		return s.applyBeadClosed(ctx, tx, pend, ev, d)
	case EvBeadReopened:
		return s.applyBeadReopened(ctx, tx, pend, ev, d)
	case EvBeadDeleted:
		return s.applyBeadDeleted(ctx, tx, pend, ev, d)
	case EvBeadCompacted:
		// Historical-event removal is administrative; the projection row
		// was already tombstoned by bead_deleted + TTL expiry.
		return nil
	case EvBeadDependencyAdded:
		return s.applyDependencyAdded(ctx, tx, pend, ev, d)
	case EvBeadDependencyRemoved:
		return s.applyDependencyRemoved(ctx, tx, pend, ev, d)
	case EvBeadLabelAdded:
		return s.applyLabel(ctx, tx, pend, ev, d, true)
	case EvBeadLabelRemoved:
		return s.applyLabel(ctx, tx, pend, ev, d, false)
	case EvBeadCommentAdded:
		return s.applyCommentAdded(ctx, tx, ev, d)
	case EvBeadCommentUpdated:
		_, err := tx.ExecContext(ctx, `UPDATE bead_comments SET body = ? WHERE id = ?;`, d.str("body"), d.i64("comment_id"))
		return storage.Classify(err)
	case EvBeadCommentDeleted:
		_, err := tx.ExecContext(ctx, `UPDATE bead_comments SET deleted_at = ? WHERE id = ?;`, ev.TsMs, d.i64("comment_id"))
		return storage.Classify(err)
	case EvEpicClosureEligible:
		// Consumed by the coordinator off the ledger; no projection.
		return nil
	case EvAgentRegistered:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agents (project_key, name, program, model, registered_at, last_seen_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(project_key, name) DO UPDATE SET
				program = excluded.program,
				model = excluded.model,
				last_seen_at = excluded.last_seen_at;
		`, ev.Project, d.str("name"), d.str("program"), d.str("model"), ev.TsMs, ev.TsMs)
		return storage.Classify(err)
	case EvAgentSeen:
		_, err := tx.ExecContext(ctx, `
			UPDATE agents SET last_seen_at = ? WHERE project_key = ? AND name = ?;
		`, ev.TsMs, ev.Project, d.str("name"))
		return storage.Classify(err)
	case EvMessageSent:
		recipients, _ := json.Marshal(d.strs("recipients"))
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO messages (id, project_key, sender, recipients, subject, body, created_at, read_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, COALESCE((SELECT read_by FROM messages WHERE id = ?), '[]'));
		`, d.i64("message_id"), ev.Project, d.str("sender"), string(recipients), d.str("subject"), d.str("body"), ev.TsMs, d.i64("message_id"))
		return storage.Classify(err)
	case EvMessageRead:
		return s.applyMessageRead(ctx, tx, d)
	case EvReservationAcquired:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO reservations (project_key, agent, file_glob, acquired_at, expires_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(project_key, agent, file_glob) DO UPDATE SET
				acquired_at = excluded.acquired_at,
				expires_at = excluded.expires_at;
		`, ev.Project, d.str("agent"), d.str("file_glob"), ev.TsMs, d.i64("expires_at"))
		return storage.Classify(err)
	case EvReservationReleased:
		_, err := tx.ExecContext(ctx, `
			DELETE FROM reservations WHERE project_key = ? AND agent = ? AND file_glob = ?;
		`, ev.Project, d.str("agent"), d.str("file_glob"))
		return storage.Classify(err)
	case EvDecisionRecorded:
		return s.applyDecisionRecorded(ctx, tx, ev, d)
	default:
		s.logger.Warn("unknown event type, projection skipped", "type", ev.Type, "sequence", ev.Sequence)
		return nil
	}
}

func (s *Store) applyBeadCreated(ctx context.Context, tx *sql.Tx, pend *pending, ev *Event, d eventFields) error {
	beadID := d.str("bead_id")
	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO beads (
			id, project_key, title, description, issue_type, priority, status,
			parent_id, assignee, created_by, created_at, updated_at, content_hash
		)
		VALUES (?, ?, ?, ?, ?, ?, 'open', NULLIF(?, ''), ?, ?, ?, ?, '');
	`, beadID, ev.Project, d.str("title"), d.str("description"),
		d.strOr("issue_type", string(TypeTask)), d.i64("priority"),
		d.str("parent_id"), d.str("assignee"), d.str("created_by"), ev.TsMs, ev.TsMs)
	if err != nil {
		return storage.Classify(err)
	}
	for _, label := range d.strs("labels") {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO bead_labels (bead_id, label) VALUES (?, ?);
		`, beadID, label); err != nil {
			return storage.Classify(err)
		}
	}
	if err := s.recomputeHashTx(ctx, tx, beadID); err != nil {
		return err
	}
	return s.markDirtyTx(ctx, tx, pend, ev.Project, beadID, ev.TsMs)
}

func (s *Store) applyBeadUpdated(ctx context.Context, tx *sql.Tx, pend *pending, ev *Event, d eventFields) error {
	beadID := d.str("bead_id")
	sets := "updated_at = ?"
	args := []any{ev.TsMs}
	for _, col := range []string{"title", "description", "issue_type", "assignee"} {
		if v, ok := d[col]; ok {
			sets += ", " + col + " = ?"
			args = append(args, toString(v))
		}
	}
	if v, ok := d["priority"]; ok {
		sets += ", priority = ?"
		args = append(args, toInt64(v))
	}
	args = append(args, beadID)
	res, err := tx.ExecContext(ctx, `UPDATE beads SET `+sets+` WHERE id = ?;`, args...)
	if err != nil {
		return storage.Classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hiveerr.Newf(hiveerr.KindNotFound, "bead %s", beadID)
	}
	if err := s.recomputeHashTx(ctx, tx, beadID); err != nil {
		return err
	}
	return s.markDirtyTx(ctx, tx, pend, ev.Project, beadID, ev.TsMs)
}

func (s *Store) applyStatusChanged(ctx context.Context, tx *sql.Tx, pend *pending, ev *Event, d eventFields) error {
	beadID := d.str("bead_id")
	to := Status(d.str("to"))
	if !ValidStatus(to) {
		return hiveerr.Newf(hiveerr.KindMismatch, "invalid status %q", to)
	}
	var closedAt any
	if to == StatusClosed {
		closedAt = ev.TsMs
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE beads SET status = ?, updated_at = ?,
			closed_at = CASE WHEN ? THEN ? ELSE closed_at END
		WHERE id = ?;
	`, string(to), ev.TsMs, to == StatusClosed, closedAt, beadID)
	if err != nil {
		return storage.Classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hiveerr.Newf(hiveerr.KindNotFound, "bead %s", beadID)
	}
	if err := s.recomputeHashTx(ctx, tx, beadID); err != nil {
		return err
	}
	// Closing or reopening a blocker changes its dependents' readiness.
	if to == StatusClosed || Status(d.str("from")) == StatusClosed {
		if err := s.invalidateBlockedCacheTx(ctx, tx, ev.Project, beadID, ev.TsMs); err != nil {
			return err
		}
	}
	return s.markDirtyTx(ctx, tx, pend, ev.Project, beadID, ev.TsMs)
}

func (s *Store) applyBeadClosed(ctx context.Context, tx *sql.Tx, pend *pending, ev *Event, d eventFields) error {
	beadID := d.str("bead_id")
	files, _ := json.Marshal(d.strs("files_touched"))
	res, err := tx.ExecContext(ctx, `
		UPDATE beads SET status = 'closed', updated_at = ?, closed_at = ?,
			close_reason = ?, files_touched = ?
		WHERE id = ?;
	`, ev.TsMs, ev.TsMs, d.str("reason"), string(files), beadID)
	if err != nil {
		return storage.Classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hiveerr.Newf(hiveerr.KindNotFound, "bead %s", beadID)
	}
	if err := s.recomputeHashTx(ctx, tx, beadID); err != nil {
		return err
	}
	if err := s.invalidateBlockedCacheTx(ctx, tx, ev.Project, beadID, ev.TsMs); err != nil {
		return err
	}
	return s.markDirtyTx(ctx, tx, pend, ev.Project, beadID, ev.TsMs)
}

func (s *Store) applyBeadReopened(ctx context.Context, tx *sql.Tx, pend *pending, ev *Event, d eventFields) error {
	beadID := d.str("bead_id")
	res, err := tx.ExecContext(ctx, `
		UPDATE beads SET status = 'open', updated_at = ?, closed_at = NULL, close_reason = ''
		WHERE id = ?;
	`, ev.TsMs, beadID)
	if err != nil {
		return storage.Classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hiveerr.Newf(hiveerr.KindNotFound, "bead %s", beadID)
	}
	if err := s.recomputeHashTx(ctx, tx, beadID); err != nil {
		return err
	}
	if err := s.invalidateBlockedCacheTx(ctx, tx, ev.Project, beadID, ev.TsMs); err != nil {
		return err
	}
	return s.markDirtyTx(ctx, tx, pend, ev.Project, beadID, ev.TsMs)
}

func (s *Store) applyBeadDeleted(ctx context.Context, tx *sql.Tx, pend *pending, ev *Event, d eventFields) error {
	beadID := d.str("bead_id")
	res, err := tx.ExecContext(ctx, `
		UPDATE beads SET deleted_at = ?, updated_at = ? WHERE id = ?;
	`, ev.TsMs, ev.TsMs, beadID)
	if err != nil {
		return storage.Classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hiveerr.Newf(hiveerr.KindNotFound, "bead %s", beadID)
	}
	if err := s.invalidateBlockedCacheTx(ctx, tx, ev.Project, beadID, ev.TsMs); err != nil {
		return err
	}
	return s.markDirtyTx(ctx, tx, pend, ev.Project, beadID, ev.TsMs)
}

func (s *Store) applyDependencyAdded(ctx context.Context, tx *sql.Tx, pend *pending, ev *Event, d eventFields) error {
	beadID := d.str("bead_id")
	dependsOn := d.str("depends_on_id")
	rel := Relationship(d.strOr("relationship", string(RelBlocks)))

	if rel == RelBlocks {
		cyclePath, err := s.wouldCreateCycleTx(ctx, tx, beadID, dependsOn)
		if err != nil {
			return err
		}
		if cyclePath != nil {
			return hiveerr.Cycle(cyclePath)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO bead_dependencies (bead_id, depends_on_id, relationship, created_at)
		VALUES (?, ?, ?, ?);
	`, beadID, dependsOn, string(rel), ev.TsMs); err != nil {
		return storage.Classify(err)
	}
	if err := s.recomputeHashTx(ctx, tx, beadID); err != nil {
		return err
	}
	if rel == RelBlocks {
		if err := s.invalidateBlockedCacheTx(ctx, tx, ev.Project, beadID, ev.TsMs); err != nil {
			return err
		}
	}
	return s.markDirtyTx(ctx, tx, pend, ev.Project, beadID, ev.TsMs)
}

func (s *Store) applyDependencyRemoved(ctx context.Context, tx *sql.Tx, pend *pending, ev *Event, d eventFields) error {
	beadID := d.str("bead_id")
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM bead_dependencies WHERE bead_id = ? AND depends_on_id = ?;
	`, beadID, d.str("depends_on_id")); err != nil {
		return storage.Classify(err)
	}
	if err := s.recomputeHashTx(ctx, tx, beadID); err != nil {
		return err
	}
	if err := s.invalidateBlockedCacheTx(ctx, tx, ev.Project, beadID, ev.TsMs); err != nil {
		return err
	}
	return s.markDirtyTx(ctx, tx, pend, ev.Project, beadID, ev.TsMs)
}

func (s *Store) applyLabel(ctx context.Context, tx *sql.Tx, pend *pending, ev *Event, d eventFields, add bool) error {
	beadID := d.str("bead_id")
	var err error
	if add {
		_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO bead_labels (bead_id, label) VALUES (?, ?);`, beadID, d.str("label"))
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM bead_labels WHERE bead_id = ? AND label = ?;`, beadID, d.str("label"))
	}
	if err != nil {
		return storage.Classify(err)
	}
	if err := s.recomputeHashTx(ctx, tx, beadID); err != nil {
		return err
	}
	return s.markDirtyTx(ctx, tx, pend, ev.Project, beadID, ev.TsMs)
}

func (s *Store) applyCommentAdded(ctx context.Context, tx *sql.Tx, ev *Event, d eventFields) error {
	var parent any
	if v, ok := d["parent_comment_id"]; ok {
		parent = toInt64(v)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO bead_comments (id, bead_id, author, body, parent_comment_id, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, d.i64("comment_id"), d.str("bead_id"), d.str("author"), d.str("body"), parent, ev.TsMs, d.strOr("metadata", "{}"))
	return storage.Classify(err)
}

func (s *Store) applyMessageRead(ctx context.Context, tx *sql.Tx, d eventFields) error {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT read_by FROM messages WHERE id = ?;`, d.i64("message_id")).Scan(&raw)
	if err == sql.ErrNoRows {
		return hiveerr.Newf(hiveerr.KindNotFound, "message %d", d.i64("message_id"))
	}
	if err != nil {
		return storage.Classify(err)
	}
	readBy := unmarshalStrings(raw)
	reader := d.str("reader")
	for _, r := range readBy {
		if r == reader {
			return nil
		}
	}
	readBy = append(readBy, reader)
	_, err = tx.ExecContext(ctx, `UPDATE messages SET read_by = ? WHERE id = ?;`, marshalStrings(readBy), d.i64("message_id"))
	return storage.Classify(err)
}

func (s *Store) applyDecisionRecorded(ctx context.Context, tx *sql.Tx, ev *Event, d eventFields) error {
	var outcome any
	if v, ok := d["outcome_event_id"]; ok {
		outcome = toInt64(v)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO decision_traces (
			id, decision_type, epic_id, bead_id, agent_name, project_key,
			decision, rationale, inputs_gathered, policy_evaluated,
			alternatives, precedent_cited, outcome_event_id, ts_ms
		)
		VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?);
	`, d.i64("decision_id"), d.str("decision_type"), d.str("epic_id"), d.str("bead_id"),
		d.str("agent_name"), ev.Project, d.strOr("decision", "{}"), d.str("rationale"),
		d.str("inputs_gathered"), d.str("policy_evaluated"), d.str("alternatives"),
		d.str("precedent_cited"), outcome, ev.TsMs)
	return storage.Classify(err)
}

// recomputeHashTx refreshes content_hash from the bead's current
// semantic fields, labels and blocks edges.
func (s *Store) recomputeHashTx(ctx context.Context, tx *sql.Tx, beadID string) error {
	b := Bead{}
	err := tx.QueryRowContext(ctx, `
		SELECT id, title, description, issue_type, priority, status, COALESCE(parent_id, '')
		FROM beads WHERE id = ?;
	`, beadID).Scan(&b.ID, &b.Title, &b.Description, &b.IssueType, &b.Priority, &b.Status, &b.ParentID)
	if err == sql.ErrNoRows {
		return hiveerr.Newf(hiveerr.KindNotFound, "bead %s", beadID)
	}
	if err != nil {
		return storage.Classify(err)
	}

	labels, err := scanStringsTx(ctx, tx, `SELECT label FROM bead_labels WHERE bead_id = ? ORDER BY label;`, beadID)
	if err != nil {
		return err
	}
	deps, err := scanStringsTx(ctx, tx, `SELECT depends_on_id FROM bead_dependencies WHERE bead_id = ? AND relationship = 'blocks' ORDER BY depends_on_id;`, beadID)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `UPDATE beads SET content_hash = ? WHERE id = ?;`, ContentHashOf(&b, labels, deps), beadID)
	return storage.Classify(err)
}

func (s *Store) markDirtyTx(ctx context.Context, tx *sql.Tx, pend *pending, project, beadID string, tsMs int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dirty_beads (bead_id, project_key, marked_at) VALUES (?, ?, ?)
		ON CONFLICT(bead_id) DO UPDATE SET marked_at = excluded.marked_at;
	`, beadID, project, tsMs); err != nil {
		return storage.Classify(err)
	}
	pend.markDirty(project, beadID)
	return nil
}

func scanStringsTx(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.Classify(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, storage.Classify(err)
		}
		out = append(out, s)
	}
	return out, storage.Classify(rows.Err())
}

// eventFields is a lightly typed view over an event's data map.
type eventFields map[string]any

func fields(m map[string]any) eventFields { return eventFields(m) }

func (d eventFields) str(key string) string { return toString(d[key]) }

func (d eventFields) strOr(key, fallback string) string {
	if v, ok := d[key]; ok {
		if s := toString(v); s != "" {
			return s
		}
	}
	return fallback
}

func (d eventFields) i64(key string) int64 { return toInt64(d[key]) }

func (d eventFields) strs(key string) []string {
	switch v := d[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, toString(item))
		}
		return out
	}
	return nil
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}
