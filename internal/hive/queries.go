package hive

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/basket/hive/internal/hiveerr"
	"github.com/basket/hive/internal/storage"
)

const beadColumns = `
	id, project_key, title, description, issue_type, priority, status,
	COALESCE(parent_id, ''), assignee, created_by, close_reason, files_touched,
	created_at, updated_at, closed_at, deleted_at, content_hash`

func scanBead(scan func(dest ...any) error) (Bead, error) {
	var b Bead
	var files string
	var closedAt, deletedAt sql.NullInt64
	if err := scan(
		&b.ID, &b.Project, &b.Title, &b.Description, &b.IssueType, &b.Priority, &b.Status,
		&b.ParentID, &b.Assignee, &b.CreatedBy, &b.CloseReason, &files,
		&b.CreatedAt, &b.UpdatedAt, &closedAt, &deletedAt, &b.ContentHash,
	); err != nil {
		return Bead{}, storage.Classify(err)
	}
	b.FilesTouched = unmarshalStrings(files)
	if closedAt.Valid {
		v := closedAt.Int64
		b.ClosedAt = &v
	}
	if deletedAt.Valid {
		v := deletedAt.Int64
		b.DeletedAt = &v
	}
	return b, nil
}

// GetBead returns one bead with its labels.
func (s *Store) GetBead(ctx context.Context, id string) (Bead, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+beadColumns+` FROM beads WHERE id = ?;`, id)
	b, err := scanBead(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Bead{}, hiveerr.Newf(hiveerr.KindNotFound, "bead %s", id)
		}
		return Bead{}, err
	}
	b.Labels, err = s.GetLabels(ctx, id)
	return b, err
}

// QueryBeads returns beads matching the filter, newest first.
func (s *Store) QueryBeads(ctx context.Context, f BeadFilter) ([]Bead, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT` + beadColumns + ` FROM beads WHERE 1=1`)
	var args []any

	if f.Project != "" {
		query.WriteString(` AND project_key = ?`)
		args = append(args, f.Project)
	}
	if len(f.Statuses) > 0 {
		query.WriteString(` AND status IN (?` + strings.Repeat(",?", len(f.Statuses)-1) + `)`)
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if len(f.IssueTypes) > 0 {
		query.WriteString(` AND issue_type IN (?` + strings.Repeat(",?", len(f.IssueTypes)-1) + `)`)
		for _, t := range f.IssueTypes {
			args = append(args, string(t))
		}
	}
	if f.ParentID != "" {
		query.WriteString(` AND parent_id = ?`)
		args = append(args, f.ParentID)
	}
	if f.Assignee != "" {
		query.WriteString(` AND assignee = ?`)
		args = append(args, f.Assignee)
	}
	if f.Label != "" {
		query.WriteString(` AND id IN (SELECT bead_id FROM bead_labels WHERE label = ?)`)
		args = append(args, f.Label)
	}
	if !f.IncludeDeleted {
		query.WriteString(` AND deleted_at IS NULL`)
	}
	query.WriteString(` ORDER BY created_at DESC, id`)
	if f.Limit > 0 {
		query.WriteString(` LIMIT ?`)
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query.WriteString(` OFFSET ?`)
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Bead
	for rows.Next() {
		b, err := scanBead(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, storage.Classify(rows.Err())
}

// GetDependencies returns the beads id depends on.
func (s *Store) GetDependencies(ctx context.Context, id string) ([]Dependency, error) {
	return s.queryDeps(ctx, `SELECT bead_id, depends_on_id, relationship, created_at FROM bead_dependencies WHERE bead_id = ? ORDER BY depends_on_id;`, id)
}

// GetDependents returns the beads that depend on id.
func (s *Store) GetDependents(ctx context.Context, id string) ([]Dependency, error) {
	return s.queryDeps(ctx, `SELECT bead_id, depends_on_id, relationship, created_at FROM bead_dependencies WHERE depends_on_id = ? ORDER BY bead_id;`, id)
}

func (s *Store) queryDeps(ctx context.Context, query, id string) ([]Dependency, error) {
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Dependency
	for rows.Next() {
		var d Dependency
		if err := rows.Scan(&d.BeadID, &d.DependsOnID, &d.Relationship, &d.CreatedAt); err != nil {
			return nil, storage.Classify(err)
		}
		out = append(out, d)
	}
	return out, storage.Classify(rows.Err())
}

// GetBlockers returns the cached open transitive blockers of a bead.
// Absence of a cache row means unblocked.
func (s *Store) GetBlockers(ctx context.Context, id string) ([]string, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT blocker_ids FROM blocked_beads_cache WHERE bead_id = ?;`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Classify(err)
	}
	return unmarshalStrings(raw), nil
}

// GetBlocked returns every bead in the project with a cache row.
func (s *Store) GetBlocked(ctx context.Context, project string) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bead_id, blocker_ids FROM blocked_beads_cache WHERE project_key = ?;
	`, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]string{}
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, storage.Classify(err)
		}
		out[id] = unmarshalStrings(raw)
	}
	return out, storage.Classify(rows.Err())
}

// GetNextReady returns the id of the next ready bead: status open or
// in_progress, not deleted, no blocked-cache row. Tie-break is higher
// priority first (lower number), then earlier created_at, then
// lexicographic id.
func (s *Store) GetNextReady(ctx context.Context, project string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT b.id FROM beads b
		WHERE b.project_key = ?
		  AND b.status IN ('open', 'in_progress')
		  AND b.deleted_at IS NULL
		  AND NOT EXISTS (SELECT 1 FROM blocked_beads_cache c WHERE c.bead_id = b.id)
		ORDER BY b.priority ASC, b.created_at ASC, b.id ASC
		LIMIT 1;
	`, project).Scan(&id)
	if err == sql.ErrNoRows {
		return "", hiveerr.Newf(hiveerr.KindNotFound, "no ready beads in %s", project)
	}
	if err != nil {
		return "", storage.Classify(err)
	}
	return id, nil
}

// GetComments returns a bead's comment tree in creation order,
// excluding deleted comments.
func (s *Store) GetComments(ctx context.Context, beadID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bead_id, author, body, parent_comment_id, created_at, metadata
		FROM bead_comments
		WHERE bead_id = ? AND deleted_at IS NULL
		ORDER BY created_at, id;
	`, beadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Comment
	for rows.Next() {
		var c Comment
		var parent sql.NullInt64
		if err := rows.Scan(&c.ID, &c.BeadID, &c.Author, &c.Body, &parent, &c.CreatedAt, &c.Metadata); err != nil {
			return nil, storage.Classify(err)
		}
		if parent.Valid {
			v := parent.Int64
			c.ParentCommentID = &v
		}
		out = append(out, c)
	}
	return out, storage.Classify(rows.Err())
}

// GetLabels returns a bead's label set, sorted.
func (s *Store) GetLabels(ctx context.Context, beadID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT label FROM bead_labels WHERE bead_id = ? ORDER BY label;`, beadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, storage.Classify(err)
		}
		out = append(out, label)
	}
	return out, storage.Classify(rows.Err())
}

// GetDirty returns the beads awaiting JSONL flush, oldest first.
func (s *Store) GetDirty(ctx context.Context, project string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bead_id FROM dirty_beads WHERE project_key = ? ORDER BY marked_at, bead_id;
	`, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storage.Classify(err)
		}
		out = append(out, id)
	}
	return out, storage.Classify(rows.Err())
}

// ClearDirty removes flushed beads from the dirty set.
func (s *Store) ClearDirty(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM dirty_beads WHERE bead_id IN (?`+strings.Repeat(",?", len(ids)-1)+`);
	`, args...)
	return err
}

// ListAgents returns the project's registered agents.
func (s *Store) ListAgents(ctx context.Context, project string) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_key, name, program, model, registered_at, last_seen_at
		FROM agents WHERE project_key = ? ORDER BY name;
	`, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.Project, &a.Name, &a.Program, &a.Model, &a.RegisteredAt, &a.LastSeenAt); err != nil {
			return nil, storage.Classify(err)
		}
		out = append(out, a)
	}
	return out, storage.Classify(rows.Err())
}

// ListMessages returns the project's messages, optionally filtered to a
// recipient (matching the recipient list or broadcast), oldest first.
func (s *Store) ListMessages(ctx context.Context, project, recipient string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_key, sender, recipients, subject, body, created_at, read_by
		FROM messages WHERE project_key = ? ORDER BY id;
	`, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		var recipients, readBy string
		if err := rows.Scan(&m.ID, &m.Project, &m.Sender, &recipients, &m.Subject, &m.Body, &m.CreatedAt, &readBy); err != nil {
			return nil, storage.Classify(err)
		}
		m.Recipients = unmarshalStrings(recipients)
		m.ReadBy = unmarshalStrings(readBy)
		if recipient != "" && !containsString(m.Recipients, recipient) && len(m.Recipients) > 0 {
			continue
		}
		out = append(out, m)
	}
	return out, storage.Classify(rows.Err())
}

// ListReservations returns the project's active leases.
func (s *Store) ListReservations(ctx context.Context, project string) ([]Reservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_key, agent, file_glob, acquired_at, expires_at
		FROM reservations WHERE project_key = ? ORDER BY agent, file_glob;
	`, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Reservation
	for rows.Next() {
		var r Reservation
		if err := rows.Scan(&r.Project, &r.Agent, &r.FileGlob, &r.AcquiredAt, &r.ExpiresAt); err != nil {
			return nil, storage.Classify(err)
		}
		out = append(out, r)
	}
	return out, storage.Classify(rows.Err())
}

// ListDecisions returns the project's decision traces, newest first.
func (s *Store) ListDecisions(ctx context.Context, project string, limit int) ([]DecisionTrace, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, decision_type, COALESCE(epic_id, ''), COALESCE(bead_id, ''), agent_name,
			project_key, decision, COALESCE(rationale, ''), COALESCE(inputs_gathered, ''),
			COALESCE(policy_evaluated, ''), COALESCE(alternatives, ''), COALESCE(precedent_cited, ''),
			outcome_event_id, ts_ms
		FROM decision_traces WHERE project_key = ?
		ORDER BY ts_ms DESC, id DESC LIMIT ?;
	`, project, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DecisionTrace
	for rows.Next() {
		var d DecisionTrace
		var outcome sql.NullInt64
		if err := rows.Scan(&d.ID, &d.DecisionType, &d.EpicID, &d.BeadID, &d.AgentName,
			&d.Project, &d.Decision, &d.Rationale, &d.InputsGathered,
			&d.PolicyEvaluated, &d.Alternatives, &d.PrecedentCited, &outcome, &d.TsMs); err != nil {
			return nil, storage.Classify(err)
		}
		if outcome.Valid {
			v := outcome.Int64
			d.OutcomeEventID = &v
		}
		out = append(out, d)
	}
	return out, storage.Classify(rows.Err())
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
