package hive

import (
	"context"
	"database/sql"
	"strings"

	"github.com/basket/hive/internal/hiveerr"
	hiveotel "github.com/basket/hive/internal/otel"
	"github.com/basket/hive/internal/storage"
)

// appendEventTx inserts one ledger row and applies its projection
// updates inside the caller's transaction. The sequence is per-project:
// MAX(sequence)+1 scoped to project_key, which makes (project_key,
// sequence) the canonical read order. Partial failures roll back both
// the event and the projections.
func (s *Store) appendEventTx(ctx context.Context, tx *sql.Tx, pend *pending, typ, project string, data map[string]any) (Event, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Event{}, err
	}

	ev := Event{
		Type:    typ,
		Project: project,
		TsMs:    s.nowMs(),
		Data:    raw,
	}
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE project_key = ?;
	`, project).Scan(&ev.Sequence); err != nil {
		return Event{}, storage.Classify(err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (type, project_key, ts_ms, sequence, data)
		VALUES (?, ?, ?, ?, ?);
	`, ev.Type, ev.Project, ev.TsMs, ev.Sequence, ev.Data)
	if err != nil {
		return Event{}, storage.Classify(err)
	}
	ev.ID, err = res.LastInsertId()
	if err != nil {
		return Event{}, storage.Classify(err)
	}

	if err := s.updateProjectionsTx(ctx, tx, pend, &ev); err != nil {
		return Event{}, err
	}

	pend.add(ev)
	if s.metrics != nil {
		s.metrics.EventsAppended.Add(ctx, 1)
	}
	return ev, nil
}

// AppendEvent appends a single event and updates projections in one
// transaction. Most callers use the typed write API instead; this is the
// raw entry point for replication and tests.
func (s *Store) AppendEvent(ctx context.Context, typ, project string, data map[string]any) (Event, error) {
	ctx, span := hiveotel.StartSpan(ctx, s.tracer, "hive.append_event",
		hiveotel.AttrProject.String(project), hiveotel.AttrEventType.String(typ))
	defer span.End()

	var ev Event
	err := s.mutate(ctx, func(tx *sql.Tx, pend *pending) error {
		var err error
		ev, err = s.appendEventTx(ctx, tx, pend, typ, project, data)
		return err
	})
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}

// ReadEvents returns ledger rows matching the filter in ascending
// sequence order.
func (s *Store) ReadEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, type, project_key, ts_ms, sequence, data FROM events WHERE 1=1`)
	var args []any

	if f.Project != "" {
		query.WriteString(` AND project_key = ?`)
		args = append(args, f.Project)
	}
	if len(f.Types) > 0 {
		query.WriteString(` AND type IN (?` + strings.Repeat(",?", len(f.Types)-1) + `)`)
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	if f.BeadID != "" {
		query.WriteString(` AND json_extract(data, '$.bead_id') = ?`)
		args = append(args, f.BeadID)
	}
	if f.SinceMs > 0 {
		query.WriteString(` AND ts_ms >= ?`)
		args = append(args, f.SinceMs)
	}
	if f.UntilMs > 0 {
		query.WriteString(` AND ts_ms <= ?`)
		args = append(args, f.UntilMs)
	}
	if f.AfterSeq > 0 {
		query.WriteString(` AND sequence > ?`)
		args = append(args, f.AfterSeq)
	}
	query.WriteString(` ORDER BY sequence ASC`)
	if f.Limit > 0 {
		query.WriteString(` LIMIT ?`)
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query.WriteString(` OFFSET ?`)
			args = append(args, f.Offset)
		}
	} else if f.Offset > 0 {
		query.WriteString(` LIMIT -1 OFFSET ?`)
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Project, &ev.TsMs, &ev.Sequence, &ev.Data); err != nil {
			return nil, storage.Classify(err)
		}
		out = append(out, ev)
	}
	return out, storage.Classify(rows.Err())
}

// MaxSequence reports the highest committed sequence for a project.
func (s *Store) MaxSequence(ctx context.Context, project string) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM events WHERE project_key = ?;
	`, project).Scan(&seq); err != nil {
		return 0, storage.Classify(err)
	}
	return seq, nil
}

// projectionTables lists every table rebuilt by replay, in delete order.
var projectionTables = []string{
	"blocked_beads_cache",
	"dirty_beads",
	"bead_dependencies",
	"bead_labels",
	"bead_comments",
	"beads",
	"agents",
	"messages",
	"reservations",
	"decision_traces",
	"child_counters",
}

// Replay re-applies projection updates event by event. With clearViews
// it first truncates the projection tables for the scoped project (all
// projects when the filter has none). Recovery only; projection
// mutations are idempotent under the same (id, sequence), so replay
// yields the same end state.
func (s *Store) Replay(ctx context.Context, f EventFilter, clearViews bool) (int, error) {
	events, err := s.ReadEvents(ctx, f)
	if err != nil {
		return 0, err
	}

	applied := 0
	err = s.mutate(ctx, func(tx *sql.Tx, pend *pending) error {
		applied = 0
		if clearViews {
			for _, table := range projectionTables {
				if f.Project != "" && table == "child_counters" {
					// Counters have no project column; a scoped replay
					// leaves other projects' counters untouched.
					continue
				}
				q := `DELETE FROM ` + table
				var args []any
				if f.Project != "" {
					switch table {
					case "bead_dependencies", "bead_labels", "bead_comments":
						q += ` WHERE bead_id IN (SELECT id FROM beads WHERE project_key = ?)`
					default:
						q += ` WHERE project_key = ?`
					}
					args = append(args, f.Project)
				}
				if _, err := tx.ExecContext(ctx, q+";", args...); err != nil {
					return storage.Classify(err)
				}
			}
		}
		for i := range events {
			if err := s.updateProjectionsTx(ctx, tx, pend, &events[i]); err != nil {
				return hiveerr.Wrap(hiveerr.KindOf(err), "replay event "+events[i].Type, err)
			}
			applied++
		}
		// Replay rebuilds state; it does not re-announce events.
		pend.events = pend.events[:0]
		pend.dirty = pend.dirty[:0]
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}
