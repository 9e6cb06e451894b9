package hive

import (
	"context"
	"database/sql"
	"time"
)

// PromoteTombstones turns soft-deleted beads into tombstones once their
// deletion is older than ttl. Direct projection writes: the transition
// is time-driven, not an agent action, so it carries no ledger event.
func (s *Store) PromoteTombstones(ctx context.Context, project string, ttl time.Duration) (int64, error) {
	cutoff := s.now().Add(-ttl).UnixMilli()
	var n int64
	err := s.mutate(ctx, func(tx *sql.Tx, pend *pending) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE beads SET status = 'tombstone', updated_at = ?
			WHERE project_key = ? AND deleted_at IS NOT NULL
			  AND deleted_at < ? AND status != 'tombstone';
		`, s.nowMs(), project, cutoff)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// GCExpiredTombstones removes tombstone rows old enough that every
// replica has converged (twice the tombstone TTL past deletion). Their
// labels, dependencies and cache rows go with them.
func (s *Store) GCExpiredTombstones(ctx context.Context, project string, ttl time.Duration) (int64, error) {
	cutoff := s.now().Add(-2 * ttl).UnixMilli()
	var n int64
	err := s.mutate(ctx, func(tx *sql.Tx, pend *pending) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM beads
			WHERE project_key = ? AND status = 'tombstone'
			  AND deleted_at IS NOT NULL AND deleted_at < ?;
		`, project, cutoff)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM bead_labels WHERE bead_id = ?;`, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM bead_dependencies WHERE bead_id = ? OR depends_on_id = ?;`, id, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM bead_comments WHERE bead_id = ?;`, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM blocked_beads_cache WHERE bead_id = ?;`, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM dirty_beads WHERE bead_id = ?;`, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM beads WHERE id = ?;`, id); err != nil {
				return err
			}
		}
		n = int64(len(ids))
		return nil
	})
	return n, err
}

// ResetDatabase truncates the ledger and every projection for one
// project. Administrative only; the caller checkpoints afterwards.
func (s *Store) ResetDatabase(ctx context.Context, project string) error {
	return s.mutate(ctx, func(tx *sql.Tx, pend *pending) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE project_key = ?;`, project); err != nil {
			return err
		}
		for _, table := range projectionTables {
			if table == "child_counters" {
				continue
			}
			q := `DELETE FROM ` + table
			switch table {
			case "bead_dependencies", "bead_labels", "bead_comments":
				q += ` WHERE bead_id IN (SELECT id FROM beads WHERE project_key = ?)`
			default:
				q += ` WHERE project_key = ?`
			}
			if _, err := tx.ExecContext(ctx, q+";", project); err != nil {
				return err
			}
		}
		return nil
	})
}
