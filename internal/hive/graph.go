package hive

import (
	"context"
	"database/sql"
	"strings"

	"github.com/basket/hive/internal/hiveerr"
	"github.com/basket/hive/internal/storage"
)

// maxGraphDepth bounds traversals so a malformed graph cannot spin a
// recursive CTE forever. Overflow surfaces as GraphTooDeep.
const maxGraphDepth = 100

// wouldCreateCycleTx reports whether adding "a depends on b" (a blocks
// edge) would close a cycle: it walks b's blocks-dependencies and
// returns the offending path if a is reachable.
func (s *Store) wouldCreateCycleTx(ctx context.Context, tx *sql.Tx, a, b string) ([]string, error) {
	if a == b {
		return []string{a, a}, nil
	}
	var path string
	err := tx.QueryRowContext(ctx, `
		WITH RECURSIVE walk(id, path, depth) AS (
			SELECT ?, ?, 0
			UNION ALL
			SELECT d.depends_on_id, walk.path || '>' || d.depends_on_id, walk.depth + 1
			FROM bead_dependencies d
			JOIN walk ON d.bead_id = walk.id
			WHERE d.relationship = 'blocks' AND walk.depth < ?
		)
		SELECT path FROM walk WHERE id = ? LIMIT 1;
	`, b, b, maxGraphDepth, a).Scan(&path)
	if err == nil {
		return append([]string{a}, strings.Split(path, ">")...), nil
	}
	if err != sql.ErrNoRows {
		return nil, storage.Classify(err)
	}

	var overflow int
	if err := tx.QueryRowContext(ctx, `
		WITH RECURSIVE walk(id, depth) AS (
			SELECT ?, 0
			UNION ALL
			SELECT d.depends_on_id, walk.depth + 1
			FROM bead_dependencies d
			JOIN walk ON d.bead_id = walk.id
			WHERE d.relationship = 'blocks' AND walk.depth < ?
		)
		SELECT EXISTS(SELECT 1 FROM walk WHERE depth = ?);
	`, b, maxGraphDepth, maxGraphDepth).Scan(&overflow); err != nil {
		return nil, storage.Classify(err)
	}
	if overflow == 1 {
		return nil, hiveerr.Newf(hiveerr.KindGraphTooDeep, "dependency graph deeper than %d from %s", maxGraphDepth, b)
	}
	return nil, nil
}

// WouldCreateCycle is the read-only form used by callers that want to
// validate before attempting the write.
func (s *Store) WouldCreateCycle(ctx context.Context, a, b string) (bool, error) {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()
	path, err := s.wouldCreateCycleTx(ctx, tx, a, b)
	if err != nil {
		return false, err
	}
	return path != nil, nil
}

// openBlockersTx computes the transitive closure of blocks edges from
// id, filtered to blockers that are neither closed nor deleted.
func (s *Store) openBlockersTx(ctx context.Context, tx *sql.Tx, id string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		WITH RECURSIVE walk(id, depth) AS (
			SELECT ?, 0
			UNION
			SELECT d.depends_on_id, walk.depth + 1
			FROM bead_dependencies d
			JOIN walk ON d.bead_id = walk.id
			WHERE d.relationship = 'blocks' AND walk.depth < ?
		)
		SELECT DISTINCT b.id
		FROM walk
		JOIN beads b ON b.id = walk.id
		WHERE walk.depth > 0
		  AND b.status NOT IN ('closed', 'tombstone')
		  AND b.deleted_at IS NULL
		ORDER BY b.id;
	`, id, maxGraphDepth)
	if err != nil {
		return nil, storage.Classify(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var blocker string
		if err := rows.Scan(&blocker); err != nil {
			return nil, storage.Classify(err)
		}
		out = append(out, blocker)
	}
	return out, storage.Classify(rows.Err())
}

// GetOpenBlockers returns the open transitive blockers of a bead.
func (s *Store) GetOpenBlockers(ctx context.Context, id string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()
	return s.openBlockersTx(ctx, tx, id)
}

// rebuildBlockedCacheTx recomputes one bead's cache row: upsert when it
// has open blockers, delete when unblocked (absence means unblocked).
func (s *Store) rebuildBlockedCacheTx(ctx context.Context, tx *sql.Tx, project, id string, tsMs int64) error {
	blockers, err := s.openBlockersTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if len(blockers) == 0 {
		_, err := tx.ExecContext(ctx, `DELETE FROM blocked_beads_cache WHERE bead_id = ?;`, id)
		return storage.Classify(err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO blocked_beads_cache (bead_id, project_key, blocker_ids, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(bead_id) DO UPDATE SET
			blocker_ids = excluded.blocker_ids,
			updated_at = excluded.updated_at;
	`, id, project, marshalStrings(blockers), tsMs)
	return storage.Classify(err)
}

// dependentsOfTx returns every bead that directly or transitively
// depends on id through blocks edges (the beads whose readiness can
// change when id changes).
func (s *Store) dependentsOfTx(ctx context.Context, tx *sql.Tx, id string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		WITH RECURSIVE walk(id, depth) AS (
			SELECT ?, 0
			UNION
			SELECT d.bead_id, walk.depth + 1
			FROM bead_dependencies d
			JOIN walk ON d.depends_on_id = walk.id
			WHERE d.relationship = 'blocks' AND walk.depth < ?
		)
		SELECT DISTINCT id FROM walk WHERE depth > 0;
	`, id, maxGraphDepth)
	if err != nil {
		return nil, storage.Classify(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, storage.Classify(err)
		}
		out = append(out, dep)
	}
	return out, storage.Classify(rows.Err())
}

// invalidateBlockedCacheTx rebuilds the cache for id and for every bead
// that depends on it.
func (s *Store) invalidateBlockedCacheTx(ctx context.Context, tx *sql.Tx, project, id string, tsMs int64) error {
	if err := s.rebuildBlockedCacheTx(ctx, tx, project, id, tsMs); err != nil {
		return err
	}
	dependents, err := s.dependentsOfTx(ctx, tx, id)
	if err != nil {
		return err
	}
	for _, dep := range dependents {
		if err := s.rebuildBlockedCacheTx(ctx, tx, project, dep, tsMs); err != nil {
			return err
		}
	}
	return nil
}

// RebuildBlockedCache recomputes the cache row for one bead outside the
// event path (recovery and maintenance).
func (s *Store) RebuildBlockedCache(ctx context.Context, project, id string) error {
	return s.mutate(ctx, func(tx *sql.Tx, pend *pending) error {
		return s.rebuildBlockedCacheTx(ctx, tx, project, id, s.nowMs())
	})
}

// InvalidateBlockedCache rebuilds the cache for id and all its
// dependents outside the event path.
func (s *Store) InvalidateBlockedCache(ctx context.Context, project, id string) error {
	return s.mutate(ctx, func(tx *sql.Tx, pend *pending) error {
		return s.invalidateBlockedCacheTx(ctx, tx, project, id, s.nowMs())
	})
}
