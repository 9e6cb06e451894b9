package hive

import (
	"context"
	"database/sql"
	"time"

	"github.com/basket/hive/internal/hiveerr"
	"github.com/basket/hive/internal/storage"
)

// RegisterAgent appends agent_registered; re-registration refreshes
// program, model and last_seen.
func (s *Store) RegisterAgent(ctx context.Context, project, name, program, model string) error {
	if name == "" {
		return hiveerr.New(hiveerr.KindMismatch, "agent name is required")
	}
	return s.mutate(ctx, func(tx *sql.Tx, pend *pending) error {
		_, err := s.appendEventTx(ctx, tx, pend, EvAgentRegistered, project, map[string]any{
			"name":    name,
			"program": program,
			"model":   model,
		})
		return err
	})
}

// TouchAgent appends agent_seen, bumping last_seen_at.
func (s *Store) TouchAgent(ctx context.Context, project, name string) error {
	return s.mutate(ctx, func(tx *sql.Tx, pend *pending) error {
		_, err := s.appendEventTx(ctx, tx, pend, EvAgentSeen, project, map[string]any{
			"name": name,
		})
		return err
	})
}

// SendMessage appends message_sent. Message ids are allocated at append
// time and carried in the event so replay is deterministic.
func (s *Store) SendMessage(ctx context.Context, project, sender string, recipients []string, subject, body string) (int64, error) {
	if sender == "" {
		return 0, hiveerr.New(hiveerr.KindMismatch, "message sender is required")
	}
	var messageID int64
	err := s.mutate(ctx, func(tx *sql.Tx, pend *pending) error {
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM messages;`).Scan(&messageID); err != nil {
			return storage.Classify(err)
		}
		_, err := s.appendEventTx(ctx, tx, pend, EvMessageSent, project, map[string]any{
			"message_id": messageID,
			"sender":     sender,
			"recipients": recipients,
			"subject":    subject,
			"body":       body,
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	return messageID, nil
}

// MarkMessageRead appends message_read for one reader. Re-reads are
// no-ops in the projection.
func (s *Store) MarkMessageRead(ctx context.Context, project string, messageID int64, reader string) error {
	return s.mutate(ctx, func(tx *sql.Tx, pend *pending) error {
		_, err := s.appendEventTx(ctx, tx, pend, EvMessageRead, project, map[string]any{
			"message_id": messageID,
			"reader":     reader,
		})
		return err
	})
}

// AcquireReservation appends reservation_acquired: a lease over a path
// pattern. Re-acquiring extends the lease.
func (s *Store) AcquireReservation(ctx context.Context, project, agent, fileGlob string, ttl time.Duration) (Reservation, error) {
	if fileGlob == "" {
		return Reservation{}, hiveerr.New(hiveerr.KindMismatch, "reservation file_glob is required")
	}
	expires := s.now().Add(ttl).UnixMilli()
	err := s.mutate(ctx, func(tx *sql.Tx, pend *pending) error {
		_, err := s.appendEventTx(ctx, tx, pend, EvReservationAcquired, project, map[string]any{
			"agent":      agent,
			"file_glob":  fileGlob,
			"expires_at": expires,
		})
		return err
	})
	if err != nil {
		return Reservation{}, err
	}
	return Reservation{
		Project:    project,
		Agent:      agent,
		FileGlob:   fileGlob,
		AcquiredAt: s.nowMs(),
		ExpiresAt:  expires,
	}, nil
}

// ReleaseReservation appends reservation_released.
func (s *Store) ReleaseReservation(ctx context.Context, project, agent, fileGlob string) error {
	return s.mutate(ctx, func(tx *sql.Tx, pend *pending) error {
		_, err := s.appendEventTx(ctx, tx, pend, EvReservationReleased, project, map[string]any{
			"agent":     agent,
			"file_glob": fileGlob,
		})
		return err
	})
}

// SweepExpiredReservations releases every lease past its expiry. Run by
// the maintenance scheduler.
func (s *Store) SweepExpiredReservations(ctx context.Context, project string) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent, file_glob FROM reservations
		WHERE project_key = ? AND expires_at < ?;
	`, project, s.nowMs())
	if err != nil {
		return 0, err
	}
	type lease struct{ agent, glob string }
	var expired []lease
	for rows.Next() {
		var l lease
		if err := rows.Scan(&l.agent, &l.glob); err != nil {
			rows.Close()
			return 0, storage.Classify(err)
		}
		expired = append(expired, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, storage.Classify(err)
	}

	for _, l := range expired {
		if err := s.ReleaseReservation(ctx, project, l.agent, l.glob); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

// RecordDecisionParams carries one coordinator/worker decision.
type RecordDecisionParams struct {
	DecisionType    DecisionType
	EpicID          string
	BeadID          string
	AgentName       string
	Decision        string // JSON
	Rationale       string
	InputsGathered  string // JSON
	PolicyEvaluated string // JSON
	Alternatives    string // JSON
	PrecedentCited  string // JSON
	OutcomeEventID  *int64
}

// RecordDecision appends decision_recorded. The storage layer persists
// decisions made elsewhere (e.g. the LLM-mediated smart upsert); it
// never makes them.
func (s *Store) RecordDecision(ctx context.Context, project string, p RecordDecisionParams) (int64, error) {
	switch p.DecisionType {
	case DecisionStrategySelection, DecisionWorkerSpawn, DecisionReviewDecision, DecisionFileSelection, DecisionScopeChange:
	default:
		return 0, hiveerr.Newf(hiveerr.KindMismatch, "invalid decision type %q", p.DecisionType)
	}
	var decisionID int64
	err := s.mutate(ctx, func(tx *sql.Tx, pend *pending) error {
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM decision_traces;`).Scan(&decisionID); err != nil {
			return storage.Classify(err)
		}
		data := map[string]any{
			"decision_id":      decisionID,
			"decision_type":    string(p.DecisionType),
			"epic_id":          p.EpicID,
			"bead_id":          p.BeadID,
			"agent_name":       p.AgentName,
			"decision":         p.Decision,
			"rationale":        p.Rationale,
			"inputs_gathered":  p.InputsGathered,
			"policy_evaluated": p.PolicyEvaluated,
			"alternatives":     p.Alternatives,
			"precedent_cited":  p.PrecedentCited,
		}
		if p.OutcomeEventID != nil {
			data["outcome_event_id"] = *p.OutcomeEventID
		}
		_, err := s.appendEventTx(ctx, tx, pend, EvDecisionRecorded, project, data)
		return err
	})
	if err != nil {
		return 0, err
	}
	return decisionID, nil
}
