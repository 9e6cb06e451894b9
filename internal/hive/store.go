// Package hive is the coordination store: an append-only event ledger
// materialized into projections for beads, dependencies, labels,
// comments, agents, messages, reservations and decision traces. Writers
// append events; readers hit projections. Both happen inside one
// serialized SQLite connection, so a committed append and its projection
// updates are always visible together.
package hive

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/basket/hive/internal/bus"
	"github.com/basket/hive/internal/hiveerr"
	hiveotel "github.com/basket/hive/internal/otel"
	"github.com/basket/hive/internal/storage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Store owns the ledger and its projections.
type Store struct {
	db      *storage.DB
	bus     *bus.Bus // may be nil in tests
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *hiveotel.Metrics // may be nil

	// now is swappable for deterministic tests.
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTracer attaches an OTel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Store) { s.tracer = t }
}

// WithMetrics attaches the metric instruments.
func WithMetrics(m *hiveotel.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New builds a Store over an already-migrated database.
func New(db *storage.DB, eventBus *bus.Bus, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:     db,
		bus:    eventBus,
		logger: logger,
		tracer: nooptrace.NewTracerProvider().Tracer(hiveotel.TracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the adapter for cooperating packages (sync, maintenance).
func (s *Store) DB() *storage.DB { return s.db }

func (s *Store) nowMs() int64 {
	return s.now().UnixMilli()
}

// NewBeadID mints a root bead id: "bd-" + 8 hex chars of a uuid.
func NewBeadID() string {
	return "bd-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// nextChildID allocates "parent.N" using the child counter, inside tx.
func (s *Store) nextChildIDTx(ctx context.Context, tx *sql.Tx, parentID string) (string, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO child_counters (parent_id, last_child) VALUES (?, 1)
		ON CONFLICT(parent_id) DO UPDATE SET last_child = last_child + 1;
	`, parentID); err != nil {
		return "", storage.Classify(err)
	}
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT last_child FROM child_counters WHERE parent_id = ?;`, parentID).Scan(&n); err != nil {
		return "", storage.Classify(err)
	}
	return parentID + "." + strconv.Itoa(n), nil
}

// mutate runs fn inside a retried transaction, then publishes each event
// fn appended onto the bus after commit. Transactions never await
// network I/O; bus delivery is non-blocking.
func (s *Store) mutate(ctx context.Context, fn func(tx *sql.Tx, pend *pending) error) error {
	pend := &pending{}
	err := storage.WithRetry(ctx, func() error {
		pend.events = pend.events[:0]
		pend.dirty = pend.dirty[:0]
		tx, err := s.db.BeginTx(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx, pend); err != nil {
			return err
		}
		return storage.Classify(tx.Commit())
	})
	if err != nil {
		return err
	}
	s.publish(pend)
	return nil
}

// pending accumulates post-commit notifications inside one transaction.
type pending struct {
	events []Event
	dirty  []bus.SyncDirtyPayload
}

func (p *pending) add(ev Event) { p.events = append(p.events, ev) }

func (p *pending) markDirty(project, beadID string) {
	p.dirty = append(p.dirty, bus.SyncDirtyPayload{Project: project, BeadID: beadID})
}

func (s *Store) publish(pend *pending) {
	if s.bus == nil {
		return
	}
	for _, ev := range pend.events {
		s.bus.Publish(bus.TopicLedgerEvent+ev.Type, bus.LedgerEventPayload{
			ID:       ev.ID,
			Type:     ev.Type,
			Project:  ev.Project,
			Sequence: ev.Sequence,
			TsMs:     ev.TsMs,
			Data:     ev.Data,
		})
	}
	for _, d := range pend.dirty {
		s.bus.Publish(bus.TopicSyncDirty, d)
	}
}

func marshalData(data map[string]any) (string, error) {
	if data == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", hiveerr.Wrap(hiveerr.KindParse, "marshal event data", err)
	}
	return string(raw), nil
}

func marshalStrings(ss []string) string {
	if ss == nil {
		ss = []string{}
	}
	raw, _ := json.Marshal(ss)
	return string(raw)
}

func unmarshalStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
