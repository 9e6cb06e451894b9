package sync

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	"github.com/basket/hive/internal/bus"
	"github.com/basket/hive/internal/storage"
)

// FlushManager is the debounced, at-most-one-in-flight writer that
// exports dirty beads to <repo>/.hive/issues.jsonl. It records the last
// flushed ledger sequence in sync_state so restarts resume where the
// previous process stopped.
type FlushManager struct {
	syncer   *Syncer
	eventBus *bus.Bus
	logger   *slog.Logger
	project  string
	debounce time.Duration

	mu       gosync.Mutex
	timer    *time.Timer
	inFlight bool
	rearm    bool

	done chan struct{}
	stop gosync.Once
}

// NewFlushManager builds a manager for one project.
func NewFlushManager(syncer *Syncer, eventBus *bus.Bus, logger *slog.Logger, project string, debounce time.Duration) *FlushManager {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 5 * time.Second
	}
	return &FlushManager{
		syncer:   syncer,
		eventBus: eventBus,
		logger:   logger,
		project:  project,
		debounce: debounce,
		done:     make(chan struct{}),
	}
}

// IssuesPath is where the bead export lands for a repo.
func IssuesPath(repo string) string {
	return filepath.Join(repo, ".hive", "issues.jsonl")
}

// MemoriesPath is where the memory export lands for a repo.
func MemoriesPath(repo string) string {
	return filepath.Join(repo, ".hive", "memories.jsonl")
}

// Start subscribes to dirty notifications and flushes after the
// debounce window. Returns immediately; Stop() drains.
func (f *FlushManager) Start(ctx context.Context) {
	sub := f.eventBus.Subscribe(bus.TopicSyncDirty)
	go func() {
		defer f.eventBus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case <-f.done:
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				payload, ok := ev.Payload.(bus.SyncDirtyPayload)
				if !ok || payload.Project != f.project {
					continue
				}
				f.schedule(ctx)
			}
		}
	}()
}

// schedule arms (or re-arms) the debounce timer. If a flush is already
// in flight, the next one is deferred until it finishes: at most one
// writer at a time.
func (f *FlushManager) schedule(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inFlight {
		f.rearm = true
		return
	}
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(f.debounce, func() {
		f.runFlush(ctx)
	})
}

func (f *FlushManager) runFlush(ctx context.Context) {
	f.mu.Lock()
	if f.inFlight {
		f.rearm = true
		f.mu.Unlock()
		return
	}
	f.inFlight = true
	f.mu.Unlock()

	if err := f.Flush(ctx); err != nil {
		f.logger.Error("jsonl flush failed", "project", f.project, "error", err)
	}

	f.mu.Lock()
	f.inFlight = false
	rearm := f.rearm
	f.rearm = false
	f.mu.Unlock()
	if rearm {
		f.schedule(ctx)
	}
}

// Flush exports the project now and clears the dirty set. Writes go
// through a temp file + rename so readers never see a partial export.
func (f *FlushManager) Flush(ctx context.Context) error {
	select {
	case <-f.done:
		return nil
	default:
	}

	dirty, err := f.syncer.store.GetDirty(ctx, f.project)
	if err != nil {
		return err
	}
	if len(dirty) == 0 {
		return nil
	}

	out, err := f.syncer.Export(ctx, f.project, ExportOptions{IncludeTombstones: true})
	if err != nil {
		return err
	}

	path := IssuesPath(f.project)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(out), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	seq, err := f.syncer.store.MaxSequence(ctx, f.project)
	if err != nil {
		return err
	}
	if _, err := f.syncer.db.ExecContext(ctx, `
		INSERT INTO sync_state (project_key, last_flushed_seq, flushed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(project_key) DO UPDATE SET
			last_flushed_seq = excluded.last_flushed_seq,
			flushed_at = excluded.flushed_at;
	`, f.project, seq, f.syncer.now().UnixMilli()); err != nil {
		return err
	}
	if err := f.syncer.store.ClearDirty(ctx, dirty); err != nil {
		return err
	}

	f.logger.Info("flushed beads to jsonl", "project", f.project, "beads", len(dirty), "sequence", seq)
	f.eventBus.Publish(bus.TopicSyncFlushed, map[string]any{
		"project_key": f.project,
		"count":       len(dirty),
		"sequence":    seq,
	})
	return nil
}

// LastFlushedSeq reads the resume point recorded by the previous flush.
func (f *FlushManager) LastFlushedSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := f.syncer.db.QueryRowContext(ctx, `
		SELECT last_flushed_seq FROM sync_state WHERE project_key = ?;
	`, f.project).Scan(&seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, storage.Classify(err)
	}
	return seq, nil
}

// Stop halts scheduling. A final explicit Flush (from shutdown) may
// still be invoked by the caller before Stop.
func (f *FlushManager) Stop() {
	f.stop.Do(func() {
		close(f.done)
		f.mu.Lock()
		if f.timer != nil {
			f.timer.Stop()
		}
		f.mu.Unlock()
	})
}
