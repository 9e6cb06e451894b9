package sessions

import (
	"context"
	"log/slog"
	"os"

	"github.com/basket/hive/internal/bus"
	"github.com/basket/hive/internal/memory"
)

// Indexer wires watcher → parser → chunker → pipeline → staleness into
// one running unit.
type Indexer struct {
	watcher  *Watcher
	pipeline *Pipeline
	tracker  *StalenessTracker
	memories *memory.Store
	eventBus *bus.Bus // may be nil
	logger   *slog.Logger
	chunkCfg ChunkConfig
}

// NewIndexer builds the indexer; Run drives it.
func NewIndexer(watcher *Watcher, pipeline *Pipeline, tracker *StalenessTracker, memories *memory.Store, eventBus *bus.Bus, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		watcher:  watcher,
		pipeline: pipeline,
		tracker:  tracker,
		memories: memories,
		eventBus: eventBus,
		logger:   logger,
	}
}

// Run consumes watcher events until the context is done or the watcher
// stops. Indexing errors are logged, never fatal: the sessions
// directory is read-only to the indexer and the next change retries.
func (x *Indexer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-x.watcher.Errors():
			if !ok {
				continue
			}
			x.logger.Warn("session watcher error", "error", err)
		case ev, ok := <-x.watcher.Events():
			if !ok {
				return
			}
			x.handle(ctx, ev)
		}
	}
}

func (x *Indexer) handle(ctx context.Context, ev FileEvent) {
	switch ev.Kind {
	case FileUnlinked:
		if n, err := x.memories.RemoveBySource(ctx, ev.Path); err != nil {
			x.logger.Warn("drop unlinked session failed", "path", ev.Path, "error", err)
		} else if n > 0 {
			x.logger.Info("dropped unlinked session", "path", ev.Path, "memories", n)
		}
		if err := x.tracker.Forget(ctx, ev.Path); err != nil {
			x.logger.Warn("forget index state failed", "path", ev.Path, "error", err)
		}
	case FileAdded, FileChanged:
		if err := x.IndexFile(ctx, ev.Path); err != nil {
			x.logger.Warn("index session failed", "path", ev.Path, "error", err)
		}
	}
}

// IndexFile parses, chunks, embeds and stores one transcript, then
// records its index state. Fresh files (per the staleness rule) are
// skipped unless forced by a changed event having already passed the
// watcher's debounce.
func (x *Indexer) IndexFile(ctx context.Context, path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	stale, err := x.tracker.Check(ctx, path, fi.ModTime())
	if err != nil {
		return err
	}
	if !stale {
		return nil
	}

	messages, err := ParseFile(path)
	if err != nil {
		return err
	}
	chunks := ChunkMessages(messages, x.chunkCfg)
	stored, err := x.pipeline.IndexChunks(ctx, chunks)
	if err != nil {
		return err
	}
	if err := x.tracker.RecordIndexed(ctx, path, fi.ModTime(), len(messages)); err != nil {
		return err
	}

	x.logger.Info("indexed session", "path", path, "messages", len(messages), "chunks", stored)
	if x.eventBus != nil {
		x.eventBus.Publish(bus.TopicSessionIndexed, bus.SessionIndexedPayload{
			Path:         path,
			MessageCount: len(messages),
		})
	}
	return nil
}
