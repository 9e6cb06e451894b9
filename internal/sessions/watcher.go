// Package sessions indexes agent transcript files: a debounced fsnotify
// watcher feeds JSONL parsers, a chunker and the embedding pipeline,
// with staleness tracking and a line-context viewer over the results.
package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileEventKind labels what happened to a watched file.
type FileEventKind string

const (
	FileAdded    FileEventKind = "added"
	FileChanged  FileEventKind = "changed"
	FileUnlinked FileEventKind = "unlinked"
)

// FileEvent is one debounced change notification.
type FileEvent struct {
	Path string
	Kind FileEventKind
}

// Watcher observes transcript directories and emits debounced per-path
// events for files matching the configured suffix. Errors are emitted
// on a separate channel and never halt the watcher; the underlying OS
// watcher restarts with exponential backoff if it dies.
type Watcher struct {
	dirs     []string
	suffix   string
	debounce time.Duration
	logger   *slog.Logger

	events chan FileEvent
	errs   chan error
	ready  chan struct{}

	mu       sync.Mutex
	pending  map[string]*pendingEvent
	seen     map[string]bool
	stopped  bool
	stopOnce sync.Once
	done     chan struct{}
}

type pendingEvent struct {
	kind  FileEventKind
	timer *time.Timer
}

// WatcherConfig tunes a Watcher.
type WatcherConfig struct {
	Dirs     []string
	Suffix   string        // default ".jsonl"
	Debounce time.Duration // default 500ms
}

// NewWatcher builds a watcher; Start begins observation.
func NewWatcher(cfg WatcherConfig, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	suffix := cfg.Suffix
	if suffix == "" {
		suffix = ".jsonl"
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	dirs := make([]string, 0, len(cfg.Dirs))
	for _, d := range cfg.Dirs {
		if strings.TrimSpace(d) != "" {
			dirs = append(dirs, d)
		}
	}
	return &Watcher{
		dirs:     dirs,
		suffix:   suffix,
		debounce: debounce,
		logger:   logger,
		events:   make(chan FileEvent, 64),
		errs:     make(chan error, 16),
		ready:    make(chan struct{}),
		pending:  map[string]*pendingEvent{},
		seen:     map[string]bool{},
		done:     make(chan struct{}),
	}
}

// Events is the debounced change stream.
func (w *Watcher) Events() <-chan FileEvent { return w.events }

// Errors surfaces watcher failures without halting observation.
func (w *Watcher) Errors() <-chan error { return w.errs }

// Ready closes once the initial scan has completed.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

// Start scans the watch dirs, emits an added event per existing
// transcript, then tails filesystem changes until ctx is done or Stop.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}

	for _, dir := range w.dirs {
		w.addTree(fsw, dir)
	}

	// Initial scan: every matching file counts as added.
	for _, dir := range w.dirs {
		_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if !d.IsDir() && strings.HasSuffix(path, w.suffix) {
				w.markSeen(path)
				w.emit(FileEvent{Path: path, Kind: FileAdded})
			}
			return nil
		})
	}
	close(w.ready)

	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) addTree(fsw *fsnotify.Watcher, root string) {
	abs, err := filepath.Abs(root)
	if err != nil {
		w.logger.Warn("session watcher: abs failed", "dir", root, "error", err)
		return
	}
	_ = filepath.WalkDir(abs, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := fsw.Add(path); err != nil && !os.IsNotExist(err) {
				w.logger.Warn("session watcher: add failed", "dir", path, "error", err)
			}
		}
		return nil
	})
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer func() {
		_ = fsw.Close()
		w.cancelPending()
		close(w.events)
	}()

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				// OS watcher died: restart with backoff.
				next, err := w.restart(ctx, backoff)
				if err != nil {
					return
				}
				fsw = next
				if backoff < 30*time.Second {
					backoff *= 2
				}
				continue
			}
			w.handle(fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				continue
			}
			select {
			case w.errs <- err:
			default:
			}
		}
	}
}

func (w *Watcher) restart(ctx context.Context, wait time.Duration) (*fsnotify.Watcher, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.done:
		return nil, context.Canceled
	case <-time.After(wait):
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		select {
		case w.errs <- err:
		default:
		}
		return nil, err
	}
	for _, dir := range w.dirs {
		w.addTree(fsw, dir)
	}
	w.logger.Info("session watcher restarted", "dirs", len(w.dirs))
	return fsw, nil
}

func (w *Watcher) handle(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	// New directories join the watch set as they appear.
	if ev.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			w.addTree(fsw, ev.Name)
			return
		}
	}
	if !strings.HasSuffix(ev.Name, w.suffix) {
		return
	}

	var kind FileEventKind
	switch {
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		kind = FileUnlinked
	case ev.Op&fsnotify.Create != 0:
		kind = FileAdded
	case ev.Op&fsnotify.Write != 0:
		kind = FileChanged
	default:
		return
	}
	if kind == FileAdded && w.wasSeen(ev.Name) {
		kind = FileChanged
	}
	w.schedule(ev.Name, kind)
}

// schedule debounces per path: bursts coalesce into the latest kind,
// with unlinked taking precedence over edits.
func (w *Watcher) schedule(path string, kind FileEventKind) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}

	if p, ok := w.pending[path]; ok {
		switch {
		case kind == FileUnlinked:
			p.kind = kind
		case p.kind == FileUnlinked:
			// The file came back within the window.
			p.kind = kind
		case p.kind == FileAdded:
			// A write burst right after creation is still "added".
		default:
			p.kind = kind
		}
		p.timer.Reset(w.debounce)
		return
	}

	p := &pendingEvent{kind: kind}
	p.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		kind := p.kind
		stopped := w.stopped
		w.mu.Unlock()
		if stopped {
			return
		}
		if kind != FileUnlinked {
			w.markSeen(path)
		}
		w.emit(FileEvent{Path: path, Kind: kind})
	})
	w.pending[path] = p
}

func (w *Watcher) emit(ev FileEvent) {
	select {
	case w.events <- ev:
	default:
		w.logger.Warn("session watcher: event buffer full, dropping", "path", ev.Path)
	}
}

func (w *Watcher) markSeen(path string) {
	w.mu.Lock()
	w.seen[path] = true
	w.mu.Unlock()
}

func (w *Watcher) wasSeen(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seen[path]
}

func (w *Watcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
}

// Stop cancels pending debounce timers and closes the OS watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}
