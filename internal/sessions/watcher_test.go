package sessions

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func collectEvents(t *testing.T, w *Watcher, wait time.Duration) []FileEvent {
	t.Helper()
	var out []FileEvent
	deadline := time.After(wait)
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
}

func TestWatcherInitialScanAndReady(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "existing.jsonl"), []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWatcher(WatcherConfig{Dirs: []string{dir}, Debounce: 20 * time.Millisecond}, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	select {
	case <-w.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("ready never signaled")
	}

	events := collectEvents(t, w, 200*time.Millisecond)
	if len(events) != 1 {
		t.Fatalf("events = %+v, want one added for the .jsonl file", events)
	}
	if events[0].Kind != FileAdded || filepath.Base(events[0].Path) != "existing.jsonl" {
		t.Fatalf("event = %+v", events[0])
	}
}

func TestWatcherDebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWatcher(WatcherConfig{Dirs: []string{dir}, Debounce: 100 * time.Millisecond}, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()
	<-w.Ready()

	path := filepath.Join(dir, "burst.jsonl")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	events := collectEvents(t, w, time.Second)
	if len(events) != 1 {
		t.Fatalf("events = %+v, want one coalesced event", events)
	}
	if events[0].Path != path {
		t.Fatalf("event = %+v", events[0])
	}
}

func TestWatcherUnlink(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doomed.jsonl")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWatcher(WatcherConfig{Dirs: []string{dir}, Debounce: 20 * time.Millisecond}, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()
	<-w.Ready()

	// Drain the initial-scan added event.
	_ = collectEvents(t, w, 100*time.Millisecond)

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	events := collectEvents(t, w, time.Second)
	if len(events) != 1 || events[0].Kind != FileUnlinked {
		t.Fatalf("events = %+v, want one unlinked", events)
	}
}

func TestWatcherSuffixFilter(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWatcher(WatcherConfig{Dirs: []string{dir}, Suffix: ".ndjson", Debounce: 20 * time.Millisecond}, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()
	<-w.Ready()

	if err := os.WriteFile(filepath.Join(dir, "skip.jsonl"), []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "take.ndjson"), []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	events := collectEvents(t, w, time.Second)
	if len(events) != 1 || filepath.Base(events[0].Path) != "take.ndjson" {
		t.Fatalf("events = %+v, want only the .ndjson file", events)
	}
}

func TestWatcherStopCancelsPending(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWatcher(WatcherConfig{Dirs: []string{dir}, Debounce: 500 * time.Millisecond}, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-w.Ready()

	if err := os.WriteFile(filepath.Join(dir, "pending.jsonl"), []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Stop before the debounce fires: no event may leak out.
	time.Sleep(50 * time.Millisecond)
	w.Stop()
	cancel()

	events := collectEvents(t, w, time.Second)
	if len(events) != 0 {
		t.Fatalf("events after stop = %+v", events)
	}
}
