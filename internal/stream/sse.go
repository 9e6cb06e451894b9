package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/basket/hive/internal/bus"
	"github.com/basket/hive/internal/hive"
	"github.com/basket/hive/internal/hiveerr"
	"github.com/basket/hive/internal/shared"
)

// handleSSE implements GET /streams/{project}?live=true&offset=N: replay
// existing events after the offset as SSE frames, then tail new appends
// until the client disconnects or the server stops. Each subscriber
// sees each event at most once, in sequence order.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request, project string, offset int64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, hiveerr.New(hiveerr.KindInternal, "streaming not supported"))
		return
	}

	sub, cleanup, ok := s.register(project, offset)
	if !ok {
		s.writeError(w, http.StatusServiceUnavailable, hiveerr.New(hiveerr.KindClientGone, "server stopping"))
		return
	}
	defer cleanup()

	// Subscribe before replay so appends during the replay aren't lost;
	// the sequence cursor dedupes the overlap.
	busSub := s.eventBus.Subscribe(bus.TopicLedgerEvent)
	defer s.eventBus.Unsubscribe(busSub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(item StreamItem) bool {
		raw, err := json.Marshal(item)
		if err != nil {
			return true
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", raw); err != nil {
			// ClientGone: local cleanup, no propagation.
			s.logger.Debug("sse write failed (client disconnected?)", "project", project, "error", err)
			return false
		}
		flusher.Flush()
		return true
	}

	cursor := offset
	ctx := r.Context()
	if !s.catchUp(ctx, project, &cursor, send) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse client disconnected", "project", project, "trace_id", shared.TraceID(ctx))
			return
		case <-sub.stop:
			return
		case ev, ok := <-busSub.Ch():
			if !ok {
				return
			}
			payload, ok := ev.Payload.(bus.LedgerEventPayload)
			if !ok || payload.Project != project || payload.Sequence <= cursor {
				continue
			}
			// Re-read from the ledger instead of trusting the bus
			// payload alone: dropped bus events never create gaps.
			if !s.catchUp(ctx, project, &cursor, send) {
				return
			}
		}
	}
}

// catchUp streams every committed event past the cursor. Returns false
// when the client went away.
func (s *Server) catchUp(ctx context.Context, project string, cursor *int64, send func(StreamItem) bool) bool {
	for {
		events, err := s.store.ReadEvents(ctx, hive.EventFilter{
			Project:  project,
			AfterSeq: *cursor,
			Limit:    256,
		})
		if err != nil {
			s.logger.Warn("sse replay read failed", "project", project, "error", err)
			return false
		}
		if len(events) == 0 {
			return true
		}
		for i := range events {
			if events[i].Sequence <= *cursor {
				continue
			}
			if !send(eventToItem(&events[i])) {
				return false
			}
			*cursor = events[i].Sequence
		}
		if len(events) < 256 {
			return true
		}
	}
}
