package stream

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/basket/hive/internal/bus"
	"github.com/basket/hive/internal/hiveerr"
	"github.com/coder/websocket"
)

// handleWS implements GET /streams/{project}?ws=true&offset=N: the same
// replay-then-tail contract as the SSE handler, carried as one JSON
// text message per event over a WebSocket.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, project string, offset int64) {
	sub, cleanup, ok := s.register(project, offset)
	if !ok {
		s.writeError(w, http.StatusServiceUnavailable, hiveerr.New(hiveerr.KindClientGone, "server stopping"))
		return
	}
	defer cleanup()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", "project", project, "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := r.Context()
	send := func(item StreamItem) bool {
		raw, err := json.Marshal(item)
		if err != nil {
			return true
		}
		if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
			s.logger.Debug("websocket write failed (client disconnected?)", "project", project, "error", err)
			return false
		}
		return true
	}

	busSub := s.eventBus.Subscribe(bus.TopicLedgerEvent)
	defer s.eventBus.Unsubscribe(busSub)

	cursor := offset
	if !s.catchUp(ctx, project, &cursor, send) {
		return
	}

	// Drain reads so pings and client closes are processed.
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()
	go func() {
		for {
			if _, _, err := conn.Read(readCtx); err != nil {
				cancelRead()
				return
			}
		}
	}()

	for {
		select {
		case <-readCtx.Done():
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
			if !s.catchUp(ctx, project, &cursor, send) {
				return
			}
		}
	}
}
