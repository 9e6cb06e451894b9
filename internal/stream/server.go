// Package stream exposes the event ledger over HTTP: offset-paged JSON
// reads, long-lived SSE tails and WebSocket tails, all filtered by
// project key and replayed in sequence order.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/hive/internal/bus"
	"github.com/basket/hive/internal/hive"
	"github.com/basket/hive/internal/hiveerr"
	hiveotel "github.com/basket/hive/internal/otel"
	"github.com/basket/hive/internal/shared"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// StreamItem is one element of a paged read: offset is the ledger
// sequence.
type StreamItem struct {
	Offset    int64           `json:"offset"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// Server serves /streams/{project_key}.
type Server struct {
	store    *hive.Store
	eventBus *bus.Bus
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *hiveotel.Metrics

	httpServer *http.Server
	listener   net.Listener

	mu      sync.Mutex
	subs    map[subKey]*subscriber
	nextSub int
	stopped bool
}

type subKey struct {
	project string
	offset  int64
	id      int
}

type subscriber struct {
	stop chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithTracer attaches an OTel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// WithMetrics attaches metric instruments.
func WithMetrics(m *hiveotel.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New builds a stream server over the store and bus.
func New(store *hive.Store, eventBus *bus.Bus, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:    store,
		eventBus: eventBus,
		logger:   logger,
		tracer:   nooptrace.NewTracerProvider().Tracer(hiveotel.TracerName),
		subs:     map[subKey]*subscriber{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start listens on addr and serves until Stop. Returns once the
// listener is bound, so callers can read Addr() immediately.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return hiveerr.Wrap(hiveerr.KindIO, "listen "+addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("stream server failed", "error", err)
		}
	}()
	s.logger.Info("stream server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ServeHTTP routes manually so project keys containing slashes (repo
// paths) survive without mux path cleaning.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.StreamRequests.Record(r.Context(), time.Since(start).Seconds())
		}
	}()

	if s.isStopped() {
		s.writeError(w, http.StatusServiceUnavailable, hiveerr.New(hiveerr.KindClientGone, "server stopping"))
		return
	}
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, hiveerr.New(hiveerr.KindMismatch, "method not allowed"))
		return
	}
	// EscapedPath keeps %2F-encoded slashes and double slashes intact,
	// so "/streams//repo" and "/streams/%2Frepo" both address "/repo".
	escaped := r.URL.EscapedPath()
	if !strings.HasPrefix(escaped, "/streams/") {
		s.writeError(w, http.StatusNotFound, hiveerr.New(hiveerr.KindNotFound, "unknown route"))
		return
	}
	project, err := url.PathUnescape(strings.TrimPrefix(escaped, "/streams/"))
	if err != nil || project == "" {
		s.writeError(w, http.StatusNotFound, hiveerr.New(hiveerr.KindNotFound, "missing project key"))
		return
	}

	ctx := shared.WithProject(shared.WithTraceID(r.Context(), shared.NewTraceID()), project)
	ctx, span := hiveotel.StartServerSpan(ctx, s.tracer, "stream.get",
		hiveotel.AttrProject.String(project))
	defer span.End()
	r = r.WithContext(ctx)

	// Malformed offsets are rejected with 400 rather than silently
	// treated as 0.
	offset, err := parseIntParam(r, "offset", 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := parseIntParam(r, "limit", 100)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	q := r.URL.Query()
	switch {
	case q.Get("live") == "true":
		s.handleSSE(w, r, project, offset)
	case q.Get("ws") == "true":
		s.handleWS(w, r, project, offset)
	default:
		s.handlePaged(w, r, project, offset, limit)
	}
}

func (s *Server) handlePaged(w http.ResponseWriter, r *http.Request, project string, offset, limit int64) {
	events, err := s.store.ReadEvents(r.Context(), hive.EventFilter{
		Project:  project,
		AfterSeq: offset,
		Limit:    int(limit),
	})
	if err != nil {
		s.writeError(w, hiveerr.HTTPStatus(hiveerr.KindOf(err)), err)
		return
	}

	items := make([]StreamItem, 0, len(events))
	for _, ev := range events {
		items = append(items, eventToItem(&ev))
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(items); err != nil {
		s.logger.Debug("paged write failed", "project", project, "error", err)
	}
}

func eventToItem(ev *hive.Event) StreamItem {
	data, err := json.Marshal(map[string]any{
		"id":          ev.ID,
		"type":        ev.Type,
		"project_key": ev.Project,
		"data":        json.RawMessage(ev.Data),
	})
	if err != nil {
		data = []byte("{}")
	}
	return StreamItem{Offset: ev.Sequence, Data: data, Timestamp: ev.TsMs}
}

func parseIntParam(r *http.Request, name string, fallback int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, hiveerr.Newf(hiveerr.KindParse, "malformed %s %q", name, raw)
	}
	return v, nil
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": hiveerr.ToBody(err)})
}

// register adds a live subscriber to the registry; the returned cleanup
// must run on disconnect.
func (s *Server) register(project string, offset int64) (*subscriber, func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, nil, false
	}
	s.nextSub++
	key := subKey{project: project, offset: offset, id: s.nextSub}
	sub := &subscriber{stop: make(chan struct{})}
	s.subs[key] = sub
	if s.metrics != nil {
		s.metrics.StreamSubscribers.Add(context.Background(), 1)
	}
	cleanup := func() {
		s.mu.Lock()
		if _, ok := s.subs[key]; ok {
			delete(s.subs, key)
			if s.metrics != nil {
				s.metrics.StreamSubscribers.Add(context.Background(), -1)
			}
		}
		s.mu.Unlock()
	}
	return sub, cleanup, true
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Stop is idempotent: it closes every open stream, shuts the HTTP
// server down and fails new requests fast.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for key, sub := range s.subs {
		close(sub.stop)
		delete(s.subs, key)
	}
	s.mu.Unlock()

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
	return nil
}
