package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/nexus-labs/nexus/core/pkg/deadletter"
	"github.com/nexus-labs/nexus/core/pkg/dispatch"
	"github.com/nexus-labs/nexus/core/pkg/eventlog"
	"github.com/nexus-labs/nexus/core/pkg/events"
	"github.com/nexus-labs/nexus/core/pkg/metrics"
	"github.com/nexus-labs/nexus/core/pkg/modcache"
	"github.com/nexus-labs/nexus/core/pkg/nexuserr"
	"github.com/nexus-labs/nexus/core/pkg/observability"
	"github.com/nexus-labs/nexus/core/pkg/registry"
	"github.com/nexus-labs/nexus/core/pkg/replay"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// webhookTypePrefix namespaces event types derived from webhook paths.
const webhookTypePrefix = "com.nexus."

// maxBodyBytes caps inbound request bodies.
const maxBodyBytes = 1 << 20

// Options configures the server.
type Options struct {
	RateLimitRPS   float64
	RateLimitBurst int
}

// Server wires the HTTP boundary to the core components.
type Server struct {
	log      eventlog.Log
	registry *registry.Registry
	queue    replay.Enqueuer
	replayer *replay.Orchestrator
	cache    *modcache.Cache
	dlq      *deadletter.Router
	metrics  *metrics.Collector
	limiter  *ipRateLimiter
	logger   *slog.Logger
}

func NewServer(log eventlog.Log, reg *registry.Registry, queue replay.Enqueuer, replayer *replay.Orchestrator, cache *modcache.Cache, dlq *deadletter.Router, collector *metrics.Collector, opts Options) *Server {
	s := &Server{
		log:      log,
		registry: reg,
		queue:    queue,
		replayer: replayer,
		cache:    cache,
		dlq:      dlq,
		metrics:  collector,
		logger:   slog.Default().With("component", "api"),
	}
	if opts.RateLimitRPS > 0 {
		s.limiter = newIPRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst)
	}
	return s
}

// Handler builds the route table with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /events/{type...}", s.handleWebhook)
	mux.HandleFunc("POST /api/events", s.handlePublish)
	mux.HandleFunc("GET /api/events", s.handleList)
	mux.HandleFunc("GET /api/events/{id}", s.handleGet)
	mux.HandleFunc("POST /api/events/{id}/replay", s.handleReplay)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/cache/stats", s.handleCacheStats)
	mux.HandleFunc("DELETE /api/cache", s.handleCacheClear)
	mux.HandleFunc("GET /api/deadletters", s.handleDeadLetters)
	mux.HandleFunc("GET /health", s.handleHealth)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.middleware(h)
	}
	return withTrace(h)
}

// publish appends the envelope and fans out one dispatch task per matched
// function. Returns the assigned sequence and the match count.
func (s *Server) publish(r *http.Request, env *events.Envelope) (uint64, int, error) {
	ctx := r.Context()
	traceID := observability.TraceID(ctx)

	envJSON, err := env.JSON()
	if err != nil {
		return 0, 0, nexuserr.Internal(err)
	}
	if err := events.ValidateEnvelopeJSON(envJSON); err != nil {
		return 0, 0, nexuserr.InvalidInput("envelope", err.Error())
	}

	rec := events.NewRecord(env, traceID)
	seq, err := s.log.Append(ctx, rec)
	if err != nil {
		return 0, 0, err
	}
	s.metrics.EventPublished()

	defs := s.registry.Match(env.Type)
	failure := new(sync.Once)
	for _, def := range defs {
		if err := s.queue.Enqueue(ctx, dispatch.Task{
			Def:          def,
			Envelope:     env.Clone(),
			TraceID:      traceID,
			Attempt:      1,
			EventFailure: failure,
		}); err != nil {
			// The event is already durable; tell the caller which id it got.
			e := nexuserr.Internal(fmt.Errorf("enqueue %s: %w", def.Name, err))
			e.Details = map[string]any{
				"event_id": env.ID,
				"status":   "published",
				"sequence": seq,
			}
			return seq, 0, e
		}
	}

	s.logger.InfoContext(ctx, "event published",
		"event_id", env.ID,
		"event_type", env.Type,
		"sequence", seq,
		"matched", len(defs),
		"trace_id", traceID,
	)
	return seq, len(defs), nil
}

type publishResponse struct {
	EventID   string `json:"event_id"`
	Status    string `json:"status"`
	EventType string `json:"event_type"`
	Sequence  uint64 `json:"sequence"`
	Matched   int    `json:"matched"`
	TraceID   string `json:"trace_id"`
}

// handleWebhook maps POST /events/user/created to event type
// "com.nexus.user.created" with the body as payload.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.PathValue("type"), "/")
	if path == "" {
		writeError(w, nexuserr.InvalidInput("path", "event type path is required"))
		return
	}
	eventType := webhookTypePrefix + strings.ReplaceAll(path, "/", ".")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, nexuserr.InvalidInput("body", "unreadable request body"))
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		writeError(w, nexuserr.InvalidInput("body", "payload must be JSON"))
		return
	}

	env := events.New(eventType, "/api/webhook")
	env.Data = body

	seq, matched, err := s.publish(r, env)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, publishResponse{
		EventID:   env.ID,
		Status:    "published",
		EventType: env.Type,
		Sequence:  seq,
		Matched:   matched,
		TraceID:   observability.TraceID(r.Context()),
	})
}

type publishRequest struct {
	Type   string          `json:"type"`
	Source string          `json:"source"`
	Data   json.RawMessage `json:"data"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, nexuserr.InvalidInput("body", "invalid JSON body"))
		return
	}
	if req.Type == "" {
		writeError(w, nexuserr.InvalidInput("type", "event type is required"))
		return
	}
	source := req.Source
	if source == "" {
		source = "/api/events"
	}

	env := events.New(req.Type, source)
	if req.Data != nil {
		env.Data = req.Data
	}

	seq, matched, err := s.publish(r, env)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, publishResponse{
		EventID:   env.ID,
		Status:    "published",
		EventType: env.Type,
		Sequence:  seq,
		Matched:   matched,
		TraceID:   observability.TraceID(r.Context()),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.log.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, nexuserr.InvalidInput("limit", "limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	recs, total, err := s.log.List(r.Context(), r.URL.Query().Get("type"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []*events.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": recs,
		"count":  len(recs),
		"total":  total,
	})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	res, err := s.replayer.Replay(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"event_id": res.EventID,
		"status":   "replayed",
		"message":  fmt.Sprintf("dispatched to %d function(s)", res.Matched),
		"matched":  res.Matched,
		"trace_id": res.TraceID,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	cleared := s.cache.Clear(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "cleared",
		"entries": cleared,
	})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, nexuserr.InvalidInput("limit", "limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	entries, err := s.dlq.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []deadletter.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dead_letters": entries,
		"count":        len(entries),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"version":       Version,
		"log_connected": s.log.Connected(),
		"functions":     s.registry.Len(),
	})
}
