// Package replay re-drives committed events through the execution
// pipeline. A replay derives its envelope from the stored record; the log
// is never appended to and the original record never changes.
package replay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nexus-labs/nexus/core/pkg/dispatch"
	"github.com/nexus-labs/nexus/core/pkg/eventlog"
	"github.com/nexus-labs/nexus/core/pkg/metrics"
	"github.com/nexus-labs/nexus/core/pkg/observability"
	"github.com/nexus-labs/nexus/core/pkg/registry"
)

// Enqueuer accepts dispatch tasks. *dispatch.Dispatcher satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, task dispatch.Task) error
}

// Result reports what a replay kicked off.
type Result struct {
	EventID string `json:"event_id"`
	Matched int    `json:"matched"`
	TraceID string `json:"trace_id"`
}

// Orchestrator looks up records and re-dispatches them.
type Orchestrator struct {
	log      eventlog.Log
	registry *registry.Registry
	queue    Enqueuer
	metrics  *metrics.Collector
	logger   *slog.Logger
}

func NewOrchestrator(log eventlog.Log, reg *registry.Registry, queue Enqueuer, collector *metrics.Collector) *Orchestrator {
	return &Orchestrator{
		log:      log,
		registry: reg,
		queue:    queue,
		metrics:  collector,
		logger:   slog.Default().With("component", "replay"),
	}
}

// Replay re-executes the functions matching the stored event. The derived
// envelope is byte-identical to the committed one; the dispatch tasks carry
// the replay markers and a fresh trace id, so replayed executions are
// distinguishable end to end. Matching uses the current registry, not the
// one live at original ingest.
func (o *Orchestrator) Replay(ctx context.Context, eventID string) (Result, error) {
	rec, err := o.log.Get(ctx, eventID)
	if err != nil {
		return Result{}, err
	}

	traceID := observability.NewTraceID()
	ctx = observability.WithTraceID(ctx, traceID)
	env := rec.ReplayEnvelope()
	originalTime := rec.Envelope.Time

	defs := o.registry.Match(env.Type)
	failure := new(sync.Once)
	for _, def := range defs {
		if err := o.queue.Enqueue(ctx, dispatch.Task{
			Def:          def,
			Envelope:     env,
			TraceID:      traceID,
			Attempt:      1,
			IsReplay:     true,
			OriginalTime: &originalTime,
			EventFailure: failure,
		}); err != nil {
			return Result{}, err
		}
	}

	if o.metrics != nil {
		o.metrics.EventReplayed()
	}
	o.logger.InfoContext(ctx, "event replayed",
		"event_id", eventID,
		"event_type", env.Type,
		"matched", len(defs),
		"trace_id", traceID,
		"original_trace_id", rec.TraceID,
	)
	return Result{EventID: eventID, Matched: len(defs), TraceID: traceID}, nil
}
