// Package dispatch decouples event ingestion from function execution with
// a bounded queue and a fixed worker pool.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nexus-labs/nexus/core/pkg/deadletter"
	"github.com/nexus-labs/nexus/core/pkg/events"
	"github.com/nexus-labs/nexus/core/pkg/metrics"
	"github.com/nexus-labs/nexus/core/pkg/observability"
	"github.com/nexus-labs/nexus/core/pkg/registry"
	"github.com/nexus-labs/nexus/core/pkg/sandbox"
)

// Runner executes one function against one envelope. *executor.Executor
// satisfies it.
type Runner interface {
	Execute(ctx context.Context, def registry.FunctionDefinition, env *events.Envelope) (sandbox.Result, error)
}

// Task is one queued invocation.
type Task struct {
	Def      registry.FunctionDefinition
	Envelope *events.Envelope
	TraceID  string
	Attempt  int

	// IsReplay and OriginalTime mark a task derived from a stored record.
	IsReplay     bool
	OriginalTime *time.Time

	// EventFailure is shared across an event's fan-out so a multi-function
	// event counts as one failed event no matter how many tasks fail.
	EventFailure *sync.Once
}

const (
	DefaultWorkers    = 4
	DefaultQueueDepth = 256
)

// Dispatcher owns the queue and workers. Enqueue blocks when the queue is
// full; back-pressure reaches the publisher instead of dropping work.
type Dispatcher struct {
	runner  Runner
	metrics *metrics.Collector
	dlq     *deadletter.Router
	obs     *observability.Provider
	logger  *slog.Logger

	tasks chan Task
	wg    sync.WaitGroup

	stopOnce sync.Once
}

// New starts the worker pool immediately. obs may be nil.
func New(runner Runner, collector *metrics.Collector, dlq *deadletter.Router, obs *observability.Provider, workers, queueDepth int) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	d := &Dispatcher{
		runner:  runner,
		metrics: collector,
		dlq:     dlq,
		obs:     obs,
		logger:  slog.Default().With("component", "dispatch"),
		tasks:   make(chan Task, queueDepth),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue submits a task, blocking while the queue is full. It fails only
// when ctx is done first. Enqueueing after Stop panics; the server stops
// accepting events before it stops the dispatcher.
func (d *Dispatcher) Enqueue(ctx context.Context, task Task) error {
	if task.Attempt == 0 {
		task.Attempt = 1
	}
	select {
	case d.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queued reports the current queue occupancy.
func (d *Dispatcher) Queued() int { return len(d.tasks) }

// Stop closes the queue and waits for the workers to drain it. In-flight
// invocations run to completion.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.tasks)
	})
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for task := range d.tasks {
		d.run(task)
	}
}

func (d *Dispatcher) run(task Task) {
	// Workers use a background context: shutdown drains, never cancels.
	ctx := observability.WithTraceID(context.Background(), task.TraceID)

	done := func(error) {}
	if d.obs != nil {
		ctx, done = d.obs.TrackInvocation(ctx, task.Def.Name,
			attribute.String("nexus.event_id", task.Envelope.ID),
			attribute.Bool("nexus.replay", task.IsReplay),
		)
	}

	res, err := d.runner.Execute(ctx, task.Def, task.Envelope)
	done(err)
	success := err == nil
	if d.metrics != nil {
		d.metrics.FunctionExecution(res.Duration, success)
	}
	if success {
		d.logger.InfoContext(ctx, "function succeeded",
			"function", task.Def.Name,
			"event_id", task.Envelope.ID,
			"trace_id", task.TraceID,
			"is_replay", task.IsReplay,
			"duration_ms", res.Duration.Milliseconds(),
		)
		return
	}

	d.logger.WarnContext(ctx, "function failed",
		"function", task.Def.Name,
		"event_id", task.Envelope.ID,
		"trace_id", task.TraceID,
		"is_replay", task.IsReplay,
		"outcome", string(res.Outcome),
		"error", err,
	)
	if d.metrics != nil {
		if task.EventFailure != nil {
			task.EventFailure.Do(d.metrics.EventFailed)
		} else {
			d.metrics.EventFailed()
		}
	}
	if d.dlq != nil {
		d.dlq.Route(ctx, deadletter.Entry{
			Envelope:     *task.Envelope,
			Function:     task.Def.Name,
			Outcome:      res.Outcome,
			Attempt:      task.Attempt,
			TraceID:      task.TraceID,
			IsReplay:     task.IsReplay,
			OriginalTime: task.OriginalTime,
		}, err)
	}
}
