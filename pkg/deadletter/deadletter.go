// Package deadletter captures failed invocations in a durable sink kept
// separate from the event log, so failures never mutate history.
package deadletter

import (
	"context"
	"log/slog"
	"time"

	"github.com/nexus-labs/nexus/core/pkg/events"
	"github.com/nexus-labs/nexus/core/pkg/sandbox"
)

// Entry is one dead-lettered invocation.
type Entry struct {
	Envelope     events.Envelope `json:"envelope"`
	Function     string          `json:"function"`
	Outcome      sandbox.Outcome `json:"outcome"`
	Error        string          `json:"error,omitempty"`
	Attempt      int             `json:"attempt"`
	TraceID      string          `json:"trace_id"`
	IsReplay     bool            `json:"is_replay"`
	OriginalTime *time.Time      `json:"original_time,omitempty"`
	At           time.Time       `json:"at"`
}

// Sink persists dead letters.
type Sink interface {
	Write(ctx context.Context, e Entry) error
	List(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// DefaultListLimit bounds inspection queries with no explicit limit.
const DefaultListLimit = 50

// Router builds entries from failed executions and writes them to the
// sink. A sink failure is logged, never propagated; dead-lettering must
// not take the pipeline down with it.
type Router struct {
	sink   Sink
	logger *slog.Logger
}

func NewRouter(sink Sink) *Router {
	return &Router{
		sink:   sink,
		logger: slog.Default().With("component", "deadletter"),
	}
}

// Route records a failed invocation. At and Error are filled in here.
func (r *Router) Route(ctx context.Context, entry Entry, execErr error) {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	if execErr != nil {
		entry.Error = execErr.Error()
	}
	if err := r.sink.Write(ctx, entry); err != nil {
		r.logger.ErrorContext(ctx, "dead letter write failed",
			"function", entry.Function,
			"event_id", entry.Envelope.ID,
			"trace_id", entry.TraceID,
			"error", err,
		)
		return
	}
	r.logger.WarnContext(ctx, "invocation dead-lettered",
		"function", entry.Function,
		"event_id", entry.Envelope.ID,
		"outcome", string(entry.Outcome),
		"is_replay", entry.IsReplay,
		"trace_id", entry.TraceID,
	)
}

// List exposes recent entries for inspection, newest first.
func (r *Router) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return r.sink.List(ctx, limit)
}
