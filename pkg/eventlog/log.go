// Package eventlog implements the durable, append-only event log.
//
// Contract: Append returns only after the record is durably committed;
// sequence numbers are strictly increasing and never renumbered by retention
// purges; Get and List never observe an uncommitted record.
package eventlog

import (
	"context"
	"time"

	"github.com/nexus-labs/nexus/core/pkg/events"
)

// Log is the append-only, queryable-by-id event store.
type Log interface {
	// Append durably commits the record and returns its sequence number.
	// The record's Sequence and CommittedAt fields are filled in.
	Append(ctx context.Context, rec *events.Record) (uint64, error)

	// Get returns the record for the given event id, or nexuserr.NotFound.
	Get(ctx context.Context, eventID string) (*events.Record, error)

	// List returns up to limit records in insertion order (oldest first),
	// optionally filtered by event type, plus the unfiltered total count.
	List(ctx context.Context, typeFilter string, limit int) ([]*events.Record, int, error)

	// Purge applies the retention policy and returns the number of records
	// removed. Surviving records keep their sequence numbers.
	Purge(ctx context.Context) (int, error)

	// Connected reports whether the durable store is currently reachable.
	Connected() bool

	Close() error
}

// Retention caps the log by age and/or count. Zero values disable a cap.
type Retention struct {
	MaxAge   time.Duration
	MaxCount int
}

// DefaultListLimit bounds List when the caller passes limit <= 0.
const DefaultListLimit = 100
