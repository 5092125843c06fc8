package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/nexus-labs/nexus/core/pkg/events"
	"github.com/nexus-labs/nexus/core/pkg/nexuserr"
)

// MemoryLog is the reference in-process implementation, used by tests and
// as a stand-in when no durable store is configured.
type MemoryLog struct {
	mu        sync.RWMutex
	records   []*events.Record
	byID      map[string]*events.Record
	sequence  uint64
	retention Retention
}

func NewMemoryLog(retention Retention) *MemoryLog {
	return &MemoryLog{byID: make(map[string]*events.Record), retention: retention}
}

func (l *MemoryLog) Append(ctx context.Context, rec *events.Record) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sequence++
	rec.Sequence = l.sequence
	rec.CommittedAt = time.Now().UTC()

	stored := *rec
	l.records = append(l.records, &stored)
	l.byID[rec.Envelope.ID] = &stored
	return rec.Sequence, nil
}

func (l *MemoryLog) Get(ctx context.Context, eventID string) (*events.Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.byID[eventID]
	if !ok {
		return nil, nexuserr.NotFound("event", eventID)
	}
	cp := *rec
	return &cp, nil
}

func (l *MemoryLog) List(ctx context.Context, typeFilter string, limit int) ([]*events.Record, int, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*events.Record
	for _, rec := range l.records {
		if typeFilter != "" && rec.Envelope.Type != typeFilter {
			continue
		}
		cp := *rec
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, len(l.records), nil
}

func (l *MemoryLog) Purge(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	keep := l.records[:0]
	removed := 0
	cutoff := time.Time{}
	if l.retention.MaxAge > 0 {
		cutoff = time.Now().UTC().Add(-l.retention.MaxAge)
	}
	for _, rec := range l.records {
		if !cutoff.IsZero() && rec.CommittedAt.Before(cutoff) {
			delete(l.byID, rec.Envelope.ID)
			removed++
			continue
		}
		keep = append(keep, rec)
	}
	l.records = keep

	if l.retention.MaxCount > 0 && len(l.records) > l.retention.MaxCount {
		drop := len(l.records) - l.retention.MaxCount
		for _, rec := range l.records[:drop] {
			delete(l.byID, rec.Envelope.ID)
		}
		l.records = append([]*events.Record(nil), l.records[drop:]...)
		removed += drop
	}
	return removed, nil
}

func (l *MemoryLog) Connected() bool { return true }

func (l *MemoryLog) Close() error { return nil }
