package deadletter

import (
	"context"
	"sync"
)

// MemorySink records entries in memory, newest first. Tests only.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Write(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append([]Entry{e}, s.entries...)
	return nil
}

func (s *MemorySink) List(ctx context.Context, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > len(s.entries) {
		limit = len(s.entries)
	}
	out := make([]Entry, limit)
	copy(out, s.entries[:limit])
	return out, nil
}

func (s *MemorySink) Close() error { return nil }
