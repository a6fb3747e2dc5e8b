package eventstore

import (
	"context"
	"sync"
	"time"

	"skyfleet/pkg/events"
)

// MemoryStore is an in-process Store for tests and single-node dev runs.
type MemoryStore struct {
	mu     sync.RWMutex
	events []events.Event
	byID   map[string]int
}

// NewMemoryStore returns an empty in-memory event log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]int)}
}

func (s *MemoryStore) Append(ctx context.Context, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[ev.ID] = len(s.events)
	s.events = append(s.events, ev)
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, f Filter) ([]events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []events.Event
	// newest first
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if f.Type != "" && ev.Type != f.Type {
			continue
		}
		if f.Severity != "" && ev.Severity != f.Severity {
			continue
		}
		if !f.Start.IsZero() && ev.Timestamp.Before(f.Start) {
			continue
		}
		if !f.End.IsZero() && ev.Timestamp.After(f.End) {
			continue
		}
		matched = append(matched, ev)
	}
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[f.Offset:]
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return events.Event{}, ErrNotFound
	}
	return s.events[i], nil
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	s.events[i].Processed = true
	return nil
}

func (s *MemoryStore) Stats(ctx context.Context, window time.Duration) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := Stats{ByType: map[events.Type]int{}, BySeverity: map[events.Severity]int{}}
	cutoff := time.Now().Add(-window)
	for _, ev := range s.events {
		if ev.Timestamp.Before(cutoff) {
			continue
		}
		stats.ByType[ev.Type]++
		stats.BySeverity[ev.Severity]++
		stats.Total++
	}
	return stats, nil
}

// Len reports the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
