package emergency

import (
	"context"
	"sync"
	"time"

	"skyfleet/pkg/events"
)

// MemoryStore is an in-process Store for tests and single-node dev runs.
type MemoryStore struct {
	mu          sync.RWMutex
	emergencies map[string]Emergency
	order       []string
	executions  map[string]Execution
	execOrder   []string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		emergencies: make(map[string]Emergency),
		executions:  make(map[string]Execution),
	}
}

func (s *MemoryStore) Create(ctx context.Context, em Emergency) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emergencies[em.ID] = em
	s.order = append(s.order, em.ID)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Emergency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	em, ok := s.emergencies[id]
	if !ok {
		return Emergency{}, ErrNotFound
	}
	return em, nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]Emergency, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []Emergency
	for i := len(s.order) - 1; i >= 0; i-- {
		em := s.emergencies[s.order[i]]
		if f.Status != "" && em.Status != f.Status {
			continue
		}
		if f.Severity != "" && em.Severity != f.Severity {
			continue
		}
		if f.Type != "" && em.Type != f.Type {
			continue
		}
		matched = append(matched, em)
	}
	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[f.Offset:]
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, u StatusUpdate) (Emergency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	em, ok := s.emergencies[id]
	if !ok {
		return Emergency{}, ErrNotFound
	}
	em.Status = u.Status
	if u.ResponseActions != nil {
		em.ResponseActions = u.ResponseActions
	}
	if u.AssignedTeam != "" {
		em.AssignedTeam = u.AssignedTeam
	}
	if u.Resolution != "" {
		em.Resolution = u.Resolution
	}
	em.UpdatedBy = u.UpdatedBy
	em.UpdatedAt = time.Now().UTC()
	if u.Status == StatusResolved {
		now := em.UpdatedAt
		em.ResolvedAt = &now
	}
	s.emergencies[id] = em
	return em, nil
}

func (s *MemoryStore) BatchResolve(ctx context.Context, ids []string, resolution, resolvedBy string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := time.Now().UTC()
	for _, id := range ids {
		em, ok := s.emergencies[id]
		if !ok || em.Status.Terminal() {
			continue
		}
		em.Status = StatusResolved
		em.Resolution = resolution
		em.UpdatedBy = resolvedBy
		em.UpdatedAt = now
		em.ResolvedAt = &now
		s.emergencies[id] = em
		n++
	}
	return n, nil
}

func (s *MemoryStore) History(ctx context.Context, droneID string, start, end time.Time) ([]Emergency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Emergency
	for i := len(s.order) - 1; i >= 0; i-- {
		em := s.emergencies[s.order[i]]
		if em.DroneID != droneID {
			continue
		}
		if !start.IsZero() && em.CreatedAt.Before(start) {
			continue
		}
		if !end.IsZero() && em.CreatedAt.After(end) {
			continue
		}
		out = append(out, em)
	}
	return out, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := Stats{TypeBreakdown: map[string]int{}}
	cutoff := time.Now().Add(-24 * time.Hour)
	for _, em := range s.emergencies {
		if em.CreatedAt.Before(cutoff) {
			continue
		}
		stats.Total++
		stats.TypeBreakdown[em.Type]++
		if em.Status == StatusActive || em.Status == StatusPending || em.Status == StatusResponding {
			stats.Active++
		}
		if em.Status == StatusResolved {
			stats.ResolvedToday++
		}
		if em.Severity == events.SeverityCritical {
			stats.Critical++
		}
	}
	return stats, nil
}

func (s *MemoryStore) SaveExecution(ctx context.Context, ex Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[ex.ID]; !ok {
		s.execOrder = append(s.execOrder, ex.ID)
	}
	s.executions[ex.ID] = cloneExecution(ex)
	return nil
}

func (s *MemoryStore) UpdateExecutionSteps(ctx context.Context, executionID string, steps []Step, status ExecutionStatus, completedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	ex.Steps = append([]Step(nil), steps...)
	ex.Status = status
	ex.CompletedAt = completedAt
	s.executions[executionID] = ex
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, executionID string) (Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ex, ok := s.executions[executionID]
	if !ok {
		return Execution{}, ErrNotFound
	}
	return cloneExecution(ex), nil
}

// Executions returns every stored execution, oldest first.
func (s *MemoryStore) Executions() []Execution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Execution, 0, len(s.execOrder))
	for _, id := range s.execOrder {
		out = append(out, cloneExecution(s.executions[id]))
	}
	return out
}

func cloneExecution(ex Execution) Execution {
	ex.Steps = append([]Step(nil), ex.Steps...)
	return ex
}
