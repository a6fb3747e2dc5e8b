package emergency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"skyfleet/pkg/events"
)

// CreateInput is the operator-facing report of a new incident.
type CreateInput struct {
	DroneID     string
	Type        string
	Severity    events.Severity
	Description string
	Location    Location
	ReportedBy  string
}

func (in CreateInput) validate() error {
	if in.DroneID == "" {
		return fmt.Errorf("%w: droneId is required", ErrInvalidInput)
	}
	if in.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidInput)
	}
	if in.Severity != "" && !in.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidInput, in.Severity)
	}
	return nil
}

// Service is the incident lifecycle API: create, query, transition,
// resolve. Every state change is broadcast on the bus.
type Service struct {
	store Store
	cache Cache
	bus   Publisher
	log   *slog.Logger
}

// NewService wires a Service. cache may be nil.
func NewService(store Store, cache Cache, bus Publisher, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, cache: cache, bus: bus, log: log.With("component", "emergency-service")}
}

// Create records a new incident in PENDING status and announces it.
func (s *Service) Create(ctx context.Context, in CreateInput) (Emergency, error) {
	if err := in.validate(); err != nil {
		return Emergency{}, err
	}
	severity := in.Severity
	if severity == "" {
		severity = events.SeverityWarning
	}
	now := time.Now().UTC()
	em := Emergency{
		ID:          "emergency_" + uuid.NewString(),
		DroneID:     in.DroneID,
		Type:        in.Type,
		Severity:    severity,
		Description: in.Description,
		Location:    in.Location,
		Status:      StatusPending,
		ReportedBy:  in.ReportedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, em); err != nil {
		return Emergency{}, fmt.Errorf("create emergency: %w", err)
	}
	s.cacheSet(ctx, em)

	s.bus.Publish(ctx, events.Spec{
		Type:     events.TypeEmergencyAlert,
		Severity: em.Severity,
		Source:   "emergency-service",
		Data: map[string]any{
			"message":     fmt.Sprintf("Emergency reported: %s", em.Type),
			"emergencyId": em.ID,
			"droneId":     em.DroneID,
			"location":    em.Location,
		},
	})
	s.log.Info("emergency created", "emergency_id", em.ID, "drone_id", em.DroneID, "type", em.Type, "severity", em.Severity)
	return em, nil
}

// Get serves from cache when possible, falling back to the store.
func (s *Service) Get(ctx context.Context, id string) (Emergency, error) {
	if s.cache != nil {
		if em, ok, err := s.cache.Get(ctx, id); err == nil && ok {
			return em, nil
		} else if err != nil {
			s.log.Warn("emergency cache read failed", "emergency_id", id, "error", err)
		}
	}
	em, err := s.store.Get(ctx, id)
	if err != nil {
		return Emergency{}, err
	}
	s.cacheSet(ctx, em)
	return em, nil
}

// List pages through incidents newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]Emergency, int, error) {
	return s.store.List(ctx, f)
}

// UpdateStatus applies one lifecycle transition. Illegal transitions,
// including any move out of a terminal state, return
// ErrInvalidTransition.
func (s *Service) UpdateStatus(ctx context.Context, id string, u StatusUpdate) (Emergency, error) {
	if !u.Status.Valid() {
		return Emergency{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, u.Status)
	}
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return Emergency{}, err
	}
	if !CanTransition(current.Status, u.Status) {
		return Emergency{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, u.Status)
	}
	em, err := s.store.UpdateStatus(ctx, id, u)
	if err != nil {
		return Emergency{}, fmt.Errorf("update status: %w", err)
	}
	s.cacheSet(ctx, em)

	s.bus.Publish(ctx, events.Spec{
		Type:     events.TypeEmergencyAlert,
		Severity: events.SeverityInfo,
		Source:   "emergency-service",
		Data: map[string]any{
			"message":     fmt.Sprintf("Emergency %s is now %s", em.ID, em.Status),
			"emergencyId": em.ID,
			"droneId":     em.DroneID,
			"status":      string(em.Status),
		},
	})
	s.log.Info("emergency status updated",
		"emergency_id", em.ID, "from", current.Status, "to", em.Status, "by", u.UpdatedBy)
	return em, nil
}

// BatchResolve closes a set of incidents in one pass, skipping any that
// are already terminal. Returns the number actually resolved.
func (s *Service) BatchResolve(ctx context.Context, ids []string, resolution, resolvedBy string) (int, error) {
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: no ids given", ErrInvalidInput)
	}
	n, err := s.store.BatchResolve(ctx, ids, resolution, resolvedBy)
	if err != nil {
		return 0, fmt.Errorf("batch resolve: %w", err)
	}
	if s.cache != nil {
		for _, id := range ids {
			if err := s.cache.Delete(ctx, id); err != nil {
				s.log.Warn("emergency cache invalidation failed", "emergency_id", id, "error", err)
			}
		}
	}
	s.log.Info("emergencies batch resolved", "requested", len(ids), "resolved", n, "by", resolvedBy)
	return n, nil
}

// History lists one drone's incidents in a time window, newest first.
func (s *Service) History(ctx context.Context, droneID string, start, end time.Time) ([]Emergency, error) {
	return s.store.History(ctx, droneID, start, end)
}

// Stats aggregates the trailing 24 hours.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.store.Stats(ctx)
}

// Execution returns one protocol run.
func (s *Service) Execution(ctx context.Context, executionID string) (Execution, error) {
	return s.store.GetExecution(ctx, executionID)
}

func (s *Service) cacheSet(ctx context.Context, em Emergency) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, em); err != nil {
		s.log.Warn("emergency cache write failed", "emergency_id", em.ID, "error", err)
	}
}
