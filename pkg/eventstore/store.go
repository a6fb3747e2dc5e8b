// Package eventstore persists the durable append log of fleet events.
package eventstore

import (
	"context"
	"errors"
	"time"

	"skyfleet/pkg/events"
)

// ErrNotFound is returned when an event id does not exist.
var ErrNotFound = errors.New("eventstore: event not found")

// Filter narrows a Query. Zero values mean "no constraint".
type Filter struct {
	Type     events.Type
	Severity events.Severity
	Start    time.Time
	End      time.Time
	Limit    int
	Offset   int
}

// Stats aggregates event counts over a time window.
type Stats struct {
	Total      int                     `json:"total"`
	ByType     map[events.Type]int     `json:"byType"`
	BySeverity map[events.Severity]int `json:"bySeverity"`
}

// Store is the append log consumed by the event bus. Append must be safe
// for concurrent use; writes are single-writer per event id.
type Store interface {
	Append(ctx context.Context, ev events.Event) error
	Query(ctx context.Context, f Filter) ([]events.Event, error)
	GetByID(ctx context.Context, id string) (events.Event, error)
	MarkProcessed(ctx context.Context, id string) error
	Stats(ctx context.Context, window time.Duration) (Stats, error)
}
