package emergency

import (
	"context"
	"time"

	"skyfleet/pkg/events"
)

// Filter narrows a List. Zero values mean "no constraint".
type Filter struct {
	Status   Status
	Severity events.Severity
	Type     string
	Limit    int
	Offset   int
}

// StatusUpdate is the mutable slice of an incident an operator may
// change in one transition.
type StatusUpdate struct {
	Status          Status
	ResponseActions []string
	AssignedTeam    string
	Resolution      string
	UpdatedBy       string
}

// Stats aggregates incidents over the trailing 24 hours.
type Stats struct {
	Total         int            `json:"total"`
	Active        int            `json:"active"`
	ResolvedToday int            `json:"resolvedToday"`
	Critical      int            `json:"critical"`
	TypeBreakdown map[string]int `json:"typeBreakdown"`
}

// Store is the durable record of emergencies and protocol executions.
// Writers are single-writer per emergency id; readers are concurrent.
type Store interface {
	Create(ctx context.Context, em Emergency) error
	Get(ctx context.Context, id string) (Emergency, error)
	List(ctx context.Context, f Filter) ([]Emergency, int, error)
	UpdateStatus(ctx context.Context, id string, u StatusUpdate) (Emergency, error)
	BatchResolve(ctx context.Context, ids []string, resolution, resolvedBy string) (int, error)
	History(ctx context.Context, droneID string, start, end time.Time) ([]Emergency, error)
	Stats(ctx context.Context) (Stats, error)

	SaveExecution(ctx context.Context, ex Execution) error
	UpdateExecutionSteps(ctx context.Context, executionID string, steps []Step, status ExecutionStatus, completedAt *time.Time) error
	GetExecution(ctx context.Context, executionID string) (Execution, error)
}
