// Package emergency tracks fleet incidents and drives the multi-step
// emergency-response protocols that command the field.
package emergency

import (
	"errors"
	"time"

	"skyfleet/pkg/events"
)

// Typed errors surfaced to callers. No side effects precede them.
var (
	ErrNotFound          = errors.New("emergency: not found")
	ErrUnknownProtocol   = errors.New("emergency: unknown protocol template")
	ErrInvalidInput      = errors.New("emergency: invalid input")
	ErrInvalidTransition = errors.New("emergency: invalid status transition")
)

// Status is the lifecycle state of an incident.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusActive     Status = "ACTIVE"
	StatusResponding Status = "RESPONDING"
	StatusResolved   Status = "RESOLVED"
	StatusFalseAlarm Status = "FALSE_ALARM"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusResponding, StatusResolved, StatusFalseAlarm:
		return true
	}
	return false
}

// Terminal reports whether s ends the incident lifecycle.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusFalseAlarm
}

// CanTransition reports whether from → to is a legal status change.
// Terminal states accept no further transitions.
func CanTransition(from, to Status) bool {
	if from.Terminal() || !to.Valid() {
		return false
	}
	switch from {
	case StatusPending:
		return to == StatusActive || to == StatusResponding || to == StatusResolved || to == StatusFalseAlarm
	case StatusActive:
		return to == StatusResponding || to == StatusResolved || to == StatusFalseAlarm
	case StatusResponding:
		return to == StatusResolved || to == StatusFalseAlarm
	}
	return false
}

// Location is the incident position.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Emergency is a tracked incident. Mutation happens only through
// defined status transitions; the audit fields record who did what.
type Emergency struct {
	ID              string          `json:"id"`
	DroneID         string          `json:"droneId"`
	Type            string          `json:"type"`
	Severity        events.Severity `json:"severity"`
	Description     string          `json:"description,omitempty"`
	Location        Location        `json:"location"`
	Status          Status          `json:"status"`
	ResponseActions []string        `json:"responseActions,omitempty"`
	AssignedTeam    string          `json:"assignedTeam,omitempty"`
	ReportedBy      string          `json:"reportedBy"`
	UpdatedBy       string          `json:"updatedBy,omitempty"`
	Resolution      string          `json:"resolution,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	ResolvedAt      *time.Time      `json:"resolvedAt,omitempty"`
}

// StepStatus is the lifecycle state of one protocol step.
type StepStatus string

const (
	StepPending    StepStatus = "PENDING"
	StepInProgress StepStatus = "IN_PROGRESS"
	StepCompleted  StepStatus = "COMPLETED"
	StepFailed     StepStatus = "FAILED"
)

// Step is one unit of a protocol execution. Steps transition
// independently but strictly in list order.
type Step struct {
	Index       int        `json:"stepIndex"`
	Action      Action     `json:"action"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// ExecutionStatus summarizes a protocol run.
type ExecutionStatus string

const (
	ExecutionCreated   ExecutionStatus = "CREATED"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionSucceeded ExecutionStatus = "SUCCEEDED"
	ExecutionFailed    ExecutionStatus = "FAILED"
)

// Execution is one run of a protocol template against one emergency.
// Owned exclusively by that emergency; never shared.
type Execution struct {
	ID               string          `json:"id"`
	EmergencyID      string          `json:"emergencyId"`
	Protocol         ProtocolType    `json:"protocolType"`
	Status           ExecutionStatus `json:"status"`
	Steps            []Step          `json:"steps"`
	AutoExecute      bool            `json:"autoExecute"`
	MaxExecutionTime time.Duration   `json:"maxExecutionTimeMs"`
	TriggeredBy      string          `json:"triggeredBy"`
	StartedAt        time.Time       `json:"startedAt"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
}
