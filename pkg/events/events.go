// Package events defines the typed event model shared by the bus, the
// store, and the realtime fanout.
package events

import (
	"fmt"
	"time"
)

// Type identifies one of the closed set of fleet event kinds.
type Type string

const (
	TypeDroneStatusChange   Type = "drone_status_change"
	TypeMissionStatusChange Type = "mission_status_change"
	TypeBatteryLow          Type = "battery_low"
	TypeSignalWeak          Type = "signal_weak"
	TypeEmergencyAlert      Type = "emergency_alert"
	TypeSystemError         Type = "system_error"
	TypeMaintenanceDue      Type = "maintenance_due"
	TypeWeatherWarning      Type = "weather_warning"
	TypeAirspaceViolation   Type = "airspace_violation"
	TypeScheduleUpdate      Type = "schedule_update"
)

// AllTypes returns every known event type in a stable order.
func AllTypes() []Type {
	return []Type{
		TypeDroneStatusChange,
		TypeMissionStatusChange,
		TypeBatteryLow,
		TypeSignalWeak,
		TypeEmergencyAlert,
		TypeSystemError,
		TypeMaintenanceDue,
		TypeWeatherWarning,
		TypeAirspaceViolation,
		TypeScheduleUpdate,
	}
}

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	switch t {
	case TypeDroneStatusChange, TypeMissionStatusChange, TypeBatteryLow,
		TypeSignalWeak, TypeEmergencyAlert, TypeSystemError,
		TypeMaintenanceDue, TypeWeatherWarning, TypeAirspaceViolation,
		TypeScheduleUpdate:
		return true
	}
	return false
}

// Description returns a human-readable description for t.
func (t Type) Description() string {
	switch t {
	case TypeDroneStatusChange:
		return "Drone operational status changed"
	case TypeMissionStatusChange:
		return "Mission status changed"
	case TypeBatteryLow:
		return "Drone battery level below threshold"
	case TypeSignalWeak:
		return "Drone signal strength below threshold"
	case TypeEmergencyAlert:
		return "Emergency incident alert"
	case TypeSystemError:
		return "Internal system error"
	case TypeMaintenanceDue:
		return "Drone maintenance due"
	case TypeWeatherWarning:
		return "Adverse weather warning"
	case TypeAirspaceViolation:
		return "Airspace boundary violation"
	case TypeScheduleUpdate:
		return "Fleet schedule updated"
	}
	return "Unknown event"
}

// Severity orders events from informational to critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Rank returns the total order position of s. Unknown severities rank
// below info so they never outrank real ones.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityError:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Valid reports whether s is a known severity level.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// AtLeast reports whether s is at least as severe as min.
func (s Severity) AtLeast(min Severity) bool { return s.Rank() >= min.Rank() }

// Channel is a delivery mechanism for a published event.
type Channel string

const (
	ChannelRealtime Channel = "realtime"
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelPush     Channel = "push"
)

// Valid reports whether c is a known delivery channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelRealtime, ChannelEmail, ChannelSMS, ChannelPush:
		return true
	}
	return false
}

// Event is the immutable unit carried by the bus. Once constructed by
// Publish it is never mutated.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Severity  Severity       `json:"severity"`
	Source    string         `json:"source"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	Channels  []Channel      `json:"channels"`
	Processed bool           `json:"processed,omitempty"`
}

// Spec is the caller-supplied draft of an event. Missing fields (id,
// timestamp, severity, channels) are filled in by the bus.
type Spec struct {
	Type      Type
	Severity  Severity
	Source    string
	Data      map[string]any
	Timestamp time.Time
	Channels  []Channel
}

// Title returns the display title for the event's type.
func (e Event) Title() string {
	switch e.Type {
	case TypeDroneStatusChange:
		return "Drone Status Change"
	case TypeMissionStatusChange:
		return "Mission Status Change"
	case TypeBatteryLow:
		return "Low Battery"
	case TypeSignalWeak:
		return "Weak Signal"
	case TypeEmergencyAlert:
		return "Emergency Alert"
	case TypeSystemError:
		return "System Error"
	case TypeMaintenanceDue:
		return "Maintenance Due"
	case TypeWeatherWarning:
		return "Weather Warning"
	case TypeAirspaceViolation:
		return "Airspace Violation"
	case TypeScheduleUpdate:
		return "Schedule Update"
	}
	return "System Notification"
}

// Message returns the display message for the event. An explicit
// data["message"] wins; otherwise a per-type template is applied.
// Display-only: routing never looks at this.
func (e Event) Message() string {
	if m, ok := e.Data["message"].(string); ok && m != "" {
		return m
	}
	switch e.Type {
	case TypeDroneStatusChange:
		return fmt.Sprintf("Drone %v status changed to %v", e.Data["droneId"], e.Data["newStatus"])
	case TypeMissionStatusChange:
		return fmt.Sprintf("Mission %v status changed to %v", e.Data["missionId"], e.Data["newStatus"])
	case TypeBatteryLow:
		return fmt.Sprintf("Drone %v battery level at %v%%", e.Data["droneId"], e.Data["batteryLevel"])
	case TypeSignalWeak:
		return fmt.Sprintf("Drone %v signal weak (%v dBm)", e.Data["droneId"], e.Data["signalStrength"])
	case TypeScheduleUpdate:
		return fmt.Sprintf("Schedule %v updated", e.Data["scheduleId"])
	}
	return "Fleet system event"
}
