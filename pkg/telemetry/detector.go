package telemetry

import (
	"fmt"

	"skyfleet/pkg/events"
)

// Thresholds are the static limits one sample is evaluated against.
type Thresholds struct {
	BatteryLow     float64
	BatteryVeryLow float64
	SignalWeak     float64 // dBm
	SignalVeryWeak float64 // dBm
	TemperatureMax float64 // °C
	TemperatureMin float64 // °C
	AltitudeMax    float64 // m
	SpeedMax       float64 // unit-consistent with samples
}

// DefaultThresholds match the fleet's operational limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		BatteryLow:     25,
		BatteryVeryLow: 15,
		SignalWeak:     -80,
		SignalVeryWeak: -90,
		TemperatureMax: 60,
		TemperatureMin: -10,
		AltitudeMax:    500,
		SpeedMax:       30,
	}
}

// AlertKind names the anomaly a draft describes.
type AlertKind string

const (
	AlertBatteryCritical AlertKind = "battery_critical"
	AlertBatteryLow      AlertKind = "battery_low"
	AlertSignalCritical  AlertKind = "signal_critical"
	AlertSignalWeak      AlertKind = "signal_weak"
	AlertTemperatureHigh AlertKind = "temperature_high"
	AlertTemperatureLow  AlertKind = "temperature_low"
	AlertAltitudeHigh    AlertKind = "altitude_high"
	AlertSpeedHigh       AlertKind = "speed_high"
)

// AlertDraft is a detector finding. The caller turns drafts into events;
// the detector itself has no side effects.
type AlertDraft struct {
	Kind     AlertKind
	Type     events.Type
	Severity events.Severity
	Message  string
	Data     map[string]any
}

// Detector evaluates samples against fixed thresholds. It is stateless:
// each sample is judged on its own, no history required.
type Detector struct {
	t Thresholds
}

// NewDetector builds a detector with the given thresholds.
func NewDetector(t Thresholds) *Detector { return &Detector{t: t} }

// Evaluate returns zero or more independent alert drafts for one sample.
// Evaluation order is fixed (battery, signal, temperature, altitude,
// speed); the drafts themselves carry no ordering guarantee.
func (d *Detector) Evaluate(s Sample) []AlertDraft {
	var drafts []AlertDraft

	if s.BatteryLevel <= d.t.BatteryVeryLow {
		drafts = append(drafts, AlertDraft{
			Kind:     AlertBatteryCritical,
			Type:     events.TypeBatteryLow,
			Severity: events.SeverityCritical,
			Message:  fmt.Sprintf("Drone %s battery critically low (%.0f%%)", s.DroneID, s.BatteryLevel),
			Data:     map[string]any{"droneId": s.DroneID, "batteryLevel": s.BatteryLevel},
		})
	} else if s.BatteryLevel <= d.t.BatteryLow {
		drafts = append(drafts, AlertDraft{
			Kind:     AlertBatteryLow,
			Type:     events.TypeBatteryLow,
			Severity: events.SeverityWarning,
			Message:  fmt.Sprintf("Drone %s battery low (%.0f%%)", s.DroneID, s.BatteryLevel),
			Data:     map[string]any{"droneId": s.DroneID, "batteryLevel": s.BatteryLevel},
		})
	}

	if s.SignalStrength != nil {
		sig := *s.SignalStrength
		if sig <= d.t.SignalVeryWeak {
			drafts = append(drafts, AlertDraft{
				Kind:     AlertSignalCritical,
				Type:     events.TypeSignalWeak,
				Severity: events.SeverityCritical,
				Message:  fmt.Sprintf("Drone %s signal critically weak (%.0f dBm)", s.DroneID, sig),
				Data:     map[string]any{"droneId": s.DroneID, "signalStrength": sig},
			})
		} else if sig <= d.t.SignalWeak {
			drafts = append(drafts, AlertDraft{
				Kind:     AlertSignalWeak,
				Type:     events.TypeSignalWeak,
				Severity: events.SeverityWarning,
				Message:  fmt.Sprintf("Drone %s signal weak (%.0f dBm)", s.DroneID, sig),
				Data:     map[string]any{"droneId": s.DroneID, "signalStrength": sig},
			})
		}
	}

	if s.Temperature != nil {
		temp := *s.Temperature
		if temp >= d.t.TemperatureMax {
			drafts = append(drafts, AlertDraft{
				Kind:     AlertTemperatureHigh,
				Type:     events.TypeSystemError,
				Severity: events.SeverityWarning,
				Message:  fmt.Sprintf("Drone %s temperature high (%.1f°C)", s.DroneID, temp),
				Data:     map[string]any{"droneId": s.DroneID, "temperature": temp},
			})
		} else if temp <= d.t.TemperatureMin {
			drafts = append(drafts, AlertDraft{
				Kind:     AlertTemperatureLow,
				Type:     events.TypeSystemError,
				Severity: events.SeverityWarning,
				Message:  fmt.Sprintf("Drone %s temperature low (%.1f°C)", s.DroneID, temp),
				Data:     map[string]any{"droneId": s.DroneID, "temperature": temp},
			})
		}
	}

	if s.Altitude >= d.t.AltitudeMax {
		drafts = append(drafts, AlertDraft{
			Kind:     AlertAltitudeHigh,
			Type:     events.TypeAirspaceViolation,
			Severity: events.SeverityWarning,
			Message:  fmt.Sprintf("Drone %s altitude too high (%.0fm)", s.DroneID, s.Altitude),
			Data:     map[string]any{"droneId": s.DroneID, "altitude": s.Altitude},
		})
	}

	if s.Speed >= d.t.SpeedMax {
		drafts = append(drafts, AlertDraft{
			Kind:     AlertSpeedHigh,
			Type:     events.TypeDroneStatusChange,
			Severity: events.SeverityWarning,
			Message:  fmt.Sprintf("Drone %s speed too high (%.1f m/s)", s.DroneID, s.Speed),
			Data:     map[string]any{"droneId": s.DroneID, "speed": s.Speed},
		})
	}

	return drafts
}
