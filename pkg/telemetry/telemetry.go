// Package telemetry ingests drone telemetry, detects operational
// anomalies against static thresholds, and feeds the event pipeline.
package telemetry

import (
	"errors"
	"fmt"
	"time"
)

// DroneStatus is the reported operational state of a drone.
type DroneStatus string

const (
	StatusIdle      DroneStatus = "idle"
	StatusFlying    DroneStatus = "flying"
	StatusReturning DroneStatus = "returning"
	StatusLanding   DroneStatus = "landing"
	StatusEmergency DroneStatus = "emergency"
	StatusOffline   DroneStatus = "offline"
)

// Valid reports whether s is a known drone status.
func (s DroneStatus) Valid() bool {
	switch s {
	case StatusIdle, StatusFlying, StatusReturning, StatusLanding, StatusEmergency, StatusOffline:
		return true
	}
	return false
}

// Sample is one telemetry reading from one drone. Immutable once
// created; consumed exactly once by the processing pipeline.
type Sample struct {
	DroneID        string      `json:"droneId"`
	Latitude       float64     `json:"latitude"`
	Longitude      float64     `json:"longitude"`
	Altitude       float64     `json:"altitude"`
	BatteryLevel   float64     `json:"battery_level"`
	Speed          float64     `json:"speed"`
	Heading        float64     `json:"heading"`
	Temperature    *float64    `json:"temperature,omitempty"`
	Humidity       *float64    `json:"humidity,omitempty"`
	WindSpeed      *float64    `json:"wind_speed,omitempty"`
	SignalStrength *float64    `json:"signal_strength,omitempty"`
	Status         DroneStatus `json:"status"`
	Timestamp      time.Time   `json:"timestamp"`
}

// ErrInvalidSample marks telemetry rejected before any state change.
var ErrInvalidSample = errors.New("telemetry: invalid sample")

// Validate checks field ranges. A failed sample is rejected whole; the
// pipeline never ingests partially valid readings.
func (s Sample) Validate() error {
	if s.DroneID == "" {
		return fmt.Errorf("%w: missing drone id", ErrInvalidSample)
	}
	if s.Latitude < -90 || s.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidSample, s.Latitude)
	}
	if s.Longitude < -180 || s.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidSample, s.Longitude)
	}
	if s.BatteryLevel < 0 || s.BatteryLevel > 100 {
		return fmt.Errorf("%w: battery level %v out of range", ErrInvalidSample, s.BatteryLevel)
	}
	if s.Speed < 0 {
		return fmt.Errorf("%w: negative speed %v", ErrInvalidSample, s.Speed)
	}
	if s.Heading < 0 || s.Heading >= 360 {
		return fmt.Errorf("%w: heading %v out of range", ErrInvalidSample, s.Heading)
	}
	if s.Humidity != nil && (*s.Humidity < 0 || *s.Humidity > 100) {
		return fmt.Errorf("%w: humidity %v out of range", ErrInvalidSample, *s.Humidity)
	}
	if s.WindSpeed != nil && *s.WindSpeed < 0 {
		return fmt.Errorf("%w: negative wind speed %v", ErrInvalidSample, *s.WindSpeed)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidSample, s.Status)
	}
	return nil
}
