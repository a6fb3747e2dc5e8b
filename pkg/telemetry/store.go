package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore writes telemetry to the drone_telemetry table (created
// by the schema migrations).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (s *PostgresStore) Insert(ctx context.Context, sm Sample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drone_telemetry (
			time, drone_id, latitude, longitude, altitude, battery_level,
			speed, heading, temperature, humidity, wind_speed, signal_strength, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sm.Timestamp, sm.DroneID, sm.Latitude, sm.Longitude, sm.Altitude, sm.BatteryLevel,
		sm.Speed, sm.Heading, sm.Temperature, sm.Humidity, sm.WindSpeed, sm.SignalStrength, string(sm.Status))
	if err != nil {
		return fmt.Errorf("insert telemetry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Latest(ctx context.Context, droneID string) (Sample, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT time, drone_id, latitude, longitude, altitude, battery_level,
		       speed, heading, temperature, humidity, wind_speed, signal_strength, status
		FROM drone_telemetry
		WHERE drone_id = $1
		ORDER BY time DESC
		LIMIT 1`, droneID)
	sm, err := scanSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Sample{}, ErrNoSample
	}
	return sm, err
}

// History returns samples for a drone inside [start, end], newest first.
func (s *PostgresStore) History(ctx context.Context, droneID string, start, end time.Time, limit int) ([]Sample, error) {
	if limit <= 0 {
		limit = 1000
	}
	q := `
		SELECT time, drone_id, latitude, longitude, altitude, battery_level,
		       speed, heading, temperature, humidity, wind_speed, signal_strength, status
		FROM drone_telemetry
		WHERE drone_id = $1`
	args := []any{droneID}
	if !start.IsZero() {
		args = append(args, start)
		q += fmt.Sprintf(" AND time >= $%d", len(args))
	}
	if !end.IsZero() {
		args = append(args, end)
		q += fmt.Sprintf(" AND time <= $%d", len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY time DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("telemetry history: %w", err)
	}
	defer rows.Close()
	var out []Sample
	for rows.Next() {
		sm, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSample(row rowScanner) (Sample, error) {
	var (
		sm     Sample
		status string
	)
	err := row.Scan(&sm.Timestamp, &sm.DroneID, &sm.Latitude, &sm.Longitude, &sm.Altitude,
		&sm.BatteryLevel, &sm.Speed, &sm.Heading, &sm.Temperature, &sm.Humidity,
		&sm.WindSpeed, &sm.SignalStrength, &status)
	if err != nil {
		return Sample{}, err
	}
	sm.Status = DroneStatus(status)
	return sm, nil
}
