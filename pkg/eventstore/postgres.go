package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"skyfleet/pkg/events"
)

// PostgresStore keeps the event log in an `events` table. The table is
// created on demand: the log must accept writes even on a fresh database
// where migrations have not touched it yet.
type PostgresStore struct {
	db  *sql.DB
	log *slog.Logger
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB, log *slog.Logger) *PostgresStore {
	if log == nil {
		log = slog.Default()
	}
	return &PostgresStore{db: db, log: log.With("component", "eventstore")}
}

const createEventsTable = `
CREATE TABLE IF NOT EXISTS events (
	id          BIGSERIAL PRIMARY KEY,
	event_id    VARCHAR(100) UNIQUE NOT NULL,
	event_type  VARCHAR(50) NOT NULL,
	severity    VARCHAR(20) NOT NULL,
	source      VARCHAR(100),
	data        JSONB,
	channels    TEXT[] NOT NULL DEFAULT '{realtime}',
	timestamp   TIMESTAMPTZ NOT NULL,
	processed   BOOLEAN NOT NULL DEFAULT false,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_events_type ON events (event_type);
CREATE INDEX IF NOT EXISTS idx_events_severity ON events (severity);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events (timestamp);
`

// Append inserts one event. If the table is missing (undefined_table,
// SQLSTATE 42P01) it is created and the insert retried exactly once.
func (s *PostgresStore) Append(ctx context.Context, ev events.Event) error {
	err := s.insert(ctx, ev)
	if err == nil {
		return nil
	}
	if !isUndefinedTable(err) {
		return fmt.Errorf("append event %s: %w", ev.ID, err)
	}
	if cerr := s.ensureTable(ctx); cerr != nil {
		return fmt.Errorf("create events table: %w", cerr)
	}
	if err := s.insert(ctx, ev); err != nil {
		return fmt.Errorf("append event %s after table create: %w", ev.ID, err)
	}
	return nil
}

func (s *PostgresStore) insert(ctx context.Context, ev events.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	channels := make([]string, len(ev.Channels))
	for i, c := range ev.Channels {
		channels[i] = string(c)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, event_type, severity, source, data, channels, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, string(ev.Type), string(ev.Severity), ev.Source, data, pq.Array(channels), ev.Timestamp)
	return err
}

func (s *PostgresStore) ensureTable(ctx context.Context) error {
	s.log.Info("events table missing, creating")
	_, err := s.db.ExecContext(ctx, createEventsTable)
	return err
}

func isUndefinedTable(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "42P01"
}

// Query returns events matching f, newest first.
func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]events.Event, error) {
	var (
		where  []string
		args   []any
		argIdx = 1
	)
	add := func(clause string, v any) {
		where = append(where, fmt.Sprintf(clause, argIdx))
		args = append(args, v)
		argIdx++
	}
	if f.Type != "" {
		add("event_type = $%d", string(f.Type))
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}
	if !f.Start.IsZero() {
		add("timestamp >= $%d", f.Start)
	}
	if !f.End.IsZero() {
		add("timestamp <= $%d", f.End)
	}

	q := `SELECT event_id, event_type, severity, source, data, channels, timestamp, processed FROM events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY timestamp DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)
	argIdx++
	if f.Offset > 0 {
		q += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetByID returns a single event by its generator-assigned id.
func (s *PostgresStore) GetByID(ctx context.Context, id string) (events.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, event_type, severity, source, data, channels, timestamp, processed
		FROM events WHERE event_id = $1`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) || isUndefinedTable(err) {
		return events.Event{}, ErrNotFound
	}
	return ev, err
}

// MarkProcessed flags an event as handled by an operator.
func (s *PostgresStore) MarkProcessed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE events SET processed = true WHERE event_id = $1`, id)
	if err != nil {
		if isUndefinedTable(err) {
			return ErrNotFound
		}
		return fmt.Errorf("mark processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats aggregates counts by type and severity over the trailing window.
func (s *PostgresStore) Stats(ctx context.Context, window time.Duration) (Stats, error) {
	stats := Stats{ByType: map[events.Type]int{}, BySeverity: map[events.Severity]int{}}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, severity, COUNT(*)
		FROM events
		WHERE timestamp >= $1
		GROUP BY event_type, severity`, time.Now().Add(-window))
	if err != nil {
		if isUndefinedTable(err) {
			return stats, nil
		}
		return stats, fmt.Errorf("event stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			typ   string
			sev   string
			count int
		)
		if err := rows.Scan(&typ, &sev, &count); err != nil {
			return stats, err
		}
		stats.ByType[events.Type(typ)] += count
		stats.BySeverity[events.Severity(sev)] += count
		stats.Total += count
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (events.Event, error) {
	var (
		ev       events.Event
		typ, sev string
		data     []byte
		channels pq.StringArray
	)
	if err := row.Scan(&ev.ID, &typ, &sev, &ev.Source, &data, &channels, &ev.Timestamp, &ev.Processed); err != nil {
		return events.Event{}, err
	}
	ev.Type = events.Type(typ)
	ev.Severity = events.Severity(sev)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ev.Data); err != nil {
			return events.Event{}, fmt.Errorf("unmarshal event data: %w", err)
		}
	}
	for _, c := range channels {
		ev.Channels = append(ev.Channels, events.Channel(c))
	}
	return ev, nil
}
