package emergency

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"skyfleet/pkg/events"
)

// PostgresStore persists emergencies and protocol executions. Schema is
// managed by the database migration runner, not created here.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, em Emergency) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO emergencies
			(id, drone_id, emergency_type, severity, description,
			 latitude, longitude, status, response_actions, assigned_team,
			 reported_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		em.ID, em.DroneID, em.Type, string(em.Severity), em.Description,
		em.Location.Latitude, em.Location.Longitude, string(em.Status),
		pq.Array(em.ResponseActions), em.AssignedTeam,
		em.ReportedBy, em.CreatedAt, em.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert emergency: %w", err)
	}
	return nil
}

const emergencyColumns = `
	id, drone_id, emergency_type, severity, description,
	latitude, longitude, status, response_actions, assigned_team,
	reported_by, updated_by, resolution, created_at, updated_at, resolved_at`

func (s *PostgresStore) Get(ctx context.Context, id string) (Emergency, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+emergencyColumns+` FROM emergencies WHERE id = $1`, id)
	em, err := scanEmergency(row)
	if err == sql.ErrNoRows {
		return Emergency{}, ErrNotFound
	}
	return em, err
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]Emergency, int, error) {
	where := " WHERE 1=1"
	args := []any{}
	n := 0
	add := func(clause string, v any) {
		n++
		where += fmt.Sprintf(" AND %s = $%d", clause, n)
		args = append(args, v)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if f.Severity != "" {
		add("severity", string(f.Severity))
	}
	if f.Type != "" {
		add("emergency_type", f.Type)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM emergencies`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count emergencies: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit, f.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+emergencyColumns+` FROM emergencies`+where+
			fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", n+1, n+2),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list emergencies: %w", err)
	}
	defer rows.Close()

	var out []Emergency
	for rows.Next() {
		em, err := scanEmergency(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, em)
	}
	return out, total, rows.Err()
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, u StatusUpdate) (Emergency, error) {
	now := time.Now().UTC()
	var resolvedAt *time.Time
	if u.Status == StatusResolved {
		resolvedAt = &now
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE emergencies SET
			status = $2,
			response_actions = COALESCE($3, response_actions),
			assigned_team = COALESCE(NULLIF($4, ''), assigned_team),
			resolution = COALESCE(NULLIF($5, ''), resolution),
			updated_by = $6,
			updated_at = $7,
			resolved_at = COALESCE($8, resolved_at)
		WHERE id = $1
		RETURNING `+emergencyColumns,
		id, string(u.Status), pq.Array(u.ResponseActions), u.AssignedTeam,
		u.Resolution, u.UpdatedBy, now, resolvedAt)
	em, err := scanEmergency(row)
	if err == sql.ErrNoRows {
		return Emergency{}, ErrNotFound
	}
	return em, err
}

func (s *PostgresStore) BatchResolve(ctx context.Context, ids []string, resolution, resolvedBy string) (int, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE emergencies SET
			status = $2, resolution = $3, updated_by = $4,
			updated_at = $5, resolved_at = $5
		WHERE id = ANY($1) AND status NOT IN ($6, $7)`,
		pq.Array(ids), string(StatusResolved), resolution, resolvedBy, now,
		string(StatusResolved), string(StatusFalseAlarm))
	if err != nil {
		return 0, fmt.Errorf("batch resolve: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) History(ctx context.Context, droneID string, start, end time.Time) ([]Emergency, error) {
	q := `SELECT ` + emergencyColumns + ` FROM emergencies WHERE drone_id = $1`
	args := []any{droneID}
	if !start.IsZero() {
		args = append(args, start)
		q += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !end.IsZero() {
		args = append(args, end)
		q += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	q += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("emergency history: %w", err)
	}
	defer rows.Close()

	var out []Emergency
	for rows.Next() {
		em, err := scanEmergency(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, em)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{TypeBreakdown: map[string]int{}}
	cutoff := time.Now().Add(-24 * time.Hour)

	rows, err := s.db.QueryContext(ctx, `
		SELECT emergency_type, status, severity, COUNT(*)
		FROM emergencies
		WHERE created_at >= $1
		GROUP BY emergency_type, status, severity`, cutoff)
	if err != nil {
		return Stats{}, fmt.Errorf("emergency stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var typ, status, severity string
		var count int
		if err := rows.Scan(&typ, &status, &severity, &count); err != nil {
			return Stats{}, err
		}
		stats.Total += count
		stats.TypeBreakdown[typ] += count
		switch Status(status) {
		case StatusPending, StatusActive, StatusResponding:
			stats.Active += count
		case StatusResolved:
			stats.ResolvedToday += count
		}
		if events.Severity(severity) == events.SeverityCritical {
			stats.Critical += count
		}
	}
	return stats, rows.Err()
}

func (s *PostgresStore) SaveExecution(ctx context.Context, ex Execution) error {
	steps, err := json.Marshal(ex.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO emergency_protocol_executions
			(id, emergency_id, protocol_type, status, steps,
			 auto_execute, max_execution_time_ms, triggered_by, started_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, steps = EXCLUDED.steps`,
		ex.ID, ex.EmergencyID, string(ex.Protocol), string(ex.Status), steps,
		ex.AutoExecute, ex.MaxExecutionTime.Milliseconds(), ex.TriggeredBy, ex.StartedAt)
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateExecutionSteps(ctx context.Context, executionID string, steps []Step, status ExecutionStatus, completedAt *time.Time) error {
	data, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE emergency_protocol_executions
		SET steps = $2, status = $3, completed_at = $4
		WHERE id = $1`,
		executionID, data, string(status), completedAt)
	if err != nil {
		return fmt.Errorf("update execution steps: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, executionID string) (Execution, error) {
	var (
		ex       Execution
		protocol string
		status   string
		steps    []byte
		maxMs    int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, emergency_id, protocol_type, status, steps,
		       auto_execute, max_execution_time_ms, triggered_by,
		       started_at, completed_at
		FROM emergency_protocol_executions WHERE id = $1`, executionID).
		Scan(&ex.ID, &ex.EmergencyID, &protocol, &status, &steps,
			&ex.AutoExecute, &maxMs, &ex.TriggeredBy,
			&ex.StartedAt, &ex.CompletedAt)
	if err == sql.ErrNoRows {
		return Execution{}, ErrNotFound
	}
	if err != nil {
		return Execution{}, fmt.Errorf("get execution: %w", err)
	}
	ex.Protocol = ProtocolType(protocol)
	ex.Status = ExecutionStatus(status)
	ex.MaxExecutionTime = time.Duration(maxMs) * time.Millisecond
	if err := json.Unmarshal(steps, &ex.Steps); err != nil {
		return Execution{}, fmt.Errorf("decode steps: %w", err)
	}
	return ex, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEmergency(row rowScanner) (Emergency, error) {
	var (
		em         Emergency
		severity   string
		status     string
		actions    pq.StringArray
		assigned   sql.NullString
		updatedBy  sql.NullString
		resolution sql.NullString
	)
	err := row.Scan(&em.ID, &em.DroneID, &em.Type, &severity, &em.Description,
		&em.Location.Latitude, &em.Location.Longitude, &status, &actions,
		&assigned, &em.ReportedBy, &updatedBy, &resolution,
		&em.CreatedAt, &em.UpdatedAt, &em.ResolvedAt)
	if err != nil {
		return Emergency{}, err
	}
	em.Severity = events.Severity(severity)
	em.Status = Status(status)
	em.ResponseActions = []string(actions)
	em.AssignedTeam = assigned.String
	em.UpdatedBy = updatedBy.String
	em.Resolution = resolution.String
	return em, nil
}
