package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantfolio/riskd/internal/persistence"
)

// scheduleRepo implements persistence.ScheduleRepo for PostgreSQL.
type scheduleRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewScheduleRepo creates a PostgreSQL schedule repository.
func NewScheduleRepo(db *sqlx.DB, timeout time.Duration) persistence.ScheduleRepo {
	return &scheduleRepo{db: db, timeout: timeout}
}

// Upsert inserts or updates a schedule keyed by its unique schedule_name.
func (r *scheduleRepo) Upsert(ctx context.Context, s *persistence.BatchJobSchedule) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	paramsJSON, err := json.Marshal(s.DefaultParameters)
	if err != nil {
		return fmt.Errorf("failed to marshal default parameters: %w", err)
	}

	query := `
		INSERT INTO batch_job_schedules
			(id, schedule_name, job_name, cron_expression, timezone, enabled,
			 default_parameters, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (schedule_name) DO UPDATE SET
			job_name = EXCLUDED.job_name,
			cron_expression = EXCLUDED.cron_expression,
			timezone = EXCLUDED.timezone,
			enabled = EXCLUDED.enabled,
			default_parameters = EXCLUDED.default_parameters,
			description = EXCLUDED.description,
			updated_at = now()
		RETURNING id, created_at, updated_at`

	err = r.db.QueryRowxContext(ctx, query,
		s.ID, s.ScheduleName, s.JobName, s.CronExpression, s.Timezone,
		s.Enabled, paramsJSON, s.Description).
		Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert schedule: %w", mapError(err))
	}
	return nil
}

// ListEnabled returns all enabled schedules ordered by name.
func (r *scheduleRepo) ListEnabled(ctx context.Context) ([]persistence.BatchJobSchedule, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, schedule_name, job_name, cron_expression, timezone, enabled,
		       default_parameters, description, created_at, updated_at
		FROM batch_job_schedules
		WHERE enabled = true
		ORDER BY schedule_name`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled schedules: %w", err)
	}
	defer rows.Close()

	var schedules []persistence.BatchJobSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedule rows: %w", err)
	}
	return schedules, nil
}

// GetByName fetches a schedule by its unique name.
func (r *scheduleRepo) GetByName(ctx context.Context, name string) (*persistence.BatchJobSchedule, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, schedule_name, job_name, cron_expression, timezone, enabled,
		       default_parameters, description, created_at, updated_at
		FROM batch_job_schedules
		WHERE schedule_name = $1`

	s, err := scanSchedule(r.db.QueryRowxContext(ctx, query, name))
	if err == sql.ErrNoRows {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return s, nil
}

// SetEnabled flips a schedule's enabled flag.
func (r *scheduleRepo) SetEnabled(ctx context.Context, name string, enabled bool) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE batch_job_schedules SET enabled = $2, updated_at = now() WHERE schedule_name = $1`,
		name, enabled)
	if err != nil {
		return fmt.Errorf("failed to set schedule enabled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

// SaveSchedulerState persists the external scheduler's opaque state blob.
// The job_state payload is never interpreted here.
func (r *scheduleRepo) SaveSchedulerState(ctx context.Context, st persistence.SchedulerJobState) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO apscheduler_jobs (id, next_run_time, job_state)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			next_run_time = EXCLUDED.next_run_time,
			job_state = EXCLUDED.job_state`

	if _, err := r.db.ExecContext(ctx, query, st.ID, st.NextRunTime, st.JobState); err != nil {
		return fmt.Errorf("failed to save scheduler state: %w", err)
	}
	return nil
}

func scanSchedule(row rowScanner) (*persistence.BatchJobSchedule, error) {
	var s persistence.BatchJobSchedule
	var paramsJSON []byte

	err := row.Scan(
		&s.ID, &s.ScheduleName, &s.JobName, &s.CronExpression, &s.Timezone,
		&s.Enabled, &paramsJSON, &s.Description, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &s.DefaultParameters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal default parameters: %w", err)
		}
	}
	return &s, nil
}
