package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/quantfolio/riskd/internal/domain"
	"github.com/quantfolio/riskd/internal/persistence"
)

// batchJobRepo implements persistence.BatchJobRepo for PostgreSQL.
type batchJobRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewBatchJobRepo creates a PostgreSQL batch job repository.
func NewBatchJobRepo(db *sqlx.DB, timeout time.Duration) persistence.BatchJobRepo {
	return &batchJobRepo{db: db, timeout: timeout}
}

// CreateExclusive inserts a queued job unless another job holds the same
// (portfolio_id, job_name) key in a non-terminal state. The guard runs in
// the same statement as the insert so two concurrent callers cannot both
// pass the check.
func (r *batchJobRepo) CreateExclusive(ctx context.Context, job *persistence.BatchJob) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if job.Status != domain.JobQueued {
		return &domain.ValidationError{Field: "status", Value: string(job.Status), Reason: "new jobs must be queued"}
	}

	paramsJSON, err := json.Marshal(job.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}
	warningsJSON, err := json.Marshal(job.Warnings)
	if err != nil {
		return fmt.Errorf("failed to marshal warnings: %w", err)
	}

	query := `
		INSERT INTO batch_jobs
			(id, job_name, job_type, portfolio_id, status, scheduled_at,
			 parameters, warnings, triggered_by, created_by)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		WHERE NOT EXISTS (
			SELECT 1 FROM batch_jobs
			WHERE job_name = $2
			  AND portfolio_id IS NOT DISTINCT FROM $4
			  AND status IN ('queued', 'running')
		)
		RETURNING created_at`

	err = r.db.QueryRowxContext(ctx, query,
		job.ID, job.JobName, job.JobType, job.PortfolioID, job.Status,
		job.ScheduledAt, paramsJSON, warningsJSON, job.TriggeredBy, job.CreatedBy).
		Scan(&job.CreatedAt)

	if err == sql.ErrNoRows {
		return persistence.ErrJobAlreadyRunning
	}
	if err != nil {
		return fmt.Errorf("failed to insert batch job: %w", mapError(err))
	}
	return nil
}

// Update persists job mutations. The WHERE clause refuses writes against
// rows already in a terminal state.
func (r *batchJobRepo) Update(ctx context.Context, job *persistence.BatchJob) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resultJSON, err := json.Marshal(job.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	warningsJSON, err := json.Marshal(job.Warnings)
	if err != nil {
		return fmt.Errorf("failed to marshal warnings: %w", err)
	}

	query := `
		UPDATE batch_jobs
		SET status = $2, started_at = $3, completed_at = $4,
		    execution_time = $5, result = $6, error_message = $7,
		    warnings = $8, records_processed = $9, records_failed = $10
		WHERE id = $1
		  AND status NOT IN ('completed', 'completed_with_warnings', 'failed', 'cancelled')`

	res, err := r.db.ExecContext(ctx, query,
		job.ID, job.Status, job.StartedAt, job.CompletedAt,
		job.ExecutionTime, resultJSON, job.ErrorMessage,
		warningsJSON, job.RecordsProcessed, job.RecordsFailed)
	if err != nil {
		return fmt.Errorf("failed to update batch job: %w", mapError(err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish a missing row from a terminal one.
		var status string
		err := r.db.QueryRowxContext(ctx, `SELECT status FROM batch_jobs WHERE id = $1`, job.ID).Scan(&status)
		if err == sql.ErrNoRows {
			return persistence.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check job status: %w", err)
		}
		return persistence.ErrTerminalJob
	}
	return nil
}

// GetByID fetches a single job record.
func (r *batchJobRepo) GetByID(ctx context.Context, id uuid.UUID) (*persistence.BatchJob, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, job_name, job_type, portfolio_id, status, scheduled_at,
		       started_at, completed_at, execution_time, parameters, result,
		       error_message, warnings, records_processed, records_failed,
		       triggered_by, created_by, created_at
		FROM batch_jobs
		WHERE id = $1`

	job, err := scanBatchJob(r.db.QueryRowxContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch job: %w", err)
	}
	return job, nil
}

// List returns recent jobs matching the filter, newest first.
func (r *batchJobRepo) List(ctx context.Context, f persistence.JobFilter) ([]persistence.BatchJob, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, job_name, job_type, portfolio_id, status, scheduled_at,
		       started_at, completed_at, execution_time, parameters, result,
		       error_message, warnings, records_processed, records_failed,
		       triggered_by, created_by, created_at
		FROM batch_jobs
		WHERE ($1::uuid IS NULL OR portfolio_id = $1)
		  AND ($2 = '' OR job_name = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC
		LIMIT $4`

	rows, err := r.db.QueryxContext(ctx, query, f.PortfolioID, f.JobName, string(f.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch jobs: %w", err)
	}
	defer rows.Close()

	var jobs []persistence.BatchJob
	for rows.Next() {
		job, err := scanBatchJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job rows: %w", err)
	}
	return jobs, nil
}

// rowScanner abstracts sqlx.Row and sqlx.Rows for shared scan logic.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBatchJob(row rowScanner) (*persistence.BatchJob, error) {
	var job persistence.BatchJob
	var paramsJSON, resultJSON, warningsJSON []byte
	var statusRaw string

	err := row.Scan(
		&job.ID, &job.JobName, &job.JobType, &job.PortfolioID, &statusRaw,
		&job.ScheduledAt, &job.StartedAt, &job.CompletedAt, &job.ExecutionTime,
		&paramsJSON, &resultJSON, &job.ErrorMessage, &warningsJSON,
		&job.RecordsProcessed, &job.RecordsFailed,
		&job.TriggeredBy, &job.CreatedBy, &job.CreatedAt)
	if err != nil {
		return nil, err
	}

	status, err := domain.ParseJobStatus(statusRaw)
	if err != nil {
		return nil, err
	}
	job.Status = status

	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &job.Parameters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal parameters: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	if len(warningsJSON) > 0 {
		if err := json.Unmarshal(warningsJSON, &job.Warnings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal warnings: %w", err)
		}
	}
	return &job, nil
}
