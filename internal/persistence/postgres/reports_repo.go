package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/quantfolio/riskd/internal/persistence"
)

// reportRepo implements persistence.ReportRepo for PostgreSQL.
type reportRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewReportRepo creates a PostgreSQL report repository.
func NewReportRepo(db *sqlx.DB, timeout time.Duration) persistence.ReportRepo {
	return &reportRepo{db: db, timeout: timeout}
}

// InsertSupersede inserts a report and clears is_current on any prior
// report for the same (portfolio_id, anchor_date) in the same transaction,
// so exactly one current report exists per key at commit.
func (r *reportRepo) InsertSupersede(ctx context.Context, rep *persistence.PortfolioReport) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE portfolio_reports
		SET is_current = false
		WHERE portfolio_id = $1 AND anchor_date = $2 AND is_current = true`,
		rep.PortfolioID, rep.AnchorDate)
	if err != nil {
		return fmt.Errorf("failed to supersede prior report: %w", err)
	}

	var version int
	err = tx.QueryRowxContext(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1
		FROM portfolio_reports
		WHERE portfolio_id = $1 AND anchor_date = $2`,
		rep.PortfolioID, rep.AnchorDate).Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to compute report version: %w", err)
	}
	rep.Version = version
	rep.IsCurrent = true

	err = tx.QueryRowxContext(ctx, `
		INSERT INTO portfolio_reports
			(id, portfolio_id, report_type, version, anchor_date,
			 content_json, content_markdown, content_csv, is_current,
			 generation_duration_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`,
		rep.ID, rep.PortfolioID, rep.ReportType, rep.Version, rep.AnchorDate,
		rep.ContentJSON, rep.ContentMarkdown, rep.ContentCSV, rep.IsCurrent,
		rep.GenerationDuration).
		Scan(&rep.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", mapError(err))
	}

	return tx.Commit()
}

// GetCurrent returns the current report for (portfolio_id, anchor_date).
func (r *reportRepo) GetCurrent(ctx context.Context, portfolioID uuid.UUID, anchorDate time.Time) (*persistence.PortfolioReport, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, portfolio_id, report_type, version, anchor_date,
		       content_json, content_markdown, content_csv, is_current,
		       generation_duration_seconds, created_at
		FROM portfolio_reports
		WHERE portfolio_id = $1 AND anchor_date = $2 AND is_current = true`

	var rep persistence.PortfolioReport
	err := r.db.QueryRowxContext(ctx, query, portfolioID, anchorDate).Scan(
		&rep.ID, &rep.PortfolioID, &rep.ReportType, &rep.Version, &rep.AnchorDate,
		&rep.ContentJSON, &rep.ContentMarkdown, &rep.ContentCSV, &rep.IsCurrent,
		&rep.GenerationDuration, &rep.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current report: %w", err)
	}
	return &rep, nil
}

// CreateGenerationJob inserts a report generation job record.
func (r *reportRepo) CreateGenerationJob(ctx context.Context, j *persistence.ReportGenerationJob) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO report_generation_jobs
			(id, portfolio_id, report_id, status, progress_percentage,
			 current_step, total_steps, retry_count, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`

	err := r.db.QueryRowxContext(ctx, query,
		j.ID, j.PortfolioID, j.ReportID, string(j.Status), j.ProgressPercentage,
		j.CurrentStep, j.TotalSteps, j.RetryCount, j.MaxRetries).
		Scan(&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert generation job: %w", mapError(err))
	}
	return nil
}

// UpdateGenerationJob persists generation job progress mutations.
func (r *reportRepo) UpdateGenerationJob(ctx context.Context, j *persistence.ReportGenerationJob) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE report_generation_jobs
		SET report_id = $2, status = $3, progress_percentage = $4,
		    current_step = $5, retry_count = $6, error_message = $7,
		    updated_at = now()
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query,
		j.ID, j.ReportID, string(j.Status), j.ProgressPercentage,
		j.CurrentStep, j.RetryCount, j.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to update generation job: %w", err)
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
