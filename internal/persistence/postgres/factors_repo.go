package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/quantfolio/riskd/internal/domain"
	"github.com/quantfolio/riskd/internal/persistence"
)

// factorRepo implements persistence.FactorRepo for PostgreSQL.
type factorRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewFactorRepo creates a PostgreSQL factor repository.
func NewFactorRepo(db *sqlx.DB, timeout time.Duration) persistence.FactorRepo {
	return &factorRepo{db: db, timeout: timeout}
}

// ListFactors returns the factor model definition.
func (r *factorRepo) ListFactors(ctx context.Context) ([]domain.Factor, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx,
		`SELECT id, name, display_name, etf_proxy FROM factors ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list factors: %w", err)
	}
	defer rows.Close()

	var factors []domain.Factor
	for rows.Next() {
		var f domain.Factor
		if err := rows.Scan(&f.ID, &f.Name, &f.DisplayName, &f.ETFProxy); err != nil {
			return nil, fmt.Errorf("failed to scan factor: %w", err)
		}
		factors = append(factors, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating factor rows: %w", err)
	}
	return factors, nil
}

// UpsertPositionExposures writes position-level betas in one transaction.
// The (position_id, factor_id, calculation_date) key makes re-runs
// overwrite instead of duplicating.
func (r *factorRepo) UpsertPositionExposures(ctx context.Context, rows []persistence.PositionFactorExposure) error {
	if len(rows) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO position_factor_exposures
			(id, position_id, factor_id, calculation_date, exposure_value, quality_flag)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (position_id, factor_id, calculation_date) DO UPDATE SET
			exposure_value = EXCLUDED.exposure_value,
			quality_flag = EXCLUDED.quality_flag`)
	if err != nil {
		return fmt.Errorf("failed to prepare exposure upsert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		_, err := stmt.ExecContext(ctx,
			row.ID, row.PositionID, row.FactorID, row.CalculationDate,
			row.ExposureValue, string(row.QualityFlag))
		if err != nil {
			return fmt.Errorf("failed to upsert position exposure: %w", mapError(err))
		}
	}
	return tx.Commit()
}

// UpsertPortfolioExposures writes portfolio-level aggregates keyed by
// (portfolio_id, factor_id, calculation_date).
func (r *factorRepo) UpsertPortfolioExposures(ctx context.Context, rows []persistence.FactorExposure) error {
	if len(rows) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO factor_exposures
			(id, portfolio_id, factor_id, calculation_date, beta, dollar_exposure)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (portfolio_id, factor_id, calculation_date) DO UPDATE SET
			beta = EXCLUDED.beta,
			dollar_exposure = EXCLUDED.dollar_exposure`)
	if err != nil {
		return fmt.Errorf("failed to prepare portfolio exposure upsert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		_, err := stmt.ExecContext(ctx,
			row.ID, row.PortfolioID, row.FactorID, row.CalculationDate,
			row.Beta, row.DollarExposure)
		if err != nil {
			return fmt.Errorf("failed to upsert portfolio exposure: %w", mapError(err))
		}
	}
	return tx.Commit()
}

// ListPortfolioExposures returns the most recent exposure per factor dated
// on or before asOf.
func (r *factorRepo) ListPortfolioExposures(ctx context.Context, portfolioID uuid.UUID, asOf time.Time) ([]persistence.FactorExposure, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT DISTINCT ON (factor_id)
		       id, portfolio_id, factor_id, calculation_date, beta, dollar_exposure, created_at
		FROM factor_exposures
		WHERE portfolio_id = $1 AND calculation_date <= $2
		ORDER BY factor_id, calculation_date DESC`

	rows, err := r.db.QueryxContext(ctx, query, portfolioID, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolio exposures: %w", err)
	}
	defer rows.Close()

	var exposures []persistence.FactorExposure
	for rows.Next() {
		var e persistence.FactorExposure
		err := rows.Scan(&e.ID, &e.PortfolioID, &e.FactorID, &e.CalculationDate,
			&e.Beta, &e.DollarExposure, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan portfolio exposure: %w", err)
		}
		exposures = append(exposures, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating exposure rows: %w", err)
	}
	return exposures, nil
}

// ListPositionExposures returns position-level betas for a portfolio on a
// single calculation date.
func (r *factorRepo) ListPositionExposures(ctx context.Context, portfolioID uuid.UUID, date time.Time) ([]persistence.PositionFactorExposure, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT e.id, e.position_id, e.factor_id, e.calculation_date,
		       e.exposure_value, e.quality_flag, e.created_at
		FROM position_factor_exposures e
		JOIN positions p ON p.id = e.position_id
		WHERE p.portfolio_id = $1 AND p.deleted_at IS NULL
		  AND e.calculation_date = $2
		ORDER BY e.position_id, e.factor_id`

	rows, err := r.db.QueryxContext(ctx, query, portfolioID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query position exposures: %w", err)
	}
	defer rows.Close()

	var exposures []persistence.PositionFactorExposure
	for rows.Next() {
		var e persistence.PositionFactorExposure
		var flag string
		err := rows.Scan(&e.ID, &e.PositionID, &e.FactorID, &e.CalculationDate,
			&e.ExposureValue, &flag, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position exposure: %w", err)
		}
		e.QualityFlag = domain.QualityFlag(flag)
		exposures = append(exposures, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating exposure rows: %w", err)
	}
	return exposures, nil
}
