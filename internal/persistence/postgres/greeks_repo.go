package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/quantfolio/riskd/internal/persistence"
)

// greeksRepo implements persistence.GreeksRepo for PostgreSQL.
type greeksRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewGreeksRepo creates a PostgreSQL Greeks repository.
func NewGreeksRepo(db *sqlx.DB, timeout time.Duration) persistence.GreeksRepo {
	return &greeksRepo{db: db, timeout: timeout}
}

// Upsert writes Greeks rows in one transaction keyed by (position_id,
// calculation_date).
func (r *greeksRepo) Upsert(ctx context.Context, records []persistence.GreeksRecord) error {
	if len(records) == 0 {
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
		INSERT INTO position_greeks
			(id, position_id, calculation_date, delta, gamma, theta, vega, rho, dollar_delta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (position_id, calculation_date) DO UPDATE SET
			delta = EXCLUDED.delta,
			gamma = EXCLUDED.gamma,
			theta = EXCLUDED.theta,
			vega = EXCLUDED.vega,
			rho = EXCLUDED.rho,
			dollar_delta = EXCLUDED.dollar_delta`)
	if err != nil {
		return fmt.Errorf("failed to prepare greeks upsert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		_, err := stmt.ExecContext(ctx,
			rec.ID, rec.PositionID, rec.CalculationDate,
			rec.Delta, rec.Gamma, rec.Theta, rec.Vega, rec.Rho, rec.DollarDelta)
		if err != nil {
			return fmt.Errorf("failed to upsert greeks for position %s: %w", rec.PositionID, mapError(err))
		}
	}
	return tx.Commit()
}

// ListByPortfolio returns the most recent Greeks per active position dated
// on or before asOf.
func (r *greeksRepo) ListByPortfolio(ctx context.Context, portfolioID uuid.UUID, asOf time.Time) ([]persistence.GreeksRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT DISTINCT ON (g.position_id)
		       g.id, g.position_id, g.calculation_date,
		       g.delta, g.gamma, g.theta, g.vega, g.rho, g.dollar_delta, g.created_at
		FROM position_greeks g
		JOIN positions p ON p.id = g.position_id
		WHERE p.portfolio_id = $1 AND p.deleted_at IS NULL
		  AND g.calculation_date <= $2
		ORDER BY g.position_id, g.calculation_date DESC`

	rows, err := r.db.QueryxContext(ctx, query, portfolioID, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to query greeks: %w", err)
	}
	defer rows.Close()

	var records []persistence.GreeksRecord
	for rows.Next() {
		var rec persistence.GreeksRecord
		err := rows.Scan(&rec.ID, &rec.PositionID, &rec.CalculationDate,
			&rec.Delta, &rec.Gamma, &rec.Theta, &rec.Vega, &rec.Rho,
			&rec.DollarDelta, &rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan greeks record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating greeks rows: %w", err)
	}
	return records, nil
}
