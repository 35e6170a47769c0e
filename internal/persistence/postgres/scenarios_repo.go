package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/quantfolio/riskd/internal/persistence"
)

// scenarioRepo implements persistence.ScenarioRepo for PostgreSQL.
type scenarioRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewScenarioRepo creates a PostgreSQL market-risk scenario repository.
func NewScenarioRepo(db *sqlx.DB, timeout time.Duration) persistence.ScenarioRepo {
	return &scenarioRepo{db: db, timeout: timeout}
}

// Upsert writes scenario values in one transaction keyed by
// (portfolio_id, scenario_key, calculation_date).
func (r *scenarioRepo) Upsert(ctx context.Context, rows []persistence.MarketRiskScenarioValue) error {
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
		INSERT INTO market_risk_scenario_values
			(id, portfolio_id, scenario_key, calculation_date, shock_factor, shock_amount, pnl)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (portfolio_id, scenario_key, calculation_date) DO UPDATE SET
			shock_factor = EXCLUDED.shock_factor,
			shock_amount = EXCLUDED.shock_amount,
			pnl = EXCLUDED.pnl`)
	if err != nil {
		return fmt.Errorf("failed to prepare scenario value upsert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		_, err := stmt.ExecContext(ctx,
			row.ID, row.PortfolioID, row.ScenarioKey, row.CalculationDate,
			row.ShockFactor, row.ShockAmount, row.PnL)
		if err != nil {
			return fmt.Errorf("failed to upsert scenario value %s: %w", row.ScenarioKey, mapError(err))
		}
	}
	return tx.Commit()
}

// List returns the most recent values per scenario key dated on or before
// asOf.
func (r *scenarioRepo) List(ctx context.Context, portfolioID uuid.UUID, asOf time.Time) ([]persistence.MarketRiskScenarioValue, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT DISTINCT ON (scenario_key)
		       id, portfolio_id, scenario_key, calculation_date,
		       shock_factor, shock_amount, pnl, created_at
		FROM market_risk_scenario_values
		WHERE portfolio_id = $1 AND calculation_date <= $2
		ORDER BY scenario_key, calculation_date DESC`

	rows, err := r.db.QueryxContext(ctx, query, portfolioID, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to query scenario values: %w", err)
	}
	defer rows.Close()

	var values []persistence.MarketRiskScenarioValue
	for rows.Next() {
		var v persistence.MarketRiskScenarioValue
		err := rows.Scan(&v.ID, &v.PortfolioID, &v.ScenarioKey, &v.CalculationDate,
			&v.ShockFactor, &v.ShockAmount, &v.PnL, &v.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scenario value: %w", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scenario value rows: %w", err)
	}
	return values, nil
}
