package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/quantfolio/riskd/internal/persistence"
)

// stressRepo implements persistence.StressRepo for PostgreSQL.
type stressRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewStressRepo creates a PostgreSQL stress test repository.
func NewStressRepo(db *sqlx.DB, timeout time.Duration) persistence.StressRepo {
	return &stressRepo{db: db, timeout: timeout}
}

// ListActiveScenarios returns scenarios with active=true.
func (r *stressRepo) ListActiveScenarios(ctx context.Context) ([]persistence.StressTestScenario, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT scenario_id, name, category, severity, shock_config, active, version
		FROM stress_test_scenarios
		WHERE active = true
		ORDER BY scenario_id`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list scenarios: %w", err)
	}
	defer rows.Close()

	var scenarios []persistence.StressTestScenario
	for rows.Next() {
		var s persistence.StressTestScenario
		var shockJSON []byte
		if err := rows.Scan(&s.ScenarioID, &s.Name, &s.Category, &s.Severity, &shockJSON, &s.Active, &s.Version); err != nil {
			return nil, fmt.Errorf("failed to scan scenario: %w", err)
		}
		if len(shockJSON) > 0 {
			if err := json.Unmarshal(shockJSON, &s.ShockConfig); err != nil {
				return nil, fmt.Errorf("failed to unmarshal shock config: %w", err)
			}
		}
		scenarios = append(scenarios, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scenario rows: %w", err)
	}
	return scenarios, nil
}

// UpsertResults writes stress results in one transaction keyed by
// (portfolio_id, scenario_id, calculation_date).
func (r *stressRepo) UpsertResults(ctx context.Context, results []persistence.StressTestResult) error {
	if len(results) == 0 {
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
		INSERT INTO stress_test_results
			(id, portfolio_id, scenario_id, calculation_date,
			 direct_pnl, correlated_pnl, correlation_effect, factor_impacts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (portfolio_id, scenario_id, calculation_date) DO UPDATE SET
			direct_pnl = EXCLUDED.direct_pnl,
			correlated_pnl = EXCLUDED.correlated_pnl,
			correlation_effect = EXCLUDED.correlation_effect,
			factor_impacts = EXCLUDED.factor_impacts`)
	if err != nil {
		return fmt.Errorf("failed to prepare stress result upsert: %w", err)
	}
	defer stmt.Close()

	for _, res := range results {
		impactsJSON, err := json.Marshal(res.FactorImpacts)
		if err != nil {
			return fmt.Errorf("failed to marshal factor impacts: %w", err)
		}
		_, err = stmt.ExecContext(ctx,
			res.ID, res.PortfolioID, res.ScenarioID, res.CalculationDate,
			res.DirectPnL, res.CorrelatedPnL, res.CorrelationEffect, impactsJSON)
		if err != nil {
			return fmt.Errorf("failed to upsert stress result for %s: %w", res.ScenarioID, mapError(err))
		}
	}
	return tx.Commit()
}

// ListResults returns the most recent result per scenario dated on or
// before asOf.
func (r *stressRepo) ListResults(ctx context.Context, portfolioID uuid.UUID, asOf time.Time) ([]persistence.StressTestResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT DISTINCT ON (scenario_id)
		       id, portfolio_id, scenario_id, calculation_date,
		       direct_pnl, correlated_pnl, correlation_effect, factor_impacts, created_at
		FROM stress_test_results
		WHERE portfolio_id = $1 AND calculation_date <= $2
		ORDER BY scenario_id, calculation_date DESC`

	rows, err := r.db.QueryxContext(ctx, query, portfolioID, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to query stress results: %w", err)
	}
	defer rows.Close()

	var results []persistence.StressTestResult
	for rows.Next() {
		var res persistence.StressTestResult
		var impactsJSON []byte
		err := rows.Scan(&res.ID, &res.PortfolioID, &res.ScenarioID, &res.CalculationDate,
			&res.DirectPnL, &res.CorrelatedPnL, &res.CorrelationEffect, &impactsJSON, &res.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stress result: %w", err)
		}
		if len(impactsJSON) > 0 {
			if err := json.Unmarshal(impactsJSON, &res.FactorImpacts); err != nil {
				return nil, fmt.Errorf("failed to unmarshal factor impacts: %w", err)
			}
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stress result rows: %w", err)
	}
	return results, nil
}
