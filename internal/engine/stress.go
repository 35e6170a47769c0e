package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantfolio/riskd/internal/domain"
	"github.com/quantfolio/riskd/internal/persistence"
)

// StressTestEngine applies the active shock scenarios to the portfolio's
// factor dollar exposures.
//
// A scenario's shock_config names primary factor shocks plus optional
// correlation propagation:
//
//	{"shocks": {"market": -0.25},
//	 "correlations": {"growth": {"market": 0.9}, "value": {"market": 0.6}}}
//
// Direct P&L applies only the named shocks; correlated P&L additionally
// propagates each shock to correlated factors scaled by the coefficient.
// The correlation effect is their difference.
type StressTestEngine struct {
	deps Deps
}

// NewStressTestEngine creates the stress test stage.
func NewStressTestEngine(deps Deps) *StressTestEngine {
	return &StressTestEngine{deps: deps}
}

func (e *StressTestEngine) Name() string             { return "stress_tests" }
func (e *StressTestEngine) DependsOn() string        { return "factor_exposures" }
func (e *StressTestEngine) Granularity() Granularity { return PerPortfolio }
func (e *StressTestEngine) Fatal() bool              { return false }

// Run evaluates every active scenario against the as-of factor exposures.
func (e *StressTestEngine) Run(ctx context.Context, portfolioID uuid.UUID, asOf time.Time) (Result, error) {
	exposures, err := e.deps.Factors.ListPortfolioExposures(ctx, portfolioID, asOf)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load factor exposures: %w", err)
	}
	if len(exposures) == 0 {
		return Result{}, fmt.Errorf("%w: no factor exposures on or before %s", ErrNoUpstreamData, asOf.Format("2006-01-02"))
	}

	scenarios, err := e.deps.Stress.ListActiveScenarios(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load scenarios: %w", err)
	}
	if len(scenarios) == 0 {
		return Result{}, fmt.Errorf("%w: no active stress scenarios", ErrNoUpstreamData)
	}

	factors, err := e.deps.Factors.ListFactors(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load factors: %w", err)
	}
	factorNames := make(map[uuid.UUID]string, len(factors))
	for _, f := range factors {
		factorNames[f.ID] = f.Name
	}

	dollarByFactor := make(map[string]decimal.Decimal, len(exposures))
	for _, exp := range exposures {
		dollarByFactor[factorNames[exp.FactorID]] = exp.DollarExposure
	}

	results := make([]persistence.StressTestResult, 0, len(scenarios))
	failed := 0
	for _, scenario := range scenarios {
		res, err := evaluateScenario(portfolioID, scenario, asOf, dollarByFactor)
		if err != nil {
			failed++
			e.deps.Logger.Warn().Err(err).Str("scenario", scenario.ScenarioID).Msg("Scenario evaluation failed")
			continue
		}
		results = append(results, res)
	}

	if err := e.deps.Stress.UpsertResults(ctx, results); err != nil {
		return Result{}, fmt.Errorf("failed to persist stress results: %w", err)
	}

	return Result{
		RecordsProcessed: len(results),
		RecordsFailed:    failed,
		Summary: map[string]interface{}{
			"scenarios": len(scenarios),
		},
	}, nil
}

func evaluateScenario(portfolioID uuid.UUID, scenario persistence.StressTestScenario, asOf time.Time, dollarByFactor map[string]decimal.Decimal) (persistence.StressTestResult, error) {
	shocks, err := shockMap(scenario.ShockConfig["shocks"])
	if err != nil {
		return persistence.StressTestResult{}, fmt.Errorf("scenario %s: %w", scenario.ScenarioID, err)
	}
	if len(shocks) == 0 {
		return persistence.StressTestResult{}, fmt.Errorf("scenario %s has no shocks configured", scenario.ScenarioID)
	}

	impacts := make(map[string]decimal.Decimal)

	direct := decimal.Zero
	for factor, shock := range shocks {
		dollar, ok := dollarByFactor[factor]
		if !ok {
			continue
		}
		pnl := dollar.Mul(decimal.NewFromFloat(shock)).Round(domain.ScaleCurrency)
		impacts[factor] = pnl
		direct = direct.Add(pnl)
	}

	// Correlated P&L: propagate each primary shock onto correlated factors
	// scaled by the configured coefficient.
	correlated := direct
	if raw, ok := scenario.ShockConfig["correlations"]; ok {
		corrs, ok := raw.(map[string]interface{})
		if !ok {
			return persistence.StressTestResult{}, fmt.Errorf("scenario %s: correlations must be an object", scenario.ScenarioID)
		}
		for target, raw := range corrs {
			coeffs, err := shockMap(raw)
			if err != nil {
				return persistence.StressTestResult{}, fmt.Errorf("scenario %s factor %s: %w", scenario.ScenarioID, target, err)
			}
			dollar, ok := dollarByFactor[target]
			if !ok {
				continue
			}
			for source, coeff := range coeffs {
				shock, ok := shocks[source]
				if !ok {
					continue
				}
				pnl := dollar.Mul(decimal.NewFromFloat(shock * coeff)).Round(domain.ScaleCurrency)
				impacts[target] = impacts[target].Add(pnl)
				correlated = correlated.Add(pnl)
			}
		}
	}

	return persistence.StressTestResult{
		ID:                uuid.New(),
		PortfolioID:       portfolioID,
		ScenarioID:        scenario.ScenarioID,
		CalculationDate:   asOf,
		DirectPnL:         direct.Round(domain.ScaleCurrency),
		CorrelatedPnL:     correlated.Round(domain.ScaleCurrency),
		CorrelationEffect: correlated.Sub(direct).Round(domain.ScaleCurrency),
		FactorImpacts:     impacts,
	}, nil
}

// shockMap coerces a decoded JSON object of factor → numeric into Go
// types, rejecting non-numeric values.
func shockMap(raw interface{}) (map[string]float64, error) {
	if raw == nil {
		return map[string]float64{}, nil
	}
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("shock config must be an object of factor to numeric shock")
	}
	out := make(map[string]float64, len(obj))
	for factor, v := range obj {
		switch n := v.(type) {
		case float64:
			out[factor] = n
		case int:
			out[factor] = float64(n)
		default:
			return nil, fmt.Errorf("shock for %s is not numeric", factor)
		}
	}
	return out, nil
}
