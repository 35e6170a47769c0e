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

// standardShock is one entry of the fixed market-risk scenario grid.
type standardShock struct {
	key    string
	factor string
	amount float64 // fractional factor move
}

// The standard grid: symmetric equity market moves plus a rate shock,
// applied delta-normally to factor dollar exposures.
var standardShocks = []standardShock{
	{"market_up_5", "market", 0.05},
	{"market_down_5", "market", -0.05},
	{"market_up_10", "market", 0.10},
	{"market_down_10", "market", -0.10},
	{"market_down_20", "market", -0.20},
	{"rates_up_100bp", "interest_rate", 0.01},
	{"rates_down_100bp", "interest_rate", -0.01},
}

// MarketRiskEngine estimates P&L for the standard shock grid from the
// as-of date's factor dollar exposures: pnl = dollar_exposure × shock.
type MarketRiskEngine struct {
	deps Deps
}

// NewMarketRiskEngine creates the market risk scenario stage.
func NewMarketRiskEngine(deps Deps) *MarketRiskEngine {
	return &MarketRiskEngine{deps: deps}
}

func (e *MarketRiskEngine) Name() string             { return "market_risk_scenarios" }
func (e *MarketRiskEngine) DependsOn() string        { return "factor_exposures" }
func (e *MarketRiskEngine) Granularity() Granularity { return PerPortfolio }
func (e *MarketRiskEngine) Fatal() bool              { return false }

// Run computes the standard scenario grid for the portfolio.
func (e *MarketRiskEngine) Run(ctx context.Context, portfolioID uuid.UUID, asOf time.Time) (Result, error) {
	exposures, err := e.deps.Factors.ListPortfolioExposures(ctx, portfolioID, asOf)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load factor exposures: %w", err)
	}
	if len(exposures) == 0 {
		return Result{}, fmt.Errorf("%w: no factor exposures on or before %s", ErrNoUpstreamData, asOf.Format("2006-01-02"))
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

	rows := make([]persistence.MarketRiskScenarioValue, 0, len(standardShocks))
	skipped := 0
	for _, shock := range standardShocks {
		dollar, ok := dollarByFactor[shock.factor]
		if !ok {
			// The factor model may not define this axis; skip rather than
			// fabricate a zero exposure.
			skipped++
			continue
		}
		pnl := dollar.Mul(decimal.NewFromFloat(shock.amount)).Round(domain.ScaleCurrency)
		rows = append(rows, persistence.MarketRiskScenarioValue{
			ID:              uuid.New(),
			PortfolioID:     portfolioID,
			ScenarioKey:     shock.key,
			CalculationDate: asOf,
			ShockFactor:     shock.factor,
			ShockAmount:     decimal.NewFromFloat(shock.amount).Round(domain.ScaleGreek),
			PnL:             pnl,
		})
	}

	if err := e.deps.Scenarios.Upsert(ctx, rows); err != nil {
		return Result{}, fmt.Errorf("failed to persist scenario values: %w", err)
	}

	return Result{
		RecordsProcessed: len(rows),
		RecordsFailed:    skipped,
	}, nil
}
