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

// betaLookbackDays is the return-series window for position beta
// regression.
const betaLookbackDays = 90

// minRegressionObs is the observation floor below which a beta is flagged
// partial quality.
const minRegressionObs = 20

// FactorExposureEngine estimates position betas against each factor's ETF
// proxy by OLS on daily returns, then aggregates to portfolio level.
//
// The portfolio dollar exposure for a factor is the sum of signed position
// market value times position beta. The portfolio beta is the
// unsigned-weight average of position betas. The two are distinct numbers
// and are stored separately.
type FactorExposureEngine struct {
	deps Deps
}

// NewFactorExposureEngine creates the factor exposure stage.
func NewFactorExposureEngine(deps Deps) *FactorExposureEngine {
	return &FactorExposureEngine{deps: deps}
}

func (e *FactorExposureEngine) Name() string             { return "factor_exposures" }
func (e *FactorExposureEngine) DependsOn() string        { return "market_data_refresh" }
func (e *FactorExposureEngine) Granularity() Granularity { return PerPosition }
func (e *FactorExposureEngine) Fatal() bool              { return false }

// Run computes position-level betas and the portfolio-level aggregates for
// the as-of date.
func (e *FactorExposureEngine) Run(ctx context.Context, portfolioID uuid.UUID, asOf time.Time) (Result, error) {
	positions, err := e.deps.Positions.ListActivePositions(ctx, portfolioID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load positions: %w", err)
	}
	if len(positions) == 0 {
		return Result{}, fmt.Errorf("%w: no active positions", ErrNoUpstreamData)
	}

	factors, err := e.deps.Factors.ListFactors(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load factors: %w", err)
	}
	if len(factors) == 0 {
		return Result{}, fmt.Errorf("%w: no factor definitions", ErrNoUpstreamData)
	}

	symbols := make([]string, 0, len(positions)+len(factors))
	seen := make(map[string]bool)
	for _, p := range positions {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			symbols = append(symbols, p.Symbol)
		}
	}
	for _, f := range factors {
		if f.ETFProxy != "" && !seen[f.ETFProxy] {
			seen[f.ETFProxy] = true
			symbols = append(symbols, f.ETFProxy)
		}
	}

	from := asOf.AddDate(0, 0, -betaLookbackDays)
	history, err := e.deps.MarketData.PriceHistory(ctx, symbols, from, asOf)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load price history: %w", err)
	}

	returns := make(map[string]map[time.Time]float64, len(history))
	for symbol, recs := range history {
		returns[symbol] = dailyReturns(recs)
	}

	var positionRows []persistence.PositionFactorExposure
	failed := 0
	betas := make(map[uuid.UUID]map[uuid.UUID]decimal.Decimal, len(positions))

	for _, p := range positions {
		betas[p.ID] = make(map[uuid.UUID]decimal.Decimal, len(factors))
		for _, f := range factors {
			beta, n := regressBeta(returns[p.Symbol], returns[f.ETFProxy])
			flag := domain.QualityFull
			if n < minRegressionObs {
				flag = domain.QualityPartial
				failed++
			}
			rounded := decimal.NewFromFloat(beta).Round(domain.ScaleBeta)
			betas[p.ID][f.ID] = rounded
			positionRows = append(positionRows, persistence.PositionFactorExposure{
				ID:              uuid.New(),
				PositionID:      p.ID,
				FactorID:        f.ID,
				CalculationDate: asOf,
				ExposureValue:   rounded,
				QualityFlag:     flag,
			})
		}
	}

	if err := e.deps.Factors.UpsertPositionExposures(ctx, positionRows); err != nil {
		return Result{}, fmt.Errorf("failed to persist position exposures: %w", err)
	}

	portfolioRows := AggregateExposures(portfolioID, asOf, positions, factors, betas)
	if err := e.deps.Factors.UpsertPortfolioExposures(ctx, portfolioRows); err != nil {
		return Result{}, fmt.Errorf("failed to persist portfolio exposures: %w", err)
	}

	return Result{
		RecordsProcessed: len(positionRows) + len(portfolioRows),
		RecordsFailed:    failed,
		Summary: map[string]interface{}{
			"factors":   len(factors),
			"positions": len(positions),
		},
	}, nil
}

// AggregateExposures rolls position betas up to portfolio level.
//
// dollar_exposure(f) = Σ_p signed_market_value(p) × beta(p, f)
// beta(f)            = Σ_p |market_value(p)| × beta(p, f) / Σ_p |market_value(p)|
//
// The dollar exposure is a signed sum of contributions, never
// beta × gross_exposure.
func AggregateExposures(portfolioID uuid.UUID, asOf time.Time, positions []domain.Position, factors []domain.Factor, betas map[uuid.UUID]map[uuid.UUID]decimal.Decimal) []persistence.FactorExposure {
	rows := make([]persistence.FactorExposure, 0, len(factors))

	gross := decimal.Zero
	for _, p := range positions {
		gross = gross.Add(p.MarketValue())
	}

	for _, f := range factors {
		dollar := decimal.Zero
		weightedBeta := decimal.Zero
		for _, p := range positions {
			beta, ok := betas[p.ID][f.ID]
			if !ok {
				continue
			}
			dollar = dollar.Add(p.SignedMarketValue().Mul(beta))
			weightedBeta = weightedBeta.Add(p.MarketValue().Mul(beta))
		}

		portfolioBeta := decimal.Zero
		if gross.Sign() > 0 {
			portfolioBeta = weightedBeta.Div(gross)
		}

		rows = append(rows, persistence.FactorExposure{
			ID:              uuid.New(),
			PortfolioID:     portfolioID,
			FactorID:        f.ID,
			CalculationDate: asOf,
			Beta:            portfolioBeta.Round(domain.ScaleBeta),
			DollarExposure:  dollar.Round(domain.ScaleCurrency),
		})
	}
	return rows
}

// dailyReturns converts an ascending price series into date-keyed simple
// returns.
func dailyReturns(recs []persistence.PriceRecord) map[time.Time]float64 {
	returns := make(map[time.Time]float64, len(recs))
	for i := 1; i < len(recs); i++ {
		prev, _ := recs[i-1].Close.Float64()
		cur, _ := recs[i].Close.Float64()
		if prev <= 0 {
			continue
		}
		day := recs[i].PriceDate.Truncate(24 * time.Hour)
		returns[day] = cur/prev - 1
	}
	return returns
}

// regressBeta computes the OLS slope of position returns on factor returns
// over their overlapping dates. Returns the beta and the observation count;
// with fewer than two overlapping observations the beta is zero.
func regressBeta(position, factor map[time.Time]float64) (float64, int) {
	var xs, ys []float64
	for day, fr := range factor {
		if pr, ok := position[day]; ok {
			xs = append(xs, fr)
			ys = append(ys, pr)
		}
	}
	n := len(xs)
	if n < 2 {
		return 0, n
	}

	var sumX, sumY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX, meanY := sumX/float64(n), sumY/float64(n)

	var cov, varX float64
	for i := range xs {
		cov += (xs[i] - meanX) * (ys[i] - meanY)
		varX += (xs[i] - meanX) * (xs[i] - meanX)
	}
	if varX == 0 {
		return 0, n
	}
	return cov / varX, n
}
