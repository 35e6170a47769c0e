package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantfolio/riskd/internal/domain"
	"github.com/quantfolio/riskd/internal/persistence"
)

// GreeksEngine computes per-position Greeks from refreshed prices. Stock
// positions carry unit delta; option Greeks use a moneyness/time
// approximation, not a full pricing model. Failure here is recoverable:
// downstream stages proceed with the previous day's Greeks.
type GreeksEngine struct {
	deps Deps
}

// NewGreeksEngine creates the Greeks stage.
func NewGreeksEngine(deps Deps) *GreeksEngine {
	return &GreeksEngine{deps: deps}
}

func (e *GreeksEngine) Name() string             { return "greeks" }
func (e *GreeksEngine) DependsOn() string        { return "market_data_refresh" }
func (e *GreeksEngine) Granularity() Granularity { return PerPosition }
func (e *GreeksEngine) Fatal() bool              { return false }

// Run computes and upserts Greeks for every active position keyed by
// (position, date).
func (e *GreeksEngine) Run(ctx context.Context, portfolioID uuid.UUID, asOf time.Time) (Result, error) {
	positions, err := e.deps.Positions.ListActivePositions(ctx, portfolioID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load positions: %w", err)
	}
	if len(positions) == 0 {
		return Result{}, fmt.Errorf("%w: no active positions", ErrNoUpstreamData)
	}

	records := make([]persistence.GreeksRecord, 0, len(positions))
	failed := 0
	for _, p := range positions {
		if p.LastPrice.IsZero() {
			failed++
			e.deps.Logger.Warn().Str("symbol", p.Symbol).Msg("Skipping greeks for unpriced position")
			continue
		}
		rec := computeGreeks(p, asOf)
		records = append(records, rec)
	}

	if err := e.deps.Greeks.Upsert(ctx, records); err != nil {
		return Result{}, fmt.Errorf("failed to persist greeks: %w", err)
	}

	return Result{
		RecordsProcessed: len(records),
		RecordsFailed:    failed,
	}, nil
}

// computeGreeks derives Greeks for one position. Stocks have delta 1 per
// share; options use a logistic-in-moneyness delta and time-decay scaled
// theta/vega. All values are rounded to the 4dp Greek scale.
func computeGreeks(p domain.Position, asOf time.Time) persistence.GreeksRecord {
	var delta, gamma, theta, vega, rho float64

	switch {
	case !p.PositionType.Option():
		delta = 1.0
	default:
		spot, _ := p.LastPrice.Float64()
		strike, _ := p.Strike.Float64()
		if strike <= 0 {
			strike = spot
		}

		// Years to expiry, floored at one trading day.
		t := 1.0 / 252.0
		if p.Expiry != nil && p.Expiry.After(asOf) {
			t = p.Expiry.Sub(asOf).Hours() / (24 * 365)
		}

		// Logistic delta in log-moneyness; steeper as expiry nears.
		m := math.Log(spot / strike)
		k := 4.0 / math.Sqrt(t*252/30+1)
		callDelta := 1.0 / (1.0 + math.Exp(-k*m/0.1))

		switch p.PositionType {
		case domain.PositionLongCall, domain.PositionShortCall:
			delta = callDelta
		default: // puts
			delta = callDelta - 1.0
		}

		atmness := math.Exp(-m * m / 0.02)
		gamma = atmness / (spot * 0.1 * math.Sqrt(t+0.01))
		vega = spot * atmness * math.Sqrt(t) * 0.4
		theta = -vega / (2 * 365 * (t + 0.01))
		rho = strike * t * callDelta * 0.01
	}

	sign := 1.0
	if p.PositionType.Short() {
		sign = -1.0
	}

	qty, _ := p.Quantity.Abs().Float64()
	mult := 1.0
	if p.PositionType.Option() {
		mult = 100.0
	}
	if !p.Multiplier.IsZero() {
		mult, _ = p.Multiplier.Float64()
	}

	posDelta := sign * delta * qty * mult
	spot, _ := p.LastPrice.Float64()
	dollarDelta := posDelta * spot

	return persistence.GreeksRecord{
		ID:              uuid.New(),
		PositionID:      p.ID,
		CalculationDate: asOf,
		Delta:           decimal.NewFromFloat(sign * delta).Round(domain.ScaleGreek),
		Gamma:           decimal.NewFromFloat(sign * gamma * qty * mult).Round(domain.ScaleGreek),
		Theta:           decimal.NewFromFloat(sign * theta * qty * mult).Round(domain.ScaleGreek),
		Vega:            decimal.NewFromFloat(sign * vega * qty * mult).Round(domain.ScaleGreek),
		Rho:             decimal.NewFromFloat(sign * rho * qty * mult).Round(domain.ScaleGreek),
		DollarDelta:     decimal.NewFromFloat(dollarDelta).Round(domain.ScaleCurrency),
	}
}
