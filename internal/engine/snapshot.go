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

// SnapshotEngine closes the pipeline by recording portfolio-level exposure
// totals for the as-of date.
type SnapshotEngine struct {
	deps Deps
}

// NewSnapshotEngine creates the snapshot stage.
func NewSnapshotEngine(deps Deps) *SnapshotEngine {
	return &SnapshotEngine{deps: deps}
}

func (e *SnapshotEngine) Name() string             { return "portfolio_snapshot" }
func (e *SnapshotEngine) DependsOn() string        { return "market_data_refresh" }
func (e *SnapshotEngine) Granularity() Granularity { return PerPortfolio }
func (e *SnapshotEngine) Fatal() bool              { return false }

// Run aggregates position market values into one snapshot row keyed by
// (portfolio, date).
func (e *SnapshotEngine) Run(ctx context.Context, portfolioID uuid.UUID, asOf time.Time) (Result, error) {
	positions, err := e.deps.Positions.ListActivePositions(ctx, portfolioID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load positions: %w", err)
	}
	if len(positions) == 0 {
		return Result{}, fmt.Errorf("%w: no active positions", ErrNoUpstreamData)
	}

	long := decimal.Zero
	short := decimal.Zero
	for _, p := range positions {
		mv := p.MarketValue()
		if p.PositionType.Short() {
			short = short.Add(mv)
		} else {
			long = long.Add(mv)
		}
	}

	snap := &persistence.PortfolioSnapshot{
		ID:              uuid.New(),
		PortfolioID:     portfolioID,
		CalculationDate: asOf,
		TotalValue:      long.Sub(short).Round(domain.ScaleCurrency),
		LongExposure:    long.Round(domain.ScaleCurrency),
		ShortExposure:   short.Round(domain.ScaleCurrency),
		GrossExposure:   long.Add(short).Round(domain.ScaleCurrency),
		NetExposure:     long.Sub(short).Round(domain.ScaleCurrency),
		PositionCount:   len(positions),
	}

	if err := e.deps.Snapshots.Upsert(ctx, snap); err != nil {
		return Result{}, fmt.Errorf("failed to persist snapshot: %w", err)
	}

	return Result{RecordsProcessed: 1}, nil
}
