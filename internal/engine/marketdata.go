package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quantfolio/riskd/internal/persistence"
)

// MarketDataEngine refreshes prices for every symbol held by the portfolio
// and updates position last prices. It is the pipeline's fatal first stage:
// without positions or prices nothing downstream can run.
type MarketDataEngine struct {
	deps Deps
}

// NewMarketDataEngine creates the market data refresh stage.
func NewMarketDataEngine(deps Deps) *MarketDataEngine {
	return &MarketDataEngine{deps: deps}
}

func (e *MarketDataEngine) Name() string             { return "market_data_refresh" }
func (e *MarketDataEngine) DependsOn() string        { return RawData }
func (e *MarketDataEngine) Granularity() Granularity { return PerPosition }
func (e *MarketDataEngine) Fatal() bool              { return true }

// Run fetches quotes for all held symbols, persists them keyed by
// (symbol, date), and refreshes position last prices.
func (e *MarketDataEngine) Run(ctx context.Context, portfolioID uuid.UUID, asOf time.Time) (Result, error) {
	positions, err := e.deps.Positions.ListActivePositions(ctx, portfolioID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load positions: %w", err)
	}
	if len(positions) == 0 {
		return Result{}, fmt.Errorf("%w: portfolio %s has no active positions", ErrNoUpstreamData, portfolioID)
	}

	seen := make(map[string]bool, len(positions))
	symbols := make([]string, 0, len(positions))
	for _, p := range positions {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			symbols = append(symbols, p.Symbol)
		}
	}

	quotes, err := e.deps.Provider.GetStockPrices(ctx, symbols)
	if err != nil {
		return Result{}, fmt.Errorf("market data fetch failed: %w", err)
	}
	if len(quotes) == 0 {
		return Result{}, fmt.Errorf("%w: provider returned no prices for %d symbols", ErrNoUpstreamData, len(symbols))
	}

	records := make([]persistence.PriceRecord, 0, len(quotes))
	for _, q := range quotes {
		records = append(records, persistence.PriceRecord{
			Symbol:    q.Symbol,
			PriceDate: asOf,
			Close:     q.Price,
			Provider:  q.Provider,
			FetchedAt: time.Now().UTC(),
		})
	}
	if err := e.deps.MarketData.UpsertPrices(ctx, records); err != nil {
		return Result{}, fmt.Errorf("failed to persist prices: %w", err)
	}

	processed, failed := 0, 0
	for _, p := range positions {
		q, ok := quotes[p.Symbol]
		if !ok {
			failed++
			e.deps.Logger.Warn().Str("symbol", p.Symbol).Msg("No quote for held symbol")
			continue
		}
		if err := e.deps.Positions.UpdateLastPrice(ctx, p.ID, q.Price); err != nil {
			failed++
			e.deps.Logger.Warn().Err(err).Str("symbol", p.Symbol).Msg("Failed to update position price")
			continue
		}
		processed++
	}

	return Result{
		RecordsProcessed: processed,
		RecordsFailed:    failed,
		Summary: map[string]interface{}{
			"symbols_requested": len(symbols),
			"symbols_priced":    len(quotes),
			"provider":          e.deps.Provider.Name(),
		},
	}, nil
}
