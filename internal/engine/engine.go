// Package engine contains the calculation stages of the batch pipeline.
// Each engine reads its upstream inputs for one (portfolio, as-of date),
// computes a financial quantity, and persists it keyed by (entity, date) so
// re-runs overwrite rather than duplicate.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantfolio/riskd/internal/marketdata"
	"github.com/quantfolio/riskd/internal/persistence"
)

// Granularity is the level an engine writes at.
type Granularity string

const (
	PerPosition  Granularity = "position"
	PerPortfolio Granularity = "portfolio"
)

// RawData marks an engine that reads raw inputs rather than another
// engine's output.
const RawData = "raw_data"

// Result summarizes one engine invocation for the job record.
type Result struct {
	RecordsProcessed int                    `json:"records_processed"`
	RecordsFailed    int                    `json:"records_failed"`
	Summary          map[string]interface{} `json:"summary,omitempty"`
}

// ErrNoUpstreamData is returned when a required upstream input is entirely
// absent. For a fatal engine this fails the pipeline.
var ErrNoUpstreamData = errors.New("required upstream data unavailable")

// Engine is one calculation stage. Engines are stateless between runs; all
// durable state lives in the repositories.
type Engine interface {
	// Name identifies the engine in job results and warnings.
	Name() string

	// DependsOn names the upstream engine, or RawData.
	DependsOn() string

	// Granularity reports whether output rows are per-position or
	// per-portfolio.
	Granularity() Granularity

	// Fatal reports whether a failure stops the pipeline. Non-fatal
	// failures become warnings and downstream stages proceed degraded.
	Fatal() bool

	// Run executes the stage for one (portfolio, as-of date).
	Run(ctx context.Context, portfolioID uuid.UUID, asOf time.Time) (Result, error)
}

// Deps carries the shared collaborators engines draw from.
type Deps struct {
	Positions  persistence.PositionRepo
	MarketData persistence.MarketDataRepo
	Greeks     persistence.GreeksRepo
	Factors    persistence.FactorRepo
	Stress     persistence.StressRepo
	Scenarios  persistence.ScenarioRepo
	Snapshots  persistence.SnapshotRepo
	Provider   marketdata.Provider
	Logger     zerolog.Logger
}

// DefaultSet returns the standard pipeline in dependency order: each
// stage's output is a later stage's input, so order is load-bearing.
func DefaultSet(deps Deps) []Engine {
	return []Engine{
		NewMarketDataEngine(deps),
		NewGreeksEngine(deps),
		NewFactorExposureEngine(deps),
		NewMarketRiskEngine(deps),
		NewStressTestEngine(deps),
		NewSnapshotEngine(deps),
	}
}
