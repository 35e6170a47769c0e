// Package report assembles point-in-time portfolio risk reports from the
// persisted calculation outputs and renders them in multiple formats.
package report

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Section names, in assembly order. Each maps to one generation step.
const (
	SectionSummary         = "portfolio_summary"
	SectionSnapshot        = "exposure_snapshot"
	SectionGreeks          = "greeks"
	SectionFactorExposures = "factor_exposures"
	SectionMarketRisk      = "market_risk_scenarios"
	SectionStressTests     = "stress_tests"
)

// Omission records a section left out of a report and why. Partial data
// produces a partial report, never a failed one.
type Omission struct {
	Section string `json:"section"`
	Reason  string `json:"reason"`
}

// Document is the single assembled report. Every output format renders
// from this struct so the formats can never diverge.
type Document struct {
	PortfolioID   uuid.UUID `json:"portfolio_id"`
	PortfolioName string    `json:"portfolio_name"`
	AnchorDate    string    `json:"anchor_date"`
	GeneratedAt   time.Time `json:"generated_at"`

	Summary         *SummarySection  `json:"summary,omitempty"`
	Snapshot        *SnapshotSection `json:"snapshot,omitempty"`
	Greeks          *GreeksSection   `json:"greeks,omitempty"`
	FactorExposures []FactorRow      `json:"factor_exposures,omitempty"`
	MarketRisk      []ScenarioRow    `json:"market_risk_scenarios,omitempty"`
	StressTests     []StressRow      `json:"stress_tests,omitempty"`
	Omissions       []Omission       `json:"omissions"`
}

type SummarySection struct {
	PositionCount int             `json:"position_count"`
	TotalValue    decimal.Decimal `json:"total_value"`
}

type SnapshotSection struct {
	SnapshotDate  string          `json:"snapshot_date"`
	TotalValue    decimal.Decimal `json:"total_value"`
	LongExposure  decimal.Decimal `json:"long_exposure"`
	ShortExposure decimal.Decimal `json:"short_exposure"`
	GrossExposure decimal.Decimal `json:"gross_exposure"`
	NetExposure   decimal.Decimal `json:"net_exposure"`
}

// GreeksSection carries portfolio-level Greek totals summed across
// positions.
type GreeksSection struct {
	Delta       decimal.Decimal `json:"delta"`
	Gamma       decimal.Decimal `json:"gamma"`
	Theta       decimal.Decimal `json:"theta"`
	Vega        decimal.Decimal `json:"vega"`
	Rho         decimal.Decimal `json:"rho"`
	DollarDelta decimal.Decimal `json:"dollar_delta"`
	Positions   int             `json:"positions"`
}

type FactorRow struct {
	Factor         string          `json:"factor"`
	Beta           decimal.Decimal `json:"beta"`
	DollarExposure decimal.Decimal `json:"dollar_exposure"`
}

type ScenarioRow struct {
	ScenarioKey string          `json:"scenario_key"`
	ShockFactor string          `json:"shock_factor"`
	ShockAmount decimal.Decimal `json:"shock_amount"`
	PnL         decimal.Decimal `json:"pnl"`
}

type StressRow struct {
	ScenarioID        string          `json:"scenario_id"`
	Name              string          `json:"name"`
	Severity          string          `json:"severity"`
	DirectPnL         decimal.Decimal `json:"direct_pnl"`
	CorrelatedPnL     decimal.Decimal `json:"correlated_pnl"`
	CorrelationEffect decimal.Decimal `json:"correlation_effect"`
}

// omit records a section omission on the document.
func (d *Document) omit(section, reason string) {
	d.Omissions = append(d.Omissions, Omission{Section: section, Reason: reason})
}
