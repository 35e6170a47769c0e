// Package domain holds the core value types shared across the batch
// pipeline: portfolios, positions, factors, and the enumerations that are
// validated at the persistence boundary.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Fixed decimal scales carried across all calculation stages. Engines must
// round to these scales when persisting and must not silently coerce
// precision loss between stages.
const (
	ScaleCurrency = 2 // monetary values
	ScaleGreek    = 4 // Greeks and ratios
	ScaleBeta     = 6 // factor betas
)

// JobStatus is the lifecycle state of a batch job.
type JobStatus string

const (
	JobQueued                JobStatus = "queued"
	JobRunning               JobStatus = "running"
	JobCompleted             JobStatus = "completed"
	JobCompletedWithWarnings JobStatus = "completed_with_warnings"
	JobFailed                JobStatus = "failed"
	JobCancelled             JobStatus = "cancelled"
)

// ParseJobStatus validates a persisted status string. Unknown values fail
// with a typed error rather than defaulting.
func ParseJobStatus(s string) (JobStatus, error) {
	switch JobStatus(s) {
	case JobQueued, JobRunning, JobCompleted, JobCompletedWithWarnings, JobFailed, JobCancelled:
		return JobStatus(s), nil
	}
	return "", &ValidationError{Field: "status", Value: s, Reason: "unknown job status"}
}

// Terminal reports whether the status permits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobCompletedWithWarnings, JobFailed, JobCancelled:
		return true
	}
	return false
}

// CanTransitionTo enforces the queued → running → terminal state machine.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case JobQueued:
		// Cancellation before work begins is legal; everything else must
		// pass through running first.
		return next == JobRunning || next == JobCancelled
	case JobRunning:
		return next.Terminal()
	}
	return false
}

// PositionType is the direction/instrument class of a position.
type PositionType string

const (
	PositionLong      PositionType = "LONG"
	PositionShort     PositionType = "SHORT"
	PositionLongCall  PositionType = "LC"
	PositionLongPut   PositionType = "LP"
	PositionShortCall PositionType = "SC"
	PositionShortPut  PositionType = "SP"
)

// ParsePositionType validates a persisted position type string.
func ParsePositionType(s string) (PositionType, error) {
	switch PositionType(s) {
	case PositionLong, PositionShort, PositionLongCall, PositionLongPut, PositionShortCall, PositionShortPut:
		return PositionType(s), nil
	}
	return "", &ValidationError{Field: "position_type", Value: s, Reason: "unknown position type"}
}

// Short reports whether the type carries short sign convention.
func (t PositionType) Short() bool {
	return t == PositionShort || t == PositionShortCall || t == PositionShortPut
}

// Option reports whether the type is an option instrument.
func (t PositionType) Option() bool {
	switch t {
	case PositionLongCall, PositionLongPut, PositionShortCall, PositionShortPut:
		return true
	}
	return false
}

// ValidationError is returned when input fails boundary validation. It is
// raised before any row is persisted.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// Position is a single instrument holding within a portfolio. Soft-deleted
// rows carry a non-nil DeletedAt and are filtered by the repository
// accessor, never by callers.
type Position struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	PortfolioID  uuid.UUID       `json:"portfolio_id" db:"portfolio_id"`
	Symbol       string          `json:"symbol" db:"symbol"`
	PositionType PositionType    `json:"position_type" db:"position_type"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	EntryPrice   decimal.Decimal `json:"entry_price" db:"entry_price"`
	LastPrice    decimal.Decimal `json:"last_price" db:"last_price"`
	Multiplier   decimal.Decimal `json:"multiplier" db:"multiplier"` // 100 for options, 1 otherwise
	Strike       decimal.Decimal `json:"strike" db:"strike"`
	Expiry       *time.Time      `json:"expiry,omitempty" db:"expiry"`
	DeletedAt    *time.Time      `json:"deleted_at,omitempty" db:"deleted_at"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// MarketValue returns |qty| × price × multiplier rounded to currency scale.
func (p Position) MarketValue() decimal.Decimal {
	return p.Quantity.Abs().Mul(p.LastPrice).Mul(p.multiplier()).Round(ScaleCurrency)
}

// SignedMarketValue returns market value with direction sign convention:
// long positive, short negative.
func (p Position) SignedMarketValue() decimal.Decimal {
	mv := p.MarketValue()
	if p.PositionType.Short() {
		return mv.Neg()
	}
	return mv
}

func (p Position) multiplier() decimal.Decimal {
	if p.Multiplier.IsZero() {
		if p.PositionType.Option() {
			return decimal.NewFromInt(100)
		}
		return decimal.NewFromInt(1)
	}
	return p.Multiplier
}

// Portfolio is the aggregate root positions belong to. Relationships are
// id-based; there are no back-references to positions.
type Portfolio struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Currency  string    `json:"currency" db:"currency"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Factor is one axis of the factor model (e.g. market, value, momentum).
type Factor struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	DisplayName string    `json:"display_name" db:"display_name"`
	ETFProxy    string    `json:"etf_proxy" db:"etf_proxy"`
}

// QualityFlag indicates calculation confidence attached to per-row outputs.
type QualityFlag string

const (
	QualityFull    QualityFlag = "full"    // complete, fresh inputs
	QualityStale   QualityFlag = "stale"   // inputs older than the as-of date
	QualityPartial QualityFlag = "partial" // some inputs missing, degraded output
)
