// Package persistence defines the repository interfaces and row structs for
// the batch pipeline's durable state: job records, schedules, calculation
// outputs, and reports. Implementations live in the postgres subpackage.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantfolio/riskd/internal/domain"
)

// Sentinel errors mapped from driver-level failures at the repo boundary.
var (
	ErrNotFound          = errors.New("record not found")
	ErrDuplicate         = errors.New("duplicate record")
	ErrJobAlreadyRunning = errors.New("job already queued or running for key")
	ErrTerminalJob       = errors.New("job is in a terminal state")
)

// BatchJob is one row per execution attempt. Created at enqueue, mutated
// only by the orchestrator, immutable once status is terminal.
type BatchJob struct {
	ID               uuid.UUID              `json:"id" db:"id"`
	JobName          string                 `json:"job_name" db:"job_name"`
	JobType          string                 `json:"job_type" db:"job_type"`
	PortfolioID      *uuid.UUID             `json:"portfolio_id,omitempty" db:"portfolio_id"`
	Status           domain.JobStatus       `json:"status" db:"status"`
	ScheduledAt      time.Time              `json:"scheduled_at" db:"scheduled_at"`
	StartedAt        *time.Time             `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty" db:"completed_at"`
	ExecutionTime    float64                `json:"execution_time" db:"execution_time"`
	Parameters       map[string]interface{} `json:"parameters" db:"parameters"`
	Result           map[string]interface{} `json:"result" db:"result"`
	ErrorMessage     *string                `json:"error_message,omitempty" db:"error_message"`
	Warnings         []string               `json:"warnings" db:"warnings"`
	RecordsProcessed int                    `json:"records_processed" db:"records_processed"`
	RecordsFailed    int                    `json:"records_failed" db:"records_failed"`
	TriggeredBy      string                 `json:"triggered_by" db:"triggered_by"`
	CreatedBy        string                 `json:"created_by" db:"created_by"`
	CreatedAt        time.Time              `json:"created_at" db:"created_at"`
}

// BatchJobSchedule is a named recurring job template consumed by the
// scheduler driver. Never mutated by job execution.
type BatchJobSchedule struct {
	ID                uuid.UUID              `json:"id" db:"id"`
	ScheduleName      string                 `json:"schedule_name" db:"schedule_name"`
	JobName           string                 `json:"job_name" db:"job_name"`
	CronExpression    string                 `json:"cron_expression" db:"cron_expression"`
	Timezone          string                 `json:"timezone" db:"timezone"`
	Enabled           bool                   `json:"enabled" db:"enabled"`
	DefaultParameters map[string]interface{} `json:"default_parameters" db:"default_parameters"`
	Description       string                 `json:"description" db:"description"`
	CreatedAt         time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at" db:"updated_at"`
}

// SchedulerJobState is the external scheduler's opaque persistence row
// (apscheduler_jobs). The blob is never interpreted by this core.
type SchedulerJobState struct {
	ID          string  `json:"id" db:"id"`
	NextRunTime float64 `json:"next_run_time" db:"next_run_time"`
	JobState    []byte  `json:"job_state" db:"job_state"`
}

// PositionFactorExposure is one beta per (position, factor, calculation
// date). Append-only per date; unique on the triple.
type PositionFactorExposure struct {
	ID              uuid.UUID          `json:"id" db:"id"`
	PositionID      uuid.UUID          `json:"position_id" db:"position_id"`
	FactorID        uuid.UUID          `json:"factor_id" db:"factor_id"`
	CalculationDate time.Time          `json:"calculation_date" db:"calculation_date"`
	ExposureValue   decimal.Decimal    `json:"exposure_value" db:"exposure_value"` // beta, 6dp
	QualityFlag     domain.QualityFlag `json:"quality_flag" db:"quality_flag"`
	CreatedAt       time.Time          `json:"created_at" db:"created_at"`
}

// FactorExposure is the portfolio-level aggregate: weighted-average beta and
// signed-sum dollar exposure per (portfolio, factor, date). The two numbers
// are distinct and must not be conflated.
type FactorExposure struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	PortfolioID     uuid.UUID       `json:"portfolio_id" db:"portfolio_id"`
	FactorID        uuid.UUID       `json:"factor_id" db:"factor_id"`
	CalculationDate time.Time       `json:"calculation_date" db:"calculation_date"`
	Beta            decimal.Decimal `json:"beta" db:"beta"`                       // 6dp
	DollarExposure  decimal.Decimal `json:"dollar_exposure" db:"dollar_exposure"` // 2dp
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// StressTestScenario is a named, versioned shock definition.
type StressTestScenario struct {
	ScenarioID  string                 `json:"scenario_id" db:"scenario_id"`
	Name        string                 `json:"name" db:"name"`
	Category    string                 `json:"category" db:"category"`
	Severity    string                 `json:"severity" db:"severity"`
	ShockConfig map[string]interface{} `json:"shock_config" db:"shock_config"`
	Active      bool                   `json:"active" db:"active"`
	Version     int                    `json:"version" db:"version"`
}

// StressTestResult is one row per (portfolio, scenario, date).
// CorrelationEffect = CorrelatedPnL − DirectPnL.
type StressTestResult struct {
	ID                uuid.UUID                  `json:"id" db:"id"`
	PortfolioID       uuid.UUID                  `json:"portfolio_id" db:"portfolio_id"`
	ScenarioID        string                     `json:"scenario_id" db:"scenario_id"`
	CalculationDate   time.Time                  `json:"calculation_date" db:"calculation_date"`
	DirectPnL         decimal.Decimal            `json:"direct_pnl" db:"direct_pnl"`         // 2dp
	CorrelatedPnL     decimal.Decimal            `json:"correlated_pnl" db:"correlated_pnl"` // 2dp
	CorrelationEffect decimal.Decimal            `json:"correlation_effect" db:"correlation_effect"`
	FactorImpacts     map[string]decimal.Decimal `json:"factor_impacts" db:"factor_impacts"`
	CreatedAt         time.Time                  `json:"created_at" db:"created_at"`
}

// PortfolioSnapshot is the end-of-pipeline equity/exposure snapshot per
// (portfolio, date).
type PortfolioSnapshot struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	PortfolioID     uuid.UUID       `json:"portfolio_id" db:"portfolio_id"`
	CalculationDate time.Time       `json:"calculation_date" db:"calculation_date"`
	TotalValue      decimal.Decimal `json:"total_value" db:"total_value"`
	LongExposure    decimal.Decimal `json:"long_exposure" db:"long_exposure"`
	ShortExposure   decimal.Decimal `json:"short_exposure" db:"short_exposure"`
	GrossExposure   decimal.Decimal `json:"gross_exposure" db:"gross_exposure"`
	NetExposure     decimal.Decimal `json:"net_exposure" db:"net_exposure"`
	PositionCount   int             `json:"position_count" db:"position_count"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// PriceRecord is a cached market price for a symbol on a date, with
// provider attribution for audit.
type PriceRecord struct {
	Symbol    string          `json:"symbol" db:"symbol"`
	PriceDate time.Time       `json:"price_date" db:"price_date"`
	Close     decimal.Decimal `json:"close" db:"close"`
	Provider  string          `json:"provider" db:"provider"`
	FetchedAt time.Time       `json:"fetched_at" db:"fetched_at"`
}

// GreeksRecord holds per-position Greeks for a calculation date. Values
// carry 4dp scale.
type GreeksRecord struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	PositionID      uuid.UUID       `json:"position_id" db:"position_id"`
	CalculationDate time.Time       `json:"calculation_date" db:"calculation_date"`
	Delta           decimal.Decimal `json:"delta" db:"delta"`
	Gamma           decimal.Decimal `json:"gamma" db:"gamma"`
	Theta           decimal.Decimal `json:"theta" db:"theta"`
	Vega            decimal.Decimal `json:"vega" db:"vega"`
	Rho             decimal.Decimal `json:"rho" db:"rho"`
	DollarDelta     decimal.Decimal `json:"dollar_delta" db:"dollar_delta"` // 2dp
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// PortfolioReport is a rendered point-in-time report. Exactly one row per
// (portfolio, anchor_date) may carry is_current=true.
type PortfolioReport struct {
	ID                 uuid.UUID `json:"id" db:"id"`
	PortfolioID        uuid.UUID `json:"portfolio_id" db:"portfolio_id"`
	ReportType         string    `json:"report_type" db:"report_type"`
	Version            int       `json:"version" db:"version"`
	AnchorDate         time.Time `json:"anchor_date" db:"anchor_date"`
	ContentJSON        []byte    `json:"content_json,omitempty" db:"content_json"`
	ContentMarkdown    *string   `json:"content_markdown,omitempty" db:"content_markdown"`
	ContentCSV         *string   `json:"content_csv,omitempty" db:"content_csv"`
	IsCurrent          bool      `json:"is_current" db:"is_current"`
	GenerationDuration float64   `json:"generation_duration_seconds" db:"generation_duration_seconds"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
}

// ReportGenerationJob tracks progress across the fixed set of calculation
// sections read while assembling a report.
type ReportGenerationJob struct {
	ID                 uuid.UUID        `json:"id" db:"id"`
	PortfolioID        uuid.UUID        `json:"portfolio_id" db:"portfolio_id"`
	ReportID           *uuid.UUID       `json:"report_id,omitempty" db:"report_id"`
	Status             domain.JobStatus `json:"status" db:"status"`
	ProgressPercentage float64          `json:"progress_percentage" db:"progress_percentage"`
	CurrentStep        string           `json:"current_step" db:"current_step"`
	TotalSteps         int              `json:"total_steps" db:"total_steps"`
	RetryCount         int              `json:"retry_count" db:"retry_count"`
	MaxRetries         int              `json:"max_retries" db:"max_retries"`
	ErrorMessage       *string          `json:"error_message,omitempty" db:"error_message"`
	CreatedAt          time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at" db:"updated_at"`
}

// JobFilter narrows BatchJobRepo.List queries.
type JobFilter struct {
	PortfolioID *uuid.UUID
	JobName     string
	Status      domain.JobStatus
	Limit       int
}

// BatchJobRepo persists batch job records. CreateExclusive enforces the
// per-(portfolio_id, job_name) mutual exclusion rule at creation time.
type BatchJobRepo interface {
	// CreateExclusive inserts a queued job unless another job for the same
	// (portfolio_id, job_name) is already queued or running, in which case
	// it returns ErrJobAlreadyRunning and persists nothing.
	CreateExclusive(ctx context.Context, job *BatchJob) error

	// Update persists job mutations. Returns ErrTerminalJob when the stored
	// row is already terminal.
	Update(ctx context.Context, job *BatchJob) error

	// GetByID fetches a single job record.
	GetByID(ctx context.Context, id uuid.UUID) (*BatchJob, error)

	// List returns recent jobs matching the filter, newest first.
	List(ctx context.Context, f JobFilter) ([]BatchJob, error)
}

// ScheduleRepo persists recurring job definitions.
type ScheduleRepo interface {
	// Upsert inserts or updates a schedule keyed by schedule_name.
	Upsert(ctx context.Context, s *BatchJobSchedule) error

	// ListEnabled returns all enabled schedules.
	ListEnabled(ctx context.Context) ([]BatchJobSchedule, error)

	// GetByName fetches a schedule by its unique name.
	GetByName(ctx context.Context, name string) (*BatchJobSchedule, error)

	// SetEnabled flips a schedule's enabled flag.
	SetEnabled(ctx context.Context, name string, enabled bool) error

	// SaveSchedulerState persists the scheduler driver's opaque state row.
	SaveSchedulerState(ctx context.Context, st SchedulerJobState) error
}

// PositionRepo reads portfolio identity and live positions. Soft-deleted
// positions are filtered here, not by callers.
type PositionRepo interface {
	// GetPortfolio fetches portfolio identity.
	GetPortfolio(ctx context.Context, id uuid.UUID) (*domain.Portfolio, error)

	// ListPortfolios returns all portfolios for pipeline fan-out.
	ListPortfolios(ctx context.Context) ([]domain.Portfolio, error)

	// ListActivePositions returns non-deleted positions for a portfolio.
	ListActivePositions(ctx context.Context, portfolioID uuid.UUID) ([]domain.Position, error)

	// UpdateLastPrice refreshes a position's last price after a market data
	// refresh.
	UpdateLastPrice(ctx context.Context, positionID uuid.UUID, price decimal.Decimal) error
}

// MarketDataRepo persists fetched prices keyed by (symbol, date).
type MarketDataRepo interface {
	// UpsertPrices writes price records, overwriting same-dated rows.
	UpsertPrices(ctx context.Context, records []PriceRecord) error

	// LatestPrices returns the most recent price per symbol dated on or
	// before asOf.
	LatestPrices(ctx context.Context, symbols []string, asOf time.Time) (map[string]PriceRecord, error)

	// PriceHistory returns prices per symbol within [from, to], ascending
	// by date, for return-series regression.
	PriceHistory(ctx context.Context, symbols []string, from, to time.Time) (map[string][]PriceRecord, error)
}

// GreeksRepo persists per-position Greeks keyed by (position, date).
type GreeksRepo interface {
	// Upsert writes Greeks rows, overwriting same-dated rows per position.
	Upsert(ctx context.Context, records []GreeksRecord) error

	// ListByPortfolio returns the most recent Greeks per position dated on
	// or before asOf for the portfolio's active positions.
	ListByPortfolio(ctx context.Context, portfolioID uuid.UUID, asOf time.Time) ([]GreeksRecord, error)
}

// FactorRepo persists factor definitions and exposures.
type FactorRepo interface {
	// ListFactors returns the factor model definition.
	ListFactors(ctx context.Context) ([]domain.Factor, error)

	// UpsertPositionExposures writes position-level betas, overwriting
	// same-keyed (position, factor, date) rows.
	UpsertPositionExposures(ctx context.Context, rows []PositionFactorExposure) error

	// UpsertPortfolioExposures writes portfolio-level aggregates.
	UpsertPortfolioExposures(ctx context.Context, rows []FactorExposure) error

	// ListPortfolioExposures returns the most recent portfolio exposures
	// dated on or before asOf.
	ListPortfolioExposures(ctx context.Context, portfolioID uuid.UUID, asOf time.Time) ([]FactorExposure, error)

	// ListPositionExposures returns position-level betas for a portfolio on
	// the given calculation date.
	ListPositionExposures(ctx context.Context, portfolioID uuid.UUID, date time.Time) ([]PositionFactorExposure, error)
}

// StressRepo persists scenarios and stress results.
type StressRepo interface {
	// ListActiveScenarios returns scenarios with active=true.
	ListActiveScenarios(ctx context.Context) ([]StressTestScenario, error)

	// UpsertResults writes stress results keyed by (portfolio, scenario,
	// date).
	UpsertResults(ctx context.Context, rows []StressTestResult) error

	// ListResults returns the most recent results dated on or before asOf.
	ListResults(ctx context.Context, portfolioID uuid.UUID, asOf time.Time) ([]StressTestResult, error)
}

// MarketRiskScenarioValue is one standard-shock P&L estimate per
// (portfolio, scenario key, date), produced by the market risk engine from
// factor dollar exposures.
type MarketRiskScenarioValue struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	PortfolioID     uuid.UUID       `json:"portfolio_id" db:"portfolio_id"`
	ScenarioKey     string          `json:"scenario_key" db:"scenario_key"` // e.g. "market_down_10"
	CalculationDate time.Time       `json:"calculation_date" db:"calculation_date"`
	ShockFactor     string          `json:"shock_factor" db:"shock_factor"`
	ShockAmount     decimal.Decimal `json:"shock_amount" db:"shock_amount"` // fractional move
	PnL             decimal.Decimal `json:"pnl" db:"pnl"`                   // 2dp
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// ScenarioRepo persists standard market-risk scenario values.
type ScenarioRepo interface {
	// Upsert writes scenario values keyed by (portfolio, scenario_key,
	// date).
	Upsert(ctx context.Context, rows []MarketRiskScenarioValue) error

	// List returns the most recent values dated on or before asOf.
	List(ctx context.Context, portfolioID uuid.UUID, asOf time.Time) ([]MarketRiskScenarioValue, error)
}

// SnapshotRepo persists end-of-run portfolio snapshots.
type SnapshotRepo interface {
	// Upsert writes a snapshot keyed by (portfolio, date).
	Upsert(ctx context.Context, snap *PortfolioSnapshot) error

	// Latest returns the most recent snapshot dated on or before asOf.
	Latest(ctx context.Context, portfolioID uuid.UUID, asOf time.Time) (*PortfolioSnapshot, error)
}

// ReportRepo persists rendered reports and their generation jobs.
type ReportRepo interface {
	// InsertSupersede inserts a report and clears is_current on any prior
	// report for the same (portfolio, anchor_date), atomically.
	InsertSupersede(ctx context.Context, r *PortfolioReport) error

	// GetCurrent returns the current report for (portfolio, anchor_date).
	GetCurrent(ctx context.Context, portfolioID uuid.UUID, anchorDate time.Time) (*PortfolioReport, error)

	// CreateGenerationJob inserts a report generation job record.
	CreateGenerationJob(ctx context.Context, j *ReportGenerationJob) error

	// UpdateGenerationJob persists generation job progress mutations.
	UpdateGenerationJob(ctx context.Context, j *ReportGenerationJob) error
}
