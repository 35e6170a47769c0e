package report

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfolio/riskd/internal/config"
	"github.com/quantfolio/riskd/internal/domain"
	"github.com/quantfolio/riskd/internal/persistence"
	"github.com/quantfolio/riskd/internal/telemetry"
)

type fakeStores struct {
	portfolio *domain.Portfolio
	positions []domain.Position
	snapshot  *persistence.PortfolioSnapshot
	greeks    []persistence.GreeksRecord
	factors   []domain.Factor
	exposures []persistence.FactorExposure
	scenarios []persistence.MarketRiskScenarioValue
	stressDef []persistence.StressTestScenario
	stressRes []persistence.StressTestResult

	reports     []*persistence.PortfolioReport
	genJobs     map[uuid.UUID]*persistence.ReportGenerationJob
	progressLog []float64
	failInserts int
	insertCalls int
}

func newFakeStores() *fakeStores {
	return &fakeStores{
		portfolio: &domain.Portfolio{ID: uuid.New(), Name: "Main Fund"},
		genJobs:   make(map[uuid.UUID]*persistence.ReportGenerationJob),
	}
}

// PositionRepo
func (f *fakeStores) GetPortfolio(_ context.Context, id uuid.UUID) (*domain.Portfolio, error) {
	if f.portfolio == nil || f.portfolio.ID != id {
		return nil, persistence.ErrNotFound
	}
	return f.portfolio, nil
}
func (f *fakeStores) ListPortfolios(context.Context) ([]domain.Portfolio, error) { return nil, nil }
func (f *fakeStores) ListActivePositions(context.Context, uuid.UUID) ([]domain.Position, error) {
	return f.positions, nil
}
func (f *fakeStores) UpdateLastPrice(context.Context, uuid.UUID, decimal.Decimal) error { return nil }

// SnapshotRepo
func (f *fakeStores) Upsert(context.Context, *persistence.PortfolioSnapshot) error { return nil }
func (f *fakeStores) Latest(context.Context, uuid.UUID, time.Time) (*persistence.PortfolioSnapshot, error) {
	if f.snapshot == nil {
		return nil, persistence.ErrNotFound
	}
	return f.snapshot, nil
}

// GreeksRepo
func (f *fakeStores) UpsertGreeks(context.Context, []persistence.GreeksRecord) error { return nil }
func (f *fakeStores) ListByPortfolio(context.Context, uuid.UUID, time.Time) ([]persistence.GreeksRecord, error) {
	return f.greeks, nil
}

// FactorRepo
func (f *fakeStores) ListFactors(context.Context) ([]domain.Factor, error) { return f.factors, nil }
func (f *fakeStores) UpsertPositionExposures(context.Context, []persistence.PositionFactorExposure) error {
	return nil
}
func (f *fakeStores) UpsertPortfolioExposures(context.Context, []persistence.FactorExposure) error {
	return nil
}
func (f *fakeStores) ListPortfolioExposures(context.Context, uuid.UUID, time.Time) ([]persistence.FactorExposure, error) {
	return f.exposures, nil
}
func (f *fakeStores) ListPositionExposures(context.Context, uuid.UUID, time.Time) ([]persistence.PositionFactorExposure, error) {
	return nil, nil
}

// ScenarioRepo
func (f *fakeStores) List(context.Context, uuid.UUID, time.Time) ([]persistence.MarketRiskScenarioValue, error) {
	return f.scenarios, nil
}

// StressRepo
func (f *fakeStores) ListActiveScenarios(context.Context) ([]persistence.StressTestScenario, error) {
	return f.stressDef, nil
}
func (f *fakeStores) UpsertResults(context.Context, []persistence.StressTestResult) error { return nil }
func (f *fakeStores) ListResults(context.Context, uuid.UUID, time.Time) ([]persistence.StressTestResult, error) {
	return f.stressRes, nil
}

// ReportRepo with real supersession semantics.
func (f *fakeStores) InsertSupersede(_ context.Context, r *persistence.PortfolioReport) error {
	f.insertCalls++
	if f.failInserts > 0 {
		f.failInserts--
		return errors.New("connection reset")
	}
	maxVersion := 0
	for _, prior := range f.reports {
		if prior.PortfolioID == r.PortfolioID && prior.AnchorDate.Equal(r.AnchorDate) {
			prior.IsCurrent = false
			if prior.Version > maxVersion {
				maxVersion = prior.Version
			}
		}
	}
	r.Version = maxVersion + 1
	r.IsCurrent = true
	clone := *r
	f.reports = append(f.reports, &clone)
	return nil
}
func (f *fakeStores) GetCurrent(_ context.Context, portfolioID uuid.UUID, anchor time.Time) (*persistence.PortfolioReport, error) {
	for _, r := range f.reports {
		if r.PortfolioID == portfolioID && r.AnchorDate.Equal(anchor) && r.IsCurrent {
			return r, nil
		}
	}
	return nil, persistence.ErrNotFound
}
func (f *fakeStores) CreateGenerationJob(_ context.Context, j *persistence.ReportGenerationJob) error {
	clone := *j
	f.genJobs[j.ID] = &clone
	return nil
}
func (f *fakeStores) UpdateGenerationJob(_ context.Context, j *persistence.ReportGenerationJob) error {
	clone := *j
	f.genJobs[j.ID] = &clone
	f.progressLog = append(f.progressLog, j.ProgressPercentage)
	return nil
}

// greeksAdapter and scenarioAdapter narrow fakeStores to interfaces whose
// Upsert signatures collide with SnapshotRepo's.
type greeksAdapter struct{ f *fakeStores }

func (a greeksAdapter) Upsert(ctx context.Context, recs []persistence.GreeksRecord) error {
	return a.f.UpsertGreeks(ctx, recs)
}
func (a greeksAdapter) ListByPortfolio(ctx context.Context, id uuid.UUID, asOf time.Time) ([]persistence.GreeksRecord, error) {
	return a.f.ListByPortfolio(ctx, id, asOf)
}

type scenarioAdapter struct{ f *fakeStores }

func (a scenarioAdapter) Upsert(context.Context, []persistence.MarketRiskScenarioValue) error {
	return nil
}
func (a scenarioAdapter) List(ctx context.Context, id uuid.UUID, asOf time.Time) ([]persistence.MarketRiskScenarioValue, error) {
	return a.f.List(ctx, id, asOf)
}

func newTestGenerator(f *fakeStores) *Generator {
	return NewGenerator(f, f, greeksAdapter{f}, f, scenarioAdapter{f}, f, f,
		telemetry.NewMetrics(),
		config.ReportConfig{MaxRetries: 2},
		zerolog.Nop())
}

func anchor() time.Time {
	return time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
}

func TestGenerate_FullReport(t *testing.T) {
	f := newFakeStores()
	factorID := uuid.New()
	f.positions = []domain.Position{{
		PositionType: domain.PositionLong,
		Quantity:     decimal.NewFromInt(10),
		LastPrice:    decimal.NewFromInt(100),
		Multiplier:   decimal.NewFromInt(1),
	}}
	f.snapshot = &persistence.PortfolioSnapshot{
		CalculationDate: anchor(),
		GrossExposure:   decimal.NewFromInt(1000),
		NetExposure:     decimal.NewFromInt(1000),
	}
	f.greeks = []persistence.GreeksRecord{{Delta: decimal.NewFromInt(1), DollarDelta: decimal.NewFromInt(1000)}}
	f.factors = []domain.Factor{{ID: factorID, Name: "market"}}
	f.exposures = []persistence.FactorExposure{{
		FactorID: factorID, Beta: decimal.RequireFromString("0.7"),
		DollarExposure: decimal.NewFromInt(20),
	}}
	f.scenarios = []persistence.MarketRiskScenarioValue{{
		ScenarioKey: "market_down_10", ShockFactor: "market",
		ShockAmount: decimal.RequireFromString("-0.1"), PnL: decimal.NewFromInt(-2),
	}}
	f.stressDef = []persistence.StressTestScenario{{ScenarioID: "gfc", Name: "2008 Replay", Severity: "severe"}}
	f.stressRes = []persistence.StressTestResult{{
		ScenarioID: "gfc",
		DirectPnL:  decimal.NewFromInt(-250), CorrelatedPnL: decimal.NewFromInt(-310),
		CorrelationEffect: decimal.NewFromInt(-60),
	}}

	rep, err := newTestGenerator(f).Generate(context.Background(), f.portfolio.ID, anchor(), []string{"json", "markdown", "csv"})
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Version)
	assert.True(t, rep.IsCurrent)
	assert.NotEmpty(t, rep.ContentJSON)
	require.NotNil(t, rep.ContentMarkdown)
	require.NotNil(t, rep.ContentCSV)
	assert.Contains(t, *rep.ContentMarkdown, "2008 Replay")
	assert.Contains(t, *rep.ContentCSV, "market_down_10")
	assert.Greater(t, rep.GenerationDuration, 0.0)
}

func TestGenerate_PartialDataOmitsSections(t *testing.T) {
	f := newFakeStores()
	f.positions = []domain.Position{{
		PositionType: domain.PositionLong,
		Quantity:     decimal.NewFromInt(1),
		LastPrice:    decimal.NewFromInt(50),
		Multiplier:   decimal.NewFromInt(1),
	}}
	// No snapshot, greeks, exposures, scenarios or stress results.

	gen := newTestGenerator(f)
	rep, err := gen.Generate(context.Background(), f.portfolio.ID, anchor(), []string{"markdown"})
	require.NoError(t, err, "missing sections degrade, never fail")

	var doc Document
	require.NoError(t, json.Unmarshal(rep.ContentJSON, &doc))
	require.NotNil(t, doc.Summary)
	assert.Nil(t, doc.Snapshot)

	omitted := make(map[string]bool)
	for _, o := range doc.Omissions {
		omitted[o.Section] = true
	}
	for _, section := range []string{SectionSnapshot, SectionGreeks, SectionFactorExposures, SectionMarketRisk, SectionStressTests} {
		assert.True(t, omitted[section], "expected omission entry for %s", section)
	}
	assert.Contains(t, *rep.ContentMarkdown, "Omitted Sections")
}

func TestGenerate_SupersessionKeepsOneCurrent(t *testing.T) {
	f := newFakeStores()
	gen := newTestGenerator(f)

	first, err := gen.Generate(context.Background(), f.portfolio.ID, anchor(), nil)
	require.NoError(t, err)
	second, err := gen.Generate(context.Background(), f.portfolio.ID, anchor(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, first.Version)
	assert.Equal(t, 2, second.Version)

	current := 0
	for _, r := range f.reports {
		if r.IsCurrent {
			current++
			assert.Equal(t, second.ID, r.ID)
		}
	}
	assert.Equal(t, 1, current, "exactly one current report per (portfolio, anchor date)")

	// A different anchor date is an independent series.
	other, err := gen.Generate(context.Background(), f.portfolio.ID, anchor().AddDate(0, 0, 1), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, other.Version)
	assert.True(t, second.IsCurrent)
}

func TestGenerate_RetriesWithoutProgressRegression(t *testing.T) {
	f := newFakeStores()
	f.failInserts = 1
	gen := newTestGenerator(f)

	rep, err := gen.Generate(context.Background(), f.portfolio.ID, anchor(), nil)
	require.NoError(t, err, "one transient failure is within the retry budget")
	assert.Equal(t, 2, f.insertCalls)

	var job *persistence.ReportGenerationJob
	for _, j := range f.genJobs {
		job = j
	}
	require.NotNil(t, job)
	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, rep.ID, *job.ReportID)
	assert.Equal(t, 100.0, job.ProgressPercentage)

	for i := 1; i < len(f.progressLog); i++ {
		assert.GreaterOrEqual(t, f.progressLog[i], f.progressLog[i-1],
			"progress must be monotonic across retries")
	}
}

func TestGenerate_ExhaustedRetriesFail(t *testing.T) {
	f := newFakeStores()
	f.failInserts = 10
	gen := newTestGenerator(f)

	_, err := gen.Generate(context.Background(), f.portfolio.ID, anchor(), nil)
	require.Error(t, err)
	assert.Equal(t, 3, f.insertCalls, "initial attempt plus MaxRetries retries")

	var job *persistence.ReportGenerationJob
	for _, j := range f.genJobs {
		job = j
	}
	require.NotNil(t, job)
	assert.Equal(t, domain.JobFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
}

func TestGenerate_UnknownFormatRejected(t *testing.T) {
	f := newFakeStores()
	_, err := newTestGenerator(f).Generate(context.Background(), f.portfolio.ID, anchor(), []string{"pdf"})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, f.genJobs, "validation failures precede job creation")
}

func TestGenerate_UnknownPortfolioFails(t *testing.T) {
	f := newFakeStores()
	_, err := newTestGenerator(f).Generate(context.Background(), uuid.New(), anchor(), nil)
	require.Error(t, err)
}
