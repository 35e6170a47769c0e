package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfolio/riskd/internal/config"
	"github.com/quantfolio/riskd/internal/domain"
	"github.com/quantfolio/riskd/internal/persistence"
	"github.com/quantfolio/riskd/internal/telemetry"
)

// sectionSteps is the fixed step sequence a generation job walks through.
// Rendering and persistence count as steps so progress reaches 100 only
// when the report row exists.
var sectionSteps = []string{
	SectionSummary,
	SectionSnapshot,
	SectionGreeks,
	SectionFactorExposures,
	SectionMarketRisk,
	SectionStressTests,
	"render",
	"persist",
}

// Generator assembles reports from the calculation stores.
type Generator struct {
	positions persistence.PositionRepo
	snapshots persistence.SnapshotRepo
	greeks    persistence.GreeksRepo
	factors   persistence.FactorRepo
	scenarios persistence.ScenarioRepo
	stress    persistence.StressRepo
	reports   persistence.ReportRepo
	metrics   *telemetry.Metrics
	cfg       config.ReportConfig
	logger    zerolog.Logger
}

func NewGenerator(
	positions persistence.PositionRepo,
	snapshots persistence.SnapshotRepo,
	greeks persistence.GreeksRepo,
	factors persistence.FactorRepo,
	scenarios persistence.ScenarioRepo,
	stress persistence.StressRepo,
	reports persistence.ReportRepo,
	metrics *telemetry.Metrics,
	cfg config.ReportConfig,
	logger zerolog.Logger,
) *Generator {
	return &Generator{
		positions: positions,
		snapshots: snapshots,
		greeks:    greeks,
		factors:   factors,
		scenarios: scenarios,
		stress:    stress,
		reports:   reports,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger.With().Str("component", "report").Logger(),
	}
}

// Generate builds the report for (portfolioID, asOf) in the requested
// formats and persists it as the new current version. Missing calculation
// data omits sections with an omissions entry; only a missing portfolio
// or a persistence failure after retries fails the job. Progress on the
// tracking job is monotonic across retries.
func (g *Generator) Generate(ctx context.Context, portfolioID uuid.UUID, asOf time.Time, formats []string) (*persistence.PortfolioReport, error) {
	if len(formats) == 0 {
		formats = []string{"json"}
	}
	for _, f := range formats {
		if f != "json" && f != "markdown" && f != "csv" {
			return nil, &domain.ValidationError{Field: "formats", Value: f, Reason: "must be json, markdown or csv"}
		}
	}

	job := &persistence.ReportGenerationJob{
		ID:          uuid.New(),
		PortfolioID: portfolioID,
		Status:      domain.JobQueued,
		TotalSteps:  len(sectionSteps),
		MaxRetries:  g.cfg.MaxRetries,
	}
	if err := g.reports.CreateGenerationJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create generation job: %w", err)
	}

	started := time.Now()
	job.Status = domain.JobRunning
	g.updateJob(ctx, job)

	var report *persistence.PortfolioReport
	var err error
	for {
		report, err = g.attempt(ctx, job, portfolioID, asOf, formats, started)
		if err == nil {
			break
		}
		if job.RetryCount >= job.MaxRetries {
			job.Status = domain.JobFailed
			job.ErrorMessage = strPtr(err.Error())
			g.updateJob(ctx, job)
			g.metrics.ReportsTotal.WithLabelValues("failed").Inc()
			return nil, err
		}
		job.RetryCount++
		g.logger.Warn().Err(err).
			Str("portfolio", portfolioID.String()).
			Int("retry", job.RetryCount).
			Msg("Report generation attempt failed, retrying")
		g.updateJob(ctx, job)
	}

	job.Status = domain.JobCompleted
	job.ReportID = &report.ID
	g.setProgress(ctx, job, len(sectionSteps), "done")
	g.metrics.ReportsTotal.WithLabelValues("completed").Inc()
	g.metrics.ReportDuration.Observe(report.GenerationDuration)
	return report, nil
}

// attempt runs one full generation pass. Section reads never fail the
// pass; they degrade to omissions.
func (g *Generator) attempt(ctx context.Context, job *persistence.ReportGenerationJob, portfolioID uuid.UUID, asOf time.Time, formats []string, started time.Time) (*persistence.PortfolioReport, error) {
	portfolio, err := g.positions.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to load portfolio: %w", err)
	}

	doc := &Document{
		PortfolioID:   portfolioID,
		PortfolioName: portfolio.Name,
		AnchorDate:    asOf.Format("2006-01-02"),
		GeneratedAt:   time.Now().UTC(),
		Omissions:     []Omission{},
	}

	g.buildSummary(ctx, doc, portfolioID)
	g.setProgress(ctx, job, 1, SectionSummary)

	g.buildSnapshot(ctx, doc, portfolioID, asOf)
	g.setProgress(ctx, job, 2, SectionSnapshot)

	g.buildGreeks(ctx, doc, portfolioID, asOf)
	g.setProgress(ctx, job, 3, SectionGreeks)

	g.buildFactorExposures(ctx, doc, portfolioID, asOf)
	g.setProgress(ctx, job, 4, SectionFactorExposures)

	g.buildMarketRisk(ctx, doc, portfolioID, asOf)
	g.setProgress(ctx, job, 5, SectionMarketRisk)

	g.buildStressTests(ctx, doc, portfolioID, asOf)
	g.setProgress(ctx, job, 6, SectionStressTests)

	report := &persistence.PortfolioReport{
		ID:          uuid.New(),
		PortfolioID: portfolioID,
		ReportType:  "portfolio_risk",
		AnchorDate:  asOf,
	}

	content, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to render json: %w", err)
	}
	report.ContentJSON = content
	for _, f := range formats {
		switch f {
		case "markdown":
			md := RenderMarkdown(doc)
			report.ContentMarkdown = &md
		case "csv":
			csvText := RenderCSV(doc)
			report.ContentCSV = &csvText
		}
	}
	g.setProgress(ctx, job, 7, "render")

	report.GenerationDuration = time.Since(started).Seconds()
	if err := g.reports.InsertSupersede(ctx, report); err != nil {
		return nil, fmt.Errorf("failed to persist report: %w", err)
	}
	g.setProgress(ctx, job, 8, "persist")

	if g.cfg.WriteToDisk {
		if err := g.writeArtifacts(report); err != nil {
			// The persisted row is the source of truth; disk artifacts are
			// best effort.
			g.logger.Warn().Err(err).Msg("Failed to write report artifacts")
		}
	}

	g.logger.Info().
		Str("portfolio", portfolioID.String()).
		Str("anchor_date", doc.AnchorDate).
		Int("version", report.Version).
		Int("omissions", len(doc.Omissions)).
		Msg("Report generated")
	return report, nil
}

func (g *Generator) buildSummary(ctx context.Context, doc *Document, portfolioID uuid.UUID) {
	positions, err := g.positions.ListActivePositions(ctx, portfolioID)
	if err != nil {
		doc.omit(SectionSummary, fmt.Sprintf("positions unavailable: %v", err))
		return
	}
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.SignedMarketValue())
	}
	doc.Summary = &SummarySection{
		PositionCount: len(positions),
		TotalValue:    total.Round(domain.ScaleCurrency),
	}
}

func (g *Generator) buildSnapshot(ctx context.Context, doc *Document, portfolioID uuid.UUID, asOf time.Time) {
	snap, err := g.snapshots.Latest(ctx, portfolioID, asOf)
	if err == persistence.ErrNotFound {
		doc.omit(SectionSnapshot, "no snapshot calculated")
		return
	}
	if err != nil {
		doc.omit(SectionSnapshot, fmt.Sprintf("snapshot unavailable: %v", err))
		return
	}
	doc.Snapshot = &SnapshotSection{
		SnapshotDate:  snap.CalculationDate.Format("2006-01-02"),
		TotalValue:    snap.TotalValue,
		LongExposure:  snap.LongExposure,
		ShortExposure: snap.ShortExposure,
		GrossExposure: snap.GrossExposure,
		NetExposure:   snap.NetExposure,
	}
}

func (g *Generator) buildGreeks(ctx context.Context, doc *Document, portfolioID uuid.UUID, asOf time.Time) {
	records, err := g.greeks.ListByPortfolio(ctx, portfolioID, asOf)
	if err != nil {
		doc.omit(SectionGreeks, fmt.Sprintf("greeks unavailable: %v", err))
		return
	}
	if len(records) == 0 {
		doc.omit(SectionGreeks, "no greeks calculated")
		return
	}
	section := &GreeksSection{Positions: len(records)}
	for _, r := range records {
		section.Delta = section.Delta.Add(r.Delta)
		section.Gamma = section.Gamma.Add(r.Gamma)
		section.Theta = section.Theta.Add(r.Theta)
		section.Vega = section.Vega.Add(r.Vega)
		section.Rho = section.Rho.Add(r.Rho)
		section.DollarDelta = section.DollarDelta.Add(r.DollarDelta)
	}
	section.Delta = section.Delta.Round(domain.ScaleGreek)
	section.Gamma = section.Gamma.Round(domain.ScaleGreek)
	section.Theta = section.Theta.Round(domain.ScaleGreek)
	section.Vega = section.Vega.Round(domain.ScaleGreek)
	section.Rho = section.Rho.Round(domain.ScaleGreek)
	section.DollarDelta = section.DollarDelta.Round(domain.ScaleCurrency)
	doc.Greeks = section
}

func (g *Generator) buildFactorExposures(ctx context.Context, doc *Document, portfolioID uuid.UUID, asOf time.Time) {
	factors, err := g.factors.ListFactors(ctx)
	if err != nil {
		doc.omit(SectionFactorExposures, fmt.Sprintf("factor model unavailable: %v", err))
		return
	}
	names := make(map[uuid.UUID]string, len(factors))
	for _, f := range factors {
		names[f.ID] = f.Name
	}

	exposures, err := g.factors.ListPortfolioExposures(ctx, portfolioID, asOf)
	if err != nil {
		doc.omit(SectionFactorExposures, fmt.Sprintf("exposures unavailable: %v", err))
		return
	}
	if len(exposures) == 0 {
		doc.omit(SectionFactorExposures, "no factor exposures calculated")
		return
	}
	for _, e := range exposures {
		name, ok := names[e.FactorID]
		if !ok {
			name = e.FactorID.String()
		}
		doc.FactorExposures = append(doc.FactorExposures, FactorRow{
			Factor:         name,
			Beta:           e.Beta,
			DollarExposure: e.DollarExposure,
		})
	}
}

func (g *Generator) buildMarketRisk(ctx context.Context, doc *Document, portfolioID uuid.UUID, asOf time.Time) {
	values, err := g.scenarios.List(ctx, portfolioID, asOf)
	if err != nil {
		doc.omit(SectionMarketRisk, fmt.Sprintf("scenarios unavailable: %v", err))
		return
	}
	if len(values) == 0 {
		doc.omit(SectionMarketRisk, "no market risk scenarios calculated")
		return
	}
	for _, v := range values {
		doc.MarketRisk = append(doc.MarketRisk, ScenarioRow{
			ScenarioKey: v.ScenarioKey,
			ShockFactor: v.ShockFactor,
			ShockAmount: v.ShockAmount,
			PnL:         v.PnL,
		})
	}
}

func (g *Generator) buildStressTests(ctx context.Context, doc *Document, portfolioID uuid.UUID, asOf time.Time) {
	scenarios, err := g.stress.ListActiveScenarios(ctx)
	if err != nil {
		doc.omit(SectionStressTests, fmt.Sprintf("scenario definitions unavailable: %v", err))
		return
	}
	meta := make(map[string]persistence.StressTestScenario, len(scenarios))
	for _, s := range scenarios {
		meta[s.ScenarioID] = s
	}

	results, err := g.stress.ListResults(ctx, portfolioID, asOf)
	if err != nil {
		doc.omit(SectionStressTests, fmt.Sprintf("stress results unavailable: %v", err))
		return
	}
	if len(results) == 0 {
		doc.omit(SectionStressTests, "no stress tests calculated")
		return
	}
	for _, r := range results {
		row := StressRow{
			ScenarioID:        r.ScenarioID,
			DirectPnL:         r.DirectPnL,
			CorrelatedPnL:     r.CorrelatedPnL,
			CorrelationEffect: r.CorrelationEffect,
		}
		if s, ok := meta[r.ScenarioID]; ok {
			row.Name = s.Name
			row.Severity = s.Severity
		}
		doc.StressTests = append(doc.StressTests, row)
	}
}

// setProgress advances the generation job. Progress never regresses: a
// retry that re-walks earlier sections keeps the high-water mark.
func (g *Generator) setProgress(ctx context.Context, job *persistence.ReportGenerationJob, step int, name string) {
	pct := float64(step) / float64(job.TotalSteps) * 100
	if pct > job.ProgressPercentage {
		job.ProgressPercentage = pct
		job.CurrentStep = name
	}
	g.updateJob(ctx, job)
}

func (g *Generator) updateJob(ctx context.Context, job *persistence.ReportGenerationJob) {
	if err := g.reports.UpdateGenerationJob(ctx, job); err != nil {
		g.logger.Error().Err(err).Str("job_id", job.ID.String()).Msg("Failed to persist generation job progress")
	}
}

// writeArtifacts mirrors the rendered formats to disk under the output
// directory, one file per format.
func (g *Generator) writeArtifacts(r *persistence.PortfolioReport) error {
	dir := filepath.Join(g.cfg.OutputDir, r.PortfolioID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	base := fmt.Sprintf("%s_v%d", r.AnchorDate.Format("2006-01-02"), r.Version)

	if err := os.WriteFile(filepath.Join(dir, base+".json"), r.ContentJSON, 0o644); err != nil {
		return err
	}
	if r.ContentMarkdown != nil {
		if err := os.WriteFile(filepath.Join(dir, base+".md"), []byte(*r.ContentMarkdown), 0o644); err != nil {
			return err
		}
	}
	if r.ContentCSV != nil {
		if err := os.WriteFile(filepath.Join(dir, base+".csv"), []byte(*r.ContentCSV), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func strPtr(s string) *string { return &s }
