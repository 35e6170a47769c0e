// Package batch sequences the calculation engines per portfolio and day,
// recording every execution attempt as a BatchJob with the
// queued → running → terminal state machine.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/quantfolio/riskd/internal/config"
	"github.com/quantfolio/riskd/internal/domain"
	"github.com/quantfolio/riskd/internal/engine"
	"github.com/quantfolio/riskd/internal/persistence"
	"github.com/quantfolio/riskd/internal/telemetry"
)

// JobDailyBatch runs the full engine pipeline. Individual engine names are
// also accepted as job names for targeted re-runs.
const JobDailyBatch = "daily_batch"

// errCancelled is the cancellation cause distinguishing an operator cancel
// from a wall-clock timeout.
var errCancelled = errors.New("job cancelled")

// Orchestrator runs the ordered engine set for portfolios and owns every
// write to the batch_jobs table.
type Orchestrator struct {
	jobs      persistence.BatchJobRepo
	positions persistence.PositionRepo
	engines   []engine.Engine
	metrics   *telemetry.Metrics
	cfg       config.BatchConfig
	logger    zerolog.Logger

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelCauseFunc
}

// New creates an orchestrator over the given engine set, which must be in
// dependency order.
func New(jobs persistence.BatchJobRepo, positions persistence.PositionRepo, engines []engine.Engine, metrics *telemetry.Metrics, cfg config.BatchConfig, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		jobs:      jobs,
		positions: positions,
		engines:   engines,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger.With().Str("component", "orchestrator").Logger(),
		cancels:   make(map[uuid.UUID]context.CancelCauseFunc),
	}
}

// JobNames returns the accepted job names: the full pipeline plus one name
// per engine.
func (o *Orchestrator) JobNames() []string {
	names := []string{JobDailyBatch}
	for _, e := range o.engines {
		names = append(names, e.Name())
	}
	return names
}

// enginesFor resolves a job name to the engine subsequence it runs.
func (o *Orchestrator) enginesFor(jobName string) ([]engine.Engine, error) {
	if jobName == JobDailyBatch {
		return o.engines, nil
	}
	for _, e := range o.engines {
		if e.Name() == jobName {
			return []engine.Engine{e}, nil
		}
	}
	return nil, &domain.ValidationError{Field: "job_name", Value: jobName, Reason: "unknown job"}
}

// parseAsOf extracts the as-of date parameter, defaulting to today (UTC,
// midnight).
func parseAsOf(params map[string]interface{}) (time.Time, error) {
	raw, ok := params["as_of"]
	if !ok {
		now := time.Now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	s, ok := raw.(string)
	if !ok {
		return time.Time{}, &domain.ValidationError{Field: "as_of", Value: fmt.Sprint(raw), Reason: "must be a YYYY-MM-DD string"}
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, &domain.ValidationError{Field: "as_of", Value: s, Reason: "must be a YYYY-MM-DD string"}
	}
	return t, nil
}

// RunJob executes a job for one portfolio. Validation failures return
// before any row is persisted; once the BatchJob row exists, every outcome
// is reflected in its persisted status. The per-(portfolio, job_name)
// mutual exclusion check happens atomically at row creation.
func (o *Orchestrator) RunJob(ctx context.Context, jobName string, portfolioID uuid.UUID, params map[string]interface{}) (*persistence.BatchJob, error) {
	engines, err := o.enginesFor(jobName)
	if err != nil {
		return nil, err
	}
	asOf, err := parseAsOf(params)
	if err != nil {
		return nil, err
	}
	if portfolioID == uuid.Nil {
		return nil, &domain.ValidationError{Field: "portfolio_id", Value: "", Reason: "required"}
	}

	pid := portfolioID
	job := &persistence.BatchJob{
		ID:          uuid.New(),
		JobName:     jobName,
		JobType:     "batch_calculation",
		PortfolioID: &pid,
		Status:      domain.JobQueued,
		ScheduledAt: time.Now().UTC(),
		Parameters:  params,
		Warnings:    []string{},
		TriggeredBy: o.cfg.TriggeredBy,
		CreatedBy:   "riskd",
	}

	// Persist queued immediately so the job is observable before work
	// starts; the insert doubles as the mutual exclusion gate.
	if err := o.jobs.CreateExclusive(ctx, job); err != nil {
		return nil, err
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	o.registerCancel(job.ID, cancel)
	defer o.unregisterCancel(job.ID)

	budgetCtx, cancelBudget := context.WithTimeout(jobCtx, o.cfg.WallClockBudget)
	defer cancelBudget()

	o.execute(budgetCtx, jobCtx, job, engines, asOf)
	return job, nil
}

// RunAll fans the job out across every portfolio, one BatchJob per
// portfolio. Portfolios whose key is already running are skipped.
func (o *Orchestrator) RunAll(ctx context.Context, jobName string, params map[string]interface{}) ([]persistence.BatchJob, error) {
	portfolios, err := o.positions.ListPortfolios(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list portfolios: %w", err)
	}

	var jobs []persistence.BatchJob
	for _, p := range portfolios {
		job, err := o.RunJob(ctx, jobName, p.ID, params)
		if errors.Is(err, persistence.ErrJobAlreadyRunning) {
			o.logger.Warn().Str("portfolio", p.ID.String()).Str("job", jobName).Msg("Skipping portfolio, job already running")
			continue
		}
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

// Cancel requests cancellation of a running job. The orchestrator stops
// before starting the next engine; stages already committed stay
// committed.
func (o *Orchestrator) Cancel(jobID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.cancels[jobID]
	if ok {
		cancel(errCancelled)
	}
	return ok
}

func (o *Orchestrator) registerCancel(id uuid.UUID, cancel context.CancelCauseFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancels[id] = cancel
}

func (o *Orchestrator) unregisterCancel(id uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cancels, id)
}

// execute drives the engine sequence and owns all status transitions after
// queued. budgetCtx bounds the whole run; jobCtx carries the cancellation
// cause.
func (o *Orchestrator) execute(budgetCtx, jobCtx context.Context, job *persistence.BatchJob, engines []engine.Engine, asOf time.Time) {
	logger := o.logger.With().
		Str("job_id", job.ID.String()).
		Str("job_name", job.JobName).
		Str("as_of", asOf.Format("2006-01-02")).
		Logger()

	started := time.Now().UTC()
	job.Status = domain.JobRunning
	job.StartedAt = &started
	if err := o.jobs.Update(context.Background(), job); err != nil {
		logger.Error().Err(err).Msg("Failed to persist running transition")
	}
	o.metrics.ActiveJobs.Inc()
	defer o.metrics.ActiveJobs.Dec()

	var warnings *multierror.Error
	result := make(map[string]interface{}, len(engines))

	for _, eng := range engines {
		// Stop before starting the next engine on cancellation or budget
		// exhaustion; committed stages are never rolled back.
		if err := budgetCtx.Err(); err != nil {
			o.finishInterrupted(jobCtx, job, started, result, warnings, logger)
			return
		}

		stageStart := time.Now()
		res, err := o.runEngine(budgetCtx, eng, *job.PortfolioID, asOf)
		elapsed := time.Since(stageStart)

		job.RecordsProcessed += res.RecordsProcessed
		job.RecordsFailed += res.RecordsFailed

		summary := map[string]interface{}{
			"records_processed": res.RecordsProcessed,
			"records_failed":    res.RecordsFailed,
			"duration_seconds":  elapsed.Seconds(),
		}

		switch {
		case err == nil:
			summary["status"] = "completed"
			o.metrics.EngineDuration.WithLabelValues(eng.Name(), "success").Observe(elapsed.Seconds())
			logger.Info().Str("engine", eng.Name()).
				Int("processed", res.RecordsProcessed).
				Int("failed", res.RecordsFailed).
				Dur("elapsed", elapsed).
				Msg("Engine completed")

		case budgetCtx.Err() != nil:
			// The whole-job budget or an external cancel tripped mid-engine.
			summary["status"] = "interrupted"
			summary["error"] = err.Error()
			result[eng.Name()] = summary
			o.metrics.EngineDuration.WithLabelValues(eng.Name(), "interrupted").Observe(elapsed.Seconds())
			o.finishInterrupted(jobCtx, job, started, result, warnings, logger)
			return

		case eng.Fatal():
			summary["status"] = "failed"
			summary["error"] = err.Error()
			result[eng.Name()] = summary
			o.metrics.EngineDuration.WithLabelValues(eng.Name(), "failed").Observe(elapsed.Seconds())
			o.metrics.EngineErrors.WithLabelValues(eng.Name(), "fatal").Inc()
			logger.Error().Err(err).Str("engine", eng.Name()).Msg("Fatal engine failure, stopping pipeline")
			o.finish(job, domain.JobFailed, started, result, warnings, strPtr(fmt.Sprintf("%s: %v", eng.Name(), err)))
			return

		default:
			// Recoverable: record a warning and continue degraded.
			warning := fmt.Sprintf("%s: %v", eng.Name(), err)
			warnings = multierror.Append(warnings, fmt.Errorf("%s", warning))
			job.Warnings = append(job.Warnings, warning)
			summary["status"] = "failed_recoverable"
			summary["error"] = err.Error()
			o.metrics.EngineDuration.WithLabelValues(eng.Name(), "failed").Observe(elapsed.Seconds())
			o.metrics.EngineErrors.WithLabelValues(eng.Name(), "recoverable").Inc()
			o.metrics.JobWarnings.Inc()
			logger.Warn().Err(err).Str("engine", eng.Name()).Msg("Recoverable engine failure, continuing")
		}

		result[eng.Name()] = summary

		// Persist progress so observers see per-stage advancement.
		job.Result = result
		if err := o.jobs.Update(context.Background(), job); err != nil {
			logger.Error().Err(err).Msg("Failed to persist stage progress")
		}
	}

	status := domain.JobCompleted
	if warnings.ErrorOrNil() != nil {
		status = domain.JobCompletedWithWarnings
	}
	o.finish(job, status, started, result, warnings, nil)
	logger.Info().Str("status", string(job.Status)).
		Float64("execution_time", job.ExecutionTime).
		Msg("Job finished")
}

// runEngine invokes one engine under its per-stage timeout and converts
// panics into errors so nothing escapes the orchestrator boundary.
func (o *Orchestrator) runEngine(ctx context.Context, eng engine.Engine, portfolioID uuid.UUID, asOf time.Time) (res engine.Result, err error) {
	engineCtx, cancel := context.WithTimeout(ctx, o.cfg.EngineTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()

	res, err = eng.Run(engineCtx, portfolioID, asOf)
	if err != nil && engineCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		err = fmt.Errorf("engine timeout after %s: %w", o.cfg.EngineTimeout, err)
	}
	return res, err
}

// finishInterrupted resolves an interrupted run into cancelled or
// timed-out failed. Only the wall-clock budget expiring while the caller
// context is still live counts as a timeout; an operator cancel or the
// caller context closing (shutdown, client disconnect) both end the job
// cancelled with committed stages retained.
func (o *Orchestrator) finishInterrupted(jobCtx context.Context, job *persistence.BatchJob, started time.Time, result map[string]interface{}, warnings *multierror.Error, logger zerolog.Logger) {
	switch {
	case errors.Is(context.Cause(jobCtx), errCancelled):
		logger.Warn().Msg("Job cancelled, stages already committed are retained")
		o.finish(job, domain.JobCancelled, started, result, warnings, strPtr("cancelled by operator"))
	case jobCtx.Err() != nil:
		logger.Warn().Msg("Caller context closed, job cancelled")
		o.finish(job, domain.JobCancelled, started, result, warnings, strPtr("cancelled: caller context closed"))
	default:
		logger.Error().Dur("budget", o.cfg.WallClockBudget).Msg("Job exceeded wall clock budget")
		o.finish(job, domain.JobFailed, started, result, warnings, strPtr(fmt.Sprintf("timeout: exceeded wall clock budget of %s", o.cfg.WallClockBudget)))
	}
}

// finish applies the terminal transition and persists it. Terminal writes
// use a background context so a cancelled job context cannot block the
// final persist.
func (o *Orchestrator) finish(job *persistence.BatchJob, status domain.JobStatus, started time.Time, result map[string]interface{}, warnings *multierror.Error, errMsg *string) {
	if !job.Status.CanTransitionTo(status) {
		o.logger.Error().
			Str("from", string(job.Status)).
			Str("to", string(status)).
			Msg("Illegal status transition suppressed")
		return
	}

	completed := time.Now().UTC()
	job.Status = status
	job.CompletedAt = &completed
	job.ExecutionTime = completed.Sub(started).Seconds()
	job.Result = result
	job.ErrorMessage = errMsg
	if warnings.ErrorOrNil() != nil && errMsg == nil && status == domain.JobFailed {
		job.ErrorMessage = strPtr(warnings.Error())
	}

	if err := o.jobs.Update(context.Background(), job); err != nil {
		o.logger.Error().Err(err).Str("job_id", job.ID.String()).Msg("Failed to persist terminal state")
	}

	o.metrics.JobsTotal.WithLabelValues(job.JobName, string(status)).Inc()
	o.metrics.JobDuration.WithLabelValues(job.JobName).Observe(job.ExecutionTime)
}

func strPtr(s string) *string { return &s }

// WarningSummary joins accumulated warnings for display.
func WarningSummary(job *persistence.BatchJob) string {
	return strings.Join(job.Warnings, "; ")
}
