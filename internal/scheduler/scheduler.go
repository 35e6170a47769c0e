// Package scheduler drives recurring batch jobs from persisted cron
// schedules.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/quantfolio/riskd/internal/batch"
	"github.com/quantfolio/riskd/internal/config"
	"github.com/quantfolio/riskd/internal/persistence"
)

// Scheduler loads enabled schedules from the store and fires each one on
// its cron expression in its own timezone. Triggered jobs fan out across
// all portfolios; a portfolio whose job key is still running is skipped
// by the mutual exclusion gate, never queued behind itself.
type Scheduler struct {
	schedules persistence.ScheduleRepo
	orch      *batch.Orchestrator
	logger    zerolog.Logger
	cron      *cron.Cron
}

func New(schedules persistence.ScheduleRepo, orch *batch.Orchestrator, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		schedules: schedules,
		orch:      orch,
		logger:    logger.With().Str("component", "scheduler").Logger(),
	}
}

// Seed upserts the configured schedule definitions into the store by
// name. Config is the source of truth for definitions; the store is the
// source of truth for the enabled flag once operators start toggling it,
// so Seed only writes rows whose content changed.
func (s *Scheduler) Seed(ctx context.Context, defs []config.ScheduleConfig) error {
	for _, def := range defs {
		existing, err := s.schedules.GetByName(ctx, def.Name)
		if err == nil && sameDefinition(existing, def) {
			continue
		}
		if err != nil && err != persistence.ErrNotFound {
			return fmt.Errorf("failed to read schedule %s: %w", def.Name, err)
		}

		row := &persistence.BatchJobSchedule{
			ScheduleName:      def.Name,
			JobName:           def.JobName,
			CronExpression:    def.CronExpression,
			Timezone:          def.Timezone,
			Enabled:           def.Enabled,
			DefaultParameters: def.Parameters,
			Description:       def.Description,
		}
		if existing != nil {
			row.ID = existing.ID
			row.Enabled = existing.Enabled
		}
		if err := s.schedules.Upsert(ctx, row); err != nil {
			return fmt.Errorf("failed to seed schedule %s: %w", def.Name, err)
		}
		s.logger.Info().Str("schedule", def.Name).Str("cron", def.CronExpression).Msg("Seeded schedule")
	}
	return nil
}

func sameDefinition(row *persistence.BatchJobSchedule, def config.ScheduleConfig) bool {
	if row.JobName != def.JobName ||
		row.CronExpression != def.CronExpression ||
		row.Timezone != def.Timezone ||
		row.Description != def.Description {
		return false
	}
	a, _ := json.Marshal(row.DefaultParameters)
	b, _ := json.Marshal(def.Parameters)
	return string(a) == string(b)
}

// Start loads enabled schedules, registers them with the cron runner and
// blocks until ctx is done. Schedules with an unparseable expression or
// timezone are logged and skipped rather than failing startup.
func (s *Scheduler) Start(ctx context.Context) error {
	rows, err := s.schedules.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}

	s.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	registered := 0
	for _, row := range rows {
		row := row
		loc, err := time.LoadLocation(row.Timezone)
		if err != nil {
			s.logger.Error().Err(err).Str("schedule", row.ScheduleName).Str("timezone", row.Timezone).Msg("Skipping schedule with bad timezone")
			continue
		}
		spec, err := cron.ParseStandard(fmt.Sprintf("CRON_TZ=%s %s", loc.String(), row.CronExpression))
		if err != nil {
			s.logger.Error().Err(err).Str("schedule", row.ScheduleName).Str("cron", row.CronExpression).Msg("Skipping schedule with bad cron expression")
			continue
		}

		entryID := s.cron.Schedule(spec, cron.FuncJob(func() { s.fire(ctx, row) }))
		registered++
		s.logger.Info().
			Str("schedule", row.ScheduleName).
			Str("job", row.JobName).
			Str("cron", row.CronExpression).
			Str("timezone", row.Timezone).
			Int("entry", int(entryID)).
			Msg("Registered schedule")
	}

	s.logger.Info().Int("schedules", registered).Msg("Scheduler started")
	s.cron.Start()
	defer s.cron.Stop()

	s.persistState(ctx)
	<-ctx.Done()
	return ctx.Err()
}

// fire runs one schedule trigger across all portfolios.
func (s *Scheduler) fire(ctx context.Context, row persistence.BatchJobSchedule) {
	logger := s.logger.With().Str("schedule", row.ScheduleName).Str("job", row.JobName).Logger()
	logger.Info().Msg("Schedule fired")

	jobs, err := s.orch.RunAll(ctx, row.JobName, row.DefaultParameters)
	if err != nil {
		logger.Error().Err(err).Msg("Scheduled run failed")
	}
	logger.Info().Int("jobs", len(jobs)).Msg("Scheduled run finished")
	s.persistState(ctx)
}

// persistState snapshots the next fire times into the scheduler state
// table so external tooling can observe the runner.
func (s *Scheduler) persistState(ctx context.Context) {
	if s.cron == nil {
		return
	}
	for _, entry := range s.cron.Entries() {
		blob, err := json.Marshal(map[string]interface{}{
			"entry_id": int(entry.ID),
			"next":     entry.Next.UTC().Format(time.RFC3339),
			"prev":     entry.Prev.UTC().Format(time.RFC3339),
		})
		if err != nil {
			continue
		}
		state := persistence.SchedulerJobState{
			ID:          fmt.Sprintf("riskd-entry-%d", entry.ID),
			NextRunTime: float64(entry.Next.UTC().Unix()),
			JobState:    blob,
		}
		if err := s.schedules.SaveSchedulerState(ctx, state); err != nil {
			s.logger.Error().Err(err).Int("entry", int(entry.ID)).Msg("Failed to persist scheduler state")
		}
	}
}
