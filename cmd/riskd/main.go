// Command riskd is the portfolio risk batch backend: scheduled and ad-hoc
// calculation pipelines, report generation, and the ops HTTP surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	redis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/quantfolio/riskd/internal/batch"
	"github.com/quantfolio/riskd/internal/config"
	"github.com/quantfolio/riskd/internal/engine"
	"github.com/quantfolio/riskd/internal/marketdata"
	"github.com/quantfolio/riskd/internal/ops"
	"github.com/quantfolio/riskd/internal/persistence/postgres"
	"github.com/quantfolio/riskd/internal/report"
	"github.com/quantfolio/riskd/internal/scheduler"
	"github.com/quantfolio/riskd/internal/telemetry"
)

var (
	cfgPath string
	cfg     *config.Config
)

func main() {
	// .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "riskd",
		Short: "Portfolio risk batch backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return err
			}
			setupLogging(cfg.LogLevel)
			return nil
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to config file")

	root.AddCommand(serveCmd(), runJobCmd(), reportCmd(), schedulesCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// application wires the full dependency graph once per command.
type application struct {
	orch      *batch.Orchestrator
	sched     *scheduler.Scheduler
	generator *report.Generator
	server    *ops.Server
	metrics   *telemetry.Metrics
	close     func()
}

func buildApp(ctx context.Context) (*application, error) {
	db, err := postgres.Open(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	qt := cfg.Database.QueryTimeout
	jobs := postgres.NewBatchJobRepo(db, qt)
	schedules := postgres.NewScheduleRepo(db, qt)
	positions := postgres.NewPositionRepo(db, qt)
	marketData := postgres.NewMarketDataRepo(db, qt)
	greeks := postgres.NewGreeksRepo(db, qt)
	factors := postgres.NewFactorRepo(db, qt)
	stress := postgres.NewStressRepo(db, qt)
	scenarios := postgres.NewScenarioRepo(db, qt)
	snapshots := postgres.NewSnapshotRepo(db, qt)
	reports := postgres.NewReportRepo(db, qt)

	provider := marketdata.NewHTTPProvider(marketdata.HTTPProviderConfig{
		Name:           cfg.MarketData.Provider,
		BaseURL:        cfg.MarketData.BaseURL,
		APIKey:         cfg.MarketData.APIKey,
		RequestTimeout: cfg.MarketData.RequestTimeout,
		RatePerSecond:  cfg.MarketData.RatePerSecond,
		Burst:          cfg.MarketData.Burst,
	}, log.Logger)
	cached := marketdata.NewCachedProvider(provider, rdb, cfg.Redis.QuoteTTL, log.Logger)

	engines := engine.DefaultSet(engine.Deps{
		Positions:  positions,
		MarketData: marketData,
		Greeks:     greeks,
		Factors:    factors,
		Stress:     stress,
		Scenarios:  scenarios,
		Snapshots:  snapshots,
		Provider:   cached,
		Logger:     log.Logger,
	})

	metrics := telemetry.NewMetrics()
	orch := batch.New(jobs, positions, engines, metrics, cfg.Batch, log.Logger)
	sched := scheduler.New(schedules, orch, log.Logger)
	generator := report.NewGenerator(positions, snapshots, greeks, factors, scenarios, stress, reports, metrics, cfg.Report, log.Logger)
	server := ops.NewServer(jobs, reports, orch, generator, metrics, log.Logger)

	return &application{
		orch:      orch,
		sched:     sched,
		generator: generator,
		server:    server,
		metrics:   metrics,
		close: func() {
			_ = rdb.Close()
			_ = db.Close()
		},
	}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and ops server until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			app, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer app.close()

			if err := app.sched.Seed(ctx, cfg.Schedules); err != nil {
				return err
			}

			errCh := make(chan error, 2)
			go func() { errCh <- app.sched.Start(ctx) }()
			go func() { errCh <- app.server.ListenAndServe(ctx, cfg.Ops.ListenAddr) }()

			err = <-errCh
			cancel()
			if err == context.Canceled {
				log.Info().Msg("Shutting down")
				return nil
			}
			return err
		},
	}
}

func runJobCmd() *cobra.Command {
	var portfolioID, asOf string
	cmd := &cobra.Command{
		Use:   "run-job <job_name>",
		Short: "Run a batch job once and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			app, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer app.close()

			params := map[string]interface{}{}
			if asOf != "" {
				params["as_of"] = asOf
			}

			if portfolioID == "" {
				jobs, err := app.orch.RunAll(ctx, args[0], params)
				if err != nil {
					return err
				}
				for _, j := range jobs {
					log.Info().Str("job_id", j.ID.String()).Str("status", string(j.Status)).Msg("Job finished")
				}
				return nil
			}

			pid, err := uuid.Parse(portfolioID)
			if err != nil {
				return fmt.Errorf("invalid portfolio id: %w", err)
			}
			job, err := app.orch.RunJob(ctx, args[0], pid, params)
			if err != nil {
				return err
			}
			log.Info().
				Str("job_id", job.ID.String()).
				Str("status", string(job.Status)).
				Str("warnings", batch.WarningSummary(job)).
				Msg("Job finished")
			return nil
		},
	}
	cmd.Flags().StringVar(&portfolioID, "portfolio", "", "portfolio UUID (all portfolios when empty)")
	cmd.Flags().StringVar(&asOf, "as-of", "", "calculation date YYYY-MM-DD (defaults to today)")
	return cmd
}

func reportCmd() *cobra.Command {
	var asOf, formats string
	cmd := &cobra.Command{
		Use:   "report <portfolio_id>",
		Short: "Generate the current risk report for a portfolio",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			app, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer app.close()

			pid, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid portfolio id: %w", err)
			}
			anchor := time.Now().UTC()
			if asOf != "" {
				anchor, err = time.Parse("2006-01-02", asOf)
				if err != nil {
					return fmt.Errorf("invalid as-of date: %w", err)
				}
			}

			rep, err := app.generator.Generate(ctx, pid, anchor, strings.Split(formats, ","))
			if err != nil {
				return err
			}
			log.Info().
				Str("report_id", rep.ID.String()).
				Int("version", rep.Version).
				Float64("duration_seconds", rep.GenerationDuration).
				Msg("Report generated")
			return nil
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "anchor date YYYY-MM-DD (defaults to today)")
	cmd.Flags().StringVar(&formats, "formats", "json", "comma-separated output formats: json,markdown,csv")
	return cmd
}

func schedulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Inspect and toggle job schedules",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List enabled schedules",
		RunE: func(c *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			db, err := postgres.Open(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
			if err != nil {
				return err
			}
			defer db.Close()

			rows, err := postgres.NewScheduleRepo(db, cfg.Database.QueryTimeout).ListEnabled(ctx)
			if err != nil {
				return err
			}
			for _, s := range rows {
				fmt.Printf("%-30s %-25s %-20s %s\n", s.ScheduleName, s.JobName, s.CronExpression, s.Timezone)
			}
			return nil
		},
	})

	for _, verb := range []struct {
		use     string
		short   string
		enabled bool
	}{{"enable", "Enable a schedule", true}, {"disable", "Disable a schedule", false}} {
		verb := verb
		cmd.AddCommand(&cobra.Command{
			Use:   verb.use + " <schedule_name>",
			Short: verb.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(c *cobra.Command, args []string) error {
				ctx, cancel := signalContext()
				defer cancel()

				db, err := postgres.Open(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
				if err != nil {
					return err
				}
				defer db.Close()

				repo := postgres.NewScheduleRepo(db, cfg.Database.QueryTimeout)
				if err := repo.SetEnabled(ctx, args[0], verb.enabled); err != nil {
					return err
				}
				log.Info().Str("schedule", args[0]).Bool("enabled", verb.enabled).Msg("Schedule updated")
				return nil
			},
		})
	}

	return cmd
}
