// Package telemetry holds the Prometheus metrics registry for the batch
// pipeline and report generator.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the riskd metrics registry.
type Metrics struct {
	registry *prometheus.Registry

	JobsTotal      *prometheus.CounterVec
	JobDuration    *prometheus.HistogramVec
	EngineDuration *prometheus.HistogramVec
	EngineErrors   *prometheus.CounterVec
	JobWarnings    prometheus.Counter
	ActiveJobs     prometheus.Gauge
	ReportsTotal   *prometheus.CounterVec
	ReportDuration prometheus.Histogram
}

// NewMetrics creates and registers the riskd metrics on a private
// registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskd_batch_jobs_total",
				Help: "Total batch jobs by job name and terminal status",
			},
			[]string{"job_name", "status"},
		),

		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "riskd_batch_job_duration_seconds",
				Help:    "Wall-clock duration of batch jobs",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
			},
			[]string{"job_name"},
		),

		EngineDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "riskd_engine_duration_seconds",
				Help:    "Duration of each calculation engine stage",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"engine", "result"},
		),

		EngineErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskd_engine_errors_total",
				Help: "Engine failures by engine and classification",
			},
			[]string{"engine", "class"},
		),

		JobWarnings: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "riskd_job_warnings_total",
				Help: "Total warnings recorded across batch jobs",
			},
		),

		ActiveJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "riskd_active_jobs",
				Help: "Number of batch jobs currently running",
			},
		),

		ReportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskd_reports_total",
				Help: "Reports generated by outcome",
			},
			[]string{"outcome"},
		),

		ReportDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "riskd_report_duration_seconds",
				Help:    "Duration of report generation",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
		),
	}

	m.registry.MustRegister(
		m.JobsTotal, m.JobDuration, m.EngineDuration, m.EngineErrors,
		m.JobWarnings, m.ActiveJobs, m.ReportsTotal, m.ReportDuration,
	)
	return m
}

// Registry exposes the underlying registry for the promhttp handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
