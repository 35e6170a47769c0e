// Package ops exposes the operational HTTP surface: health, metrics, job
// inspection and triggering, report retrieval, and live job progress over
// websocket.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/quantfolio/riskd/internal/batch"
	"github.com/quantfolio/riskd/internal/domain"
	"github.com/quantfolio/riskd/internal/persistence"
	"github.com/quantfolio/riskd/internal/report"
	"github.com/quantfolio/riskd/internal/telemetry"
)

// wsPollInterval is how often the websocket handler re-reads job state.
const wsPollInterval = time.Second

type Server struct {
	jobs     persistence.BatchJobRepo
	reports  persistence.ReportRepo
	orch     *batch.Orchestrator
	gen      *report.Generator
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func NewServer(jobs persistence.BatchJobRepo, reports persistence.ReportRepo, orch *batch.Orchestrator, gen *report.Generator, metrics *telemetry.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		jobs:    jobs,
		reports: reports,
		orch:    orch,
		gen:     gen,
		metrics: metrics,
		logger:  logger.With().Str("component", "ops").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs", s.handleTriggerJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/cancel", s.handleCancelJob).Methods(http.MethodPost)
	r.HandleFunc("/ws/jobs/{id}", s.handleJobSocket).Methods(http.MethodGet)
	r.HandleFunc("/reports", s.handleGenerateReport).Methods(http.MethodPost)
	r.HandleFunc("/reports/current", s.handleGetReport).Methods(http.MethodGet)
	return r
}

// ListenAndServe blocks until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("Ops server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := persistence.JobFilter{Limit: 50}
	q := r.URL.Query()
	if v := q.Get("portfolio_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid portfolio_id")
			return
		}
		filter.PortfolioID = &id
	}
	if v := q.Get("job_name"); v != "" {
		filter.JobName = v
	}
	if v := q.Get("status"); v != "" {
		status, err := domain.ParseJobStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		filter.Status = status
	}

	jobs, err := s.jobs.List(r.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list jobs")
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

type triggerRequest struct {
	JobName     string                 `json:"job_name"`
	PortfolioID *uuid.UUID             `json:"portfolio_id,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// handleTriggerJob starts a job asynchronously and returns the queued
// record(s). Without a portfolio_id the job fans out across all
// portfolios.
func (s *Server) handleTriggerJob(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.PortfolioID == nil {
		go func() {
			if _, err := s.orch.RunAll(context.Background(), req.JobName, req.Parameters); err != nil {
				s.logger.Error().Err(err).Str("job", req.JobName).Msg("Triggered fan-out run failed")
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "job_name": req.JobName})
		return
	}

	job, err := s.orch.RunJob(r.Context(), req.JobName, *req.PortfolioID, req.Parameters)
	if err != nil {
		var verr *domain.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, verr.Error())
		case errors.Is(err, persistence.ErrJobAlreadyRunning):
			writeError(w, http.StatusConflict, "job already queued or running for this portfolio")
		default:
			s.logger.Error().Err(err).Msg("Failed to run job")
			writeError(w, http.StatusInternalServerError, "failed to run job")
		}
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.jobs.GetByID(r.Context(), id)
	if err == persistence.ErrNotFound {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to fetch job")
		writeError(w, http.StatusInternalServerError, "failed to fetch job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	if !s.orch.Cancel(id) {
		writeError(w, http.StatusConflict, "job is not running in this process")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

type reportRequest struct {
	PortfolioID uuid.UUID `json:"portfolio_id"`
	AnchorDate  string    `json:"anchor_date"`
	Formats     []string  `json:"formats,omitempty"`
}

func (s *Server) handleGenerateReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	asOf, err := time.Parse("2006-01-02", req.AnchorDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "anchor_date must be YYYY-MM-DD")
		return
	}

	rep, err := s.gen.Generate(r.Context(), req.PortfolioID, asOf, req.Formats)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		s.logger.Error().Err(err).Msg("Report generation failed")
		writeError(w, http.StatusInternalServerError, "report generation failed")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, err := uuid.Parse(q.Get("portfolio_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid portfolio_id")
		return
	}
	anchor, err := time.Parse("2006-01-02", q.Get("anchor_date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "anchor_date must be YYYY-MM-DD")
		return
	}

	rep, err := s.reports.GetCurrent(r.Context(), id, anchor)
	if err == persistence.ErrNotFound {
		writeError(w, http.StatusNotFound, "no current report")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to fetch report")
		writeError(w, http.StatusInternalServerError, "failed to fetch report")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// handleJobSocket streams job state over a websocket until the job reaches
// a terminal status or the client disconnects.
func (s *Server) handleJobSocket(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(wsPollInterval)
	defer ticker.Stop()

	var lastStatus domain.JobStatus
	var lastProcessed int
	for {
		job, err := s.jobs.GetByID(r.Context(), id)
		if err != nil {
			_ = conn.WriteJSON(map[string]string{"error": "job not found"})
			return
		}

		if job.Status != lastStatus || job.RecordsProcessed != lastProcessed {
			if err := conn.WriteJSON(job); err != nil {
				return
			}
			lastStatus = job.Status
			lastProcessed = job.RecordsProcessed
		}
		if job.Status.Terminal() {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(job.Status)))
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
