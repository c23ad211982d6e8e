package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
	"github.com/JakeFAU/bylaw-capture/internal/config"
	"github.com/JakeFAU/bylaw-capture/internal/orchestrator"
	"github.com/JakeFAU/bylaw-capture/internal/preserver"
	"github.com/JakeFAU/bylaw-capture/internal/telemetry"
)

// Orchestrator is the job surface the handlers drive.
type Orchestrator interface {
	CreateJob(ctx context.Context, siteID string, trigger bylaw.TriggerKind) (bylaw.CaptureJob, error)
	GetJob(ctx context.Context, jobID string) (bylaw.CaptureJob, error)
	CancelJob(ctx context.Context, jobID string) (bylaw.CaptureJob, error)
	RetryJob(ctx context.Context, jobID string) (bylaw.CaptureJob, error)
	VerifySource(ctx context.Context, sourceID string) (preserver.VerifyReport, error)
}

// Check pings one downstream dependency for /readyz.
type Check func(ctx context.Context) error

// Options configures optional server behavior.
type Options struct {
	Auth           config.AuthConfig
	RequestTimeout time.Duration
	// Checks are run by /readyz, keyed by dependency name.
	Checks map[string]Check
}

// Server wires HTTP handlers to the orchestrator.
type Server struct {
	router chi.Router
	orch   Orchestrator
	checks map[string]Check
	logger *zap.Logger
}

// apiActor tags audit events for operations triggered over HTTP.
const apiActor = "api"

// NewServer constructs a Server with middleware and routes.
func NewServer(orch Orchestrator, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		orch:   orch,
		checks: opts.Checks,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.Auth.Enabled {
			r.Use(apiKeyMiddleware(opts.Auth.APIKey))
		}
		r.Post("/sites/{site_id}/jobs", s.createJob)
		r.Route("/jobs/{job_id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Post("/cancel", s.cancelJob)
			r.Post("/retry", s.retryJob)
		})
		r.Get("/sources/{source_id}/verify", s.verifySource)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	failures := make(map[string]string)
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("failures", failures))
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type createJobRequest struct {
	Trigger bylaw.TriggerKind `json:"trigger"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "site_id")
	req := createJobRequest{Trigger: bylaw.TriggerManual}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Trigger == bylaw.TriggerRetry {
		s.writeError(w, http.StatusBadRequest, "use /v1/jobs/{job_id}/retry to retry a job")
		return
	}
	job, err := s.orch.CreateJob(orchestrator.WithActor(r.Context(), apiActor), siteID, req.Trigger)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.CancelJob(orchestrator.WithActor(r.Context(), apiActor), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":           job.ID,
		"status":           job.Status,
		"cancel_requested": job.CancelRequested,
	})
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.RetryJob(orchestrator.WithActor(r.Context(), apiActor), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "retry_of": job.RetryOf})
}

func (s *Server) verifySource(w http.ResponseWriter, r *http.Request) {
	report, err := s.orch.VerifySource(r.Context(), chi.URLParam(r, "source_id"))
	var integrity *bylaw.IntegrityError
	switch {
	case errors.As(err, &integrity):
		// A failed verification still has a report worth returning.
		s.writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "report": report})
	case err != nil:
		s.writeServiceError(w, err)
	default:
		s.writeJSON(w, http.StatusOK, report)
	}
}

// writeServiceError maps domain errors onto HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var conflict *bylaw.ConflictError
	switch {
	case errors.As(err, &conflict):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error(), "job_id": conflict.JobID})
	case errors.Is(err, bylaw.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, bylaw.ErrJobFinished):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, bylaw.ErrSiteDisabled):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, bylaw.ErrInvalidConfig), errors.Is(err, orchestrator.ErrInvalidTrigger):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
