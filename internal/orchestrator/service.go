// Package orchestrator is the trigger surface for capture jobs: it admits
// jobs under the per-site lease, hands them to the worker pool and runs the
// periodic scheduler.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
	"github.com/JakeFAU/bylaw-capture/internal/preserver"
	"github.com/JakeFAU/bylaw-capture/internal/registry"
)

// ErrInvalidTrigger is returned for an unknown trigger kind.
var ErrInvalidTrigger = errors.New("invalid trigger")

// Leases is the subset of the registry the service needs.
type Leases interface {
	Claim(ctx context.Context, siteID, jobID string) (*registry.Handle, error)
	Release(ctx context.Context, h *registry.Handle) error
	Cancel(jobID string) bool
	Lookup(jobID string) (*registry.Handle, bool)
	Holder(ctx context.Context, siteID string) (string, error)
	Handles() []*registry.Handle
}

// Runner executes a job synchronously.
type Runner interface {
	Execute(ctx context.Context, jobID string) (bylaw.CaptureJob, error)
}

// Verifier re-checks the stored artifacts of a preserved source.
type Verifier interface {
	Verify(ctx context.Context, sourceID string) (preserver.VerifyReport, error)
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Jobs     bylaw.JobStore
	Sites    bylaw.SiteStore
	Leases   Leases
	Queue    bylaw.Queue
	Runner   Runner
	Verifier Verifier
	Audit    bylaw.Auditor
	IDs      bylaw.IDGenerator
	Clock    bylaw.Clock
}

// Service implements job creation, cancellation, retry and lookup.
type Service struct {
	deps   Deps
	logger *zap.Logger
}

// New constructs a Service.
func New(deps Deps, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{deps: deps, logger: logger}
}

// CreateJob admits a job for siteID and queues it for the worker pool. A
// site with a job in flight yields a *bylaw.ConflictError and no new job.
func (s *Service) CreateJob(ctx context.Context, siteID string, trigger bylaw.TriggerKind) (bylaw.CaptureJob, error) {
	job, handle, err := s.admit(ctx, siteID, trigger, "")
	if err != nil {
		return bylaw.CaptureJob{}, err
	}
	return s.enqueue(ctx, job, handle)
}

// RunJob admits a job and executes it in the caller's goroutine, returning
// the terminal record.
func (s *Service) RunJob(ctx context.Context, siteID string, trigger bylaw.TriggerKind) (bylaw.CaptureJob, error) {
	job, _, err := s.admit(ctx, siteID, trigger, "")
	if err != nil {
		return bylaw.CaptureJob{}, err
	}
	done, err := s.deps.Runner.Execute(ctx, job.ID)
	if err != nil {
		return bylaw.CaptureJob{}, fmt.Errorf("run job %s: %w", job.ID, err)
	}
	return done, nil
}

// RetryJob creates a fresh job for the site of a finished job. The new job
// records the original in RetryOf.
func (s *Service) RetryJob(ctx context.Context, jobID string) (bylaw.CaptureJob, error) {
	original, err := s.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return bylaw.CaptureJob{}, fmt.Errorf("get job: %w", err)
	}
	if !original.Status.Terminal() {
		return bylaw.CaptureJob{}, &bylaw.ConflictError{SiteID: original.SiteID, JobID: original.ID}
	}
	job, handle, err := s.admit(ctx, original.SiteID, bylaw.TriggerRetry, original.ID)
	if err != nil {
		return bylaw.CaptureJob{}, err
	}
	return s.enqueue(ctx, job, handle)
}

// CancelJob requests cooperative cancellation. Documents already in flight
// finish; a pending job is cancelled when a worker picks it up. Cancelling a
// finished job returns an error wrapping bylaw.ErrJobFinished.
func (s *Service) CancelJob(ctx context.Context, jobID string) (bylaw.CaptureJob, error) {
	job, err := s.deps.Jobs.RequestCancel(ctx, jobID)
	if err != nil {
		return job, fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	local := s.deps.Leases.Cancel(jobID)
	s.logger.Info("job cancel requested",
		zap.String("job_id", jobID),
		zap.String("site_id", job.SiteID),
		zap.Bool("local", local),
	)
	s.record(ctx, bylaw.AuditEvent{
		Kind:       bylaw.AuditJobCancelRequest,
		EntityType: "capture_job",
		EntityID:   job.ID,
		Before:     string(job.Status),
		Actor:      actorFrom(ctx),
	})
	return job, nil
}

// GetJob returns the current job record.
func (s *Service) GetJob(ctx context.Context, jobID string) (bylaw.CaptureJob, error) {
	job, err := s.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return bylaw.CaptureJob{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// VerifySource re-reads a preserved source's artifacts and checks them.
func (s *Service) VerifySource(ctx context.Context, sourceID string) (preserver.VerifyReport, error) {
	report, err := s.deps.Verifier.Verify(ctx, sourceID)
	if err != nil {
		return report, fmt.Errorf("verify source %s: %w", sourceID, err)
	}
	return report, nil
}

// RecoverAbandoned fails pending and running jobs whose site lease no longer
// belongs to them, which happens when the owning process crashed. Jobs held
// in this process, or whose lease is still alive elsewhere, are left alone.
// It returns the number of jobs it finished.
func (s *Service) RecoverAbandoned(ctx context.Context) (int, error) {
	jobs, err := s.deps.Jobs.ListActiveJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}
	recovered := 0
	for _, job := range jobs {
		if _, local := s.deps.Leases.Lookup(job.ID); local {
			continue
		}
		holder, err := s.deps.Leases.Holder(ctx, job.SiteID)
		if err != nil {
			s.logger.Warn("lease holder lookup failed",
				zap.String("job_id", job.ID), zap.String("site_id", job.SiteID), zap.Error(err))
			continue
		}
		if holder == job.ID {
			continue
		}
		if s.abandon(ctx, job, "site lease expired without a live worker") {
			recovered++
		}
	}
	return recovered, nil
}

// AbandonQueued finishes every job still holding a lease in this process and
// frees its site. Call it once the worker pool has stopped, so the jobs left
// are the ones no worker picked up.
func (s *Service) AbandonQueued(ctx context.Context) int {
	abandoned := 0
	for _, h := range s.deps.Leases.Handles() {
		job, err := s.deps.Jobs.GetJob(ctx, h.JobID)
		switch {
		case err != nil:
			s.logger.Error("load queued job failed", zap.String("job_id", h.JobID), zap.Error(err))
		case !job.Status.Terminal() && s.abandon(ctx, job, "service stopped before the job finished"):
			abandoned++
		}
		s.release(h)
	}
	return abandoned
}

// abandon moves a job nobody will finish to failed. A job that reached a
// terminal state in the meantime is left untouched.
func (s *Service) abandon(ctx context.Context, job bylaw.CaptureJob, reason string) bool {
	before := job.Status
	now := s.deps.Clock.Now()
	job.Status = bylaw.JobStatusFailed
	job.FinishedAt = &now
	job.Errors = append(job.Errors, bylaw.JobError{
		Stage:     bylaw.StageDiscover,
		Kind:      "Internal",
		Message:   "abandoned: " + reason,
		Severity:  bylaw.SeverityHigh,
		Retryable: true,
	})
	if err := s.deps.Jobs.UpdateJob(context.WithoutCancel(ctx), job); err != nil {
		if !errors.Is(err, bylaw.ErrJobFinished) {
			s.logger.Error("mark abandoned job failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		return false
	}
	s.record(ctx, bylaw.AuditEvent{
		Kind:       bylaw.AuditJobAbandoned,
		EntityType: "capture_job",
		EntityID:   job.ID,
		Before:     string(before),
		After:      string(job.Status) + ": " + reason,
		Severity:   bylaw.SeverityHigh,
	})
	s.logger.Warn("job abandoned",
		zap.String("job_id", job.ID),
		zap.String("site_id", job.SiteID),
		zap.String("previous_status", string(before)),
		zap.String("reason", reason),
	)
	return true
}

// admit validates the site, takes its lease and persists a pending job. On
// any failure after the lease is taken, the lease is released.
func (s *Service) admit(ctx context.Context, siteID string, trigger bylaw.TriggerKind, retryOf string) (bylaw.CaptureJob, *registry.Handle, error) {
	if !trigger.Valid() {
		return bylaw.CaptureJob{}, nil, fmt.Errorf("%w: %q", ErrInvalidTrigger, trigger)
	}
	site, err := s.deps.Sites.GetSite(ctx, siteID)
	if err != nil {
		return bylaw.CaptureJob{}, nil, fmt.Errorf("get site: %w", err)
	}
	if !site.Enabled {
		return bylaw.CaptureJob{}, nil, fmt.Errorf("site %s: %w", siteID, bylaw.ErrSiteDisabled)
	}
	if err := site.Config.Validate(); err != nil {
		return bylaw.CaptureJob{}, nil, fmt.Errorf("site %s: %w", siteID, err)
	}
	jobID, err := s.deps.IDs.NewID()
	if err != nil {
		return bylaw.CaptureJob{}, nil, fmt.Errorf("generate job id: %w", err)
	}

	handle, err := s.deps.Leases.Claim(ctx, site.ID, jobID)
	if err != nil {
		var conflict *bylaw.ConflictError
		if errors.As(err, &conflict) {
			s.logger.Info("job rejected, site busy",
				zap.String("site_id", site.ID),
				zap.String("in_flight_job_id", conflict.JobID),
			)
			return bylaw.CaptureJob{}, nil, err
		}
		return bylaw.CaptureJob{}, nil, fmt.Errorf("claim site lease: %w", err)
	}

	job := bylaw.CaptureJob{
		ID:        jobID,
		SiteID:    site.ID,
		Trigger:   trigger,
		RetryOf:   retryOf,
		Status:    bylaw.JobStatusPending,
		CreatedAt: s.deps.Clock.Now(),
	}
	if err := s.deps.Jobs.CreateJob(ctx, job); err != nil {
		s.release(handle)
		return bylaw.CaptureJob{}, nil, fmt.Errorf("create job: %w", err)
	}
	after := string(trigger)
	if retryOf != "" {
		after += " retry_of=" + retryOf
	}
	s.record(ctx, bylaw.AuditEvent{
		Kind:       bylaw.AuditJobCreated,
		EntityType: "capture_job",
		EntityID:   job.ID,
		After:      after,
		Actor:      actorFrom(ctx),
	})
	s.logger.Info("job created",
		zap.String("job_id", job.ID),
		zap.String("site_id", site.ID),
		zap.String("trigger", string(trigger)),
	)
	return job, handle, nil
}

func (s *Service) enqueue(ctx context.Context, job bylaw.CaptureJob, handle *registry.Handle) (bylaw.CaptureJob, error) {
	item := bylaw.QueueItem{
		JobID:     job.ID,
		SiteID:    job.SiteID,
		Attempt:   1,
		Submitted: job.CreatedAt.UnixNano(),
	}
	if err := s.deps.Queue.Enqueue(ctx, item); err != nil {
		// Nothing will ever run the job, so finish it here and free the site.
		now := s.deps.Clock.Now()
		job.Status = bylaw.JobStatusFailed
		job.FinishedAt = &now
		job.Errors = append(job.Errors, bylaw.JobError{
			Stage:    bylaw.StageDiscover,
			Kind:     "Internal",
			Message:  "enqueue: " + err.Error(),
			Severity: bylaw.SeverityHigh,
		})
		ioCtx := context.WithoutCancel(ctx)
		if uerr := s.deps.Jobs.UpdateJob(ioCtx, job); uerr != nil {
			s.logger.Error("mark unqueued job failed", zap.String("job_id", job.ID), zap.Error(uerr))
		}
		s.release(handle)
		return job, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return job, nil
}

func (s *Service) release(h *registry.Handle) {
	if err := s.deps.Leases.Release(context.Background(), h); err != nil {
		s.logger.Warn("release site lease failed", zap.String("site_id", h.SiteID), zap.Error(err))
	}
}

func (s *Service) record(ctx context.Context, event bylaw.AuditEvent) {
	if s.deps.Audit == nil {
		return
	}
	if err := s.deps.Audit.Record(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Error("audit record failed", zap.String("kind", string(event.Kind)), zap.Error(err))
	}
}

type actorKey struct{}

// WithActor tags ctx with the principal that triggered an operation. Audit
// events fall back to "system" when no actor is set.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok {
		return actor
	}
	return ""
}
