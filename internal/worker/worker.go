// Package worker implements the capture pipeline execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
	"github.com/JakeFAU/bylaw-capture/internal/capturer"
	"github.com/JakeFAU/bylaw-capture/internal/progress"
	queuememory "github.com/JakeFAU/bylaw-capture/internal/queue/memory"
	"github.com/JakeFAU/bylaw-capture/internal/registry"
	"github.com/JakeFAU/bylaw-capture/internal/telemetry"
	"github.com/JakeFAU/bylaw-capture/internal/versioning"
)

// DefaultPerJobConcurrency caps parallel documents within one job.
const DefaultPerJobConcurrency = 4

// Capturer discovers and fetches documents.
type Capturer interface {
	Discover(ctx context.Context, site bylaw.TrackedSite) (capturer.Discovery, error)
	Capture(ctx context.Context, site bylaw.TrackedSite, link bylaw.DiscoveredLink) (bylaw.CaptureBundle, error)
}

// Preserver writes the raw artifacts of one capture.
type Preserver interface {
	Preserve(ctx context.Context, jobID string, site bylaw.TrackedSite, bundle bylaw.CaptureBundle) (bylaw.SourceDocument, error)
}

// Versioner maps captures onto tracked documents and their version chains.
type Versioner interface {
	ResolveDocument(ctx context.Context, site bylaw.TrackedSite, bundle bylaw.CaptureBundle) (bylaw.TrackedDocument, error)
	ApplyCapture(ctx context.Context, doc bylaw.TrackedDocument, src bylaw.SourceDocument, rev versioning.Revision) (bylaw.DocumentVersion, error)
}

// Extractor derives requirement facts from a new version.
type Extractor interface {
	Run(ctx context.Context, version bylaw.DocumentVersion) ([]bylaw.RequirementFact, error)
}

// Leases hands out the per-site lease a job runs under.
type Leases interface {
	Lookup(jobID string) (*registry.Handle, bool)
	Claim(ctx context.Context, siteID, jobID string) (*registry.Handle, error)
	Release(ctx context.Context, h *registry.Handle) error
}

// Config controls Worker behavior.
type Config struct {
	PerJobConcurrency int
	// IOTimeout bounds the bookkeeping writes made after a job finishes.
	IOTimeout time.Duration
}

// Deps groups the collaborators a Worker needs.
type Deps struct {
	Queue     bylaw.Queue
	Jobs      bylaw.JobStore
	Sites     bylaw.SiteStore
	Leases    Leases
	Capturer  Capturer
	Preserver Preserver
	Versioner Versioner
	Extractor Extractor
	Audit     bylaw.Auditor
	Clock     bylaw.Clock
	Progress  progress.Emitter
}

// Worker consumes queue items and executes the capture pipeline.
type Worker struct {
	Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PerJobConcurrency <= 0 {
		cfg.PerJobConcurrency = DefaultPerJobConcurrency
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = 30 * time.Second
	}
	if deps.Progress == nil {
		deps.Progress = progress.Nop{}
	}
	return &Worker{Deps: deps, cfg: cfg, logger: logger}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed and drained.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queuememory.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID), zap.String("site_id", item.SiteID))
		if _, err := w.Execute(ctx, item.JobID); err != nil {
			w.logger.Error("job execution failed", zap.String("job_id", item.JobID), zap.Error(err))
		}
	}
}

// Execute runs one job to a terminal state and returns the final record.
// Errors are returned only when the job could not be driven at all; document
// and site failures are recorded on the job instead.
func (w *Worker) Execute(ctx context.Context, jobID string) (bylaw.CaptureJob, error) {
	job, err := w.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return bylaw.CaptureJob{}, fmt.Errorf("load job: %w", err)
	}
	if job.Status.Terminal() {
		w.logger.Info("skipping finished job", zap.String("job_id", jobID), zap.String("status", string(job.Status)))
		return job, nil
	}
	logger := w.logger.With(zap.String("job_id", job.ID), zap.String("site_id", job.SiteID))
	ctx, span := telemetry.Tracer().Start(ctx, "capture.job", trace.WithAttributes(
		attribute.String("job_id", job.ID),
		attribute.String("site_id", job.SiteID),
	))
	defer span.End()

	site, err := w.Sites.GetSite(ctx, job.SiteID)
	if err != nil {
		return w.finish(ctx, nil, job, siteFailure(bylaw.StageDiscover, fmt.Errorf("load site: %w", err)), logger)
	}

	handle, ok := w.Leases.Lookup(job.ID)
	if !ok {
		handle, err = w.Leases.Claim(ctx, site.ID, job.ID)
		if err != nil {
			return w.finish(ctx, nil, job, siteFailure(bylaw.StageDiscover, err), logger)
		}
	}

	if job.CancelRequested || handle.Cancelled() {
		logger.Info("job cancelled before start")
		return w.finish(ctx, handle, job, nil, logger)
	}

	start := w.Clock.Now()
	job.Status = bylaw.JobStatusRunning
	job.StartedAt = &start
	if err := w.Jobs.UpdateJob(ctx, job); err != nil {
		logger.Error("mark job running failed", zap.Error(err))
	}
	telemetry.IncActiveJobs()
	defer telemetry.DecActiveJobs()
	w.emit(progress.Event{JobID: job.ID, SiteID: site.ID, Stage: progress.StageJobStart})
	logger.Info("job started", zap.String("trigger", string(job.Trigger)))

	run := &jobRun{job: job}
	siteErr := w.runPipeline(ctx, site, handle, run, logger)
	return w.finish(ctx, handle, run.snapshot(), siteErr, logger)
}

func (w *Worker) runPipeline(ctx context.Context, site bylaw.TrackedSite, handle *registry.Handle, run *jobRun, logger *zap.Logger) *bylaw.JobError {
	discoverStart := time.Now()
	discovery, err := w.Capturer.Discover(ctx, site)
	telemetry.ObserveStage(string(bylaw.StageDiscover), time.Since(discoverStart))
	if err != nil {
		logger.Error("discovery failed", zap.Error(err))
		return siteFailure(bylaw.StageDiscover, err)
	}
	for _, listErr := range discovery.ListingErrors {
		var capErr *bylaw.CaptureError
		url := ""
		if errors.As(listErr, &capErr) {
			url = capErr.URL
		}
		run.addError(jobError(url, bylaw.StageDiscover, listErr, bylaw.SeverityWarning))
		logger.Warn("listing page unreachable", zap.String("url", url), zap.Error(listErr))
	}
	run.update(func(s *bylaw.JobStats) { s.Found = len(discovery.Links) })
	w.emit(progress.Event{JobID: run.job.ID, SiteID: site.ID, Stage: progress.StageDiscovered, Count: len(discovery.Links)})
	logger.Info("documents discovered", zap.Int("count", len(discovery.Links)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.PerJobConcurrency)
	for _, link := range discovery.Links {
		if gctx.Err() != nil || run.isCancelled() {
			break
		}
		g.Go(func() error {
			// Checked once a slot frees up so a cancel issued while earlier
			// documents ran is honoured.
			if w.shouldStop(ctx, handle, run) {
				return nil
			}
			return w.processDocument(gctx, site, run, link, logger)
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("job aborted", zap.Error(err))
		return siteFailure(bylaw.StageVersion, err)
	}
	return nil
}

// shouldStop is checked before each document. In-flight documents finish.
func (w *Worker) shouldStop(ctx context.Context, handle *registry.Handle, run *jobRun) bool {
	if run.isCancelled() {
		return true
	}
	if ctx.Err() != nil || handle.Lost() || handle.Cancelled() {
		run.markCancelled()
		return true
	}
	current, err := w.Jobs.GetJob(ctx, run.job.ID)
	if err == nil && current.CancelRequested {
		run.markCancelled()
		return true
	}
	return false
}

func (w *Worker) processDocument(ctx context.Context, site bylaw.TrackedSite, run *jobRun, link bylaw.DiscoveredLink, logger *zap.Logger) error {
	start := time.Now()
	logger = logger.With(zap.String("url", link.URL))
	ctx, span := telemetry.Tracer().Start(ctx, "capture.document", trace.WithAttributes(attribute.String("url", link.URL)))
	defer span.End()
	done := func(outcome progress.Outcome, stage bylaw.Stage, bytes int64, note string) {
		telemetry.ObserveDocument(site.ID, string(outcome))
		w.emit(progress.Event{
			JobID:       run.job.ID,
			SiteID:      site.ID,
			Stage:       progress.StageDocumentDone,
			URL:         link.URL,
			Outcome:     outcome,
			FailedStage: stage,
			Bytes:       bytes,
			Dur:         time.Since(start),
			Note:        note,
		})
	}

	bundle, err := w.Capturer.Capture(ctx, site, link)
	telemetry.ObserveStage(string(bylaw.StageCapture), time.Since(start))
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil
		}
		logger.Warn("capture failed", zap.Error(err))
		run.fail(jobError(link.URL, bylaw.StageCapture, err, bylaw.SeverityWarning))
		w.audit(ctx, bylaw.AuditEvent{
			Kind:       bylaw.AuditCaptureFailed,
			EntityType: "capture_job",
			EntityID:   run.job.ID,
			After:      link.URL + ": " + err.Error(),
			Severity:   bylaw.SeverityWarning,
		}, logger)
		done(progress.OutcomeFailed, bylaw.StageCapture, 0, bylaw.ErrorKind(err))
		return nil
	}
	size := int64(len(bundle.Primary) + len(bundle.Binary))

	preserveStart := time.Now()
	src, err := w.Preserver.Preserve(ctx, run.job.ID, site, bundle)
	telemetry.ObserveStage(string(bylaw.StagePreserve), time.Since(preserveStart))
	if err != nil {
		logger.Error("preservation failed", zap.Error(err))
		run.fail(jobError(link.URL, bylaw.StagePreserve, err, bylaw.SeverityHigh))
		done(progress.OutcomeFailed, bylaw.StagePreserve, size, bylaw.ErrorKind(err))
		return nil
	}
	run.update(func(s *bylaw.JobStats) { s.Preserved++ })

	versionStart := time.Now()
	doc, err := w.Versioner.ResolveDocument(ctx, site, bundle)
	if err != nil {
		logger.Error("resolve document failed", zap.Error(err))
		run.fail(jobError(link.URL, bylaw.StageVersion, err, bylaw.SeverityWarning))
		done(progress.OutcomeFailed, bylaw.StageVersion, size, bylaw.ErrorKind(err))
		return nil
	}
	version, err := w.Versioner.ApplyCapture(ctx, doc, src, versioning.Revision{
		Title:     firstNonEmpty(bundle.Parsed.Title, bundle.LinkText),
		Content:   bundle.Parsed.Content,
		EnactedOn: bundle.Parsed.DateEnacted,
	})
	telemetry.ObserveStage(string(bylaw.StageVersion), time.Since(versionStart))
	switch {
	case errors.Is(err, bylaw.ErrNoChange):
		logger.Debug("document unchanged", zap.String("document_id", doc.ID))
		run.update(func(s *bylaw.JobStats) { s.SkippedUnchanged++ })
		done(progress.OutcomeUnchanged, "", size, "")
		return nil
	case errors.Is(err, bylaw.ErrSequenceConflict):
		run.fail(jobError(link.URL, bylaw.StageVersion, err, bylaw.SeverityHigh))
		done(progress.OutcomeFailed, bylaw.StageVersion, size, bylaw.ErrorKind(err))
		return fmt.Errorf("document %s: %w", doc.ID, err)
	case err != nil:
		logger.Error("versioning failed", zap.String("document_id", doc.ID), zap.Error(err))
		run.fail(jobError(link.URL, bylaw.StageVersion, err, bylaw.SeverityWarning))
		done(progress.OutcomeFailed, bylaw.StageVersion, size, bylaw.ErrorKind(err))
		return nil
	}
	run.update(func(s *bylaw.JobStats) { s.Versioned++ })
	logger.Info("version created",
		zap.String("document_id", doc.ID),
		zap.String("version_id", version.ID),
		zap.Int("sequence", version.Sequence),
	)

	extractStart := time.Now()
	facts, err := w.Extractor.Run(ctx, version)
	telemetry.ObserveStage(string(bylaw.StageExtract), time.Since(extractStart))
	if err != nil {
		// The version stands; only the fact set is missing.
		logger.Warn("extraction failed", zap.String("version_id", version.ID), zap.Error(err))
		run.addError(jobError(link.URL, bylaw.StageExtract, err, bylaw.SeverityWarning))
	} else {
		logger.Debug("facts extracted", zap.String("version_id", version.ID), zap.Int("facts", len(facts)))
	}
	done(progress.OutcomeVersioned, "", size, "")
	return nil
}

// finish moves the job to its terminal state and performs the bookkeeping
// that must happen regardless of how the job ended.
func (w *Worker) finish(ctx context.Context, handle *registry.Handle, job bylaw.CaptureJob, siteErr *bylaw.JobError, logger *zap.Logger) (bylaw.CaptureJob, error) {
	ioCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.IOTimeout)
	defer cancel()

	before := job.Status
	now := w.Clock.Now()
	switch {
	case siteErr != nil:
		job.Status = bylaw.JobStatusFailed
		job.Errors = append(job.Errors, *siteErr)
	case job.CancelRequested || (handle != nil && (handle.Cancelled() || handle.Lost())) || ctx.Err() != nil:
		job.Status = bylaw.JobStatusCancelled
	default:
		job.Status = bylaw.JobStatusCompleted
	}
	job.FinishedAt = &now

	if err := w.Jobs.UpdateJob(ioCtx, job); err != nil {
		logger.Error("final job update failed", zap.Error(err))
	}
	if handle != nil {
		if err := w.Leases.Release(ioCtx, handle); err != nil {
			logger.Error("release site lease failed", zap.Error(err))
		}
	}

	runErr := ""
	if siteErr != nil {
		runErr = siteErr.Message
	}
	// A job that never held the lease did not run against the site.
	if handle != nil && job.Status != bylaw.JobStatusCancelled {
		if err := w.Sites.RecordRun(ioCtx, job.SiteID, now, runErr); err != nil {
			logger.Error("record site run failed", zap.Error(err))
		}
	}

	severity := bylaw.SeverityInfo
	if job.Status == bylaw.JobStatusFailed {
		severity = bylaw.SeverityWarning
	}
	w.audit(ioCtx, bylaw.AuditEvent{
		Kind:       bylaw.AuditJobFinished,
		EntityType: "capture_job",
		EntityID:   job.ID,
		Before:     string(before),
		After: fmt.Sprintf("%s found=%d preserved=%d versioned=%d unchanged=%d failed=%d",
			job.Status, job.Stats.Found, job.Stats.Preserved, job.Stats.Versioned,
			job.Stats.SkippedUnchanged, job.Stats.Failed),
		Severity: severity,
	}, logger)

	telemetry.ObserveJob(string(job.Status))
	var dur time.Duration
	if job.StartedAt != nil {
		dur = now.Sub(*job.StartedAt)
	}
	w.emit(progress.Event{
		JobID:  job.ID,
		SiteID: job.SiteID,
		Stage:  progress.StageJobDone,
		Status: job.Status,
		Dur:    dur,
		Note:   runErr,
	})
	logger.Info("job finished",
		zap.String("status", string(job.Status)),
		zap.Int("found", job.Stats.Found),
		zap.Int("versioned", job.Stats.Versioned),
		zap.Int("failed", job.Stats.Failed),
		zap.Duration("duration", dur),
	)
	return job, nil
}

func (w *Worker) emit(evt progress.Event) {
	if evt.TS.IsZero() {
		evt.TS = w.Clock.Now()
	}
	w.Progress.Emit(evt)
}

func (w *Worker) audit(ctx context.Context, event bylaw.AuditEvent, logger *zap.Logger) {
	if w.Audit == nil {
		return
	}
	if err := w.Audit.Record(ctx, event); err != nil {
		logger.Error("audit record failed", zap.String("kind", string(event.Kind)), zap.Error(err))
	}
}

// jobRun guards the job record while documents run concurrently.
type jobRun struct {
	mu        sync.Mutex
	job       bylaw.CaptureJob
	cancelled bool
}

func (r *jobRun) update(fn func(*bylaw.JobStats)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.job.Stats)
}

func (r *jobRun) addError(e bylaw.JobError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.job.Errors = append(r.job.Errors, e)
}

func (r *jobRun) fail(e bylaw.JobError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.job.Stats.Failed++
	r.job.Errors = append(r.job.Errors, e)
}

func (r *jobRun) markCancelled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
	r.job.CancelRequested = true
}

func (r *jobRun) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *jobRun) snapshot() bylaw.CaptureJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	job := r.job
	job.Errors = append([]bylaw.JobError(nil), r.job.Errors...)
	return job
}

func jobError(url string, stage bylaw.Stage, err error, severity bylaw.Severity) bylaw.JobError {
	e := bylaw.JobError{
		URL:      url,
		Stage:    stage,
		Kind:     bylaw.ErrorKind(err),
		Message:  err.Error(),
		Severity: severity,
	}
	var capErr *bylaw.CaptureError
	if errors.As(err, &capErr) {
		e.Retryable = capErr.Retryable()
		e.Attempts = capErr.Attempts
	}
	return e
}

func siteFailure(stage bylaw.Stage, err error) *bylaw.JobError {
	e := jobError("", stage, err, bylaw.SeverityHigh)
	return &e
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
