package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/bylaw-capture/internal/audit"
	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
	"github.com/JakeFAU/bylaw-capture/internal/clock/system"
	leasememory "github.com/JakeFAU/bylaw-capture/internal/lease/memory"
	"github.com/JakeFAU/bylaw-capture/internal/preserver"
	queuememory "github.com/JakeFAU/bylaw-capture/internal/queue/memory"
	"github.com/JakeFAU/bylaw-capture/internal/registry"
	"github.com/JakeFAU/bylaw-capture/internal/storage/memory"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%d", s.n.Add(1)), nil
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// finishingRunner completes jobs and frees their lease like the worker does.
type finishingRunner struct {
	jobs     bylaw.JobStore
	registry *registry.Registry
	clock    bylaw.Clock
}

func (r *finishingRunner) Execute(ctx context.Context, jobID string) (bylaw.CaptureJob, error) {
	job, err := r.jobs.GetJob(ctx, jobID)
	if err != nil {
		return bylaw.CaptureJob{}, err
	}
	now := r.clock.Now()
	job.Status = bylaw.JobStatusCompleted
	job.FinishedAt = &now
	if err := r.jobs.UpdateJob(ctx, job); err != nil {
		return bylaw.CaptureJob{}, err
	}
	if h, ok := r.registry.Lookup(jobID); ok {
		_ = r.registry.Release(ctx, h)
	}
	return job, nil
}

type stubVerifier struct{ report preserver.VerifyReport }

func (v stubVerifier) Verify(_ context.Context, sourceID string) (preserver.VerifyReport, error) {
	if sourceID == "missing" {
		return preserver.VerifyReport{}, bylaw.ErrNotFound
	}
	return v.report, nil
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, bylaw.QueueItem) error { return errors.New("queue full") }

func (failingQueue) Dequeue(ctx context.Context) (bylaw.QueueItem, error) {
	<-ctx.Done()
	return bylaw.QueueItem{}, ctx.Err()
}

func validSite(id string) bylaw.TrackedSite {
	return bylaw.TrackedSite{
		ID:               id,
		Name:             "City of " + id,
		Enabled:          true,
		ScheduleInterval: 24 * time.Hour,
		Config: bylaw.SiteConfig{
			TargetURLs:         []string{"https://" + id + ".example.gov/bylaws"},
			RateLimitPerSecond: 1,
			Retry:              bylaw.RetryConfig{MaxAttempts: 3, BaseDelayMs: 100, MaxDelayMs: 1000},
		},
	}
}

type fixture struct {
	svc      *Service
	jobs     *memory.JobStore
	sites    *memory.SiteStore
	events   *memory.AuditStore
	registry *registry.Registry
	locker   *leasememory.Locker
	queue    *queuememory.Queue
	clock    *manualClock
	deps     Deps
}

func newFixture(t *testing.T, sites ...bylaw.TrackedSite) *fixture {
	t.Helper()
	clock := &manualClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	ids := &seqIDs{}
	jobs := memory.NewJobStore()
	locker := leasememory.New(system.New())
	reg := registry.New(locker, time.Minute, zap.NewNop())
	events := memory.NewAuditStore()
	f := &fixture{
		jobs:     jobs,
		sites:    memory.NewSiteStore(sites...),
		events:   events,
		registry: reg,
		locker:   locker,
		queue:    queuememory.NewQueue(8),
		clock:    clock,
	}
	f.deps = Deps{
		Jobs:     jobs,
		Sites:    f.sites,
		Leases:   reg,
		Queue:    f.queue,
		Runner:   &finishingRunner{jobs: jobs, registry: reg, clock: clock},
		Verifier: stubVerifier{report: preserver.VerifyReport{SourceID: "src-1", OK: true}},
		Audit:    audit.New(events, nil, "", &seqIDs{}, clock, nil),
		IDs:      ids,
		Clock:    clock,
	}
	f.svc = New(f.deps, zap.NewNop())
	return f
}

func TestCreateJobQueuesPendingJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, validSite("alpha"))
	job, err := f.svc.CreateJob(context.Background(), "alpha", bylaw.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, bylaw.JobStatusPending, job.Status)
	require.Equal(t, bylaw.TriggerManual, job.Trigger)
	require.Equal(t, 1, f.queue.Len())
	require.Equal(t, 1, f.registry.Active())

	item, err := f.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, job.ID, item.JobID)
	require.Equal(t, "alpha", item.SiteID)

	events, err := f.events.ListEvents(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, bylaw.AuditJobCreated, events[0].Kind)
	require.Equal(t, "system", events[0].Actor)
}

func TestCreateJobConflictCreatesNoJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, validSite("alpha"))
	first, err := f.svc.CreateJob(context.Background(), "alpha", bylaw.TriggerManual)
	require.NoError(t, err)

	_, err = f.svc.CreateJob(context.Background(), "alpha", bylaw.TriggerManual)
	var conflict *bylaw.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, first.ID, conflict.JobID)
	require.Equal(t, 1, f.queue.Len())

	_, err = f.jobs.GetJob(context.Background(), "job-2")
	require.ErrorIs(t, err, bylaw.ErrNotFound)
}

func TestCreateJobRejectsBadInput(t *testing.T) {
	t.Parallel()

	disabled := validSite("off")
	disabled.Enabled = false
	broken := validSite("broken")
	broken.Config.TargetURLs = nil
	f := newFixture(t, disabled, broken)

	_, err := f.svc.CreateJob(context.Background(), "off", bylaw.TriggerManual)
	require.ErrorIs(t, err, bylaw.ErrSiteDisabled)

	_, err = f.svc.CreateJob(context.Background(), "broken", bylaw.TriggerManual)
	require.ErrorIs(t, err, bylaw.ErrInvalidConfig)

	_, err = f.svc.CreateJob(context.Background(), "nowhere", bylaw.TriggerManual)
	require.ErrorIs(t, err, bylaw.ErrNotFound)

	_, err = f.svc.CreateJob(context.Background(), "off", bylaw.TriggerKind("cron"))
	require.ErrorIs(t, err, ErrInvalidTrigger)

	require.Equal(t, 0, f.registry.Active())
	require.Equal(t, 0, f.queue.Len())
}

func TestCreateJobEnqueueFailureFreesSite(t *testing.T) {
	t.Parallel()

	f := newFixture(t, validSite("alpha"))
	f.deps.Queue = failingQueue{}
	svc := New(f.deps, nil)

	job, err := svc.CreateJob(context.Background(), "alpha", bylaw.TriggerManual)
	require.Error(t, err)
	require.Equal(t, bylaw.JobStatusFailed, job.Status)
	require.Equal(t, 0, f.registry.Active())

	stored, err := f.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, bylaw.JobStatusFailed, stored.Status)
}

func TestRunJobExecutesSynchronously(t *testing.T) {
	t.Parallel()

	f := newFixture(t, validSite("alpha"))
	job, err := f.svc.RunJob(context.Background(), "alpha", bylaw.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, bylaw.JobStatusCompleted, job.Status)
	require.Equal(t, 0, f.queue.Len())
	require.Equal(t, 0, f.registry.Active())
}

func TestCancelJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, validSite("alpha"))
	job, err := f.svc.CreateJob(context.Background(), "alpha", bylaw.TriggerManual)
	require.NoError(t, err)

	cancelled, err := f.svc.CancelJob(WithActor(context.Background(), "ops@example.gov"), job.ID)
	require.NoError(t, err)
	require.True(t, cancelled.CancelRequested)
	h, ok := f.registry.Lookup(job.ID)
	require.True(t, ok)
	require.True(t, h.Cancelled())

	events, err := f.events.ListEvents(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, bylaw.AuditJobCancelRequest, events[1].Kind)
	require.Equal(t, "ops@example.gov", events[1].Actor)
}

func TestCancelFinishedJobIsRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, validSite("alpha"))
	job, err := f.svc.RunJob(context.Background(), "alpha", bylaw.TriggerManual)
	require.NoError(t, err)

	_, err = f.svc.CancelJob(context.Background(), job.ID)
	require.ErrorIs(t, err, bylaw.ErrJobFinished)

	_, err = f.svc.CancelJob(context.Background(), "missing")
	require.ErrorIs(t, err, bylaw.ErrNotFound)
}

func TestRetryJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, validSite("alpha"))
	pending, err := f.svc.CreateJob(context.Background(), "alpha", bylaw.TriggerManual)
	require.NoError(t, err)

	_, err = f.svc.RetryJob(context.Background(), pending.ID)
	var conflict *bylaw.ConflictError
	require.ErrorAs(t, err, &conflict)

	_, err = f.deps.Runner.Execute(context.Background(), pending.ID)
	require.NoError(t, err)

	retry, err := f.svc.RetryJob(context.Background(), pending.ID)
	require.NoError(t, err)
	require.Equal(t, bylaw.TriggerRetry, retry.Trigger)
	require.Equal(t, pending.ID, retry.RetryOf)
	require.Equal(t, "alpha", retry.SiteID)
}

func TestGetJobAndVerifySource(t *testing.T) {
	t.Parallel()

	f := newFixture(t, validSite("alpha"))
	job, err := f.svc.CreateJob(context.Background(), "alpha", bylaw.TriggerManual)
	require.NoError(t, err)

	got, err := f.svc.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)

	_, err = f.svc.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, bylaw.ErrNotFound)

	report, err := f.svc.VerifySource(context.Background(), "src-1")
	require.NoError(t, err)
	require.True(t, report.OK)

	_, err = f.svc.VerifySource(context.Background(), "missing")
	require.ErrorIs(t, err, bylaw.ErrNotFound)
}

func TestConcurrentCreateAdmitsOneJobPerSite(t *testing.T) {
	t.Parallel()

	f := newFixture(t, validSite("alpha"))
	var (
		wg        sync.WaitGroup
		admitted  atomic.Int64
		conflicts atomic.Int64
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreateJob(context.Background(), "alpha", bylaw.TriggerManual)
			var conflict *bylaw.ConflictError
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.As(err, &conflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(1), admitted.Load())
	require.Equal(t, int64(7), conflicts.Load())
}

func TestRecoverAbandonedFailsJobsWithoutLiveLease(t *testing.T) {
	t.Parallel()

	f := newFixture(t, validSite("alpha"), validSite("beta"), validSite("gamma"))
	ctx := context.Background()
	created := f.clock.Now().Add(-time.Hour)

	// Left running by a process that died: nobody holds its lease.
	require.NoError(t, f.jobs.CreateJob(ctx, bylaw.CaptureJob{
		ID: "crashed", SiteID: "alpha", Trigger: bylaw.TriggerScheduled, Status: bylaw.JobStatusRunning, CreatedAt: created,
	}))
	// Alive in another process sharing the lease backend.
	other := registry.New(f.locker, time.Minute, zap.NewNop())
	remote, err := other.Claim(ctx, "beta", "remote")
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Release(context.Background(), remote) })
	require.NoError(t, f.jobs.CreateJob(ctx, bylaw.CaptureJob{
		ID: "remote", SiteID: "beta", Trigger: bylaw.TriggerManual, Status: bylaw.JobStatusRunning, CreatedAt: created,
	}))
	// Queued in this process.
	local, err := f.svc.CreateJob(ctx, "gamma", bylaw.TriggerManual)
	require.NoError(t, err)

	n, err := f.svc.RecoverAbandoned(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	crashed, err := f.jobs.GetJob(ctx, "crashed")
	require.NoError(t, err)
	require.Equal(t, bylaw.JobStatusFailed, crashed.Status)
	require.NotNil(t, crashed.FinishedAt)
	require.Len(t, crashed.Errors, 1)
	require.Contains(t, crashed.Errors[0].Message, "abandoned")
	require.True(t, crashed.Errors[0].Retryable)
	require.Equal(t, bylaw.SeverityHigh, crashed.Errors[0].Severity)

	for _, id := range []string{"remote", local.ID} {
		job, err := f.jobs.GetJob(ctx, id)
		require.NoError(t, err)
		require.False(t, job.Status.Terminal(), id)
	}

	events, err := f.events.ListEvents(ctx, "crashed")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, bylaw.AuditJobAbandoned, events[0].Kind)
	require.Equal(t, "running", events[0].Before)

	// The freed site admits a new job and the sweep is idempotent.
	_, err = f.svc.CreateJob(ctx, "alpha", bylaw.TriggerManual)
	require.NoError(t, err)
	n, err = f.svc.RecoverAbandoned(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestAbandonQueuedFreesSites(t *testing.T) {
	t.Parallel()

	f := newFixture(t, validSite("alpha"), validSite("beta"))
	ctx := context.Background()
	first, err := f.svc.CreateJob(ctx, "alpha", bylaw.TriggerManual)
	require.NoError(t, err)
	second, err := f.svc.CreateJob(ctx, "beta", bylaw.TriggerScheduled)
	require.NoError(t, err)

	require.Equal(t, 2, f.svc.AbandonQueued(ctx))
	require.Zero(t, f.registry.Active())
	for _, id := range []string{first.ID, second.ID} {
		job, err := f.jobs.GetJob(ctx, id)
		require.NoError(t, err)
		require.Equal(t, bylaw.JobStatusFailed, job.Status)
	}
	holder, err := f.locker.Holder(ctx, "alpha")
	require.NoError(t, err)
	require.Empty(t, holder)

	_, err = f.svc.RetryJob(ctx, first.ID)
	require.NoError(t, err)
}
