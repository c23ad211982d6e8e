package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/bylaw-capture/internal/audit"
	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
	"github.com/JakeFAU/bylaw-capture/internal/capturer"
	"github.com/JakeFAU/bylaw-capture/internal/clock/system"
	"github.com/JakeFAU/bylaw-capture/internal/extractor"
	"github.com/JakeFAU/bylaw-capture/internal/hash/sha256"
	leasememory "github.com/JakeFAU/bylaw-capture/internal/lease/memory"
	"github.com/JakeFAU/bylaw-capture/internal/preserver"
	"github.com/JakeFAU/bylaw-capture/internal/progress"
	queuememory "github.com/JakeFAU/bylaw-capture/internal/queue/memory"
	"github.com/JakeFAU/bylaw-capture/internal/registry"
	"github.com/JakeFAU/bylaw-capture/internal/storage/memory"
	"github.com/JakeFAU/bylaw-capture/internal/versioning"
)

const (
	ordinanceURL = "https://city.example.gov/bylaws/8620"
	zoningURL    = "https://city.example.gov/bylaws/8700"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%04d", s.n.Add(1)), nil
}

type scriptedCapturer struct {
	mu          sync.Mutex
	clock       bylaw.Clock
	links       []bylaw.DiscoveredLink
	listingErrs []error
	discoverErr error
	pages       map[string]string
	failures    map[string]error
	onCapture   func(url string)
	captured    []string
}

func newScriptedCapturer(clock bylaw.Clock) *scriptedCapturer {
	return &scriptedCapturer{
		clock: clock,
		pages: map[string]string{
			ordinanceURL: "The maximum floor area of an accessory dwelling unit shall not exceed 800 sq. ft.",
			zoningURL:    "The maximum height shall not exceed 7 metres.",
		},
		failures: map[string]error{},
		links: []bylaw.DiscoveredLink{
			{URL: ordinanceURL, Text: "Bylaw 8620"},
			{URL: zoningURL, Text: "Bylaw 8700"},
		},
	}
}

func (c *scriptedCapturer) Discover(context.Context, bylaw.TrackedSite) (capturer.Discovery, error) {
	if c.discoverErr != nil {
		return capturer.Discovery{}, c.discoverErr
	}
	return capturer.Discovery{Links: c.links, ListingErrors: c.listingErrs}, nil
}

func (c *scriptedCapturer) Capture(_ context.Context, _ bylaw.TrackedSite, link bylaw.DiscoveredLink) (bylaw.CaptureBundle, error) {
	c.mu.Lock()
	c.captured = append(c.captured, link.URL)
	hook := c.onCapture
	failure := c.failures[link.URL]
	content := c.pages[link.URL]
	c.mu.Unlock()
	if hook != nil {
		hook(link.URL)
	}
	if failure != nil {
		return bylaw.CaptureBundle{}, failure
	}
	return bylaw.CaptureBundle{
		SourceURL:   link.URL,
		LinkText:    link.Text,
		FetchedAt:   c.clock.Now(),
		StatusCode:  http.StatusOK,
		ContentType: "text/html; charset=utf-8",
		Kind:        bylaw.KindPage,
		Primary:     []byte("<html><body><main>" + content + "</main></body></html>"),
		Parsed:      bylaw.ParsedDocument{Title: link.Text, Number: path.Base(link.URL), Content: content},
		Attempts:    1,
	}, nil
}

func (c *scriptedCapturer) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.captured...)
}

type conflictingVersioner struct {
	*versioning.Manager
}

func (conflictingVersioner) ApplyCapture(context.Context, bylaw.TrackedDocument, bylaw.SourceDocument, versioning.Revision) (bylaw.DocumentVersion, error) {
	return bylaw.DocumentVersion{}, fmt.Errorf("apply: %w", bylaw.ErrSequenceConflict)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages() map[progress.Stage]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[progress.Stage]int)
	for _, evt := range r.events {
		out[evt.Stage]++
	}
	return out
}

type fixture struct {
	jobs      *memory.JobStore
	sites     *memory.SiteStore
	documents *memory.DocumentStore
	facts     *memory.FactStore
	events    *memory.AuditStore
	registry  *registry.Registry
	capturer  *scriptedCapturer
	versions  *versioning.Manager
	emitter   *recordingEmitter
	queue     *queuememory.Queue
	deps      Deps
	clock     *stepClock
	site      bylaw.TrackedSite
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &stepClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	ids := &seqIDs{}
	site := bylaw.TrackedSite{ID: "site-1", Name: "City", Enabled: true}

	f := &fixture{
		jobs:      memory.NewJobStore(),
		sites:     memory.NewSiteStore(site),
		documents: memory.NewDocumentStore(),
		facts:     memory.NewFactStore(),
		events:    memory.NewAuditStore(),
		registry:  registry.New(leasememory.New(system.New()), time.Minute, zap.NewNop()),
		emitter:   &recordingEmitter{},
		queue:     queuememory.NewQueue(4),
		clock:     clock,
		site:      site,
	}
	f.capturer = newScriptedCapturer(clock)
	sources := memory.NewSourceStore()
	rec := audit.New(f.events, nil, "", ids, clock, nil)
	pres := preserver.New(memory.NewBlobStore(), sources, rec, sha256.New(), ids, clock, preserver.Config{IOTimeout: time.Second}, nil)
	f.versions = versioning.New(f.documents, sources, rec, ids, clock, time.Second, nil)
	f.deps = Deps{
		Queue:     f.queue,
		Jobs:      f.jobs,
		Sites:     f.sites,
		Leases:    f.registry,
		Capturer:  f.capturer,
		Preserver: pres,
		Versioner: f.versions,
		Extractor: extractor.New(f.facts, rec, ids, clock, time.Second, nil),
		Audit:     rec,
		Clock:     clock,
		Progress:  f.emitter,
	}
	return f
}

func (f *fixture) worker(concurrency int) *Worker {
	return New(f.deps, Config{PerJobConcurrency: concurrency, IOTimeout: time.Second}, zap.NewNop())
}

func (f *fixture) pendingJob(t *testing.T, id string) bylaw.CaptureJob {
	t.Helper()
	job := bylaw.CaptureJob{
		ID:        id,
		SiteID:    f.site.ID,
		Trigger:   bylaw.TriggerManual,
		Status:    bylaw.JobStatusPending,
		CreatedAt: f.clock.Now(),
	}
	require.NoError(t, f.jobs.CreateJob(context.Background(), job))
	return job
}

func (f *fixture) auditKinds(t *testing.T, entityID string) []bylaw.AuditKind {
	t.Helper()
	events, err := f.events.ListEvents(context.Background(), entityID)
	require.NoError(t, err)
	kinds := make([]bylaw.AuditKind, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func TestExecuteCapturesVersionsAndExtracts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.pendingJob(t, "job-1")

	job, err := f.worker(2).Execute(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, bylaw.JobStatusCompleted, job.Status)
	require.Equal(t, bylaw.JobStats{Found: 2, Preserved: 2, Versioned: 2}, job.Stats)
	require.Empty(t, job.Errors)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.FinishedAt)

	stored, err := f.jobs.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, bylaw.JobStatusCompleted, stored.Status)

	doc, err := f.documents.ResolveDocument(context.Background(), bylaw.TrackedDocument{
		SiteID:     f.site.ID,
		ExternalID: "8620",
	})
	require.NoError(t, err)
	current, err := f.documents.CurrentVersion(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Equal(t, 1, current.Sequence)
	require.Equal(t, "Bylaw 8620", current.Title)

	facts, err := f.facts.ListFacts(context.Background(), current.ID)
	require.NoError(t, err)
	require.NotEmpty(t, facts)
	categories := make([]bylaw.FactCategory, 0, len(facts))
	for _, fact := range facts {
		categories = append(categories, fact.Category)
	}
	require.Contains(t, categories, bylaw.CategorySize)

	require.Equal(t, 0, f.registry.Active())
	site, err := f.sites.GetSite(context.Background(), f.site.ID)
	require.NoError(t, err)
	require.NotNil(t, site.LastRunAt)
	require.Zero(t, site.FailureCount)
	require.Equal(t, []bylaw.AuditKind{bylaw.AuditJobFinished}, f.auditKinds(t, "job-1"))

	stages := f.emitter.stages()
	require.Equal(t, 1, stages[progress.StageJobStart])
	require.Equal(t, 1, stages[progress.StageDiscovered])
	require.Equal(t, 2, stages[progress.StageDocumentDone])
	require.Equal(t, 1, stages[progress.StageJobDone])
}

func TestExecuteSecondRunSkipsUnchangedDocuments(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	w := f.worker(2)
	f.pendingJob(t, "job-1")
	_, err := w.Execute(context.Background(), "job-1")
	require.NoError(t, err)

	f.pendingJob(t, "job-2")
	job, err := w.Execute(context.Background(), "job-2")
	require.NoError(t, err)
	require.Equal(t, bylaw.JobStatusCompleted, job.Status)
	require.Equal(t, bylaw.JobStats{Found: 2, Preserved: 2, SkippedUnchanged: 2}, job.Stats)
}

func TestExecuteRecordsDocumentFailuresWithoutAborting(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.capturer.failures[zoningURL] = &bylaw.CaptureError{
		Kind:     bylaw.KindSelectorMismatch,
		URL:      zoningURL,
		Attempts: 1,
		Err:      bylaw.ErrSelectorNoMatch,
	}
	f.capturer.listingErrs = []error{&bylaw.CaptureError{
		Kind:       bylaw.KindUnreachable,
		URL:        "https://city.example.gov/archive",
		StatusCode: http.StatusServiceUnavailable,
		Attempts:   3,
	}}
	f.pendingJob(t, "job-1")

	job, err := f.worker(2).Execute(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, bylaw.JobStatusCompleted, job.Status)
	require.Equal(t, bylaw.JobStats{Found: 2, Preserved: 1, Versioned: 1, Failed: 1}, job.Stats)
	require.Len(t, job.Errors, 2)

	byURL := make(map[string]bylaw.JobError)
	for _, e := range job.Errors {
		byURL[e.URL] = e
	}
	capErr := byURL[zoningURL]
	require.Equal(t, bylaw.StageCapture, capErr.Stage)
	require.Equal(t, "SelectorMismatch", capErr.Kind)
	require.False(t, capErr.Retryable)

	listing := byURL["https://city.example.gov/archive"]
	require.Equal(t, bylaw.StageDiscover, listing.Stage)
	require.True(t, listing.Retryable)
	require.Equal(t, 3, listing.Attempts)

	require.ElementsMatch(t,
		[]bylaw.AuditKind{bylaw.AuditCaptureFailed, bylaw.AuditJobFinished},
		f.auditKinds(t, "job-1"),
	)
}

func TestExecuteDiscoveryFailureFailsJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.capturer.discoverErr = &bylaw.CaptureError{Kind: bylaw.KindSelectorMismatch, URL: "https://city.example.gov/bylaws"}
	f.pendingJob(t, "job-1")

	job, err := f.worker(2).Execute(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, bylaw.JobStatusFailed, job.Status)
	require.Len(t, job.Errors, 1)
	require.Empty(t, job.Errors[0].URL)
	require.Equal(t, bylaw.SeverityHigh, job.Errors[0].Severity)
	require.Empty(t, f.capturer.calls())

	site, err := f.sites.GetSite(context.Background(), f.site.ID)
	require.NoError(t, err)
	require.Equal(t, 1, site.FailureCount)
	require.NotEmpty(t, site.LastError)
	require.Equal(t, 0, f.registry.Active())
}

func TestExecuteCancelledPendingJobNeverRuns(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.pendingJob(t, "job-1")
	_, err := f.jobs.RequestCancel(context.Background(), "job-1")
	require.NoError(t, err)

	job, err := f.worker(2).Execute(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, bylaw.JobStatusCancelled, job.Status)
	require.Nil(t, job.StartedAt)
	require.Empty(t, f.capturer.calls())
	require.Equal(t, 0, f.registry.Active())

	site, err := f.sites.GetSite(context.Background(), f.site.ID)
	require.NoError(t, err)
	require.Nil(t, site.LastRunAt)
}

func TestExecuteStopsBetweenDocumentsOnCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.capturer.links = append(f.capturer.links, bylaw.DiscoveredLink{URL: "https://city.example.gov/bylaws/9000"})
	f.capturer.onCapture = func(url string) {
		if url == ordinanceURL {
			_, _ = f.jobs.RequestCancel(context.Background(), "job-1")
		}
	}
	f.pendingJob(t, "job-1")

	job, err := f.worker(1).Execute(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, bylaw.JobStatusCancelled, job.Status)
	require.Equal(t, []string{ordinanceURL}, f.capturer.calls())
	require.Equal(t, 1, job.Stats.Versioned)
	require.Equal(t, 3, job.Stats.Found)
}

func TestExecuteCancelViaRegistryHandle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.capturer.onCapture = func(string) { f.registry.Cancel("job-1") }
	f.pendingJob(t, "job-1")
	_, err := f.registry.Claim(context.Background(), f.site.ID, "job-1")
	require.NoError(t, err)

	job, err := f.worker(1).Execute(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, bylaw.JobStatusCancelled, job.Status)
	require.Len(t, f.capturer.calls(), 1)
	require.Equal(t, 0, f.registry.Active())
}

func TestExecutePersistentConflictFailsJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.deps.Versioner = conflictingVersioner{Manager: f.versions}
	f.pendingJob(t, "job-1")

	job, err := f.worker(1).Execute(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, bylaw.JobStatusFailed, job.Status)

	var siteLevel *bylaw.JobError
	for i := range job.Errors {
		if job.Errors[i].URL == "" {
			siteLevel = &job.Errors[i]
		}
	}
	require.NotNil(t, siteLevel)
	require.Equal(t, "ConcurrencyConflict", siteLevel.Kind)
}

func TestExecuteFailsWhenSiteLeaseHeldElsewhere(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.registry.Claim(context.Background(), f.site.ID, "job-other")
	require.NoError(t, err)
	f.pendingJob(t, "job-1")

	job, err := f.worker(1).Execute(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, bylaw.JobStatusFailed, job.Status)
	require.Contains(t, job.Errors[0].Message, "job-other")
	require.Empty(t, f.capturer.calls())

	site, err := f.sites.GetSite(context.Background(), f.site.ID)
	require.NoError(t, err)
	require.Nil(t, site.LastRunAt)
}

func TestExecuteSkipsFinishedJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	job := f.pendingJob(t, "job-1")
	now := f.clock.Now()
	job.Status = bylaw.JobStatusCompleted
	job.FinishedAt = &now
	require.NoError(t, f.jobs.UpdateJob(context.Background(), job))

	got, err := f.worker(1).Execute(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, bylaw.JobStatusCompleted, got.Status)
	require.Empty(t, f.capturer.calls())
}

func TestExecuteUnknownJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.worker(1).Execute(context.Background(), "missing")
	require.Error(t, err)
	require.True(t, errors.Is(err, bylaw.ErrNotFound))
}

func TestRunConsumesQueue(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	f.pendingJob(t, "job-1")
	w := f.worker(2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	require.NoError(t, f.queue.Enqueue(ctx, bylaw.QueueItem{JobID: "job-1", SiteID: f.site.ID}))

	require.Eventually(t, func() bool {
		job, err := f.jobs.GetJob(context.Background(), "job-1")
		return err == nil && job.Status == bylaw.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

func TestRunReturnsWhenQueueClosed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.pendingJob(t, "job-1")
	w := f.worker(1)
	require.NoError(t, f.queue.Enqueue(context.Background(), bylaw.QueueItem{JobID: "job-1", SiteID: f.site.ID}))
	f.queue.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker kept polling a closed queue")
	}
	job, err := f.jobs.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, bylaw.JobStatusCompleted, job.Status)
}
