//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
	"github.com/JakeFAU/bylaw-capture/internal/clock/system"
	"github.com/JakeFAU/bylaw-capture/internal/id/uuid"
	leasememory "github.com/JakeFAU/bylaw-capture/internal/lease/memory"
	"github.com/JakeFAU/bylaw-capture/internal/orchestrator"
	queuememory "github.com/JakeFAU/bylaw-capture/internal/queue/memory"
	"github.com/JakeFAU/bylaw-capture/internal/registry"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("bylaws"),
		tcpostgres.WithUsername("bylaw"),
		tcpostgres.WithPassword("bylaw"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := New(ctx, Config{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestIntegrationVersionChainAndJobSerialization(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	site := bylaw.TrackedSite{
		ID: "springfield", Name: "Springfield", Enabled: true, ScheduleInterval: 24 * time.Hour,
		Config: bylaw.SiteConfig{
			TargetURLs:         []string{"https://springfield.example.gov/bylaws"},
			RateLimitPerSecond: 1,
			Retry:              bylaw.RetryConfig{MaxAttempts: 3, BaseDelayMs: 100, MaxDelayMs: 1000},
		},
	}
	require.NoError(t, store.UpsertSite(ctx, site))
	got, err := store.GetSite(ctx, "springfield")
	require.NoError(t, err)
	require.Equal(t, 24*time.Hour, got.ScheduleInterval)

	require.NoError(t, store.CreateJob(ctx, bylaw.CaptureJob{
		ID: "job-1", SiteID: "springfield", Trigger: bylaw.TriggerManual, Status: bylaw.JobStatusPending, CreatedAt: now,
	}))
	err = store.CreateJob(ctx, bylaw.CaptureJob{
		ID: "job-2", SiteID: "springfield", Trigger: bylaw.TriggerManual, Status: bylaw.JobStatusPending, CreatedAt: now,
	})
	var conflict *bylaw.ConflictError
	require.ErrorAs(t, err, &conflict)

	src := bylaw.SourceDocument{
		ID: "src-1", SiteID: "springfield", JobID: "job-1", SourceURL: "https://springfield.example.gov/b/1",
		Kind: bylaw.KindPage, FetchedAt: now, FetcherVersion: "test", StatusCode: 200, ContentType: "text/html",
		Status: bylaw.PreservationPending,
	}
	require.NoError(t, store.CreateSource(ctx, src))
	src.Status = bylaw.PreservationPreserved
	src.Fingerprint = "fp1"
	require.NoError(t, store.CompleteSource(ctx, src))
	require.Error(t, store.CompleteSource(ctx, src))

	doc, err := store.ResolveDocument(ctx, bylaw.TrackedDocument{
		ID: "doc-1", SiteID: "springfield", ExternalID: "2024-01", Title: "Zoning", Status: bylaw.LifecycleActive, CreatedAt: now,
	})
	require.NoError(t, err)

	require.NoError(t, store.AppendVersion(ctx, bylaw.DocumentVersion{
		ID: "v1", DocumentID: doc.ID, Sequence: 1, Content: "a", Fingerprint: "fp1", SourceDocumentID: "src-1",
		Classification: bylaw.ChangeNew, CreatedAt: now,
	}, 0))
	require.NoError(t, store.AppendVersion(ctx, bylaw.DocumentVersion{
		ID: "v2", DocumentID: doc.ID, Sequence: 2, Content: "b", Fingerprint: "fp2", SourceDocumentID: "src-1",
		Classification: bylaw.ChangeAmendment, CreatedAt: now,
	}, 1))
	err = store.AppendVersion(ctx, bylaw.DocumentVersion{
		ID: "v2b", DocumentID: doc.ID, Sequence: 2, Content: "c", Fingerprint: "fp3", SourceDocumentID: "src-1",
		Classification: bylaw.ChangeAmendment, CreatedAt: now,
	}, 1)
	require.ErrorIs(t, err, bylaw.ErrSequenceConflict)

	current, err := store.CurrentVersion(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, "v2", current.ID)
	chain, err := store.ListVersions(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.False(t, chain[0].IsCurrent)
}

func TestIntegrationCrashedJobNoLongerBlocksSite(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	site := bylaw.TrackedSite{
		ID: "shelbyville", Name: "Shelbyville", Enabled: true,
		Config: bylaw.SiteConfig{
			TargetURLs:         []string{"https://shelbyville.example.gov/bylaws"},
			RateLimitPerSecond: 1,
			Retry:              bylaw.RetryConfig{MaxAttempts: 3, BaseDelayMs: 100, MaxDelayMs: 1000},
		},
	}
	require.NoError(t, store.UpsertSite(ctx, site))
	// A previous process died mid-run and its lease is gone.
	require.NoError(t, store.CreateJob(ctx, bylaw.CaptureJob{
		ID: "crashed", SiteID: "shelbyville", Trigger: bylaw.TriggerScheduled, Status: bylaw.JobStatusRunning,
		StartedAt: &now, CreatedAt: now,
	}))

	clock := system.New()
	svc := orchestrator.New(orchestrator.Deps{
		Jobs:   store,
		Sites:  store,
		Leases: registry.New(leasememory.New(clock), time.Minute, nil),
		Queue:  queuememory.NewQueue(4),
		IDs:    uuid.New(),
		Clock:  clock,
	}, nil)

	_, err := svc.CreateJob(ctx, "shelbyville", bylaw.TriggerManual)
	var conflict *bylaw.ConflictError
	require.ErrorAs(t, err, &conflict)

	n, err := svc.RecoverAbandoned(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	crashed, err := store.GetJob(ctx, "crashed")
	require.NoError(t, err)
	require.Equal(t, bylaw.JobStatusFailed, crashed.Status)

	job, err := svc.CreateJob(ctx, "shelbyville", bylaw.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, bylaw.JobStatusPending, job.Status)
}
