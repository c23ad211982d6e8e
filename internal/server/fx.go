// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/bylaw-capture/internal/api"
	"github.com/JakeFAU/bylaw-capture/internal/audit"
	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
	"github.com/JakeFAU/bylaw-capture/internal/capturer"
	"github.com/JakeFAU/bylaw-capture/internal/clock/system"
	"github.com/JakeFAU/bylaw-capture/internal/config"
	"github.com/JakeFAU/bylaw-capture/internal/dispatcher"
	"github.com/JakeFAU/bylaw-capture/internal/extractor"
	collyfetcher "github.com/JakeFAU/bylaw-capture/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/bylaw-capture/internal/fetcher/headless"
	"github.com/JakeFAU/bylaw-capture/internal/hash/sha256"
	"github.com/JakeFAU/bylaw-capture/internal/headless/detector"
	"github.com/JakeFAU/bylaw-capture/internal/id/uuid"
	leasememory "github.com/JakeFAU/bylaw-capture/internal/lease/memory"
	leaseredis "github.com/JakeFAU/bylaw-capture/internal/lease/redis"
	"github.com/JakeFAU/bylaw-capture/internal/logging"
	"github.com/JakeFAU/bylaw-capture/internal/orchestrator"
	htmlparser "github.com/JakeFAU/bylaw-capture/internal/parser/html"
	pdfparser "github.com/JakeFAU/bylaw-capture/internal/parser/pdf"
	"github.com/JakeFAU/bylaw-capture/internal/policy/ratelimit"
	"github.com/JakeFAU/bylaw-capture/internal/preserver"
	"github.com/JakeFAU/bylaw-capture/internal/progress"
	progresssinks "github.com/JakeFAU/bylaw-capture/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/bylaw-capture/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/bylaw-capture/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/bylaw-capture/internal/queue/memory"
	"github.com/JakeFAU/bylaw-capture/internal/registry"
	gcsstorage "github.com/JakeFAU/bylaw-capture/internal/storage/gcs"
	localstorage "github.com/JakeFAU/bylaw-capture/internal/storage/local"
	memorystorage "github.com/JakeFAU/bylaw-capture/internal/storage/memory"
	pgstore "github.com/JakeFAU/bylaw-capture/internal/storage/postgres"
	"github.com/JakeFAU/bylaw-capture/internal/telemetry"
	"github.com/JakeFAU/bylaw-capture/internal/versioning"
	"github.com/JakeFAU/bylaw-capture/internal/worker"
)

// Version is stamped into telemetry resources. Overridden at link time.
var Version = "dev"

// records groups the record stores; one backend serves them all.
type records struct {
	jobs      bylaw.JobStore
	sites     bylaw.SiteStore
	sources   bylaw.SourceStore
	documents bylaw.DocumentStore
	facts     bylaw.FactStore
	audit     bylaw.AuditStore
}

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	apiServer *api.Server
	service   *orchestrator.Service
	scheduler *orchestrator.Scheduler
	dispatch  *dispatcher.Dispatcher
	registry  *registry.Registry

	progressHub     *progress.Hub
	queue           *queuememory.Queue
	pubsubClient    *pubsub.Client
	pubsubPublisher []*pubsub.Publisher
	storage         *storage.Client
	db              *pgstore.Store
	redis           *goredis.Client
	headless        *headlessfetcher.Fetcher
	checks          map[string]api.Check

	tracerShutdown func(context.Context) error
	metricShutdown func(context.Context) error
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) *App {
	logger.Info("creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("record_backend", cfg.RecordBackend()),
		zap.String("lease_backend", cfg.LeaseBackend()),
		zap.Int("sites", len(cfg.Sites)),
	)
	return &App{
		cfg:    cfg,
		logger: logger,
		checks: make(map[string]api.Check),
	}
}

// RunJob captures one site synchronously, bypassing the queue and the
// scheduler gates.
func (a *App) RunJob(ctx context.Context, siteID string) (bylaw.CaptureJob, error) {
	ctx = orchestrator.WithActor(ctx, "cli")
	a.recoverAbandoned(ctx)
	job, err := a.service.RunJob(ctx, siteID, bylaw.TriggerManual)
	if err != nil {
		return bylaw.CaptureJob{}, fmt.Errorf("capture site %s: %w", siteID, err)
	}
	return job, nil
}

// Run starts the workers, the scheduler and the HTTP server, and blocks
// until the context is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.recoverAbandoned(ctx)

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Capture.Workers))
		a.dispatch.Run(ctx)
	}()

	if a.cfg.Scheduler.Enabled {
		go a.scheduler.Run(ctx)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.queue.Close()
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers still running at shutdown deadline", zap.Int("active_jobs", a.registry.Active()))
	}
	if n := a.service.AbandonQueued(shutdownCtx); n > 0 {
		a.logger.Warn("jobs abandoned at shutdown", zap.Int("count", n))
	}

	return a.Close(shutdownCtx)
}

// recoverAbandoned fails jobs a previous process left pending or running so
// their sites accept new jobs.
func (a *App) recoverAbandoned(ctx context.Context) {
	n, err := a.service.RecoverAbandoned(ctx)
	if err != nil {
		a.logger.Error("abandoned job sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		a.logger.Warn("abandoned jobs failed", zap.Int("count", n))
	}
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

//nolint:gocognit // Shutdown logic is linear but extensive, ignoring complexity check
func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	for _, p := range a.pubsubPublisher {
		p.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	_ = a.logger.Sync() //nolint:errcheck // stdout sync fails on some platforms
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if a.metricShutdown != nil {
		if err := a.metricShutdown(ctx); err != nil {
			a.logger.Warn("metric shutdown failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies. Anything opened before a
// failure is closed again.
func Build(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := NewApp(cfg, logger)
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.WithoutCancel(ctx))
		}
	}()

	tp, mp, err := telemetry.InitTelemetry(ctx, telemetry.Config{
		ServiceName:   cfg.Telemetry.ServiceName,
		Version:       Version,
		ProjectID:     cfg.Telemetry.ProjectID,
		ProjectNumber: cfg.Telemetry.ProjectNumber,
		Region:        cfg.Telemetry.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown
	app.metricShutdown = mp.Shutdown

	app.logger.Info("building application dependencies")
	clock := system.New()
	ids := uuid.New()

	blobs, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	recs, err := setupRecords(ctx, app)
	if err != nil {
		return nil, err
	}
	locker, err := setupLeases(ctx, app, clock)
	if err != nil {
		return nil, err
	}
	auditPub, progressPub, err := setupPublishers(ctx, app)
	if err != nil {
		return nil, err
	}
	emitter, err := setupProgress(ctx, app, progressPub)
	if err != nil {
		return nil, err
	}
	capture, err := setupCapturer(app, clock)
	if err != nil {
		return nil, err
	}

	auditor := audit.New(recs.audit, auditPub, cfg.PubSub.AuditTopic, ids, clock, logger.Named("audit"))
	ioTimeout := cfg.Storage.IOTimeout
	preserve := preserver.New(blobs, recs.sources, auditor, sha256.New(), ids, clock, preserver.Config{
		StaticFetcherVersion: collyfetcher.Version,
		RenderFetcherVersion: headlessfetcher.Version,
		IOTimeout:            ioTimeout,
	}, logger.Named("preserver"))
	versions := versioning.New(recs.documents, recs.sources, auditor, ids, clock, ioTimeout, logger.Named("versioning"))
	extract := extractor.New(recs.facts, auditor, ids, clock, ioTimeout, logger.Named("extractor"))

	app.registry = registry.New(locker, cfg.Capture.LeaseTTL, logger.Named("registry"))
	app.queue = queuememory.NewQueue(cfg.Capture.QueueDepth)

	deps := worker.Deps{
		Queue:     app.queue,
		Jobs:      recs.jobs,
		Sites:     recs.sites,
		Leases:    app.registry,
		Capturer:  capture,
		Preserver: preserve,
		Versioner: versions,
		Extractor: extract,
		Audit:     auditor,
		Clock:     clock,
		Progress:  emitter,
	}
	workerCfg := worker.Config{PerJobConcurrency: cfg.Capture.PerJobConcurrency, IOTimeout: ioTimeout}
	runners := make([]dispatcher.Runner, 0, cfg.Capture.Workers)
	var first *worker.Worker
	for i := 0; i < cfg.Capture.Workers; i++ {
		w := worker.New(deps, workerCfg, logger.Named("worker").With(zap.Int("index", i)))
		if first == nil {
			first = w
		}
		runners = append(runners, w)
	}
	app.dispatch = dispatcher.New(app.queue, runners)

	app.service = orchestrator.New(orchestrator.Deps{
		Jobs:     recs.jobs,
		Sites:    recs.sites,
		Leases:   app.registry,
		Queue:    app.queue,
		Runner:   first,
		Verifier: preserve,
		Audit:    auditor,
		IDs:      ids,
		Clock:    clock,
	}, logger.Named("orchestrator"))
	app.scheduler = orchestrator.NewScheduler(app.service, recs.sites, recs.jobs, clock, orchestrator.SchedulerConfig{
		TickInterval:           cfg.Scheduler.TickInterval,
		MinInterval:            cfg.Scheduler.MinInterval,
		MaxConsecutiveFailures: cfg.Scheduler.MaxConsecutiveFailures,
		JobRetention:           cfg.Scheduler.JobRetention,
		PurgeInterval:          cfg.Scheduler.PurgeInterval,
	}, logger.Named("scheduler"))

	app.apiServer = api.NewServer(app.service, api.Options{
		Auth:   cfg.Auth,
		Checks: app.checks,
	}, logger.Named("api"))

	return app, nil
}

func setupStorage(ctx context.Context, app *App) (bylaw.BlobStore, error) {
	var blobStore bylaw.BlobStore
	var err error
	switch app.cfg.Storage.Backend {
	case config.BackendGCS:
		app.logger.Info("using GCS storage backend")
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err = gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket: app.cfg.Storage.Bucket,
			Prefix: app.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.Bucket))
	case config.BackendLocal:
		app.logger.Info("using local storage backend")
		blobStore, err = localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local storage backend", zap.String("path", app.cfg.Storage.Local.BaseDir))
	default:
		app.logger.Warn("using in-memory storage backend; preserved sources are lost on exit")
		blobStore = memorystorage.NewBlobStore()
	}
	return blobStore, nil
}

// setupRecords picks Postgres when a DSN is configured and seeds the sites
// from configuration.
func setupRecords(ctx context.Context, app *App) (records, error) {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("no DSN specified for database, keeping records in memory")
		return records{
			jobs:      memorystorage.NewJobStore(),
			sites:     memorystorage.NewSiteStore(app.cfg.Sites...),
			sources:   memorystorage.NewSourceStore(),
			documents: memorystorage.NewDocumentStore(),
			facts:     memorystorage.NewFactStore(),
			audit:     memorystorage.NewAuditStore(),
		}, nil
	}
	db, err := pgstore.New(ctx, pgstore.Config{
		DSN:             app.cfg.Database.DSN,
		MaxConns:        app.cfg.Database.MaxConns,
		MinConns:        app.cfg.Database.MinConns,
		MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return records{}, fmt.Errorf("postgres store init failed: %w", err)
	}
	app.db = db
	app.checks["postgres"] = db.Ping
	if app.cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			return records{}, fmt.Errorf("postgres migrate failed: %w", err)
		}
		app.logger.Info("postgres schema applied")
	}
	for _, site := range app.cfg.Sites {
		if err := db.UpsertSite(ctx, site); err != nil {
			return records{}, fmt.Errorf("seed site %s: %w", site.ID, err)
		}
	}
	app.logger.Info("postgres store initialized", zap.Int("seeded_sites", len(app.cfg.Sites)))
	return records{jobs: db, sites: db, sources: db, documents: db, facts: db, audit: db}, nil
}

func setupLeases(ctx context.Context, app *App, clock bylaw.Clock) (bylaw.SiteLocker, error) {
	if app.cfg.Redis.URL == "" {
		app.logger.Info("using process-local site leases")
		return leasememory.New(clock), nil
	}
	client, err := leaseredis.NewClient(ctx, leaseredis.Config{
		URL:          app.cfg.Redis.URL,
		KeyPrefix:    app.cfg.Redis.KeyPrefix,
		PoolSize:     app.cfg.Redis.PoolSize,
		DialTimeout:  app.cfg.Redis.DialTimeout,
		ReadTimeout:  app.cfg.Redis.ReadTimeout,
		WriteTimeout: app.cfg.Redis.WriteTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("redis client init failed: %w", err)
	}
	app.redis = client
	locker := leaseredis.New(client, app.cfg.Redis.KeyPrefix)
	app.checks["redis"] = locker.Health
	app.logger.Info("using redis site leases", zap.String("key_prefix", app.cfg.Redis.KeyPrefix))
	return locker, nil
}

// setupPublishers returns the audit and progress publishers. Without a
// project both stay in memory.
func setupPublishers(ctx context.Context, app *App) (bylaw.Publisher, bylaw.Publisher, error) {
	if app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("no Pub/Sub project configured, using in-memory publishers")
		return memorypublisher.New(), memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	auditTopic := app.pubsubClient.Publisher(app.cfg.PubSub.AuditTopic)
	progressTopic := app.pubsubClient.Publisher(app.cfg.PubSub.ProgressTopic)
	app.pubsubPublisher = append(app.pubsubPublisher, auditTopic, progressTopic)
	app.logger.Info("Pub/Sub publishers initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("audit_topic", app.cfg.PubSub.AuditTopic),
		zap.String("progress_topic", app.cfg.PubSub.ProgressTopic),
	)
	return gcppublisher.New(auditTopic), gcppublisher.New(progressTopic), nil
}

func setupProgress(ctx context.Context, app *App, publisher bylaw.Publisher) (progress.Emitter, error) {
	pc := app.cfg.Progress
	var sinkList []progress.Sink
	if pc.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	if pc.Prometheus {
		promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, fmt.Errorf("progress prometheus sink: %w", err)
		}
		sinkList = append(sinkList, promSink)
	}
	if pc.PublishEvents {
		sinkList = append(sinkList, progresssinks.NewPublisherSink(
			publisher, app.cfg.PubSub.ProgressTopic, app.logger.Named("progress_publish"),
		))
	}
	if len(sinkList) == 0 {
		app.logger.Info("progress tracking disabled")
		return progress.Nop{}, nil
	}
	hubCfg := progress.Config{
		BufferSize:     pc.BufferSize,
		MaxBatchEvents: pc.BatchSize,
		MaxBatchWait:   pc.BatchWait,
		SinkTimeout:    pc.SinkTimeout,
		BaseContext:    ctx,
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return app.progressHub, nil
}

func setupCapturer(app *App, clock bylaw.Clock) (*capturer.Capturer, error) {
	cfg := app.cfg
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.HTTP.UserAgent,
		RespectRobots: cfg.HTTP.RespectRobots,
		Timeout:       cfg.HTTP.Timeout,
		MaxBodyBytes:  cfg.HTTP.MaxBodyBytes,
	}, app.logger.Named("colly"))
	app.logger.Info("using colly fetcher", zap.String("user_agent", cfg.HTTP.UserAgent))

	var renderer bylaw.Renderer = headlessfetcher.NewNoop()
	if cfg.Headless.Enabled {
		fetcher, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.HTTP.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
			SettleDelay:       cfg.Headless.SettleDelay,
			ScreenshotQuality: cfg.Headless.ScreenshotQuality,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		app.headless = fetcher
		renderer = fetcher
		app.logger.Info("using headless renderer", zap.Int("max_parallel", cfg.Headless.MaxParallel))
	}

	limiter := ratelimit.New(ratelimit.Config{Burst: cfg.HTTP.RateLimitBurst})
	return capturer.New(
		static,
		renderer,
		detector.NewHeuristic(cfg.Headless.PromotionThreshold),
		htmlparser.New(),
		pdfparser.New(cfg.Capture.PDFMaxPages),
		limiter,
		nil,
		clock,
		capturer.Config{
			MaxAssets:         cfg.Capture.MaxAssets,
			MaxAssetBytes:     cfg.Capture.MaxAssetBytes,
			PromoteToHeadless: cfg.Headless.Enabled,
		},
		app.logger.Named("capturer"),
	), nil
}
