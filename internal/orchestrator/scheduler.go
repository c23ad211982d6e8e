package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

// SchedulerConfig tunes periodic job creation and retention.
type SchedulerConfig struct {
	TickInterval           time.Duration
	MinInterval            time.Duration
	MaxConsecutiveFailures int
	JobRetention           time.Duration
	PurgeInterval          time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Minute
	}
	if c.MinInterval <= 0 {
		c.MinInterval = time.Hour
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
	if c.JobRetention <= 0 {
		c.JobRetention = 30 * 24 * time.Hour
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = 24 * time.Hour
	}
	return c
}

// Creator admits jobs and clears jobs left behind by dead processes.
// Service satisfies it.
type Creator interface {
	CreateJob(ctx context.Context, siteID string, trigger bylaw.TriggerKind) (bylaw.CaptureJob, error)
	RecoverAbandoned(ctx context.Context) (int, error)
}

// Scheduler creates scheduled jobs for due sites and purges old job records.
type Scheduler struct {
	creator   Creator
	sites     bylaw.SiteStore
	jobs      bylaw.JobStore
	clock     bylaw.Clock
	cfg       SchedulerConfig
	logger    *zap.Logger
	lastPurge time.Time
}

// NewScheduler constructs a Scheduler.
func NewScheduler(creator Creator, sites bylaw.SiteStore, jobs bylaw.JobStore, clock bylaw.Clock, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		creator: creator,
		sites:   sites,
		jobs:    jobs,
		clock:   clock,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	s.logger.Info("scheduler started", zap.Duration("tick", s.cfg.TickInterval))
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick frees sites held by abandoned jobs, creates jobs for every due site
// and runs the retention purge when it is due. It returns the jobs created.
func (s *Scheduler) Tick(ctx context.Context) []bylaw.CaptureJob {
	now := s.clock.Now()
	if n, err := s.creator.RecoverAbandoned(ctx); err != nil {
		s.logger.Error("abandoned job sweep failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("abandoned jobs failed", zap.Int("count", n))
	}
	sites, err := s.sites.ListSites(ctx)
	if err != nil {
		s.logger.Error("list sites failed", zap.Error(err))
		return nil
	}
	var created []bylaw.CaptureJob
	for _, site := range sites {
		if !Due(site, now, s.cfg) {
			continue
		}
		job, err := s.creator.CreateJob(ctx, site.ID, bylaw.TriggerScheduled)
		var conflict *bylaw.ConflictError
		switch {
		case errors.As(err, &conflict):
			s.logger.Debug("site busy, skipping", zap.String("site_id", site.ID), zap.String("job_id", conflict.JobID))
		case err != nil:
			s.logger.Warn("scheduled job rejected", zap.String("site_id", site.ID), zap.Error(err))
		default:
			created = append(created, job)
		}
	}
	s.purge(ctx, now)
	return created
}

func (s *Scheduler) purge(ctx context.Context, now time.Time) {
	if !s.lastPurge.IsZero() && now.Sub(s.lastPurge) < s.cfg.PurgeInterval {
		return
	}
	s.lastPurge = now
	removed, err := s.jobs.PurgeFinishedBefore(ctx, now.Add(-s.cfg.JobRetention))
	if err != nil {
		s.logger.Error("job retention purge failed", zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Info("purged finished jobs", zap.Int("removed", removed))
	}
}

// Due reports whether a scheduled run of site should start at now. Sites
// that keep failing are left for a manual trigger.
func Due(site bylaw.TrackedSite, now time.Time, cfg SchedulerConfig) bool {
	cfg = cfg.withDefaults()
	if !site.Enabled || site.ScheduleInterval <= 0 {
		return false
	}
	if site.FailureCount >= cfg.MaxConsecutiveFailures {
		return false
	}
	if site.LastRunAt == nil {
		return true
	}
	wait := max(site.ScheduleInterval, cfg.MinInterval)
	return now.Sub(*site.LastRunAt) >= wait
}
