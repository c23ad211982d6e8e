// Package registry tracks in-flight capture jobs: the per-site lease each
// one holds and its cooperative cancellation flag.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
	"github.com/JakeFAU/bylaw-capture/internal/lease"
)

// DefaultLeaseTTL bounds how long a crashed process can block a site.
const DefaultLeaseTTL = 2 * time.Minute

// Handle is the in-process view of a claimed job.
type Handle struct {
	SiteID string
	JobID  string

	cancelled atomic.Bool
	lost      atomic.Bool
	stop      chan struct{}
	done      chan struct{}
}

// Cancel sets the cancellation flag.
func (h *Handle) Cancel() {
	h.cancelled.Store(true)
}

// Cancelled reports whether cancellation was requested.
func (h *Handle) Cancelled() bool {
	return h.cancelled.Load()
}

// Lost reports whether the lease could not be kept alive.
func (h *Handle) Lost() bool {
	return h.lost.Load()
}

// Registry owns site leases for jobs started in this process.
type Registry struct {
	locker bylaw.SiteLocker
	ttl    time.Duration
	logger *zap.Logger

	mu     sync.Mutex
	byJob  map[string]*Handle
	bySite map[string]*Handle
}

// New constructs a Registry.
func New(locker bylaw.SiteLocker, ttl time.Duration, logger *zap.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		locker: locker,
		ttl:    ttl,
		logger: logger,
		byJob:  make(map[string]*Handle),
		bySite: make(map[string]*Handle),
	}
}

// Claim takes the site lease for jobID. A held lease yields a
// *bylaw.ConflictError naming the holder.
func (r *Registry) Claim(ctx context.Context, siteID, jobID string) (*Handle, error) {
	r.mu.Lock()
	if h, ok := r.bySite[siteID]; ok {
		r.mu.Unlock()
		return nil, &bylaw.ConflictError{SiteID: siteID, JobID: h.JobID}
	}
	r.mu.Unlock()

	ok, holder, err := r.locker.Acquire(ctx, siteID, jobID, r.ttl)
	if err != nil {
		return nil, fmt.Errorf("claim site %s: %w", siteID, err)
	}
	if !ok {
		return nil, &bylaw.ConflictError{SiteID: siteID, JobID: holder}
	}

	h := &Handle{SiteID: siteID, JobID: jobID, stop: make(chan struct{}), done: make(chan struct{})}
	r.mu.Lock()
	if other, taken := r.bySite[siteID]; taken {
		r.mu.Unlock()
		if err := r.locker.Release(ctx, siteID, jobID); err != nil {
			r.logger.Warn("release contended site lease failed",
				zap.String("site_id", siteID),
				zap.String("job_id", jobID),
				zap.Error(err),
			)
		}
		return nil, &bylaw.ConflictError{SiteID: siteID, JobID: other.JobID}
	}
	r.byJob[jobID] = h
	r.bySite[siteID] = h
	r.mu.Unlock()

	go r.keepAlive(h)
	return h, nil
}

// keepAlive extends the lease until the handle is released. It runs on a
// background context since the lease must outlive the creating request.
func (r *Registry) keepAlive(h *Handle) {
	defer close(h.done)
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
			err := r.locker.Extend(ctx, h.SiteID, h.JobID, r.ttl)
			cancel()
			if err == nil {
				continue
			}
			r.logger.Error("site lease extension failed",
				zap.String("site_id", h.SiteID),
				zap.String("job_id", h.JobID),
				zap.Error(err),
			)
			if errors.Is(err, lease.ErrLeaseLost) {
				h.lost.Store(true)
				return
			}
		}
	}
}

// Lookup returns the handle of a job running in this process.
func (r *Registry) Lookup(jobID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byJob[jobID]
	return h, ok
}

// Cancel flags a locally registered job. It reports whether the job was
// found.
func (r *Registry) Cancel(jobID string) bool {
	h, ok := r.Lookup(jobID)
	if ok {
		h.Cancel()
	}
	return ok
}

// Release stops the keep-alive and drops the site lease.
func (r *Registry) Release(ctx context.Context, h *Handle) error {
	r.mu.Lock()
	if r.byJob[h.JobID] != h {
		r.mu.Unlock()
		return nil
	}
	delete(r.byJob, h.JobID)
	delete(r.bySite, h.SiteID)
	r.mu.Unlock()

	close(h.stop)
	<-h.done
	if err := r.locker.Release(ctx, h.SiteID, h.JobID); err != nil && !errors.Is(err, lease.ErrLeaseLost) {
		return fmt.Errorf("release site %s: %w", h.SiteID, err)
	}
	return nil
}

// Holder reports which job currently owns the site lease, in any process.
func (r *Registry) Holder(ctx context.Context, siteID string) (string, error) {
	holder, err := r.locker.Holder(ctx, siteID)
	if err != nil {
		return "", fmt.Errorf("lease holder %s: %w", siteID, err)
	}
	return holder, nil
}

// Handles returns the jobs holding leases in this process.
func (r *Registry) Handles() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.byJob))
	for _, h := range r.byJob {
		out = append(out, h)
	}
	return out
}

// Active returns the number of jobs holding leases in this process.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byJob)
}
