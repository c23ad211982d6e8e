package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]bylaw.CaptureJob
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]bylaw.CaptureJob),
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job bylaw.CaptureJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (bylaw.CaptureJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return bylaw.CaptureJob{}, fmt.Errorf("job %s: %w", jobID, bylaw.ErrNotFound)
	}
	return cloneJob(job), nil
}

// UpdateJob replaces the mutable fields of a job. Terminal jobs are frozen
// and a pending cancel request is never cleared.
func (s *JobStore) UpdateJob(_ context.Context, job bylaw.CaptureJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("job %s: %w", job.ID, bylaw.ErrNotFound)
	}
	if current.Status.Terminal() {
		return fmt.Errorf("job %s: %w", job.ID, bylaw.ErrJobFinished)
	}
	job.CancelRequested = job.CancelRequested || current.CancelRequested
	job.CreatedAt = current.CreatedAt
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// RequestCancel flags a non-terminal job for cooperative cancellation.
func (s *JobStore) RequestCancel(_ context.Context, jobID string) (bylaw.CaptureJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return bylaw.CaptureJob{}, fmt.Errorf("job %s: %w", jobID, bylaw.ErrNotFound)
	}
	if job.Status.Terminal() {
		return cloneJob(job), fmt.Errorf("job %s: %w", jobID, bylaw.ErrJobFinished)
	}
	job.CancelRequested = true
	s.jobs[jobID] = job
	return cloneJob(job), nil
}

// ListActiveJobs returns pending and running jobs ordered by creation time.
func (s *JobStore) ListActiveJobs(_ context.Context) ([]bylaw.CaptureJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []bylaw.CaptureJob
	for _, job := range s.jobs {
		if !job.Status.Terminal() {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// PurgeFinishedBefore removes terminal jobs that finished before cutoff.
func (s *JobStore) PurgeFinishedBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

func cloneJob(job bylaw.CaptureJob) bylaw.CaptureJob {
	if job.Errors != nil {
		job.Errors = append([]bylaw.JobError(nil), job.Errors...)
	}
	return job
}
