package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

const jobColumns = `id, site_id, trigger, retry_of, status, created_at, started_at, finished_at, stats, errors, cancel_requested`

// CreateJob inserts a job. The partial unique index on in-flight jobs turns
// a concurrent insert for the same site into a ConflictError.
func (s *Store) CreateJob(ctx context.Context, job bylaw.CaptureJob) error {
	stats, errs, err := encodeJobDetails(job)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO capture_jobs (`+jobColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		job.ID, job.SiteID, string(job.Trigger), job.RetryOf, string(job.Status),
		job.CreatedAt, job.StartedAt, job.FinishedAt, stats, errs, job.CancelRequested,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &bylaw.ConflictError{SiteID: job.SiteID}
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (bylaw.CaptureJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM capture_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return bylaw.CaptureJob{}, fmt.Errorf("job %s: %w", jobID, bylaw.ErrNotFound)
		}
		return bylaw.CaptureJob{}, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// UpdateJob writes status, timestamps, stats and errors of a non-terminal job.
func (s *Store) UpdateJob(ctx context.Context, job bylaw.CaptureJob) error {
	stats, errs, err := encodeJobDetails(job)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE capture_jobs
SET status = $2, started_at = $3, finished_at = $4, stats = $5, errors = $6,
    cancel_requested = cancel_requested OR $7
WHERE id = $1 AND status IN ('pending', 'running')`,
		job.ID, string(job.Status), job.StartedAt, job.FinishedAt, stats, errs, job.CancelRequested,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrFinished(ctx, job.ID)
	}
	return nil
}

// RequestCancel flags a non-terminal job for cooperative cancellation.
func (s *Store) RequestCancel(ctx context.Context, jobID string) (bylaw.CaptureJob, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE capture_jobs SET cancel_requested = TRUE
WHERE id = $1 AND status IN ('pending', 'running')
RETURNING `+jobColumns, jobID)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return bylaw.CaptureJob{}, fmt.Errorf("request cancel: %w", err)
	}
	return bylaw.CaptureJob{}, s.missingOrFinished(ctx, jobID)
}

// ListActiveJobs returns pending and running jobs, oldest first.
func (s *Store) ListActiveJobs(ctx context.Context) ([]bylaw.CaptureJob, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM capture_jobs
WHERE status IN ('pending', 'running') ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("select active jobs: %w", err)
	}
	defer rows.Close()
	var jobs []bylaw.CaptureJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active jobs: %w", err)
	}
	return jobs, nil
}

// PurgeFinishedBefore deletes terminal jobs finished before cutoff.
func (s *Store) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
DELETE FROM capture_jobs
WHERE status IN ('completed', 'failed', 'cancelled') AND finished_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) missingOrFinished(ctx context.Context, jobID string) error {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	return fmt.Errorf("job %s: %w", jobID, bylaw.ErrJobFinished)
}

func encodeJobDetails(job bylaw.CaptureJob) ([]byte, []byte, error) {
	stats, err := json.Marshal(job.Stats)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal stats: %w", err)
	}
	jobErrors := job.Errors
	if jobErrors == nil {
		jobErrors = []bylaw.JobError{}
	}
	errs, err := json.Marshal(jobErrors)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal errors: %w", err)
	}
	return stats, errs, nil
}

func scanJob(row pgx.Row) (bylaw.CaptureJob, error) {
	var (
		job              bylaw.CaptureJob
		trigger, status  string
		statsRaw, errRaw []byte
	)
	err := row.Scan(&job.ID, &job.SiteID, &trigger, &job.RetryOf, &status, &job.CreatedAt,
		&job.StartedAt, &job.FinishedAt, &statsRaw, &errRaw, &job.CancelRequested)
	if err != nil {
		return bylaw.CaptureJob{}, err
	}
	job.Trigger = bylaw.TriggerKind(trigger)
	job.Status = bylaw.JobStatus(status)
	if len(statsRaw) > 0 {
		if err := json.Unmarshal(statsRaw, &job.Stats); err != nil {
			return bylaw.CaptureJob{}, fmt.Errorf("decode stats: %w", err)
		}
	}
	if len(errRaw) > 0 {
		if err := json.Unmarshal(errRaw, &job.Errors); err != nil {
			return bylaw.CaptureJob{}, fmt.Errorf("decode errors: %w", err)
		}
	}
	return job, nil
}
