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

const siteColumns = `id, name, jurisdiction, enabled, schedule_interval_seconds, config, failure_count, last_run_at, last_error`

// GetSite returns a site by ID.
func (s *Store) GetSite(ctx context.Context, siteID string) (bylaw.TrackedSite, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+siteColumns+` FROM tracked_sites WHERE id = $1`, siteID)
	site, err := scanSite(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return bylaw.TrackedSite{}, fmt.Errorf("site %s: %w", siteID, bylaw.ErrNotFound)
		}
		return bylaw.TrackedSite{}, fmt.Errorf("select site: %w", err)
	}
	return site, nil
}

// ListSites returns all sites ordered by ID.
func (s *Store) ListSites(ctx context.Context) ([]bylaw.TrackedSite, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+siteColumns+` FROM tracked_sites ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()
	var out []bylaw.TrackedSite
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		out = append(out, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sites: %w", err)
	}
	return out, nil
}

// UpsertSite inserts or replaces a site definition, keeping run bookkeeping.
func (s *Store) UpsertSite(ctx context.Context, site bylaw.TrackedSite) error {
	cfg, err := json.Marshal(site.Config)
	if err != nil {
		return fmt.Errorf("marshal site config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO tracked_sites (id, name, jurisdiction, enabled, schedule_interval_seconds, config)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name, jurisdiction = EXCLUDED.jurisdiction, enabled = EXCLUDED.enabled,
    schedule_interval_seconds = EXCLUDED.schedule_interval_seconds, config = EXCLUDED.config`,
		site.ID, site.Name, site.Jurisdiction, site.Enabled, int64(site.ScheduleInterval/time.Second), cfg,
	)
	if err != nil {
		return fmt.Errorf("upsert site: %w", err)
	}
	return nil
}

// RecordRun stamps the last run and maintains the consecutive failure count.
func (s *Store) RecordRun(ctx context.Context, siteID string, at time.Time, runErr string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE tracked_sites
SET last_run_at = $2, last_error = $3,
    failure_count = CASE WHEN $3 = '' THEN 0 ELSE failure_count + 1 END
WHERE id = $1`, siteID, at, runErr)
	if err != nil {
		return fmt.Errorf("record site run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("site %s: %w", siteID, bylaw.ErrNotFound)
	}
	return nil
}

func scanSite(row pgx.Row) (bylaw.TrackedSite, error) {
	var (
		site     bylaw.TrackedSite
		interval int64
		cfgRaw   []byte
	)
	err := row.Scan(&site.ID, &site.Name, &site.Jurisdiction, &site.Enabled, &interval, &cfgRaw,
		&site.FailureCount, &site.LastRunAt, &site.LastError)
	if err != nil {
		return bylaw.TrackedSite{}, err
	}
	site.ScheduleInterval = time.Duration(interval) * time.Second
	cfg, err := bylaw.DecodeSiteConfig(cfgRaw)
	if err != nil {
		return bylaw.TrackedSite{}, fmt.Errorf("site %s: %w", site.ID, err)
	}
	site.Config = cfg
	return site, nil
}
