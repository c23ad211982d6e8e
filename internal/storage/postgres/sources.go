package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

const sourceColumns = `id, site_id, job_id, source_url, kind, fetched_at, fetcher_version, status_code,
headers, content_type, fingerprint, artifacts, status, preservation_error, size_bytes`

// CreateSource inserts a pending provenance record.
func (s *Store) CreateSource(ctx context.Context, src bylaw.SourceDocument) error {
	if src.ID == "" {
		return fmt.Errorf("source id is required")
	}
	headersJSON, err := json.Marshal(normalizeHeaders(src.Headers))
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	artifactsJSON, err := json.Marshal(src.Artifacts)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO source_documents (`+sourceColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		src.ID, src.SiteID, src.JobID, src.SourceURL, string(src.Kind), src.FetchedAt, src.FetcherVersion,
		src.StatusCode, headersJSON, src.ContentType, src.Fingerprint, artifactsJSON,
		string(bylaw.PreservationPending), src.PreservationError, src.SizeBytes,
	)
	if err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	return nil
}

// CompleteSource transitions a pending record to preserved or failed. Once
// complete a record never changes.
func (s *Store) CompleteSource(ctx context.Context, src bylaw.SourceDocument) error {
	if src.Status == bylaw.PreservationPending {
		return fmt.Errorf("source %s must complete as preserved or failed", src.ID)
	}
	artifactsJSON, err := json.Marshal(src.Artifacts)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE source_documents
SET status = $2, fingerprint = $3, artifacts = $4, preservation_error = $5, size_bytes = $6
WHERE id = $1 AND status = 'pending'`,
		src.ID, string(src.Status), src.Fingerprint, artifactsJSON, src.PreservationError, src.SizeBytes,
	)
	if err != nil {
		return fmt.Errorf("complete source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetSource(ctx, src.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("source %s is no longer pending and is immutable", src.ID)
	}
	return nil
}

// GetSource fetches a provenance record.
func (s *Store) GetSource(ctx context.Context, sourceID string) (bylaw.SourceDocument, error) {
	var (
		src                      bylaw.SourceDocument
		kind, status             string
		headersRaw, artifactsRaw []byte
	)
	err := s.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM source_documents WHERE id = $1`, sourceID).
		Scan(&src.ID, &src.SiteID, &src.JobID, &src.SourceURL, &kind, &src.FetchedAt, &src.FetcherVersion,
			&src.StatusCode, &headersRaw, &src.ContentType, &src.Fingerprint, &artifactsRaw, &status,
			&src.PreservationError, &src.SizeBytes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return bylaw.SourceDocument{}, fmt.Errorf("source %s: %w", sourceID, bylaw.ErrNotFound)
		}
		return bylaw.SourceDocument{}, fmt.Errorf("select source: %w", err)
	}
	src.Kind = bylaw.DocumentKind(kind)
	src.Status = bylaw.PreservationStatus(status)
	if len(headersRaw) > 0 {
		var headers map[string][]string
		if err := json.Unmarshal(headersRaw, &headers); err != nil {
			return bylaw.SourceDocument{}, fmt.Errorf("decode headers: %w", err)
		}
		src.Headers = http.Header(headers)
	}
	if len(artifactsRaw) > 0 {
		if err := json.Unmarshal(artifactsRaw, &src.Artifacts); err != nil {
			return bylaw.SourceDocument{}, fmt.Errorf("decode artifacts: %w", err)
		}
	}
	return src, nil
}

func normalizeHeaders(h http.Header) map[string][]string {
	if len(h) == 0 {
		return map[string][]string{}
	}
	out := make(map[string][]string, len(h))
	for k, values := range h {
		out[k] = append([]string(nil), values...)
	}
	return out
}
