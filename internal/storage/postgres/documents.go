package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

const documentColumns = `id, site_id, external_id, title, category, status, source_url, created_at`

const versionColumns = `id, document_id, sequence, title, content, fingerprint, source_document_id,
classification, change_summary, enacted_on, created_at, is_current`

// ResolveDocument upserts on (site_id, external_id) and returns the stored row.
func (s *Store) ResolveDocument(ctx context.Context, doc bylaw.TrackedDocument) (bylaw.TrackedDocument, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO tracked_documents (`+documentColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (site_id, external_id) DO UPDATE
SET title = COALESCE(NULLIF(EXCLUDED.title, ''), tracked_documents.title),
    source_url = COALESCE(NULLIF(EXCLUDED.source_url, ''), tracked_documents.source_url)
RETURNING `+documentColumns,
		doc.ID, doc.SiteID, doc.ExternalID, doc.Title, doc.Category, string(doc.Status), doc.SourceURL, doc.CreatedAt,
	)
	out, err := scanDocument(row)
	if err != nil {
		return bylaw.TrackedDocument{}, fmt.Errorf("upsert document: %w", err)
	}
	return out, nil
}

// GetDocument fetches a tracked document.
func (s *Store) GetDocument(ctx context.Context, documentID string) (bylaw.TrackedDocument, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM tracked_documents WHERE id = $1`, documentID)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return bylaw.TrackedDocument{}, fmt.Errorf("document %s: %w", documentID, bylaw.ErrNotFound)
		}
		return bylaw.TrackedDocument{}, fmt.Errorf("select document: %w", err)
	}
	return doc, nil
}

// CurrentVersion returns the version flagged current.
func (s *Store) CurrentVersion(ctx context.Context, documentID string) (bylaw.DocumentVersion, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM document_versions WHERE document_id = $1 AND is_current`, documentID)
	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return bylaw.DocumentVersion{}, fmt.Errorf("current version of %s: %w", documentID, bylaw.ErrNotFound)
		}
		return bylaw.DocumentVersion{}, fmt.Errorf("select current version: %w", err)
	}
	return v, nil
}

// AppendVersion performs the currency flip in one transaction. The document
// row is locked so concurrent appends serialize; the chain must still end at
// prevSequence or the append fails with bylaw.ErrSequenceConflict.
func (s *Store) AppendVersion(ctx context.Context, version bylaw.DocumentVersion, prevSequence int) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var locked string
		err := tx.QueryRow(ctx, `SELECT id FROM tracked_documents WHERE id = $1 FOR UPDATE`, version.DocumentID).
			Scan(&locked)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("document %s: %w", version.DocumentID, bylaw.ErrNotFound)
			}
			return fmt.Errorf("lock document: %w", err)
		}

		var latest int
		err = tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(sequence), 0) FROM document_versions WHERE document_id = $1`, version.DocumentID).
			Scan(&latest)
		if err != nil {
			return fmt.Errorf("read latest sequence: %w", err)
		}
		if latest != prevSequence || version.Sequence != prevSequence+1 {
			return fmt.Errorf("document %s at sequence %d, expected %d: %w",
				version.DocumentID, latest, prevSequence, bylaw.ErrSequenceConflict)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE document_versions SET is_current = FALSE WHERE document_id = $1 AND is_current`,
			version.DocumentID); err != nil {
			return fmt.Errorf("clear current version: %w", err)
		}
		_, err = tx.Exec(ctx, `
INSERT INTO document_versions (`+versionColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,TRUE)`,
			version.ID, version.DocumentID, version.Sequence, version.Title, version.Content, version.Fingerprint,
			version.SourceDocumentID, string(version.Classification), version.ChangeSummary, version.EnactedOn,
			version.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("insert version %d: %w", version.Sequence, bylaw.ErrSequenceConflict)
			}
			return fmt.Errorf("insert version: %w", err)
		}
		return nil
	})
}

// ListVersions returns the version chain in sequence order.
func (s *Store) ListVersions(ctx context.Context, documentID string) ([]bylaw.DocumentVersion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+versionColumns+` FROM document_versions WHERE document_id = $1 ORDER BY sequence`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()
	var out []bylaw.DocumentVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return out, nil
}

func scanDocument(row pgx.Row) (bylaw.TrackedDocument, error) {
	var (
		doc    bylaw.TrackedDocument
		status string
	)
	if err := row.Scan(&doc.ID, &doc.SiteID, &doc.ExternalID, &doc.Title, &doc.Category, &status,
		&doc.SourceURL, &doc.CreatedAt); err != nil {
		return bylaw.TrackedDocument{}, err
	}
	doc.Status = bylaw.LifecycleStatus(status)
	return doc, nil
}

func scanVersion(row pgx.Row) (bylaw.DocumentVersion, error) {
	var (
		v     bylaw.DocumentVersion
		class string
	)
	if err := row.Scan(&v.ID, &v.DocumentID, &v.Sequence, &v.Title, &v.Content, &v.Fingerprint,
		&v.SourceDocumentID, &class, &v.ChangeSummary, &v.EnactedOn, &v.CreatedAt, &v.IsCurrent); err != nil {
		return bylaw.DocumentVersion{}, err
	}
	v.Classification = bylaw.ChangeClass(class)
	return v, nil
}
