package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

const factColumns = `id, version_id, category, description, value, unit, confidence, snippet, section_ref, extracted_at`

// ReplaceFacts deletes the version's facts and inserts the new set in one
// transaction.
func (s *Store) ReplaceFacts(ctx context.Context, versionID string, facts []bylaw.RequirementFact) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM requirement_facts WHERE version_id = $1`, versionID); err != nil {
			return fmt.Errorf("delete facts: %w", err)
		}
		for _, f := range facts {
			_, err := tx.Exec(ctx, `
INSERT INTO requirement_facts (`+factColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
				f.ID, versionID, string(f.Category), f.Description, f.Value, f.Unit, f.Confidence,
				f.Snippet, f.SectionRef, f.ExtractedAt,
			)
			if err != nil {
				return fmt.Errorf("insert fact: %w", err)
			}
		}
		return nil
	})
}

// ListFacts returns the facts of a version.
func (s *Store) ListFacts(ctx context.Context, versionID string) ([]bylaw.RequirementFact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+factColumns+` FROM requirement_facts WHERE version_id = $1 ORDER BY category, id`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()
	var out []bylaw.RequirementFact
	for rows.Next() {
		var (
			f        bylaw.RequirementFact
			category string
		)
		if err := rows.Scan(&f.ID, &f.VersionID, &category, &f.Description, &f.Value, &f.Unit,
			&f.Confidence, &f.Snippet, &f.SectionRef, &f.ExtractedAt); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		f.Category = bylaw.FactCategory(category)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facts: %w", err)
	}
	return out, nil
}
