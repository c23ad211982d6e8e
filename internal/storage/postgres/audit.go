package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

const auditColumns = `id, kind, entity_type, entity_id, actor, before, after, severity, occurred_at`

// AppendEvent inserts an audit event. The table is never updated.
func (s *Store) AppendEvent(ctx context.Context, event bylaw.AuditEvent) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO audit_events (`+auditColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		event.ID, string(event.Kind), event.EntityType, event.EntityID, event.Actor,
		event.Before, event.After, string(event.Severity), event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListEvents returns events for one entity, or all events when entityID is
// empty, oldest first.
func (s *Store) ListEvents(ctx context.Context, entityID string) ([]bylaw.AuditEvent, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+auditColumns+` FROM audit_events
WHERE $1 = '' OR entity_id = $1
ORDER BY occurred_at, id`, entityID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()
	var out []bylaw.AuditEvent
	for rows.Next() {
		var (
			e              bylaw.AuditEvent
			kind, severity string
		)
		if err := rows.Scan(&e.ID, &kind, &e.EntityType, &e.EntityID, &e.Actor, &e.Before, &e.After,
			&severity, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Kind = bylaw.AuditKind(kind)
		e.Severity = bylaw.Severity(severity)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return out, nil
}
