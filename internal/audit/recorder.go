// Package audit appends audit events to the store and fans them out to a
// publisher.
package audit

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

// DefaultTopic is used when no topic is configured.
const DefaultTopic = "bylaw-audit"

// Recorder implements bylaw.Auditor. The store append must succeed; the
// publish is best effort.
type Recorder struct {
	store     bylaw.AuditStore
	publisher bylaw.Publisher
	topic     string
	ids       bylaw.IDGenerator
	clock     bylaw.Clock
	logger    *zap.Logger
}

// New constructs a Recorder. publisher may be nil.
func New(store bylaw.AuditStore, publisher bylaw.Publisher, topic string, ids bylaw.IDGenerator, clock bylaw.Clock, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return &Recorder{store: store, publisher: publisher, topic: topic, ids: ids, clock: clock, logger: logger}
}

// Record stores the event, filling ID, OccurredAt, Actor and Severity when
// unset, then publishes it keyed by entity id.
func (r *Recorder) Record(ctx context.Context, event bylaw.AuditEvent) error {
	if event.ID == "" {
		id, err := r.ids.NewID()
		if err != nil {
			return fmt.Errorf("audit id: %w", err)
		}
		event.ID = id
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = r.clock.Now()
	}
	if event.Actor == "" {
		event.Actor = "system"
	}
	if event.Severity == "" {
		event.Severity = bylaw.SeverityInfo
	}
	if err := r.store.AppendEvent(ctx, event); err != nil {
		return fmt.Errorf("append audit event %s: %w", event.Kind, err)
	}

	if r.publisher == nil {
		return nil
	}
	msg := bylaw.Message{
		Key: event.EntityID,
		Attributes: map[string]string{
			"kind":        string(event.Kind),
			"entity_type": event.EntityType,
			"severity":    string(event.Severity),
		},
		Payload: event,
	}
	if _, err := r.publisher.Publish(ctx, r.topic, msg); err != nil {
		r.logger.Warn("audit publish failed",
			zap.String("kind", string(event.Kind)),
			zap.String("entity_id", event.EntityID),
			zap.Error(err),
		)
	}
	return nil
}
