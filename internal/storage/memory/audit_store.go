package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

// AuditStore is an append-only in-memory audit log.
type AuditStore struct {
	mu     sync.RWMutex
	events []bylaw.AuditEvent
}

// NewAuditStore constructs an AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

// AppendEvent appends an event.
func (s *AuditStore) AppendEvent(_ context.Context, event bylaw.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// ListEvents returns events for an entity in append order. An empty
// entityID returns every event.
func (s *AuditStore) ListEvents(_ context.Context, entityID string) ([]bylaw.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]bylaw.AuditEvent, 0, len(s.events))
	for _, e := range s.events {
		if entityID == "" || e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}
