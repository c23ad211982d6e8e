package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

// SourceStore keeps provenance records in memory.
type SourceStore struct {
	mu      sync.RWMutex
	sources map[string]bylaw.SourceDocument
}

// NewSourceStore constructs a SourceStore.
func NewSourceStore() *SourceStore {
	return &SourceStore{sources: make(map[string]bylaw.SourceDocument)}
}

// CreateSource records a pending source document.
func (s *SourceStore) CreateSource(_ context.Context, src bylaw.SourceDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[src.ID]; ok {
		return fmt.Errorf("source %s already exists", src.ID)
	}
	if src.Status != bylaw.PreservationPending {
		return fmt.Errorf("source %s must be created pending, got %s", src.ID, src.Status)
	}
	s.sources[src.ID] = src
	return nil
}

// CompleteSource moves a pending record to preserved or failed.
func (s *SourceStore) CompleteSource(_ context.Context, src bylaw.SourceDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sources[src.ID]
	if !ok {
		return fmt.Errorf("source %s: %w", src.ID, bylaw.ErrNotFound)
	}
	if current.Status != bylaw.PreservationPending {
		return fmt.Errorf("source %s is %s and immutable", src.ID, current.Status)
	}
	if src.Status == bylaw.PreservationPending {
		return fmt.Errorf("source %s must complete as preserved or failed", src.ID)
	}
	s.sources[src.ID] = src
	return nil
}

// GetSource fetches a source document by ID.
func (s *SourceStore) GetSource(_ context.Context, sourceID string) (bylaw.SourceDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[sourceID]
	if !ok {
		return bylaw.SourceDocument{}, fmt.Errorf("source %s: %w", sourceID, bylaw.ErrNotFound)
	}
	return src, nil
}
