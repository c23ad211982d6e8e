package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

// FactStore keeps requirement facts in memory keyed by version.
type FactStore struct {
	mu    sync.RWMutex
	facts map[string][]bylaw.RequirementFact
}

// NewFactStore constructs a FactStore.
func NewFactStore() *FactStore {
	return &FactStore{facts: make(map[string][]bylaw.RequirementFact)}
}

// ReplaceFacts swaps the whole fact set of a version.
func (s *FactStore) ReplaceFacts(_ context.Context, versionID string, facts []bylaw.RequirementFact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts[versionID] = append([]bylaw.RequirementFact(nil), facts...)
	return nil
}

// ListFacts returns the facts of a version.
func (s *FactStore) ListFacts(_ context.Context, versionID string) ([]bylaw.RequirementFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]bylaw.RequirementFact(nil), s.facts[versionID]...), nil
}
