package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

// DocumentStore keeps tracked documents and version chains in memory. One
// mutex covers both maps so the currency flip is atomic.
type DocumentStore struct {
	mu       sync.RWMutex
	docs     map[string]bylaw.TrackedDocument
	byKey    map[string]string
	versions map[string][]bylaw.DocumentVersion
}

// NewDocumentStore constructs a DocumentStore.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		docs:     make(map[string]bylaw.TrackedDocument),
		byKey:    make(map[string]string),
		versions: make(map[string][]bylaw.DocumentVersion),
	}
}

func docKey(siteID, externalID string) string {
	return siteID + "\x00" + externalID
}

// ResolveDocument returns the document for (site, external id), creating it
// when absent. Title and source URL of an existing document are refreshed.
func (s *DocumentStore) ResolveDocument(_ context.Context, doc bylaw.TrackedDocument) (bylaw.TrackedDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := docKey(doc.SiteID, doc.ExternalID)
	if id, ok := s.byKey[key]; ok {
		existing := s.docs[id]
		if doc.Title != "" {
			existing.Title = doc.Title
		}
		if doc.SourceURL != "" {
			existing.SourceURL = doc.SourceURL
		}
		s.docs[id] = existing
		return existing, nil
	}
	s.docs[doc.ID] = doc
	s.byKey[key] = doc.ID
	return doc, nil
}

// GetDocument fetches a tracked document by ID.
func (s *DocumentStore) GetDocument(_ context.Context, documentID string) (bylaw.TrackedDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[documentID]
	if !ok {
		return bylaw.TrackedDocument{}, fmt.Errorf("document %s: %w", documentID, bylaw.ErrNotFound)
	}
	return doc, nil
}

// CurrentVersion returns the version flagged current.
func (s *DocumentStore) CurrentVersion(_ context.Context, documentID string) (bylaw.DocumentVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.versions[documentID] {
		if v.IsCurrent {
			return v, nil
		}
	}
	return bylaw.DocumentVersion{}, fmt.Errorf("current version of %s: %w", documentID, bylaw.ErrNotFound)
}

// AppendVersion clears the previous current flag and appends version as
// current, provided the chain still ends at prevSequence.
func (s *DocumentStore) AppendVersion(_ context.Context, version bylaw.DocumentVersion, prevSequence int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[version.DocumentID]; !ok {
		return fmt.Errorf("document %s: %w", version.DocumentID, bylaw.ErrNotFound)
	}
	chain := s.versions[version.DocumentID]
	latest := 0
	if n := len(chain); n > 0 {
		latest = chain[n-1].Sequence
	}
	if latest != prevSequence || version.Sequence != prevSequence+1 {
		return fmt.Errorf("document %s at sequence %d, expected %d: %w",
			version.DocumentID, latest, prevSequence, bylaw.ErrSequenceConflict)
	}
	for i := range chain {
		chain[i].IsCurrent = false
	}
	version.IsCurrent = true
	s.versions[version.DocumentID] = append(chain, version)
	return nil
}

// ListVersions returns the version chain in sequence order.
func (s *DocumentStore) ListVersions(_ context.Context, documentID string) ([]bylaw.DocumentVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.versions[documentID]
	out := make([]bylaw.DocumentVersion, len(chain))
	copy(out, chain)
	return out, nil
}
