package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

// SiteStore keeps tracked sites in memory, seeded from configuration.
type SiteStore struct {
	mu    sync.RWMutex
	sites map[string]bylaw.TrackedSite
}

// NewSiteStore constructs a SiteStore holding the given sites.
func NewSiteStore(sites ...bylaw.TrackedSite) *SiteStore {
	s := &SiteStore{sites: make(map[string]bylaw.TrackedSite, len(sites))}
	for _, site := range sites {
		s.sites[site.ID] = site
	}
	return s
}

// GetSite returns a site by ID.
func (s *SiteStore) GetSite(_ context.Context, siteID string) (bylaw.TrackedSite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.sites[siteID]
	if !ok {
		return bylaw.TrackedSite{}, fmt.Errorf("site %s: %w", siteID, bylaw.ErrNotFound)
	}
	return site, nil
}

// ListSites returns all sites ordered by ID.
func (s *SiteStore) ListSites(_ context.Context) ([]bylaw.TrackedSite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]bylaw.TrackedSite, 0, len(s.sites))
	for _, site := range s.sites {
		out = append(out, site)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertSite inserts or replaces a site definition, keeping run bookkeeping.
func (s *SiteStore) UpsertSite(_ context.Context, site bylaw.TrackedSite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sites[site.ID]; ok {
		site.FailureCount = existing.FailureCount
		site.LastRunAt = existing.LastRunAt
		site.LastError = existing.LastError
	}
	s.sites[site.ID] = site
	return nil
}

// RecordRun stamps the last run time. A non-empty runErr increments the
// consecutive failure count; success resets it.
func (s *SiteStore) RecordRun(_ context.Context, siteID string, at time.Time, runErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[siteID]
	if !ok {
		return fmt.Errorf("site %s: %w", siteID, bylaw.ErrNotFound)
	}
	ts := at
	site.LastRunAt = &ts
	site.LastError = runErr
	if runErr != "" {
		site.FailureCount++
	} else {
		site.FailureCount = 0
	}
	s.sites[siteID] = site
	return nil
}
