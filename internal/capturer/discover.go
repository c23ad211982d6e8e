package capturer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

// Discovery is the outcome of walking a site's listing pages.
type Discovery struct {
	Links []bylaw.DiscoveredLink
	// ListingErrors are listing pages that could not be fetched while
	// other targets still produced links.
	ListingErrors []error
}

// Discover returns the candidate document links for a site. It fails when
// no target listing could be read or a listing selector matches nothing.
func (c *Capturer) Discover(ctx context.Context, site bylaw.TrackedSite) (Discovery, error) {
	cfg := site.Config
	if strings.TrimSpace(cfg.Selectors.LinkList) == "" {
		links := make([]bylaw.DiscoveredLink, 0, len(cfg.TargetURLs))
		for _, u := range cfg.TargetURLs {
			links = append(links, bylaw.DiscoveredLink{URL: u})
		}
		return Discovery{Links: links}, nil
	}

	var (
		out       Discovery
		seen      = make(map[string]bool)
		reachable int
	)
	for _, target := range cfg.TargetURLs {
		ok, err := c.walkListing(ctx, site, target, seen, &out)
		if err != nil {
			return Discovery{}, err
		}
		if ok {
			reachable++
		}
	}
	if reachable == 0 {
		return Discovery{}, fmt.Errorf("no listing reachable for site %s: %w", site.ID, errors.Join(out.ListingErrors...))
	}
	return out, nil
}

// walkListing follows one target's pagination. It reports whether the first
// page was read.
func (c *Capturer) walkListing(ctx context.Context, site bylaw.TrackedSite, target string, seen map[string]bool, out *Discovery) (bool, error) {
	cfg := site.Config
	visited := make(map[string]bool)
	page := target
	for n := 0; n < cfg.ListingPageLimit() && page != "" && !visited[page]; n++ {
		visited[page] = true
		resp, _, err := c.fetchPage(ctx, site, page, false)
		if err != nil {
			if ctx.Err() != nil {
				return false, fmt.Errorf("discover %s: %w", page, ctx.Err())
			}
			c.logger.Warn("listing page unreachable",
				zap.String("site_id", site.ID), zap.String("url", page), zap.Error(err))
			out.ListingErrors = append(out.ListingErrors, err)
			return n > 0, nil
		}
		base := responseURL(resp, page)
		links, err := c.parser.Links(resp.Body, base, cfg.Selectors.LinkList)
		if err != nil {
			if errors.Is(err, bylaw.ErrSelectorNoMatch) {
				return false, &bylaw.CaptureError{Kind: bylaw.KindSelectorMismatch, URL: page, Err: err}
			}
			return false, fmt.Errorf("discover %s: %w", page, err)
		}
		for _, link := range links {
			if seen[link.URL] || !matchesFilters(cfg.Filters, link) {
				continue
			}
			seen[link.URL] = true
			out.Links = append(out.Links, link)
		}
		if !cfg.Pagination.Enabled {
			break
		}
		page, err = c.parser.NextPage(resp.Body, base, cfg.Pagination.NextSelector)
		if err != nil {
			return true, fmt.Errorf("discover next page of %s: %w", base, err)
		}
	}
	return true, nil
}

// matchesFilters applies keyword and category filters; an empty filter
// passes everything.
func matchesFilters(f bylaw.Filters, link bylaw.DiscoveredLink) bool {
	if len(f.Keywords) > 0 {
		haystack := strings.ToLower(link.Text + " " + link.URL)
		hit := slices.ContainsFunc(f.Keywords, func(kw string) bool {
			return strings.Contains(haystack, strings.ToLower(strings.TrimSpace(kw)))
		})
		if !hit {
			return false
		}
	}
	if len(f.DocumentCategories) > 0 {
		category := bylaw.CategorizeDocument(link.Text, "")
		if !slices.ContainsFunc(f.DocumentCategories, func(c string) bool { return strings.EqualFold(c, category) }) {
			return false
		}
	}
	return true
}
