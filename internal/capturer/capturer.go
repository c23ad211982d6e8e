// Package capturer fetches tracked sites: it discovers candidate document
// links on listing pages and captures each document into a bundle. Nothing
// is persisted here.
package capturer

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	neturl "net/url"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
	"github.com/JakeFAU/bylaw-capture/internal/retry"
	"github.com/JakeFAU/bylaw-capture/internal/telemetry"
)

// Limiter paces requests per site.
type Limiter interface {
	Wait(ctx context.Context, siteID string, rps float64) error
}

// Config tunes capture behavior.
type Config struct {
	MaxAssets         int
	MaxAssetBytes     int
	PromoteToHeadless bool
}

// Capturer implements discovery and capture for one site at a time.
type Capturer struct {
	fetcher  bylaw.Fetcher
	renderer bylaw.Renderer
	detector bylaw.HeadlessDetector
	parser   bylaw.Parser
	text     bylaw.TextExtractor
	limiter  Limiter
	sleeper  retry.Sleeper
	clock    bylaw.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Capturer. renderer may be a no-op implementation; the
// detector may be nil.
func New(
	fetcher bylaw.Fetcher,
	renderer bylaw.Renderer,
	detector bylaw.HeadlessDetector,
	parser bylaw.Parser,
	text bylaw.TextExtractor,
	limiter Limiter,
	sleeper retry.Sleeper,
	clock bylaw.Clock,
	cfg Config,
	logger *zap.Logger,
) *Capturer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sleeper == nil {
		sleeper = retry.TimerSleeper{}
	}
	if cfg.MaxAssetBytes <= 0 {
		cfg.MaxAssetBytes = 10 << 20
	}
	return &Capturer{
		fetcher:  fetcher,
		renderer: renderer,
		detector: detector,
		parser:   parser,
		text:     text,
		limiter:  limiter,
		sleeper:  sleeper,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Capture fetches one document and returns its bundle.
func (c *Capturer) Capture(ctx context.Context, site bylaw.TrackedSite, link bylaw.DiscoveredLink) (bylaw.CaptureBundle, error) {
	fetchedAt := c.clock.Now().UTC()
	resp, attempts, err := c.fetchPage(ctx, site, link.URL, true)
	if err != nil {
		return bylaw.CaptureBundle{}, err
	}

	bundle := bylaw.CaptureBundle{
		SourceURL:   link.URL,
		LinkText:    link.Text,
		FetchedAt:   fetchedAt,
		StatusCode:  resp.StatusCode,
		Headers:     resp.Headers,
		ContentType: contentTypeOf(resp),
		Screenshot:  resp.Screenshot,
		Rendered:    resp.Rendered,
		Attempts:    attempts,
	}

	switch mediaType := mediaTypeOf(bundle.ContentType); {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		bundle.Kind = bylaw.KindPage
		bundle.Primary = resp.Body
		parsed, err := c.parser.Document(resp.Body, responseURL(resp, link.URL), site.Config.Selectors)
		if err != nil {
			if errors.Is(err, bylaw.ErrSelectorNoMatch) {
				return bylaw.CaptureBundle{}, &bylaw.CaptureError{
					Kind: bylaw.KindSelectorMismatch, URL: link.URL, Attempts: attempts, Err: err,
				}
			}
			return bylaw.CaptureBundle{}, fmt.Errorf("parse %s: %w", link.URL, err)
		}
		bundle.Parsed = parsed
		bundle.Assets = c.fetchAssets(ctx, site, parsed.AssetURLs)
	case mediaType == "application/pdf":
		bundle.Kind = bylaw.KindPDF
		bundle.Binary = resp.Body
		bundle.Parsed = c.binaryDocument(link)
		text, err := c.text.ExtractText(resp.Body)
		if err != nil {
			c.logger.Warn("pdf text extraction failed",
				zap.String("site_id", site.ID), zap.String("url", link.URL), zap.Error(err))
		}
		bundle.Parsed.Content = text
	case mediaType == "text/plain":
		bundle.Kind = bylaw.KindOther
		bundle.Primary = resp.Body
		bundle.Parsed = c.binaryDocument(link)
		bundle.Parsed.Content = string(resp.Body)
	case isBinaryDocument(mediaType):
		bundle.Kind = bylaw.KindOther
		bundle.Binary = resp.Body
		bundle.Parsed = c.binaryDocument(link)
	default:
		return bylaw.CaptureBundle{}, &bylaw.CaptureError{
			Kind:       bylaw.KindUnsupportedContentType,
			URL:        link.URL,
			StatusCode: resp.StatusCode,
			Attempts:   attempts,
			Err:        fmt.Errorf("content type %q", bundle.ContentType),
		}
	}
	return bundle, nil
}

// binaryDocument derives title and number from the link for documents with
// no selectors to apply.
func (c *Capturer) binaryDocument(link bylaw.DiscoveredLink) bylaw.ParsedDocument {
	return bylaw.ParsedDocument{
		Title:  link.Text,
		Number: bylaw.ExtractBylawNumber(link.Text + " " + link.URL),
	}
}

// fetchPage runs a static fetch (or a render) under the site's rate limit
// and retry policy. allowPromote enables the headless detector.
func (c *Capturer) fetchPage(ctx context.Context, site bylaw.TrackedSite, url string, allowPromote bool) (bylaw.FetchResponse, int, error) {
	var resp bylaw.FetchResponse
	attempts, err := retry.Do(ctx, retry.FromConfig(site.Config.Retry), c.sleeper, func(ctx context.Context, _ int) error {
		if err := c.limiter.Wait(ctx, site.ID, site.Config.RateLimitPerSecond); err != nil {
			return err
		}
		r, err := c.fetchOnce(ctx, site, url, allowPromote)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	telemetry.ObserveRetries(site.ID, attempts)
	if err != nil {
		var capErr *bylaw.CaptureError
		if errors.As(err, &capErr) {
			capErr.Attempts = attempts
		}
		return bylaw.FetchResponse{}, attempts, err
	}
	return resp, attempts, nil
}

func (c *Capturer) fetchOnce(ctx context.Context, site bylaw.TrackedSite, url string, allowPromote bool) (bylaw.FetchResponse, error) {
	req := bylaw.FetchRequest{SiteID: site.ID, URL: url}
	// A browser cannot hand back the original bytes of a PDF or office file,
	// so those are fetched statically even on rendering sites.
	if site.Config.RequiresRendering && !binaryByExtension(url) {
		return c.renderer.Render(ctx, req)
	}
	resp, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		return bylaw.FetchResponse{}, err
	}
	if !allowPromote || !c.cfg.PromoteToHeadless || c.detector == nil || !c.detector.ShouldPromote(resp) {
		return resp, nil
	}
	rendered, err := c.renderer.Render(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return bylaw.FetchResponse{}, ctx.Err()
		}
		c.logger.Warn("headless promotion failed; keeping static response",
			zap.String("site_id", site.ID), zap.String("url", url), zap.Error(err))
		return resp, nil
	}
	c.logger.Info("headless promotion applied", zap.String("site_id", site.ID), zap.String("url", url))
	return rendered, nil
}

// fetchAssets pulls referenced stylesheets and images once each. Failures
// are logged and skipped.
func (c *Capturer) fetchAssets(ctx context.Context, site bylaw.TrackedSite, urls []string) []bylaw.Asset {
	limit := len(urls)
	if c.cfg.MaxAssets >= 0 && c.cfg.MaxAssets < limit {
		limit = c.cfg.MaxAssets
	}
	assets := make([]bylaw.Asset, 0, limit)
	for _, u := range urls[:limit] {
		if err := c.limiter.Wait(ctx, site.ID, site.Config.RateLimitPerSecond); err != nil {
			return assets
		}
		resp, err := c.fetcher.Fetch(ctx, bylaw.FetchRequest{SiteID: site.ID, URL: u})
		if err != nil {
			c.logger.Debug("asset fetch skipped", zap.String("site_id", site.ID), zap.String("url", u), zap.Error(err))
			continue
		}
		if len(resp.Body) > c.cfg.MaxAssetBytes {
			c.logger.Debug("asset too large", zap.String("url", u), zap.Int("bytes", len(resp.Body)))
			continue
		}
		assets = append(assets, bylaw.Asset{URL: u, ContentType: contentTypeOf(resp), Body: resp.Body})
	}
	return assets
}

func contentTypeOf(resp bylaw.FetchResponse) string {
	if resp.ContentType != "" {
		return resp.ContentType
	}
	if ct := resp.Headers.Get("Content-Type"); ct != "" {
		return ct
	}
	return http.DetectContentType(resp.Body)
}

func mediaTypeOf(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	return mediaType
}

func isBinaryDocument(mediaType string) bool {
	switch {
	case mediaType == "application/octet-stream",
		mediaType == "application/msword",
		mediaType == "application/rtf",
		strings.HasPrefix(mediaType, "application/vnd.openxmlformats-officedocument."),
		strings.HasPrefix(mediaType, "application/vnd.oasis.opendocument."):
		return true
	default:
		return false
	}
}

// binaryExtensions are path suffixes of documents kept as opaque bytes.
var binaryExtensions = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true, ".rtf": true,
	".odt": true, ".xls": true, ".xlsx": true, ".ods": true,
}

func binaryByExtension(rawURL string) bool {
	u, err := neturl.Parse(rawURL)
	if err != nil {
		return false
	}
	return binaryExtensions[strings.ToLower(path.Ext(u.Path))]
}

func responseURL(resp bylaw.FetchResponse, fallback string) string {
	if resp.URL != "" {
		return resp.URL
	}
	return fallback
}
