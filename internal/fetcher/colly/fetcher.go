// Package collyfetcher implements the static bylaw.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
	"github.com/JakeFAU/bylaw-capture/internal/telemetry"
)

// Version is recorded as the fetcher version on source documents.
const Version = "colly/2.2"

const defaultMaxBodyBytes = 50 << 20

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodyBytes  int
}

// Fetcher implements bylaw.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	logger        *zap.Logger
	transport     http.RoundTripper
	baseCollector *colly.Collector
	robots        *robotsFallbacks
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// fetchOutcome collects what the colly callbacks observed.
type fetchOutcome struct {
	response   bylaw.FetchResponse
	statusCode int
	err        error
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	// Retries revisit the same URL.
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.MaxBodySize = cfg.MaxBodyBytes
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		logger:        logger,
		transport:     transport,
		baseCollector: c,
		robots:        newRobotsFallbacks(robotsFallbackTTL, time.Now),
	}
}

// Fetch executes a single HTTP GET. Failures come back as
// *bylaw.CaptureError so the retry layer can classify them.
func (f *Fetcher) Fetch(ctx context.Context, request bylaw.FetchRequest) (bylaw.FetchResponse, error) {
	start := time.Now()
	outcome := &fetchOutcome{}
	collector, robots := f.buildCollector(request, start, outcome)

	err := f.runCollector(ctx, collector, request.URL, outcome)
	if robots != nil && robots.fallbackReason != "" {
		f.logger.Warn("robots.txt unreadable; fetching as allow-all",
			zap.String("site_id", request.SiteID),
			zap.String("url", request.URL),
			zap.String("reason", robots.fallbackReason),
		)
	}
	if err != nil {
		return bylaw.FetchResponse{}, err
	}
	telemetry.ObserveFetch(request.URL, len(outcome.response.Body))
	return outcome.response, nil
}

func (f *Fetcher) buildCollector(
	request bylaw.FetchRequest,
	start time.Time,
	outcome *fetchOutcome,
) (*colly.Collector, *robotsTransport) {
	collector := f.baseCollector.Clone()
	collector.MaxBodySize = f.cfg.MaxBodyBytes
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	var robots *robotsTransport
	baseTransport := f.transport
	if baseTransport == nil {
		baseTransport = newHTTPTransport()
	}
	if f.cfg.RespectRobots {
		robots = &robotsTransport{base: baseTransport, fallbacks: f.robots, backoff: robotsRetryBackoff}
		collector.WithTransport(robots)
	} else {
		collector.WithTransport(baseTransport)
	}

	f.configureCollectorHooks(collector, request, start, outcome)
	return collector, robots
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request bylaw.FetchRequest,
	start time.Time,
	outcome *fetchOutcome,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request.Headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		outcome.response = bylaw.FetchResponse{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			Headers:     headers,
			ContentType: headers.Get("Content-Type"),
			Body:        append([]byte(nil), r.Body...),
			Duration:    time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			outcome.statusCode = r.StatusCode
		}
		outcome.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, outcome *fetchOutcome) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return classify(url, 0, ctx.Err())
	case err := <-done:
		if outcome.err != nil {
			return classify(url, outcome.statusCode, outcome.err)
		}
		if err != nil {
			return classify(url, 0, err)
		}
		return nil
	}
}

// classify turns a colly or transport failure into a CaptureError.
func classify(url string, status int, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	capErr := &bylaw.CaptureError{Kind: bylaw.KindUnreachable, URL: url, StatusCode: status, Err: err}
	var netErr net.Error
	switch {
	case status != 0:
	case errors.Is(err, context.DeadlineExceeded):
		capErr.Kind = bylaw.KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		capErr.Kind = bylaw.KindTimeout
	case errors.Is(err, colly.ErrRobotsTxtBlocked):
		// Blocked by robots is permanent for this run.
		capErr.StatusCode = http.StatusForbidden
	}
	return capErr
}

func copyHeaders(headers http.Header, r *colly.Request) {
	if headers == nil || r.Headers == nil {
		return
	}
	for key, values := range headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
