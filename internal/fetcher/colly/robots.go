package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/bylaw-capture/internal/telemetry"
)

const (
	robotsFallbackTLSTimeout = "tls_handshake_timeout"
	robotsFallbackTTL        = 15 * time.Minute
	allowAllRobots           = "User-agent: *\nAllow: /"
)

var robotsRetryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsFallbacks remembers municipal hosts whose robots.txt could not be
// read, so later documents on the same host go straight to allow-all until
// the entry expires.
type robotsFallbacks struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	hosts map[string]robotsFallback
}

type robotsFallback struct {
	reason string
	until  time.Time
}

func newRobotsFallbacks(ttl time.Duration, now func() time.Time) *robotsFallbacks {
	return &robotsFallbacks{ttl: ttl, now: now, hosts: make(map[string]robotsFallback)}
}

func (r *robotsFallbacks) lookup(host string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fb, ok := r.hosts[host]
	if !ok {
		return "", false
	}
	if !r.now().Before(fb.until) {
		delete(r.hosts, host)
		return "", false
	}
	return fb.reason, true
}

func (r *robotsFallbacks) mark(host, reason string) {
	r.mu.Lock()
	r.hosts[host] = robotsFallback{reason: reason, until: r.now().Add(r.ttl)}
	r.mu.Unlock()
	telemetry.ObserveRobotsFallback(reason)
}

// robotsTransport retries robots.txt reads that time out and answers
// allow-all once the host has exhausted its retries. It is built per fetch;
// fallbackReason is set when that fetch used the allow-all answer.
type robotsTransport struct {
	base           http.RoundTripper
	fallbacks      *robotsFallbacks
	backoff        []time.Duration
	fallbackReason string
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport received nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("roundtrip %s: %w", req.URL.Host, err)
		}
		return resp, nil
	}

	host := req.URL.Host
	if reason, ok := t.fallbacks.lookup(host); ok {
		t.fallbackReason = reason
		return allowAllResponse(req), nil
	}
	for attempt := 0; ; attempt++ {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		if !isTransientTLSError(err) {
			return nil, fmt.Errorf("read robots.txt on %s: %w", host, err)
		}
		if attempt >= len(t.backoff) {
			t.fallbacks.mark(host, robotsFallbackTLSTimeout)
			t.fallbackReason = robotsFallbackTLSTimeout
			return allowAllResponse(req), nil
		}
		if err := sleepWithContext(req.Context(), t.backoff[attempt]); err != nil {
			return nil, fmt.Errorf("robots.txt retry on %s: %w", host, err)
		}
	}
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Request:       req,
	}
}

func isTransientTLSError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
