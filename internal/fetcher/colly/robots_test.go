package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRobotsTransport(base http.RoundTripper, fallbacks *robotsFallbacks) *robotsTransport {
	return &robotsTransport{base: base, fallbacks: fallbacks, backoff: []time.Duration{0, 0, 0}}
}

type manualNow struct{ t time.Time }

func (m *manualNow) now() time.Time { return m.t }

func TestRobotsTimeoutFallsBackToAllowAll(t *testing.T) {
	t.Parallel()

	clock := &manualNow{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	fallbacks := newRobotsFallbacks(time.Hour, clock.now)
	base := &stubRoundTripper{results: []roundTripResult{{err: context.DeadlineExceeded}}}
	transport := newTestRobotsTransport(base, fallbacks)

	resp, err := transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://town.example.gov/robots.txt", nil))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, resp.Body.Close()) })

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, allowAllRobots, string(body))
	require.Equal(t, robotsFallbackTLSTimeout, transport.fallbackReason)
	require.Equal(t, 4, base.calls)

	reason, ok := fallbacks.lookup("town.example.gov")
	require.True(t, ok)
	require.Equal(t, robotsFallbackTLSTimeout, reason)
}

func TestRobotsFallbackIsRememberedPerHost(t *testing.T) {
	t.Parallel()

	clock := &manualNow{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	fallbacks := newRobotsFallbacks(time.Hour, clock.now)
	fallbacks.mark("town.example.gov", robotsFallbackTLSTimeout)

	// A later document on the same host skips the retries.
	base := &stubRoundTripper{results: []roundTripResult{{resp: httptest.NewRecorder().Result()}}}
	transport := newTestRobotsTransport(base, fallbacks)
	resp, err := transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://town.example.gov/robots.txt", nil))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Zero(t, base.calls)
	require.Equal(t, robotsFallbackTLSTimeout, transport.fallbackReason)

	// Other hosts still read their own robots.txt.
	other := newTestRobotsTransport(base, fallbacks)
	resp, err = other.RoundTrip(httptest.NewRequest(http.MethodGet, "https://county.example.gov/robots.txt", nil))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, 1, base.calls)
	require.Empty(t, other.fallbackReason)

	// Once the entry expires the host is read again.
	clock.t = clock.t.Add(time.Hour)
	again := newTestRobotsTransport(base, fallbacks)
	resp, err = again.RoundTrip(httptest.NewRequest(http.MethodGet, "https://town.example.gov/robots.txt", nil))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, 2, base.calls)
	require.Empty(t, again.fallbackReason)
}

func TestRobotsRetryStopsAfterSuccess(t *testing.T) {
	t.Parallel()

	fallbacks := newRobotsFallbacks(time.Hour, time.Now)
	base := &stubRoundTripper{
		results: []roundTripResult{
			{err: context.DeadlineExceeded},
			{resp: httptest.NewRecorder().Result()},
		},
	}
	transport := newTestRobotsTransport(base, fallbacks)

	resp, err := transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://town.example.gov/robots.txt", nil))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, 2, base.calls)
	require.Empty(t, transport.fallbackReason)
	_, ok := fallbacks.lookup("town.example.gov")
	require.False(t, ok)
}

func TestRobotsPermanentErrorIsReturned(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{err: errors.New("connection refused")}}}
	transport := newTestRobotsTransport(base, newRobotsFallbacks(time.Hour, time.Now))

	_, err := transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://town.example.gov/robots.txt", nil))
	require.ErrorContains(t, err, "connection refused")
	require.Equal(t, 1, base.calls)
}

func TestRobotsTransportPassesThroughDocumentRequests(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{resp: httptest.NewRecorder().Result()}}}
	transport := newTestRobotsTransport(base, newRobotsFallbacks(time.Hour, time.Now))

	resp, err := transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://town.example.gov/bylaws/2024-07", nil))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, 1, base.calls)
}

type roundTripResult struct {
	resp *http.Response
	err  error
}

type stubRoundTripper struct {
	results []roundTripResult
	calls   int
}

func (s *stubRoundTripper) RoundTrip(_ *http.Request) (*http.Response, error) {
	defer func() { s.calls++ }()
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	res := s.results[idx]
	return res.resp, res.err
}
