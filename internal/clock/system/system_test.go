package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

var _ bylaw.Clock = (*Clock)(nil)

func TestNowIsUTCWallTime(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Second)
	got := New().Now()
	after := time.Now().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.WithinRange(t, got, before, after)
}

// Timestamps land in Postgres and audit payloads, so they must compare equal
// after a text round trip.
func TestNowSurvivesTextRoundTrip(t *testing.T) {
	t.Parallel()

	got := New().Now()
	require.NotContains(t, got.String(), "m=")

	parsed, err := time.Parse(time.RFC3339Nano, got.Format(time.RFC3339Nano))
	require.NoError(t, err)
	require.True(t, got.Equal(parsed))
	require.Equal(t, got.String(), parsed.String())
}
