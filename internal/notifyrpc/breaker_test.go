package notifyrpc

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream down")

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	b := NewBreaker("test-upstream")
	now := time.Date(2024, 4, 5, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerTripsAfterThreeFailures(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < failureThreshold-1; i++ {
		require.NoError(t, b.Allow())
		b.Record(errUpstream)
	}
	require.NoError(t, b.Allow(), "still closed below the threshold")

	b.Record(errUpstream)
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(t)

	b.Record(errUpstream)
	b.Record(errUpstream)
	b.Record(nil)

	// The streak restarted, so two more failures do not trip it.
	b.Record(errUpstream)
	b.Record(errUpstream)
	assert.NoError(t, b.Allow())
}

func TestBreakerProbeAfterDelay(t *testing.T) {
	b, now := newTestBreaker(t)

	for i := 0; i < failureThreshold; i++ {
		b.Record(errUpstream)
	}
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)

	// First probe opens up after the initial 10s delay.
	*now = now.Add(probeInitialDelay)
	require.NoError(t, b.Allow())

	// A successful probe closes the breaker again.
	b.Record(nil)
	assert.NoError(t, b.Allow())
}

func TestBreakerFailedProbeBacksOffFurther(t *testing.T) {
	b, now := newTestBreaker(t)

	for i := 0; i < failureThreshold; i++ {
		b.Record(errUpstream)
	}
	*now = now.Add(probeInitialDelay)
	require.NoError(t, b.Allow())
	b.Record(errUpstream)

	// The second probe window is longer than the first.
	*now = now.Add(probeInitialDelay)
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)
	*now = now.Add(probeMaxDelay)
	assert.NoError(t, b.Allow())
}

func TestBreakerHalfOpenAdmitsSingleProbe(t *testing.T) {
	b, now := newTestBreaker(t)

	for i := 0; i < failureThreshold; i++ {
		b.Record(errUpstream)
	}
	*now = now.Add(probeInitialDelay)

	require.NoError(t, b.Allow(), "first caller becomes the probe")
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen, "second caller waits for the probe outcome")

	b.Record(nil)
	assert.NoError(t, b.Allow(), "probe success closes the breaker for everyone")
}

func TestBreakerAllowDoesNotResetStreak(t *testing.T) {
	b, _ := newTestBreaker(t)

	b.Record(errUpstream)
	require.NoError(t, b.Allow())
	b.Record(errUpstream)
	require.NoError(t, b.Allow())
	b.Record(errUpstream)
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)
}

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	assert.Equal(t, "json", c.Name())

	raw, err := c.Marshal(deviceTokensRequest{UserID: "u-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"user_id":"u-1"}`, string(raw))

	var resp deviceTokensResponse
	require.NoError(t, c.Unmarshal([]byte(`{"tokens":["a","b"]}`), &resp))
	assert.Equal(t, []string{"a", "b"}, resp.Tokens)

	// json.RawMessage stays opaque through the codec.
	var echoed json.RawMessage
	require.NoError(t, c.Unmarshal([]byte(`{"status":"ok"}`), &echoed))
	assert.JSONEq(t, `{"status":"ok"}`, string(echoed))
}
