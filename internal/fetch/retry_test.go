package fetch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bookpulse/bookpulse/internal/tracker"
)

func TestShouldRetry(t *testing.T) {
	t.Parallel()
	p := newRetryPolicy(2, 10*time.Millisecond, 100*time.Millisecond)

	transient := &tracker.FetchError{Kind: tracker.FetchKindNetwork, Err: errors.New("refused")}
	assert.True(t, p.ShouldRetry(transient, 0))
	assert.True(t, p.ShouldRetry(transient, 1))
	assert.False(t, p.ShouldRetry(transient, 2), "attempts exhausted")

	notFound := &tracker.FetchError{Kind: tracker.FetchKindHTTPStatus, Status: 404}
	assert.False(t, p.ShouldRetry(notFound, 0), "4xx is permanent")

	serverErr := &tracker.FetchError{Kind: tracker.FetchKindHTTPStatus, Status: 503}
	assert.True(t, p.ShouldRetry(serverErr, 0), "5xx is transient")

	// A request that hit its own deadline unwraps to DeadlineExceeded;
	// it is still a transient failure and must be retried.
	timedOut := &tracker.FetchError{Kind: tracker.FetchKindTimeout, Err: context.DeadlineExceeded}
	assert.True(t, p.ShouldRetry(timedOut, 0), "per-request timeout is transient")

	assert.False(t, p.ShouldRetry(nil, 0))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()
	p := newRetryPolicy(5, 100*time.Millisecond, 400*time.Millisecond)

	for attempt := 0; attempt < 6; attempt++ {
		d := p.Backoff(attempt)
		assert.Positive(t, d)
		assert.LessOrEqual(t, d, 400*time.Millisecond, "backoff never exceeds the cap")
	}
	// With jitter the lower bound is half the exponential delay.
	assert.GreaterOrEqual(t, p.Backoff(2), 200*time.Millisecond)
}

func TestRetryPolicyDefaults(t *testing.T) {
	t.Parallel()
	p := newRetryPolicy(-1, 0, 0)
	assert.Equal(t, 1, p.maxAttempts)
	assert.Equal(t, 250*time.Millisecond, p.baseDelay)
	assert.Equal(t, 5*time.Second, p.maxDelay)
}
