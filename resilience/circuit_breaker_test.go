package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreaker(openDuration time.Duration) *CircuitBreaker {
	cfg := DefaultCircuitBreakerConfig("test")
	cfg.OpenDuration = openDuration
	return NewCircuitBreaker(cfg)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := testBreaker(time.Minute)

	for i := 0; i < 4; i++ {
		require.True(t, cb.Allow())
		cb.RecordFailure()
		assert.Equal(t, StateClosed, cb.State())
	}
	require.True(t, cb.Allow())
	cb.RecordFailure()

	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestBreakerOpensOnWindowedFailures(t *testing.T) {
	cb := testBreaker(time.Minute)

	// Successes interleaved with failures keep the consecutive count low,
	// but a success resets the window, so failures must accumulate without
	// an intervening success to trip the windowed threshold.
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerSuccessResetsCounts(t *testing.T) {
	cb := testBreaker(time.Minute)

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	cb.RecordSuccess()
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	cb := testBreaker(20 * time.Millisecond)

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, StateOpen, cb.State())
	require.False(t, cb.Allow())

	time.Sleep(25 * time.Millisecond)

	// Exactly one probe is admitted while its outcome is pending.
	assert.True(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.Allow())

	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	cb := testBreaker(20 * time.Millisecond)

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	time.Sleep(25 * time.Millisecond)
	require.True(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestBreakerReset(t *testing.T) {
	cb := testBreaker(time.Minute)

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestBreakerMetrics(t *testing.T) {
	cb := testBreaker(time.Minute)

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	cb.Allow()
	cb.Allow()

	m := cb.Metrics()
	assert.Equal(t, "open", m["state"])
	assert.Equal(t, uint64(2), m["rejections"])
	assert.Equal(t, uint64(1), m["state_changes"])
}
