package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/cacheflow/config"
	"github.com/BaSui01/cacheflow/testutil"
)

func newBreaker(t *testing.T, threshold int, cooldown time.Duration) (*Breaker, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.BreakerConfig{FailureThreshold: threshold, Cooldown: cooldown}
	return NewBreaker(cfg, nil, WithBreakerClock(clock.Now)), clock
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newBreaker(t, 5, 30*time.Second)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		assert.Equal(t, StateClosed, b.State(), "below the threshold the circuit stays closed")
	}
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newBreaker(t, 3, 30*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State(), "only consecutive failures count")

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	b, clock := newBreaker(t, 1, 30*time.Second)

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())

	// Cooldown elapses lazily: the next Allow admits exactly one trial.
	clock.Advance(31 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Allow(), "only one trial at a time")

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerTrialFailureReopens(t *testing.T) {
	b, clock := newBreaker(t, 1, 30*time.Second)

	b.RecordFailure()
	clock.Advance(31 * time.Second)
	require.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow(), "a fresh cooldown starts from the trial failure")

	clock.Advance(31 * time.Second)
	assert.True(t, b.Allow())
}

func TestBreakerReleaseTrialReopens(t *testing.T) {
	b, clock := newBreaker(t, 1, 30*time.Second)

	b.RecordFailure()
	clock.Advance(31 * time.Second)
	require.True(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.State())

	// The trial call never reported back; releasing the slot reverts to
	// Open instead of stranding HalfOpen with the slot occupied.
	b.ReleaseTrial()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())

	clock.Advance(31 * time.Second)
	assert.True(t, b.Allow(), "the next cooldown admits a fresh trial")

	// Outside a half-open trial the call is a no-op.
	b.RecordSuccess()
	require.Equal(t, StateClosed, b.State())
	b.ReleaseTrial()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerStateChangeCallback(t *testing.T) {
	clock := testutil.NewClock(time.Now())
	transitions := make(chan [2]State, 4)
	b := NewBreaker(config.BreakerConfig{FailureThreshold: 1, Cooldown: time.Second}, nil,
		WithBreakerClock(clock.Now),
		WithStateChange(func(from, to State) { transitions <- [2]State{from, to} }))

	b.RecordFailure()
	assert.Equal(t, [2]State{StateClosed, StateOpen}, <-transitions)

	clock.Advance(2 * time.Second)
	require.True(t, b.Allow())
	assert.Equal(t, [2]State{StateOpen, StateHalfOpen}, <-transitions)

	b.RecordSuccess()
	assert.Equal(t, [2]State{StateHalfOpen, StateClosed}, <-transitions)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
}
