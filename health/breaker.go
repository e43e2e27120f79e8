// Package health tracks per-layer failure and latency signals and feeds
// the circuit-breaker decisions the orchestrator routes by.
package health

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/cacheflow/config"
)

// State is the circuit state of one layer.
type State int32

const (
	// StateClosed: normal operation.
	StateClosed State = iota
	// StateOpen: the layer is skipped entirely; requests route straight
	// to the next fallback step.
	StateOpen
	// StateHalfOpen: one trial request is allowed through to test
	// recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker is the per-layer failure-isolation state machine. Closed goes
// Open after the configured count of consecutive failures; Open goes
// HalfOpen lazily once the cooldown elapses; the single HalfOpen trial
// decides between Closed and Open.
type Breaker struct {
	cfg    config.BreakerConfig
	logger *zap.Logger
	now    func() time.Time

	onChange func(from, to State)

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	trialInFlight bool
}

// BreakerOption tweaks construction.
type BreakerOption func(*Breaker)

// WithBreakerClock injects a clock, used by tests.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a transition callback.
func WithStateChange(fn func(from, to State)) BreakerOption {
	return func(b *Breaker) { b.onChange = fn }
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg config.BreakerConfig, logger *zap.Logger, opts ...BreakerOption) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may go through right now. In Open it
// transitions to HalfOpen once the cooldown has elapsed, admitting the
// caller as the single trial; further callers are rejected until the
// trial reports back.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.setState(StateHalfOpen)
		b.trialInFlight = true
		return true
	case StateHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	}
	return false
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.trialInFlight = false
		b.failures = 0
		b.setState(StateClosed)
		b.logger.Info("circuit recovered")
	}
}

// RecordFailure reports a failed call. A request-deadline expiry is a
// per-request miss and must not be reported here.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = b.now()
			b.setState(StateOpen)
			b.logger.Warn("circuit opened", zap.Int("consecutive_failures", b.failures))
		}
	case StateHalfOpen:
		b.trialInFlight = false
		b.openedAt = b.now()
		b.setState(StateOpen)
		b.logger.Warn("trial failed, circuit reopened")
	}
}

// ReleaseTrial returns the half-open trial slot without deciding the
// outcome, used when the trial call hit its request deadline: a timeout
// is neither a success nor a breaker failure, but the slot must not stay
// occupied forever. The circuit reverts to Open with a fresh cooldown so
// a later caller gets the next trial.
func (b *Breaker) ReleaseTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateHalfOpen || !b.trialInFlight {
		return
	}
	b.trialInFlight = false
	b.openedAt = b.now()
	b.setState(StateOpen)
	b.logger.Info("trial timed out, circuit stays open")
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// setState must be called with the mutex held.
func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	if b.onChange != nil && from != to {
		go b.onChange(from, to)
	}
}
