package health

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/cacheflow/config"
	"github.com/BaSui01/cacheflow/types"
)

// Outcome classifies one layer call for bookkeeping.
type Outcome string

const (
	OutcomeHit   Outcome = "hit"
	OutcomeMiss  Outcome = "miss"
	OutcomeError Outcome = "error"
)

const (
	bucketWidth = time.Minute
	bucketCount = 120
)

// bucket is one time slice of per-layer counters, kept for time-ranged
// stats queries.
type bucket struct {
	start      time.Time
	hits       uint64
	misses     uint64
	errors     uint64
	latencySum time.Duration
	samples    uint64
}

// layerHealth is the mutable shared state the orchestrator keeps per
// layer: lifetime counters updated atomically (one increment per
// outcome), a latency EWMA, a bucket ring, and the circuit breaker.
type layerHealth struct {
	hits   atomic.Uint64
	misses atomic.Uint64
	errors atomic.Uint64

	mu      sync.Mutex
	ewma    time.Duration
	buckets [bucketCount]bucket
	breaker *Breaker
}

// Tracker aggregates health state for all five layers.
type Tracker struct {
	logger *zap.Logger
	now    func() time.Time
	layers map[types.LayerID]*layerHealth

	subMu sync.RWMutex
	subs  []func(layer types.LayerID, from, to State)
}

// TrackerOption tweaks construction.
type TrackerOption func(*Tracker)

// WithTrackerClock injects a clock, used by tests.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates health state and a breaker for every layer.
// onStateChange, when non-nil, observes breaker transitions.
func NewTracker(cfg config.BreakerConfig, logger *zap.Logger, onStateChange func(layer types.LayerID, from, to State), opts ...TrackerOption) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		logger: logger.With(zap.String("component", "health")),
		now:    time.Now,
		layers: make(map[types.LayerID]*layerHealth, 5),
	}
	for _, opt := range opts {
		opt(t)
	}
	if onStateChange != nil {
		t.OnStateChange(onStateChange)
	}
	for _, id := range types.AllLayers() {
		id := id
		bopts := []BreakerOption{
			WithBreakerClock(t.now),
			WithStateChange(func(from, to State) { t.notify(id, from, to) }),
		}
		t.layers[id] = &layerHealth{
			breaker: NewBreaker(cfg, t.logger.With(zap.String("layer", string(id))), bopts...),
		}
	}
	return t
}

// OnStateChange subscribes fn to breaker transitions of every layer.
// The orchestrator uses this to feed transitions to its observer.
func (t *Tracker) OnStateChange(fn func(layer types.LayerID, from, to State)) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.subs = append(t.subs, fn)
}

func (t *Tracker) notify(layer types.LayerID, from, to State) {
	t.subMu.RLock()
	defer t.subMu.RUnlock()
	for _, fn := range t.subs {
		fn(layer, from, to)
	}
}

// Breaker returns the circuit breaker of a layer.
func (t *Tracker) Breaker(layer types.LayerID) *Breaker {
	return t.layers[layer].breaker
}

// Record books one layer-call outcome. Hits and misses count as breaker
// successes (a miss is an expected result, not a fault); errors feed the
// failure counter.
func (t *Tracker) Record(layer types.LayerID, outcome Outcome, latency time.Duration) {
	lh, ok := t.layers[layer]
	if !ok {
		return
	}
	switch outcome {
	case OutcomeHit:
		lh.hits.Add(1)
		lh.breaker.RecordSuccess()
	case OutcomeMiss:
		lh.misses.Add(1)
		lh.breaker.RecordSuccess()
	case OutcomeError:
		lh.errors.Add(1)
		lh.breaker.RecordFailure()
	}

	lh.mu.Lock()
	defer lh.mu.Unlock()
	if lh.ewma == 0 {
		lh.ewma = latency
	} else {
		lh.ewma = time.Duration(float64(lh.ewma)*0.9 + float64(latency)*0.1)
	}
	b := t.currentBucket(lh)
	switch outcome {
	case OutcomeHit:
		b.hits++
	case OutcomeMiss:
		b.misses++
	case OutcomeError:
		b.errors++
	}
	b.latencySum += latency
	b.samples++
}

// RecordTimeout books a per-request deadline expiry: counted as a miss,
// deliberately not counted as a breaker failure. If the timed-out call
// was the half-open trial its slot is released so the circuit cannot
// strand in HalfOpen.
func (t *Tracker) RecordTimeout(layer types.LayerID, latency time.Duration) {
	lh, ok := t.layers[layer]
	if !ok {
		return
	}
	lh.misses.Add(1)
	lh.breaker.ReleaseTrial()

	lh.mu.Lock()
	defer lh.mu.Unlock()
	b := t.currentBucket(lh)
	b.misses++
	b.latencySum += latency
	b.samples++
}

// currentBucket rolls the ring forward to the bucket covering now.
// Callers hold lh.mu.
func (t *Tracker) currentBucket(lh *layerHealth) *bucket {
	now := t.now().Truncate(bucketWidth)
	idx := int(now.UnixNano()/int64(bucketWidth)) % bucketCount
	b := &lh.buckets[idx]
	if !b.start.Equal(now) {
		*b = bucket{start: now}
	}
	return b
}

// Snapshot summarizes one layer, either lifetime (zero range) or limited
// to the bucketed window overlapping [from, to].
func (t *Tracker) Snapshot(layer types.LayerID, from, to time.Time) types.StatsReport {
	lh, ok := t.layers[layer]
	if !ok {
		return types.StatsReport{Layer: layer}
	}

	report := types.StatsReport{Layer: layer}
	if from.IsZero() && to.IsZero() {
		report.Hits = lh.hits.Load()
		report.Misses = lh.misses.Load()
		report.Errors = lh.errors.Load()
		lh.mu.Lock()
		report.AvgLatency = lh.ewma
		lh.mu.Unlock()
	} else {
		lh.mu.Lock()
		var latencySum time.Duration
		var samples uint64
		for i := range lh.buckets {
			b := &lh.buckets[i]
			if b.start.IsZero() {
				continue
			}
			if !from.IsZero() && b.start.Add(bucketWidth).Before(from) {
				continue
			}
			if !to.IsZero() && b.start.After(to) {
				continue
			}
			report.Hits += b.hits
			report.Misses += b.misses
			report.Errors += b.errors
			latencySum += b.latencySum
			samples += b.samples
		}
		lh.mu.Unlock()
		if samples > 0 {
			report.AvgLatency = latencySum / time.Duration(samples)
		}
	}

	total := report.Hits + report.Misses + report.Errors
	if total > 0 {
		report.HitRate = float64(report.Hits) / float64(total)
		report.ErrorRate = float64(report.Errors) / float64(total)
	}
	return report
}
