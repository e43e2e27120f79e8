package layer

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/cacheflow/config"
	"github.com/BaSui01/cacheflow/store"
	"github.com/BaSui01/cacheflow/types"
)

// Predictive holds short-lived hints keyed by a hash of recent interaction
// context. It is consulted first in the fallback protocol because lookup
// is a plain key probe, no similarity computation involved.
type Predictive struct {
	base
	cfg config.PredictiveConfig
}

// PredictiveOption tweaks construction.
type PredictiveOption func(*Predictive)

// WithPredictiveClock injects a clock, used by tests.
func WithPredictiveClock(now func() time.Time) PredictiveOption {
	return func(p *Predictive) { p.now = now }
}

// NewPredictive creates the predictive hint layer.
func NewPredictive(cfg config.PredictiveConfig, st store.BackingStore, logger *zap.Logger, opts ...PredictiveOption) *Predictive {
	p := &Predictive{
		base: newBase(types.LayerPredictive, st, logger),
		cfg:  cfg,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Lookup probes a hint by context hash. Expired hints are evicted on the
// way out and reported as a miss.
func (p *Predictive) Lookup(ctx context.Context, contextHash string) (*types.CacheEntry, error) {
	entries, err := p.store.Query(ctx, store.Criteria{
		Layer:       types.LayerPredictive,
		ContextHash: contextHash,
		Limit:       1,
	})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, types.ErrNotFound
	}
	e := entries[0]
	if e.Expired(p.now()) {
		if err := p.Evict(ctx, e.ID); err != nil {
			p.logger.Warn("evicting expired hint failed", zap.String("id", e.ID), zap.Error(err))
		}
		return nil, types.ErrNotFound
	}
	if !e.Scored() {
		// An unscored entry must never reach a consumer.
		return nil, types.ErrNotFound
	}
	return e, nil
}

// Insert stores a hint. Confidence below the configured floor is an
// expected, frequent outcome: the hint is not stored and ErrLowConfidence
// comes back as a signal, not a fault. A hint for an already-known context
// hash merges into the existing entry instead of duplicating it.
func (p *Predictive) Insert(ctx context.Context, contextHash string, payload []byte, confidence float64) (*types.CacheEntry, error) {
	if confidence < p.cfg.MinConfidence {
		return nil, types.ErrLowConfidence
	}

	existing, err := p.store.Query(ctx, store.Criteria{
		Layer:       types.LayerPredictive,
		ContextHash: contextHash,
		Limit:       1,
	})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return p.update(ctx, existing[0].ID, func(e *types.CacheEntry) {
			// The score must describe the payload the hint carries: a
			// weaker prediction refreshes the TTL but never displaces a
			// stronger payload, and a stronger one replaces both together.
			if confidence >= e.Score {
				e.Payload = append([]byte(nil), payload...)
				e.ContentHash = types.HashContent(payload)
				e.Score = confidence
			}
			exp := p.now().Add(p.cfg.TTL)
			e.ExpiresAt = &exp
		})
	}

	now := p.now()
	e := types.NewEntry(types.LayerPredictive, types.KeyMaterial{ContextHash: contextHash}, payload, now)
	e.Score = confidence
	exp := now.Add(p.cfg.TTL)
	e.ExpiresAt = &exp
	if err := p.store.Put(ctx, e); err != nil {
		return nil, err
	}
	if err := p.enforceCapacity(ctx); err != nil {
		p.logger.Warn("capacity enforcement failed", zap.Error(err))
	}
	return e, nil
}

// enforceCapacity keeps the hint ring at its fixed size: expired hints go
// first, then the lowest score*recency (oldest created_at on ties).
func (p *Predictive) enforceCapacity(ctx context.Context) error {
	entries, err := p.store.Query(ctx, store.Criteria{Layer: types.LayerPredictive})
	if err != nil {
		return err
	}
	if len(entries) <= p.cfg.Capacity {
		return nil
	}

	now := p.now()
	var evictErr error
	kept := entries[:0]
	for _, e := range entries {
		if e.Expired(now) {
			if err := p.Evict(ctx, e.ID); err != nil {
				evictErr = err
			}
			continue
		}
		kept = append(kept, e)
	}

	excess := len(kept) - p.cfg.Capacity
	if excess <= 0 {
		return evictErr
	}

	sort.Slice(kept, func(i, j int) bool {
		si := kept[i].Score * RecencyWeight(now.Sub(kept[i].LastAccessedAt), p.cfg.HalfLife)
		sj := kept[j].Score * RecencyWeight(now.Sub(kept[j].LastAccessedAt), p.cfg.HalfLife)
		if si != sj {
			return si < sj
		}
		return kept[i].CreatedAt.Before(kept[j].CreatedAt)
	})
	for i := 0; i < excess; i++ {
		if err := p.Evict(ctx, kept[i].ID); err != nil {
			evictErr = err
		}
	}
	return evictErr
}

// IsLowConfidence reports whether err is the low-confidence signal.
func IsLowConfidence(err error) bool {
	return errors.Is(err, types.ErrLowConfidence)
}
