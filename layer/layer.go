// Package layer implements the five cache layer stores sharing one entry
// envelope and backing-store contract: predictive hints, semantic reuse,
// vector context elements, global fallback knowledge, and the diary.
// Each variant supplies only its own lookup algorithm and scoring rule;
// ownership, versioning, and eviction mechanics are common.
package layer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/cacheflow/store"
	"github.com/BaSui01/cacheflow/types"
)

// defaultUpdateRetries bounds optimistic read-modify-write retries before
// a ConcurrentModification surfaces.
const defaultUpdateRetries = 3

// Match is one scored search result. Similarity is the raw cosine value;
// Score is the layer-specific final score the result was ranked by.
type Match struct {
	Entry      *types.CacheEntry
	Similarity float64
	Score      float64
}

// base carries the mechanics every layer shares. Layers embed it.
type base struct {
	id      types.LayerID
	store   store.BackingStore
	logger  *zap.Logger
	now     func() time.Time
	retries int
	onEvict func(id string)
}

func newBase(id types.LayerID, st store.BackingStore, logger *zap.Logger) base {
	if logger == nil {
		logger = zap.NewNop()
	}
	return base{
		id:      id,
		store:   st,
		logger:  logger.With(zap.String("layer", string(id))),
		now:     time.Now,
		retries: defaultUpdateRetries,
	}
}

// ID returns the layer's identity.
func (b *base) ID() types.LayerID { return b.id }

// OnEvict registers a callback fired after every successful eviction,
// policy-driven ones included (capacity, TTL, archive, deregistration).
// The invalidation manager hooks this to keep its back-references from
// outliving the entries they point at.
func (b *base) OnEvict(fn func(id string)) { b.onEvict = fn }

// SetUpdateRetries bounds optimistic update retries. Non-positive values
// are ignored.
func (b *base) SetUpdateRetries(n int) {
	if n > 0 {
		b.retries = n
	}
}

// Evict removes an entry. Destruction is terminal; ids are never reused.
func (b *base) Evict(ctx context.Context, id string) error {
	if err := b.store.Delete(ctx, id); err != nil {
		return err
	}
	if b.onEvict != nil {
		b.onEvict(id)
	}
	return nil
}

// Len reports how many entries the layer currently owns.
func (b *base) Len(ctx context.Context) (int, error) {
	return b.store.Count(ctx, b.id)
}

// MarkHit records that a returned entry was actually consumed as a hit,
// bumping access bookkeeping under the optimistic version guard.
func (b *base) MarkHit(ctx context.Context, id string) error {
	_, err := b.update(ctx, id, func(e *types.CacheEntry) {
		e.Touch(b.now())
	})
	return err
}

// update is the only mutation path: read, mutate, bump version, write,
// retry on conflict up to the bounded count.
func (b *base) update(ctx context.Context, id string, mutate func(*types.CacheEntry)) (*types.CacheEntry, error) {
	for attempt := 0; attempt <= b.retries; attempt++ {
		e, err := b.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		mutate(e)
		e.Version++
		if err := b.store.Put(ctx, e); err != nil {
			if errors.Is(err, types.ErrVersionConflict) {
				continue
			}
			return nil, err
		}
		return e, nil
	}
	b.logger.Warn("optimistic update exhausted retries", zap.String("id", id))
	return nil, types.ErrConcurrentModification
}

// matchesFilters checks metadata equality against every filter key.
func matchesFilters(meta map[string]string, filters map[string]string) bool {
	if len(filters) == 0 {
		return true
	}
	if meta == nil {
		return false
	}
	for k, v := range filters {
		if meta[k] != v {
			return false
		}
	}
	return true
}
