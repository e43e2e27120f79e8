package layer

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/cacheflow/config"
	"github.com/BaSui01/cacheflow/store"
	"github.com/BaSui01/cacheflow/types"
)

// Vector selects and reranks context elements for assembling an answer
// when semantic reuse is insufficient. Retrieval is two-stage: an
// approximate nearest-neighbor pass produces a candidate set larger than
// topK, then a task-aware rerank runs over the candidates only. Reranking
// the full corpus would make latency scale with corpus size; bounding it
// to the ANN output keeps it predictable.
type Vector struct {
	base
	cfg config.VectorConfig
}

// VectorOption tweaks construction.
type VectorOption func(*Vector)

// WithVectorClock injects a clock, used by tests.
func WithVectorClock(now func() time.Time) VectorOption {
	return func(v *Vector) { v.now = now }
}

// NewVector creates the context-element layer.
func NewVector(cfg config.VectorConfig, st store.BackingStore, logger *zap.Logger, opts ...VectorOption) *Vector {
	v := &Vector{
		base: newBase(types.LayerVector, st, logger),
		cfg:  cfg,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Search runs the two-stage pipeline and returns at most topK elements
// ranked by similarity * recency decay.
func (v *Vector) Search(ctx context.Context, embedding []float64, filters map[string]string, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = v.cfg.TopK
	}
	entries, err := v.store.Query(ctx, store.Criteria{Layer: types.LayerVector})
	if err != nil {
		return nil, err
	}

	now := v.now()

	// Stage one: nearest-neighbor candidates, similarity only.
	candidates := make([]Match, 0, len(entries))
	for _, e := range entries {
		if !e.Scored() || e.Expired(now) {
			continue
		}
		if !matchesFilters(e.Metadata, filters) {
			continue
		}
		sim := CosineSimilarity(embedding, e.Key.Embedding)
		if sim <= 0 {
			continue
		}
		candidates = append(candidates, Match{Entry: e, Similarity: sim})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Similarity > candidates[j].Similarity
	})
	limit := topK * v.cfg.CandidateMultiplier
	if limit < len(candidates) {
		candidates = candidates[:limit]
	}

	// Stage two: rerank the candidate set only.
	for i := range candidates {
		age := now.Sub(candidates[i].Entry.LastAccessedAt)
		candidates[i].Score = candidates[i].Similarity * RecencyWeight(age, v.cfg.HalfLife)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if topK < len(candidates) {
		candidates = candidates[:topK]
	}
	return candidates, nil
}

// Store saves a context element. Elements with an identical payload merge
// into the existing entry rather than duplicating it.
func (v *Vector) Store(ctx context.Context, content []byte, embedding []float64, metadata map[string]string) (*types.CacheEntry, bool, error) {
	existing, err := v.store.Query(ctx, store.Criteria{
		Layer:       types.LayerVector,
		ContentHash: types.HashContent(content),
		Limit:       1,
	})
	if err != nil {
		return nil, false, err
	}
	if len(existing) > 0 {
		now := v.now()
		merged, err := v.update(ctx, existing[0].ID, func(e *types.CacheEntry) {
			e.AccessCount++
			e.LastAccessedAt = now
		})
		if err != nil {
			return nil, false, err
		}
		v.logger.Debug("merged duplicate element", zap.String("id", merged.ID))
		return merged, true, nil
	}

	e := types.NewEntry(types.LayerVector, types.KeyMaterial{
		Embedding: append([]float64(nil), embedding...),
	}, content, v.now())
	e.Score = 1.0
	e.Metadata = metadata
	if err := v.store.Put(ctx, e); err != nil {
		return nil, false, err
	}
	return e, false, nil
}
