package layer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/cacheflow/config"
	"github.com/BaSui01/cacheflow/store"
	"github.com/BaSui01/cacheflow/types"
)

// Semantic reuses prior (prompt, response) pairs for inputs that are
// semantically, not literally, equivalent.
type Semantic struct {
	base
	cfg config.SemanticConfig
}

// SemanticOption tweaks construction.
type SemanticOption func(*Semantic)

// WithSemanticClock injects a clock, used by tests.
func WithSemanticClock(now func() time.Time) SemanticOption {
	return func(s *Semantic) { s.now = now }
}

// NewSemantic creates the semantic reuse layer.
func NewSemantic(cfg config.SemanticConfig, st store.BackingStore, logger *zap.Logger, opts ...SemanticOption) *Semantic {
	s := &Semantic{
		base: newBase(types.LayerSemantic, st, logger),
		cfg:  cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search returns entries at least minSimilarity close to the query
// embedding, best first. The result is a one-shot snapshot of the store
// at call time. Ties on similarity prefer the entry with the higher
// access count, then the more recent last access. A failing index is
// reported as ErrIndexUnavailable; the orchestrator treats it as a miss.
func (s *Semantic) Search(ctx context.Context, embedding []float64, topK int, minSimilarity float64) ([]Match, error) {
	if topK <= 0 {
		topK = s.cfg.TopK
	}
	entries, err := s.store.Query(ctx, store.Criteria{Layer: types.LayerSemantic})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrIndexUnavailable, err)
	}

	now := s.now()
	matches := make([]Match, 0, len(entries))
	for _, e := range entries {
		if !e.Scored() || e.Expired(now) {
			continue
		}
		sim := CosineSimilarity(embedding, e.Key.Embedding)
		if sim < minSimilarity {
			continue
		}
		matches = append(matches, Match{Entry: e, Similarity: sim, Score: sim})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		ei, ej := matches[i].Entry, matches[j].Entry
		if ei.AccessCount != ej.AccessCount {
			return ei.AccessCount > ej.AccessCount
		}
		return ei.LastAccessedAt.After(ej.LastAccessedAt)
	})

	if topK < len(matches) {
		matches = matches[:topK]
	}
	return matches, nil
}

// Store saves a (prompt, response) pair. If an existing entry is closer
// than the dedup threshold the pair merges into it: access count bumps,
// score takes the max, no duplicate is inserted. The bool result reports
// whether a merge happened.
func (s *Semantic) Store(ctx context.Context, prompt string, payload []byte, embedding []float64, metadata map[string]string) (*types.CacheEntry, bool, error) {
	entries, err := s.store.Query(ctx, store.Criteria{Layer: types.LayerSemantic})
	if err != nil {
		return nil, false, err
	}

	bestSim := -1.0
	var bestID string
	for _, e := range entries {
		sim := CosineSimilarity(embedding, e.Key.Embedding)
		if sim > bestSim {
			bestSim = sim
			bestID = e.ID
		}
	}

	if bestID != "" && bestSim >= s.cfg.DedupThreshold {
		now := s.now()
		merged, err := s.update(ctx, bestID, func(e *types.CacheEntry) {
			e.AccessCount++
			e.LastAccessedAt = now
			if 1.0 > e.Score {
				e.Score = 1.0
			}
		})
		if err != nil {
			return nil, false, err
		}
		s.logger.Debug("merged near-duplicate",
			zap.String("id", merged.ID), zap.Float64("similarity", bestSim))
		return merged, true, nil
	}

	e := types.NewEntry(types.LayerSemantic, types.KeyMaterial{
		Text:      prompt,
		Embedding: append([]float64(nil), embedding...),
	}, payload, s.now())
	// A freshly recorded answer is authoritative, hence maximally reusable.
	e.Score = 1.0
	e.Metadata = metadata
	if err := s.store.Put(ctx, e); err != nil {
		return nil, false, err
	}
	return e, false, nil
}
