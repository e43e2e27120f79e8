// Package testutil provides deterministic test doubles: a token-hash
// embedder so similarity behavior is reproducible without a model, and a
// manual clock for time-dependent scoring.
package testutil

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// HashEmbedder maps text to a fixed-dimension unit vector by hashing
// tokens into buckets. Similar token sets produce similar vectors, which
// is all the layers need for tests.
type HashEmbedder struct {
	Dimension int
}

// NewHashEmbedder creates an embedder with the given dimension.
func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension <= 0 {
		dimension = 64
	}
	return &HashEmbedder{Dimension: dimension}
}

// Embed implements types.EmbeddingProvider.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, e.Dimension)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[int(h.Sum32())%e.Dimension]++
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}
