package types

import "context"

// EmbeddingProvider turns text into a vector. It is an injected external
// capability; the core never trains or selects an embedding model.
type EmbeddingProvider interface {
	// Embed returns the embedding for text. A failure is reported as
	// ErrEmbeddingUnavailable (possibly wrapped); the orchestrator then
	// falls back to non-vector layers only.
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Prediction is one candidate produced by a PredictionProvider.
type Prediction struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

// PredictionProvider produces zero-cost hint candidates for a given
// interaction context. Injected, never implemented by the core.
type PredictionProvider interface {
	Predict(ctx context.Context, current string, history []string) ([]Prediction, error)
}
