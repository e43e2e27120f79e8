// Package config holds the configuration of the caching core. Every
// numeric threshold used by the layers and the orchestrator lives here:
// the source material does not agree on exact targets, so all of them are
// tunable with representative defaults.
package config

import (
	"fmt"
	"time"

	"github.com/BaSui01/cacheflow/types"
)

// PredictiveConfig configures the predictive hint layer.
type PredictiveConfig struct {
	// Capacity is the fixed size of the hint ring.
	Capacity int `yaml:"capacity" json:"capacity"`

	// TTL is the relative expiry applied to every hint.
	TTL time.Duration `yaml:"ttl" json:"ttl"`

	// MinConfidence is the floor below which a hint is rejected with a
	// low-confidence signal instead of being stored.
	MinConfidence float64 `yaml:"min_confidence" json:"min_confidence"`

	// HalfLife drives the recency factor of the eviction score.
	HalfLife time.Duration `yaml:"half_life" json:"half_life"`
}

// SemanticConfig configures the semantic reuse layer.
type SemanticConfig struct {
	// MinSimilarity is the floor for a search hit.
	MinSimilarity float64 `yaml:"min_similarity" json:"min_similarity"`

	// DedupThreshold is the similarity above which a new entry is merged
	// into an existing one instead of inserted.
	DedupThreshold float64 `yaml:"dedup_threshold" json:"dedup_threshold"`

	// TopK bounds search results.
	TopK int `yaml:"top_k" json:"top_k"`
}

// VectorConfig configures the context-element layer.
type VectorConfig struct {
	// TopK bounds the reranked result set.
	TopK int `yaml:"top_k" json:"top_k"`

	// CandidateMultiplier sizes the first-stage candidate set relative to
	// TopK. Reranking runs over candidates only, never the full corpus.
	CandidateMultiplier int `yaml:"candidate_multiplier" json:"candidate_multiplier"`

	// HalfLife drives the recency decay of the rerank score.
	HalfLife time.Duration `yaml:"half_life" json:"half_life"`
}

// GlobalConfig configures the global knowledge fallback layer.
type GlobalConfig struct {
	// MinConfidence is the validation floor for stored knowledge.
	MinConfidence float64 `yaml:"min_confidence" json:"min_confidence"`

	// Domains is the registry of accepted knowledge domains.
	Domains []string `yaml:"domains" json:"domains"`
}

// DiaryConfig configures the persistent context memory layer.
type DiaryConfig struct {
	// HalfLives maps content types to recency half-lives. Decisions decay
	// slower than transient insights.
	HalfLives map[string]time.Duration `yaml:"half_lives" json:"half_lives"`

	// DefaultHalfLife applies to content types not listed in HalfLives.
	DefaultHalfLife time.Duration `yaml:"default_half_life" json:"default_half_life"`

	// ArchiveThreshold is the importance*recency score below which an
	// entry becomes an archival candidate.
	ArchiveThreshold float64 `yaml:"archive_threshold" json:"archive_threshold"`

	// ArchiveGrace is how long an entry must stay below the threshold
	// before it is moved to the archive store.
	ArchiveGrace time.Duration `yaml:"archive_grace" json:"archive_grace"`
}

// BreakerConfig configures the per-layer circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// Cooldown is how long an open circuit waits before allowing a single
	// half-open trial.
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`
}

// OrchestratorConfig configures the fallback protocol itself.
type OrchestratorConfig struct {
	// ParallelTimeout bounds the concurrent Vector/Diary step; a timeout
	// on one side does not block the other.
	ParallelTimeout time.Duration `yaml:"parallel_timeout" json:"parallel_timeout"`

	// RetryCount bounds optimistic-concurrency and transient retries.
	RetryCount int `yaml:"retry_count" json:"retry_count"`

	// RetryBackoff is the base backoff between transient retries.
	RetryBackoff time.Duration `yaml:"retry_backoff" json:"retry_backoff"`

	// MinDiaryImportance is the importance floor for diary context.
	MinDiaryImportance float64 `yaml:"min_diary_importance" json:"min_diary_importance"`
}

// Config aggregates the full configuration of the caching core.
type Config struct {
	Predictive   PredictiveConfig   `yaml:"predictive" json:"predictive"`
	Semantic     SemanticConfig     `yaml:"semantic" json:"semantic"`
	Vector       VectorConfig       `yaml:"vector" json:"vector"`
	Global       GlobalConfig       `yaml:"global" json:"global"`
	Diary        DiaryConfig        `yaml:"diary" json:"diary"`
	Breaker      BreakerConfig      `yaml:"breaker" json:"breaker"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" json:"orchestrator"`
}

// DefaultConfig returns the representative defaults.
func DefaultConfig() Config {
	return Config{
		Predictive: PredictiveConfig{
			Capacity:      1024,
			TTL:           10 * time.Minute,
			MinConfidence: 0.5,
			HalfLife:      time.Hour,
		},
		Semantic: SemanticConfig{
			MinSimilarity:  0.85,
			DedupThreshold: 0.95,
			TopK:           5,
		},
		Vector: VectorConfig{
			TopK:                10,
			CandidateMultiplier: 4,
			HalfLife:            7 * 24 * time.Hour,
		},
		Global: GlobalConfig{
			MinConfidence: 0.3,
		},
		Diary: DiaryConfig{
			HalfLives: map[string]time.Duration{
				"decision": 30 * 24 * time.Hour,
				"insight":  7 * 24 * time.Hour,
			},
			DefaultHalfLife:  14 * 24 * time.Hour,
			ArchiveThreshold: 0.1,
			ArchiveGrace:     24 * time.Hour,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			ParallelTimeout:    200 * time.Millisecond,
			RetryCount:         3,
			RetryBackoff:       20 * time.Millisecond,
			MinDiaryImportance: 0.2,
		},
	}
}

// Validate fails fast on invalid thresholds. It is called once at
// construction, before any request is served.
func (c Config) Validate() error {
	checkUnit := func(name string, v float64) error {
		if v < 0 || v > 1 {
			return types.NewError(types.ErrCodeInvalidConfig,
				fmt.Sprintf("%s must be in [0,1], got %v", name, v))
		}
		return nil
	}
	for name, v := range map[string]float64{
		"predictive.min_confidence":         c.Predictive.MinConfidence,
		"semantic.min_similarity":           c.Semantic.MinSimilarity,
		"semantic.dedup_threshold":          c.Semantic.DedupThreshold,
		"global.min_confidence":             c.Global.MinConfidence,
		"diary.archive_threshold":           c.Diary.ArchiveThreshold,
		"orchestrator.min_diary_importance": c.Orchestrator.MinDiaryImportance,
	} {
		if err := checkUnit(name, v); err != nil {
			return err
		}
	}
	if c.Predictive.Capacity <= 0 {
		return types.NewError(types.ErrCodeInvalidConfig, "predictive.capacity must be positive")
	}
	if c.Predictive.HalfLife <= 0 {
		return types.NewError(types.ErrCodeInvalidConfig, "predictive.half_life must be positive")
	}
	if c.Semantic.TopK <= 0 {
		return types.NewError(types.ErrCodeInvalidConfig, "semantic.top_k must be positive")
	}
	if c.Semantic.DedupThreshold < c.Semantic.MinSimilarity {
		return types.NewError(types.ErrCodeInvalidConfig,
			"semantic.dedup_threshold must not be below semantic.min_similarity")
	}
	if c.Vector.TopK <= 0 || c.Vector.CandidateMultiplier <= 0 {
		return types.NewError(types.ErrCodeInvalidConfig,
			"vector.top_k and vector.candidate_multiplier must be positive")
	}
	if c.Vector.HalfLife <= 0 {
		return types.NewError(types.ErrCodeInvalidConfig, "vector.half_life must be positive")
	}
	if c.Diary.DefaultHalfLife <= 0 {
		return types.NewError(types.ErrCodeInvalidConfig, "diary.default_half_life must be positive")
	}
	for ct, hl := range c.Diary.HalfLives {
		if hl <= 0 {
			return types.NewError(types.ErrCodeInvalidConfig,
				fmt.Sprintf("diary.half_lives[%s] must be positive", ct))
		}
	}
	if c.Breaker.FailureThreshold <= 0 {
		return types.NewError(types.ErrCodeInvalidConfig, "breaker.failure_threshold must be positive")
	}
	if c.Breaker.Cooldown <= 0 {
		return types.NewError(types.ErrCodeInvalidConfig, "breaker.cooldown must be positive")
	}
	if c.Orchestrator.ParallelTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidConfig, "orchestrator.parallel_timeout must be positive")
	}
	if c.Orchestrator.RetryCount <= 0 {
		return types.NewError(types.ErrCodeInvalidConfig, "orchestrator.retry_count must be positive")
	}
	return nil
}
