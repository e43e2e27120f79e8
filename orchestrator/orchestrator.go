// Package orchestrator coordinates the five cache layers: it runs the
// hierarchical fallback protocol for lookups, fans resolved answers back
// out so the layers learn from them, and consults the invalidation
// manager and health tracker on the way. One Orchestrator value is
// constructed per process with injected layers and collaborators; there
// is no ambient global state.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/cacheflow/config"
	"github.com/BaSui01/cacheflow/health"
	"github.com/BaSui01/cacheflow/invalidation"
	"github.com/BaSui01/cacheflow/layer"
	"github.com/BaSui01/cacheflow/observability"
	"github.com/BaSui01/cacheflow/types"
)

// PredictiveLayer is the slice of the predictive store the orchestrator
// uses. The concrete layer.Predictive satisfies it; tests substitute
// instrumented fakes.
type PredictiveLayer interface {
	Lookup(ctx context.Context, contextHash string) (*types.CacheEntry, error)
	Insert(ctx context.Context, contextHash string, payload []byte, confidence float64) (*types.CacheEntry, error)
	MarkHit(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
}

// SemanticLayer is the orchestrator's view of the semantic store.
type SemanticLayer interface {
	Search(ctx context.Context, embedding []float64, topK int, minSimilarity float64) ([]layer.Match, error)
	Store(ctx context.Context, prompt string, payload []byte, embedding []float64, metadata map[string]string) (*types.CacheEntry, bool, error)
	MarkHit(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
}

// VectorLayer is the orchestrator's view of the context-element store.
type VectorLayer interface {
	Search(ctx context.Context, embedding []float64, filters map[string]string, topK int) ([]layer.Match, error)
	Store(ctx context.Context, content []byte, embedding []float64, metadata map[string]string) (*types.CacheEntry, bool, error)
	MarkHit(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
}

// GlobalLayer is the orchestrator's view of the fallback knowledge store.
type GlobalLayer interface {
	Search(ctx context.Context, query, domainFilter string, minConfidence float64) ([]layer.Match, error)
	MarkHit(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
}

// DiaryLayer is the orchestrator's view of the diary store.
type DiaryLayer interface {
	Append(ctx context.Context, sessionID string, content []byte, contentType string, metadata map[string]string) (string, error)
	Search(ctx context.Context, embedding []float64, from, to time.Time, minImportance float64) ([]layer.Match, error)
	MarkHit(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
}

// Deps are the injected collaborators of an Orchestrator.
type Deps struct {
	Predictive PredictiveLayer
	Semantic   SemanticLayer
	Vector     VectorLayer
	Global     GlobalLayer
	Diary      DiaryLayer

	Invalidation *invalidation.Manager
	Tracker      *health.Tracker
	Embedder     types.EmbeddingProvider
	Predictor    types.PredictionProvider
	Observer     observability.Observer
	Logger       *zap.Logger
}

// Orchestrator is the central coordinator of the cache hierarchy.
type Orchestrator struct {
	cfg  config.Config
	deps Deps

	logger *zap.Logger
	now    func() time.Time
}

// Option tweaks construction.
type Option func(*Orchestrator)

// WithClock injects a clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New validates the configuration and wiring and returns a ready
// orchestrator. Configuration and wiring problems fail here, before any
// request is served.
func New(cfg config.Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Predictive == nil || deps.Semantic == nil || deps.Vector == nil ||
		deps.Global == nil || deps.Diary == nil {
		return nil, types.NewError(types.ErrCodeInvalidConfig, "all five layers must be configured")
	}
	if deps.Invalidation == nil {
		return nil, types.NewError(types.ErrCodeInvalidConfig, "invalidation manager must be configured")
	}
	if deps.Tracker == nil {
		return nil, types.NewError(types.ErrCodeInvalidConfig, "health tracker must be configured")
	}
	if deps.Observer == nil {
		deps.Observer = observability.NopObserver{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(zap.String("component", "orchestrator")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	// Breaker transitions reach the observer through the tracker.
	deps.Tracker.OnStateChange(func(l types.LayerID, from, to health.State) {
		o.deps.Observer.OnBreakerChange(l, from, to)
	})

	// The configured retry bound applies to the layers' optimistic updates
	// as well, not only to the orchestrator's own calls.
	for _, l := range []any{deps.Predictive, deps.Semantic, deps.Vector, deps.Global, deps.Diary} {
		if rc, ok := l.(interface{ SetUpdateRetries(int) }); ok {
			rc.SetUpdateRetries(cfg.Orchestrator.RetryCount)
		}
	}
	return o, nil
}

// Lookup runs the hierarchical fallback protocol. The caller always gets
// a definite status: expected misses and transient layer failures are
// absorbed here, never surfaced.
func (o *Orchestrator) Lookup(ctx context.Context, req types.LookupRequest) (types.LookupResult, error) {
	start := o.now()
	embedding := o.resolveEmbedding(ctx, req)

	// Step 1: predictive hints, the cheapest probe.
	if res, ok := o.lookupPredictive(ctx, req); ok {
		return o.finish(res, start), nil
	}

	// Step 2: semantic reuse of prior answers.
	if res, ok := o.lookupSemantic(ctx, embedding); ok {
		return o.finish(res, start), nil
	}

	// Step 3: vector and diary context assembly, run concurrently.
	elements := o.assembleContext(ctx, req, embedding)
	if len(elements) > 0 {
		return o.finish(types.LookupResult{
			Status:          types.StatusPartiallyResolved,
			ContextElements: elements,
		}, start), nil
	}

	// Step 4: global knowledge, strictly last.
	if res, ok := o.lookupGlobal(ctx, req); ok {
		return o.finish(res, start), nil
	}

	return o.finish(types.LookupResult{Status: types.StatusUnresolved}, start), nil
}

func (o *Orchestrator) finish(res types.LookupResult, start time.Time) types.LookupResult {
	o.deps.Observer.OnLookup(res.Status, res.SourceLayer, o.now().Sub(start))
	return res
}

// resolveEmbedding returns the request's embedding, computing one when
// absent. A provider failure means vector-based layers are skipped for
// this request only.
func (o *Orchestrator) resolveEmbedding(ctx context.Context, req types.LookupRequest) []float64 {
	if len(req.Embedding) > 0 {
		return req.Embedding
	}
	if o.deps.Embedder == nil || req.Query == "" {
		return nil
	}
	embedding, err := o.deps.Embedder.Embed(ctx, req.Query)
	if err != nil {
		o.logger.Debug("embedding unavailable, vector layers skipped", zap.Error(err))
		return nil
	}
	return embedding
}

func (o *Orchestrator) lookupPredictive(ctx context.Context, req types.LookupRequest) (types.LookupResult, bool) {
	if !o.deps.Tracker.Breaker(types.LayerPredictive).Allow() {
		return types.LookupResult{}, false
	}
	start := o.now()
	var entry *types.CacheEntry
	err := o.withRetries(ctx, func() error {
		var err error
		entry, err = o.deps.Predictive.Lookup(ctx, req.ContextHash())
		return err
	})
	latency := o.now().Sub(start)

	switch {
	case err == nil && entry.Score >= o.cfg.Predictive.MinConfidence:
		o.record(types.LayerPredictive, health.OutcomeHit, latency)
		o.markHit(ctx, o.deps.Predictive.MarkHit, entry.ID, types.LayerPredictive)
		return types.LookupResult{
			Status:      types.StatusResolved,
			Payload:     entry.Payload,
			SourceLayer: types.LayerPredictive,
		}, true
	case err == nil, errors.Is(err, types.ErrNotFound):
		// Found-but-low-confidence counts as a miss, same as absent.
		o.record(types.LayerPredictive, health.OutcomeMiss, latency)
	case isDeadline(err):
		o.deps.Tracker.RecordTimeout(types.LayerPredictive, latency)
	default:
		o.logger.Warn("predictive lookup failed", zap.Error(err))
		o.record(types.LayerPredictive, health.OutcomeError, latency)
	}
	return types.LookupResult{}, false
}

func (o *Orchestrator) lookupSemantic(ctx context.Context, embedding []float64) (types.LookupResult, bool) {
	if len(embedding) == 0 {
		return types.LookupResult{}, false
	}
	if !o.deps.Tracker.Breaker(types.LayerSemantic).Allow() {
		return types.LookupResult{}, false
	}
	start := o.now()
	var matches []layer.Match
	err := o.withRetries(ctx, func() error {
		var err error
		matches, err = o.deps.Semantic.Search(ctx, embedding, o.cfg.Semantic.TopK, o.cfg.Semantic.MinSimilarity)
		return err
	})
	latency := o.now().Sub(start)

	switch {
	case err == nil && len(matches) > 0:
		best := matches[0]
		o.record(types.LayerSemantic, health.OutcomeHit, latency)
		o.markHit(ctx, o.deps.Semantic.MarkHit, best.Entry.ID, types.LayerSemantic)
		return types.LookupResult{
			Status:      types.StatusResolved,
			Payload:     best.Entry.Payload,
			SourceLayer: types.LayerSemantic,
		}, true
	case err == nil:
		o.record(types.LayerSemantic, health.OutcomeMiss, latency)
	case isDeadline(err):
		o.deps.Tracker.RecordTimeout(types.LayerSemantic, latency)
	default:
		// Includes ErrIndexUnavailable: a layer miss for the caller, a
		// failure for the breaker.
		o.logger.Warn("semantic search failed", zap.Error(err))
		o.record(types.LayerSemantic, health.OutcomeError, latency)
	}
	return types.LookupResult{}, false
}

// assembleContext queries the vector and diary layers concurrently under
// one bounded wait. The two queries are independent; a timeout on one
// does not block the other, and a single timeout never trips a breaker.
func (o *Orchestrator) assembleContext(ctx context.Context, req types.LookupRequest, embedding []float64) []types.ContextElement {
	if len(embedding) == 0 {
		return nil
	}

	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.Orchestrator.ParallelTimeout)
	defer cancel()

	var vectorMatches, diaryMatches []layer.Match
	g, gctx := errgroup.WithContext(stepCtx)

	if o.deps.Tracker.Breaker(types.LayerVector).Allow() {
		g.Go(func() error {
			start := o.now()
			matches, err := o.deps.Vector.Search(gctx, embedding, req.Filters, o.cfg.Vector.TopK)
			o.bookContextOutcome(types.LayerVector, len(matches), err, o.now().Sub(start))
			if err == nil {
				vectorMatches = matches
			}
			return nil
		})
	}
	if o.deps.Tracker.Breaker(types.LayerDiary).Allow() {
		g.Go(func() error {
			start := o.now()
			matches, err := o.deps.Diary.Search(gctx, embedding, time.Time{}, time.Time{}, o.cfg.Orchestrator.MinDiaryImportance)
			o.bookContextOutcome(types.LayerDiary, len(matches), err, o.now().Sub(start))
			if err == nil {
				diaryMatches = matches
			}
			return nil
		})
	}
	_ = g.Wait() // goroutines always return nil

	elements := make([]types.ContextElement, 0, len(vectorMatches)+len(diaryMatches))
	for _, m := range vectorMatches {
		elements = append(elements, types.ContextElement{
			Source:  types.LayerVector,
			EntryID: m.Entry.ID,
			Content: m.Entry.Payload,
			Score:   m.Score,
		})
		o.markHit(ctx, o.deps.Vector.MarkHit, m.Entry.ID, types.LayerVector)
	}
	for _, m := range diaryMatches {
		elements = append(elements, types.ContextElement{
			Source:  types.LayerDiary,
			EntryID: m.Entry.ID,
			Content: m.Entry.Payload,
			Score:   m.Score,
		})
		o.markHit(ctx, o.deps.Diary.MarkHit, m.Entry.ID, types.LayerDiary)
	}
	return elements
}

func (o *Orchestrator) bookContextOutcome(id types.LayerID, matches int, err error, latency time.Duration) {
	switch {
	case err == nil && matches > 0:
		o.record(id, health.OutcomeHit, latency)
	case err == nil:
		o.record(id, health.OutcomeMiss, latency)
	case isDeadline(err):
		o.deps.Tracker.RecordTimeout(id, latency)
	default:
		o.logger.Warn("context query failed", zap.String("layer", string(id)), zap.Error(err))
		o.record(id, health.OutcomeError, latency)
	}
}

func (o *Orchestrator) lookupGlobal(ctx context.Context, req types.LookupRequest) (types.LookupResult, bool) {
	if !o.deps.Tracker.Breaker(types.LayerGlobal).Allow() {
		return types.LookupResult{}, false
	}
	start := o.now()
	var matches []layer.Match
	err := o.withRetries(ctx, func() error {
		var err error
		matches, err = o.deps.Global.Search(ctx, req.Query, req.Filters["domain"], o.cfg.Global.MinConfidence)
		return err
	})
	latency := o.now().Sub(start)

	switch {
	case err == nil && len(matches) > 0:
		best := matches[0]
		o.record(types.LayerGlobal, health.OutcomeHit, latency)
		o.markHit(ctx, o.deps.Global.MarkHit, best.Entry.ID, types.LayerGlobal)
		return types.LookupResult{
			Status:      types.StatusResolved,
			Payload:     best.Entry.Payload,
			SourceLayer: types.LayerGlobal,
			Fallback:    true,
		}, true
	case err == nil:
		o.record(types.LayerGlobal, health.OutcomeMiss, latency)
	case isDeadline(err):
		o.deps.Tracker.RecordTimeout(types.LayerGlobal, latency)
	default:
		o.logger.Warn("global knowledge search failed", zap.Error(err))
		o.record(types.LayerGlobal, health.OutcomeError, latency)
	}
	return types.LookupResult{}, false
}

func (o *Orchestrator) record(id types.LayerID, outcome health.Outcome, latency time.Duration) {
	o.deps.Tracker.Record(id, outcome, latency)
	o.deps.Observer.OnLayerCall(id, outcome, latency)
}

// markHit bumps access bookkeeping for an entry actually consumed as a
// hit. Bookkeeping failures are logged, never surfaced: the hit stands.
func (o *Orchestrator) markHit(ctx context.Context, fn func(context.Context, string) error, id string, l types.LayerID) {
	if err := fn(ctx, id); err != nil {
		o.logger.Debug("hit bookkeeping failed",
			zap.String("layer", string(l)), zap.String("id", id), zap.Error(err))
	}
}

// withRetries retries transient failures with backoff up to the bounded
// count. Expected misses and context cancellation pass through untouched.
func (o *Orchestrator) withRetries(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < o.cfg.Orchestrator.RetryCount; attempt++ {
		err = fn()
		if err == nil || !types.IsRetryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.cfg.Orchestrator.RetryBackoff * time.Duration(attempt+1)):
		}
	}
	return err
}

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
