package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/cacheflow/config"
	"github.com/BaSui01/cacheflow/health"
	"github.com/BaSui01/cacheflow/invalidation"
	"github.com/BaSui01/cacheflow/layer"
	"github.com/BaSui01/cacheflow/store"
	"github.com/BaSui01/cacheflow/testutil"
	"github.com/BaSui01/cacheflow/types"
)

// brokenStore stands in for an unreachable backend in the end-to-end
// breaker tests.
type brokenStore struct{ err error }

func (b *brokenStore) Get(context.Context, string) (*types.CacheEntry, error) { return nil, b.err }
func (b *brokenStore) Put(context.Context, *types.CacheEntry) error           { return b.err }
func (b *brokenStore) Delete(context.Context, string) error                   { return b.err }
func (b *brokenStore) Query(context.Context, store.Criteria) ([]*types.CacheEntry, error) {
	return nil, b.err
}
func (b *brokenStore) Count(context.Context, types.LayerID) (int, error) { return 0, b.err }

type stack struct {
	orch     *Orchestrator
	clock    *testutil.Clock
	tracker  *health.Tracker
	semantic *layer.Semantic
}

// newStack wires the real layers over in-memory stores. predictiveStore
// lets a test break one backend while the rest of the hierarchy works.
func newStack(t *testing.T, predictiveStore store.BackingStore) *stack {
	t.Helper()
	cfg := config.DefaultConfig()
	clock := testutil.NewClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	embedder := testutil.NewHashEmbedder(64)

	if predictiveStore == nil {
		predictiveStore = store.NewMemoryStore(nil)
	}
	pred := layer.NewPredictive(cfg.Predictive, predictiveStore, nil, layer.WithPredictiveClock(clock.Now))
	sem := layer.NewSemantic(cfg.Semantic, store.NewMemoryStore(nil), nil, layer.WithSemanticClock(clock.Now))
	vec := layer.NewVector(cfg.Vector, store.NewMemoryStore(nil), nil, layer.WithVectorClock(clock.Now))
	glob := layer.NewGlobal(cfg.Global, store.NewMemoryStore(nil), nil, layer.WithGlobalClock(clock.Now))
	diary := layer.NewDiary(cfg.Diary, store.NewMemoryStore(nil), store.NewMemoryStore(nil), embedder, nil, layer.WithDiaryClock(clock.Now))

	tracker := health.NewTracker(cfg.Breaker, nil, nil, health.WithTrackerClock(clock.Now))
	manager := invalidation.NewManager(nil, pred, sem, vec, glob, diary)

	orch, err := New(cfg, Deps{
		Predictive:   pred,
		Semantic:     sem,
		Vector:       vec,
		Global:       glob,
		Diary:        diary,
		Invalidation: manager,
		Tracker:      tracker,
		Embedder:     embedder,
	}, WithClock(clock.Now))
	require.NoError(t, err)

	return &stack{orch: orch, clock: clock, tracker: tracker, semantic: sem}
}

func TestEndToEndRecordThenResolve(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, nil)

	req := types.LookupRequest{Query: "how do I restart the ingest worker", SessionID: "s1"}

	res, err := s.orch.Lookup(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, types.StatusUnresolved, res.Status)

	_, err = s.orch.Record(ctx, types.ResolvedValue{
		Request:  req,
		Payload:  []byte("send SIGHUP to the worker process"),
		Tags:     []string{types.TagDiaryWorthy},
		Metadata: map[string]string{"confidence": "0.9", "content_type": "insight"},
	})
	require.NoError(t, err)

	// The exact context comes back from the predictive hint.
	res, err = s.orch.Lookup(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, types.StatusResolved, res.Status)
	assert.Equal(t, types.LayerPredictive, res.SourceLayer)
	assert.Equal(t, []byte("send SIGHUP to the worker process"), res.Payload)

	// A paraphrase misses the hint but resolves semantically.
	paraphrase := types.LookupRequest{Query: "how do I restart the ingest worker daemon", SessionID: "s2"}
	res, err = s.orch.Lookup(ctx, paraphrase)
	require.NoError(t, err)
	assert.Equal(t, types.StatusResolved, res.Status)
	assert.Equal(t, types.LayerSemantic, res.SourceLayer)
	assert.False(t, res.Fallback)
}

func TestEndToEndPartialResolution(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, nil)

	req := types.LookupRequest{Query: "how do I restart the ingest worker", SessionID: "s1"}
	_, err := s.orch.Record(ctx, types.ResolvedValue{
		Request:  req,
		Payload:  []byte("send SIGHUP to the worker process"),
		Tags:     []string{types.TagDiaryWorthy},
		Metadata: map[string]string{"confidence": "0.9"},
	})
	require.NoError(t, err)

	// Close to the stored payload, far from the stored prompt: no direct
	// answer, but usable context elements from vector and diary.
	probe := types.LookupRequest{Query: "SIGHUP the worker process", SessionID: "s3"}
	res, err := s.orch.Lookup(ctx, probe)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPartiallyResolved, res.Status)
	require.NotEmpty(t, res.ContextElements)

	sources := make(map[types.LayerID]bool)
	for _, el := range res.ContextElements {
		sources[el.Source] = true
		assert.Equal(t, []byte("send SIGHUP to the worker process"), el.Content)
		assert.Greater(t, el.Score, 0.0)
	}
	assert.True(t, sources[types.LayerVector])
	assert.True(t, sources[types.LayerDiary])

	// Partial resolution never reached the global layer.
	g := s.tracker.Snapshot(types.LayerGlobal, time.Time{}, time.Time{})
	assert.Zero(t, g.Hits+g.Misses+g.Errors)
}

func TestEndToEndRecordIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, nil)

	value := types.ResolvedValue{
		Request: types.LookupRequest{Query: "how do I restart the ingest worker", SessionID: "s1"},
		Payload: []byte("send SIGHUP to the worker process"),
	}
	first, err := s.orch.Record(ctx, value)
	require.NoError(t, err)
	second, err := s.orch.Record(ctx, value)
	require.NoError(t, err)

	assert.True(t, second.Merged[types.LayerSemantic], "re-recording merges instead of duplicating")
	assert.True(t, second.Merged[types.LayerVector])
	assert.Equal(t, first.EntryIDs[types.LayerSemantic], second.EntryIDs[types.LayerSemantic])
	assert.Equal(t, first.EntryIDs[types.LayerPredictive], second.EntryIDs[types.LayerPredictive])

	stats, err := s.orch.Stats(ctx, types.LayerSemantic, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EntryCount)
}

func TestEndToEndInvalidationByContentHash(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, nil)

	req := types.LookupRequest{Query: "how do I restart the ingest worker", SessionID: "s1"}
	payload := []byte("send SIGHUP to the worker process")
	_, err := s.orch.Record(ctx, types.ResolvedValue{Request: req, Payload: payload})
	require.NoError(t, err)

	report, err := s.orch.Invalidate(ctx, types.ByContentHash(types.HashContent(payload)))
	require.NoError(t, err)
	assert.Equal(t, 3, report.Evicted, "predictive, semantic, and vector copies all go")
	assert.Empty(t, report.Errors)

	res, err := s.orch.Lookup(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, types.StatusUnresolved, res.Status)
}

func TestEndToEndBreakerRoutesAroundBrokenLayer(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, &brokenStore{err: errors.New("backend unreachable")})

	// Seed the semantic layer directly; the broken predictive store would
	// fail the Record fan-out.
	embedder := testutil.NewHashEmbedder(64)
	emb, err := embedder.Embed(ctx, "how do I restart the ingest worker")
	require.NoError(t, err)
	_, _, err = s.semantic.Store(ctx, "how do I restart the ingest worker", []byte("send SIGHUP"), emb, nil)
	require.NoError(t, err)

	req := types.LookupRequest{Query: "how do I restart the ingest worker", SessionID: "s1"}
	threshold := config.DefaultConfig().Breaker.FailureThreshold
	for i := 0; i < threshold; i++ {
		res, err := s.orch.Lookup(ctx, req)
		require.NoError(t, err, "the broken layer degrades, the lookup still resolves")
		assert.Equal(t, types.LayerSemantic, res.SourceLayer)
	}
	assert.Equal(t, health.StateOpen, s.tracker.Breaker(types.LayerPredictive).State())

	// With the circuit open the broken layer is skipped entirely.
	errorsBefore := s.tracker.Snapshot(types.LayerPredictive, time.Time{}, time.Time{}).Errors
	res, err := s.orch.Lookup(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, types.StatusResolved, res.Status)
	assert.Equal(t, errorsBefore, s.tracker.Snapshot(types.LayerPredictive, time.Time{}, time.Time{}).Errors)
}

func TestEndToEndBreakerRecovery(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, nil)

	b := s.tracker.Breaker(types.LayerPredictive)
	for i := 0; i < config.DefaultConfig().Breaker.FailureThreshold; i++ {
		b.RecordFailure()
	}
	require.Equal(t, health.StateOpen, b.State())

	// After the cooldown the next lookup is the trial; a healthy store
	// answers it and the circuit closes.
	s.clock.Advance(config.DefaultConfig().Breaker.Cooldown + time.Second)
	_, err := s.orch.Lookup(ctx, types.LookupRequest{Query: "anything", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, health.StateClosed, b.State())
}
