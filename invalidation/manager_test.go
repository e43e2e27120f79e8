package invalidation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/cacheflow/config"
	"github.com/BaSui01/cacheflow/layer"
	"github.com/BaSui01/cacheflow/store"
	"github.com/BaSui01/cacheflow/types"
)

// fakeEvictor records evictions and can be told to fail.
type fakeEvictor struct {
	layer types.LayerID
	fail  error

	mu      sync.Mutex
	evicted []string
}

func (f *fakeEvictor) ID() types.LayerID { return f.layer }

func (f *fakeEvictor) Evict(_ context.Context, id string) error {
	if f.fail != nil {
		return f.fail
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted = append(f.evicted, id)
	return nil
}

func entry(layer types.LayerID, payload, domain string) *types.CacheEntry {
	e := types.NewEntry(layer, types.KeyMaterial{Domain: domain}, []byte(payload), time.Now())
	e.Score = 1
	return e
}

func TestInvalidateByKey(t *testing.T) {
	sem := &fakeEvictor{layer: types.LayerSemantic}
	m := NewManager(nil, sem)

	e := entry(types.LayerSemantic, "a", "")
	m.Register(e)

	report, err := m.Invalidate(context.Background(), types.ByKey(e.ID))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Matched)
	assert.Equal(t, 1, report.Evicted)
	assert.Equal(t, []string{e.ID}, sem.evicted)

	// A second pass finds nothing: the back-reference is gone.
	report, err = m.Invalidate(context.Background(), types.ByKey(e.ID))
	require.NoError(t, err)
	assert.Zero(t, report.Matched)
}

func TestInvalidateByContentHashSpansLayers(t *testing.T) {
	sem := &fakeEvictor{layer: types.LayerSemantic}
	vec := &fakeEvictor{layer: types.LayerVector}
	m := NewManager(nil, sem, vec)

	a := entry(types.LayerSemantic, "shared payload", "")
	b := entry(types.LayerVector, "shared payload", "")
	c := entry(types.LayerVector, "other payload", "")
	for _, e := range []*types.CacheEntry{a, b, c} {
		m.Register(e)
	}

	report, err := m.Invalidate(context.Background(), types.ByContentHash(types.HashContent([]byte("shared payload"))))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Matched)
	assert.Equal(t, 2, report.Evicted)
	assert.Equal(t, 1, report.PerLayer[types.LayerSemantic])
	assert.Equal(t, 1, report.PerLayer[types.LayerVector])
	assert.Equal(t, []string{a.ID}, sem.evicted)
	assert.Equal(t, []string{b.ID}, vec.evicted)
}

func TestInvalidateByDomain(t *testing.T) {
	glob := &fakeEvictor{layer: types.LayerGlobal}
	m := NewManager(nil, glob)

	a := entry(types.LayerGlobal, "a", "billing")
	b := entry(types.LayerGlobal, "b", "infra")
	m.Register(a)
	m.Register(b)

	report, err := m.Invalidate(context.Background(), types.ByDomain("billing"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evicted)
	assert.Equal(t, []string{a.ID}, glob.evicted)
}

func TestInvalidateExpired(t *testing.T) {
	pred := &fakeEvictor{layer: types.LayerPredictive}
	glob := &fakeEvictor{layer: types.LayerGlobal}
	m := NewManager(nil, pred, glob)

	now := time.Now()
	stale := entry(types.LayerPredictive, "stale", "")
	exp := now.Add(-time.Minute)
	stale.ExpiresAt = &exp
	alive := entry(types.LayerPredictive, "alive", "")
	future := now.Add(time.Hour)
	alive.ExpiresAt = &future
	forever := entry(types.LayerGlobal, "forever", "infra")
	for _, e := range []*types.CacheEntry{stale, alive, forever} {
		m.Register(e)
	}

	report, err := m.Invalidate(context.Background(), types.ExpiredBefore(now))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Matched)
	assert.Equal(t, []string{stale.ID}, pred.evicted)
	assert.Empty(t, glob.evicted, "entries without a TTL never match an expiry sweep")
}

func TestInvalidateReportsEvictErrors(t *testing.T) {
	sem := &fakeEvictor{layer: types.LayerSemantic, fail: errors.New("store down")}
	m := NewManager(nil, sem)

	e := entry(types.LayerSemantic, "a", "")
	m.Register(e)

	report, err := m.Invalidate(context.Background(), types.ByKey(e.ID))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Matched)
	assert.Zero(t, report.Evicted)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "store down")

	// The reference survives a failed eviction for a later retry.
	report, err = m.Invalidate(context.Background(), types.ByKey(e.ID))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Matched)
}

func TestRegisterReplacesOldIndexes(t *testing.T) {
	glob := &fakeEvictor{layer: types.LayerGlobal}
	m := NewManager(nil, glob)

	e := entry(types.LayerGlobal, "v1", "billing")
	m.Register(e)

	// The entry moves to another domain on rewrite.
	e.Key.Domain = "infra"
	e.Payload = []byte("v2")
	e.ContentHash = types.HashContent(e.Payload)
	m.Register(e)

	report, err := m.Invalidate(context.Background(), types.ByDomain("billing"))
	require.NoError(t, err)
	assert.Zero(t, report.Matched, "stale domain index is dropped on re-register")

	report, err = m.Invalidate(context.Background(), types.ByDomain("infra"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evicted)
}

func TestPolicyEvictionDropsBackReference(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig().Predictive
	cfg.Capacity = 1
	pred := layer.NewPredictive(cfg, store.NewMemoryStore(nil), nil)
	m := NewManager(nil, pred)

	first, err := pred.Insert(ctx, "hash-1", []byte("old hint"), 0.9)
	require.NoError(t, err)
	m.Register(first)

	// The second hint pushes the first out by capacity; the layer's own
	// eviction must drop the back-reference too.
	second, err := pred.Insert(ctx, "hash-2", []byte("new hint"), 0.95)
	require.NoError(t, err)
	m.Register(second)

	report, err := m.Invalidate(ctx, types.ByContentHash(types.HashContent([]byte("old hint"))))
	require.NoError(t, err)
	assert.Zero(t, report.Matched, "capacity-evicted entries leave no dangling reference")

	report, err = m.Invalidate(ctx, types.ByContentHash(types.HashContent([]byte("new hint"))))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evicted)
}

func TestUnregister(t *testing.T) {
	sem := &fakeEvictor{layer: types.LayerSemantic}
	m := NewManager(nil, sem)

	e := entry(types.LayerSemantic, "a", "")
	m.Register(e)
	m.Unregister(e.ID)

	report, err := m.Invalidate(context.Background(), types.ByKey(e.ID))
	require.NoError(t, err)
	assert.Zero(t, report.Matched)
}
