// Package invalidation tracks dependency metadata for every cached entry
// and removes entries across layers in response to content changes,
// domain changes, or expiry. The manager is a weak back-reference index:
// it holds ids and metadata, never payload copies, and owns nothing.
package invalidation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/cacheflow/types"
)

// Evictor is the slice of a layer store the manager needs: identity and
// terminal removal.
type Evictor interface {
	ID() types.LayerID
	Evict(ctx context.Context, id string) error
}

// ref is the per-entry back-reference.
type ref struct {
	id          string
	layer       types.LayerID
	contentHash string
	domain      string
	expiresAt   *time.Time
}

// Manager resolves invalidation patterns to entry ids and fans eviction
// out to the owning layers.
type Manager struct {
	logger *zap.Logger

	mu       sync.RWMutex
	byID     map[string]*ref
	byHash   map[string]map[string]struct{}
	byDomain map[string]map[string]struct{}
	layers   map[types.LayerID]Evictor
}

// NewManager creates a manager over the given layers.
func NewManager(logger *zap.Logger, layers ...Evictor) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		logger:   logger.With(zap.String("component", "invalidation")),
		byID:     make(map[string]*ref),
		byHash:   make(map[string]map[string]struct{}),
		byDomain: make(map[string]map[string]struct{}),
		layers:   make(map[types.LayerID]Evictor, len(layers)),
	}
	for _, l := range layers {
		m.layers[l.ID()] = l
		// Layers that announce their own evictions keep the index honest:
		// a capacity, TTL, or archive eviction drops its back-reference too.
		if n, ok := l.(interface{ OnEvict(func(id string)) }); ok {
			n.OnEvict(m.Unregister)
		}
	}
	return m
}

// Register records the back-reference for a written entry. Called on
// every write so later pattern invalidation can find the entry.
func (m *Manager) Register(e *types.CacheEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.byID[e.ID]; ok {
		m.dropIndexesLocked(old)
	}
	r := &ref{
		id:          e.ID,
		layer:       e.Layer,
		contentHash: e.ContentHash,
		domain:      e.Key.Domain,
	}
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		r.expiresAt = &t
	}
	m.byID[e.ID] = r
	if r.contentHash != "" {
		if m.byHash[r.contentHash] == nil {
			m.byHash[r.contentHash] = make(map[string]struct{})
		}
		m.byHash[r.contentHash][e.ID] = struct{}{}
	}
	if r.domain != "" {
		if m.byDomain[r.domain] == nil {
			m.byDomain[r.domain] = make(map[string]struct{})
		}
		m.byDomain[r.domain][e.ID] = struct{}{}
	}
}

// Unregister drops the back-reference of an entry evicted by a layer's
// own policy (capacity, TTL, archive).
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.byID[id]; ok {
		m.dropIndexesLocked(r)
		delete(m.byID, id)
	}
}

func (m *Manager) dropIndexesLocked(r *ref) {
	if ids, ok := m.byHash[r.contentHash]; ok {
		delete(ids, r.id)
		if len(ids) == 0 {
			delete(m.byHash, r.contentHash)
		}
	}
	if ids, ok := m.byDomain[r.domain]; ok {
		delete(ids, r.id)
		if len(ids) == 0 {
			delete(m.byDomain, r.domain)
		}
	}
}

// Invalidate resolves the pattern and evicts every matched entry from its
// owning layer.
func (m *Manager) Invalidate(ctx context.Context, pattern types.InvalidationPattern) (types.InvalidationReport, error) {
	refs, err := m.resolve(pattern)
	if err != nil {
		return types.InvalidationReport{}, err
	}

	report := types.InvalidationReport{
		Matched:  len(refs),
		PerLayer: make(map[types.LayerID]int),
	}
	for _, r := range refs {
		l, ok := m.layers[r.layer]
		if !ok {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: no layer %s", r.id, r.layer))
			continue
		}
		if err := l.Evict(ctx, r.id); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", r.id, err))
			continue
		}
		m.Unregister(r.id)
		report.Evicted++
		report.PerLayer[r.layer]++
	}
	m.logger.Info("invalidation completed",
		zap.String("kind", string(pattern.Kind)),
		zap.Int("matched", report.Matched),
		zap.Int("evicted", report.Evicted))
	return report, nil
}

func (m *Manager) resolve(pattern types.InvalidationPattern) ([]*ref, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch pattern.Kind {
	case types.InvalidateByKey:
		if r, ok := m.byID[pattern.ID]; ok {
			return []*ref{r}, nil
		}
		return nil, nil
	case types.InvalidateByContentHash:
		return m.collectLocked(m.byHash[pattern.ContentHash]), nil
	case types.InvalidateByDomain:
		return m.collectLocked(m.byDomain[pattern.Domain]), nil
	case types.InvalidateExpired:
		var out []*ref
		for _, r := range m.byID {
			// Entries without a TTL are never matched by an expiry sweep.
			if r.expiresAt != nil && !r.expiresAt.After(pattern.Before) {
				out = append(out, r)
			}
		}
		return out, nil
	default:
		return nil, types.NewError(types.ErrCodeInternal,
			fmt.Sprintf("unknown invalidation kind %q", pattern.Kind))
	}
}

func (m *Manager) collectLocked(ids map[string]struct{}) []*ref {
	out := make([]*ref, 0, len(ids))
	for id := range ids {
		if r, ok := m.byID[id]; ok {
			out = append(out, r)
		}
	}
	return out
}
