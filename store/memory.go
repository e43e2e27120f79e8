package store

import (
	"context"
	"sync"

	"github.com/BaSui01/cacheflow/types"
	"go.uber.org/zap"
)

// MemoryStore is the default in-process backing store. Entries are cloned
// on the way in and out so callers can never mutate owned state.
type MemoryStore struct {
	mu     sync.RWMutex
	items  map[string]*types.CacheEntry
	logger *zap.Logger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		items:  make(map[string]*types.CacheEntry),
		logger: logger.With(zap.String("component", "store_memory")),
	}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*types.CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.items[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return e.Clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, entry *types.CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.items[entry.ID]
	if !ok {
		if entry.Version != 1 {
			return types.ErrVersionConflict
		}
	} else if existing.Version+1 != entry.Version {
		return types.ErrVersionConflict
	}

	s.items[entry.ID] = entry.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, id)
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, criteria Criteria) ([]*types.CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.CacheEntry
	for _, e := range s.items {
		if !criteria.Matches(e) {
			continue
		}
		out = append(out, e.Clone())
		if criteria.Limit > 0 && len(out) >= criteria.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Count(ctx context.Context, layer types.LayerID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if layer == "" {
		return len(s.items), nil
	}
	n := 0
	for _, e := range s.items {
		if e.Layer == layer {
			n++
		}
	}
	return n, nil
}
