// Package store defines the minimal backing-store contract shared by all
// cache layers, plus in-memory, Redis, and relational implementations.
// Any concrete store must honor the optimistic version guard on Put:
// writes against a stale version are rejected, reads never block writers.
package store

import (
	"context"
	"time"

	"github.com/BaSui01/cacheflow/types"
)

// Criteria filters a Query. Zero-valued fields are ignored; populated
// fields are combined with AND.
type Criteria struct {
	Layer         types.LayerID
	ContextHash   string
	SessionID     string
	ContentHash   string
	Domain        string
	ExpiredBefore *time.Time
	Limit         int
}

// Matches reports whether an entry satisfies the criteria. Shared by the
// implementations that filter in process.
func (c Criteria) Matches(e *types.CacheEntry) bool {
	if c.Layer != "" && e.Layer != c.Layer {
		return false
	}
	if c.ContextHash != "" && e.Key.ContextHash != c.ContextHash {
		return false
	}
	if c.SessionID != "" && e.Key.SessionID != c.SessionID {
		return false
	}
	if c.ContentHash != "" && e.ContentHash != c.ContentHash {
		return false
	}
	if c.Domain != "" && e.Key.Domain != c.Domain {
		return false
	}
	if c.ExpiredBefore != nil {
		if e.ExpiresAt == nil || e.ExpiresAt.After(*c.ExpiredBefore) {
			return false
		}
	}
	return true
}

// BackingStore is the contract every layer's storage must implement.
//
// Put enforces optimistic concurrency: inserting requires Version == 1,
// updating requires Version == stored version + 1; anything else fails
// with types.ErrVersionConflict. Writers read, mutate, bump the version,
// and retry on conflict.
type BackingStore interface {
	Get(ctx context.Context, id string) (*types.CacheEntry, error)
	Put(ctx context.Context, entry *types.CacheEntry) error
	Delete(ctx context.Context, id string) error
	Query(ctx context.Context, criteria Criteria) ([]*types.CacheEntry, error)
	Count(ctx context.Context, layer types.LayerID) (int, error)
}
