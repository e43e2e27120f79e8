package types

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"
)

// LookupStatus is one of the three terminal outcomes of a Lookup.
type LookupStatus string

const (
	// StatusResolved means a cached answer was found.
	StatusResolved LookupStatus = "resolved"
	// StatusPartiallyResolved means usable context was found but the
	// answer itself is not cached; the caller must still resolve.
	StatusPartiallyResolved LookupStatus = "partially_resolved"
	// StatusUnresolved means nothing usable was found anywhere.
	StatusUnresolved LookupStatus = "unresolved"
)

// LookupRequest describes one lookup against the cache hierarchy.
type LookupRequest struct {
	Query     string            `json:"query"`
	Embedding []float64         `json:"embedding,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Filters   map[string]string `json:"filters,omitempty"`
}

// ContextHash derives the predictive-layer lookup key from the request.
// Filters are folded in sorted order so the hash is deterministic.
func (r LookupRequest) ContextHash() string {
	h := sha256.New()
	h.Write([]byte(r.Query))
	h.Write([]byte{0})
	h.Write([]byte(r.SessionID))
	keys := make([]string, 0, len(r.Filters))
	for k := range r.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(r.Filters[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ContextElement is one scored piece of assembled context.
type ContextElement struct {
	Source  LayerID `json:"source"`
	EntryID string  `json:"entry_id"`
	Content []byte  `json:"content"`
	Score   float64 `json:"score"`
}

// LookupResult is what the caller receives from a Lookup. Degraded layers
// reduce hit rate but a caller always gets a definite status.
type LookupResult struct {
	Status          LookupStatus     `json:"status"`
	Payload         []byte           `json:"payload,omitempty"`
	SourceLayer     LayerID          `json:"source_layer,omitempty"`
	Fallback        bool             `json:"fallback,omitempty"`
	ContextElements []ContextElement `json:"context_elements,omitempty"`
}

// TagDiaryWorthy marks a recorded value for diary fan-out.
const TagDiaryWorthy = "diary-worthy"

// ResolvedValue is an authoritative answer computed externally after an
// unresolved lookup, handed back so the layers can learn from it.
type ResolvedValue struct {
	Request  LookupRequest     `json:"request"`
	Payload  []byte            `json:"payload"`
	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// HasTag reports whether the value carries the given tag.
func (v ResolvedValue) HasTag(tag string) bool {
	for _, t := range v.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// RecordOutcome reports which entries a Record call produced per layer.
// Merged marks layers where an existing entry absorbed the value instead
// of a new entry being created.
type RecordOutcome struct {
	EntryIDs map[LayerID]string `json:"entry_ids"`
	Merged   map[LayerID]bool   `json:"merged,omitempty"`
}

// InvalidationKind selects the invalidation pattern variant.
type InvalidationKind string

const (
	InvalidateByKey         InvalidationKind = "by_key"
	InvalidateByContentHash InvalidationKind = "by_content_hash"
	InvalidateByDomain      InvalidationKind = "by_domain"
	InvalidateExpired       InvalidationKind = "expired"
)

// InvalidationPattern selects entries to remove across layers.
type InvalidationPattern struct {
	Kind        InvalidationKind `json:"kind"`
	ID          string           `json:"id,omitempty"`
	ContentHash string           `json:"content_hash,omitempty"`
	Domain      string           `json:"domain,omitempty"`
	Before      time.Time        `json:"before,omitempty"`
}

// ByKey invalidates a single entry by id.
func ByKey(id string) InvalidationPattern {
	return InvalidationPattern{Kind: InvalidateByKey, ID: id}
}

// ByContentHash invalidates every entry whose payload hashes to hash.
func ByContentHash(hash string) InvalidationPattern {
	return InvalidationPattern{Kind: InvalidateByContentHash, ContentHash: hash}
}

// ByDomain invalidates every entry tagged with domain.
func ByDomain(domain string) InvalidationPattern {
	return InvalidationPattern{Kind: InvalidateByDomain, Domain: domain}
}

// ExpiredBefore invalidates TTL-bearing entries that expired before the
// given instant. Entries without a TTL are never matched.
func ExpiredBefore(before time.Time) InvalidationPattern {
	return InvalidationPattern{Kind: InvalidateExpired, Before: before}
}

// InvalidationReport summarizes one Invalidate call.
type InvalidationReport struct {
	Matched  int             `json:"matched"`
	Evicted  int             `json:"evicted"`
	PerLayer map[LayerID]int `json:"per_layer,omitempty"`
	Errors   []string        `json:"errors,omitempty"`
}

// StatsReport summarizes layer health over an optional time range.
// An empty Layer means the aggregate across all layers.
type StatsReport struct {
	Layer      LayerID       `json:"layer,omitempty"`
	Hits       uint64        `json:"hits"`
	Misses     uint64        `json:"misses"`
	Errors     uint64        `json:"errors"`
	HitRate    float64       `json:"hit_rate"`
	ErrorRate  float64       `json:"error_rate"`
	AvgLatency time.Duration `json:"avg_latency"`
	EntryCount int           `json:"entry_count"`
}
