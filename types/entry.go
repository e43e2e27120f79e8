package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// LayerID identifies one of the five cache layers.
type LayerID string

const (
	LayerPredictive LayerID = "predictive"
	LayerSemantic   LayerID = "semantic"
	LayerVector     LayerID = "vector"
	LayerGlobal     LayerID = "global"
	LayerDiary      LayerID = "diary"
)

// AllLayers lists every layer in fallback-protocol order.
func AllLayers() []LayerID {
	return []LayerID{LayerPredictive, LayerSemantic, LayerVector, LayerGlobal, LayerDiary}
}

// Valid reports whether the id names a known layer.
func (l LayerID) Valid() bool {
	switch l {
	case LayerPredictive, LayerSemantic, LayerVector, LayerGlobal, LayerDiary:
		return true
	}
	return false
}

// ScoreUnset marks an entry whose score has not been computed yet.
// An entry with an unset score must never be returned to a consumer.
const ScoreUnset = -1.0

// KeyMaterial is the lookup key of an entry. Which fields are populated
// depends on the owning layer: predictive entries carry a context hash,
// semantic/vector entries a text+embedding pair, diary entries a
// (session, timestamp) composite. Domain is used by the global knowledge
// layer, ContentType by the diary layer.
type KeyMaterial struct {
	ContextHash string    `json:"context_hash,omitempty"`
	Text        string    `json:"text,omitempty"`
	Embedding   []float64 `json:"embedding,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
	Domain      string    `json:"domain,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
}

// CacheEntry is the generic envelope stored by every layer.
type CacheEntry struct {
	ID             string            `json:"id"`
	Layer          LayerID           `json:"layer"`
	Key            KeyMaterial       `json:"key"`
	Payload        []byte            `json:"payload"`
	ContentHash    string            `json:"content_hash"`
	Score          float64           `json:"score"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAccessedAt time.Time         `json:"last_accessed_at"`
	AccessCount    int               `json:"access_count"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	Version        int64             `json:"version"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// NewEntry creates a fresh entry for a layer. The id is assigned here and
// is never reused; the score starts unset and must be computed by the
// owning layer before the entry becomes visible to consumers.
func NewEntry(layer LayerID, key KeyMaterial, payload []byte, now time.Time) *CacheEntry {
	return &CacheEntry{
		ID:             uuid.NewString(),
		Layer:          layer,
		Key:            key,
		Payload:        payload,
		ContentHash:    HashContent(payload),
		Score:          ScoreUnset,
		CreatedAt:      now,
		LastAccessedAt: now,
		Version:        1,
	}
}

// HashContent returns the canonical content hash used for deduplication
// and ByContentHash invalidation.
func HashContent(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Touch records a successful read that returned this entry as a hit.
func (e *CacheEntry) Touch(now time.Time) {
	e.AccessCount++
	e.LastAccessedAt = now
}

// Expired reports whether the entry's TTL has elapsed. Entries without
// an expiry never expire on time alone.
func (e *CacheEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// Scored reports whether the entry carries a computed score.
func (e *CacheEntry) Scored() bool {
	return e.Score >= 0
}

// Clone returns a deep copy. Stores hand out clones so that callers can
// never mutate owned state behind the store's back.
func (e *CacheEntry) Clone() *CacheEntry {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Payload = append([]byte(nil), e.Payload...)
	cp.Key.Embedding = append([]float64(nil), e.Key.Embedding...)
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		cp.ExpiresAt = &t
	}
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
