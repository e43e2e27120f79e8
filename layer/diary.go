package layer

import (
	"context"
	"math"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/cacheflow/config"
	"github.com/BaSui01/cacheflow/store"
	"github.com/BaSui01/cacheflow/types"
)

// Diary is the long-horizon, session-spanning memory: a later session can
// recall an insight an earlier one recorded. Entries score by
// similarity * importance * recency, with per-content-type half-lives so
// decisions outlive transient insights. Cold entries move to a separate
// archive store instead of being deleted.
type Diary struct {
	base
	cfg      config.DiaryConfig
	archive  store.BackingStore
	embedder types.EmbeddingProvider
}

// DiaryOption tweaks construction.
type DiaryOption func(*Diary)

// WithDiaryClock injects a clock, used by tests.
func WithDiaryClock(now func() time.Time) DiaryOption {
	return func(d *Diary) { d.now = now }
}

// NewDiary creates the diary layer. The archive store may live on a
// different backend than the hot store; embedder turns appended content
// into a searchable vector.
func NewDiary(cfg config.DiaryConfig, hot, archive store.BackingStore, embedder types.EmbeddingProvider, logger *zap.Logger, opts ...DiaryOption) *Diary {
	d := &Diary{
		base:     newBase(types.LayerDiary, hot, logger),
		cfg:      cfg,
		archive:  archive,
		embedder: embedder,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Append records a diary entry. Importance is derived here from the
// outcome signals in metadata (confidence, impact_level, outcome), never
// supplied by the caller, so scores stay comparable across entries.
// A failed embedding keeps the entry exportable but unsearchable.
func (d *Diary) Append(ctx context.Context, sessionID string, content []byte, contentType string, metadata map[string]string) (string, error) {
	confidence := 0.5
	if raw, ok := metadata["confidence"]; ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			confidence = v
		}
	}
	importance := Importance(confidence, metadata["impact_level"], metadata["outcome"])

	var embedding []float64
	if d.embedder != nil {
		var err error
		embedding, err = d.embedder.Embed(ctx, string(content))
		if err != nil {
			d.logger.Warn("embedding unavailable, entry stored unsearchable", zap.Error(err))
			embedding = nil
		}
	}

	now := d.now()
	e := types.NewEntry(types.LayerDiary, types.KeyMaterial{
		SessionID:   sessionID,
		Timestamp:   now,
		ContentType: contentType,
		Embedding:   embedding,
	}, content, now)
	e.Score = importance
	e.Metadata = metadata
	if err := d.store.Put(ctx, e); err != nil {
		return "", err
	}
	return e.ID, nil
}

// Search returns diary entries scored by time-weighted relevance. Entries
// whose importance or recency weight multiplies to zero never appear,
// regardless of similarity. Archived entries are excluded by construction.
func (d *Diary) Search(ctx context.Context, embedding []float64, from, to time.Time, minImportance float64) ([]Match, error) {
	entries, err := d.store.Query(ctx, store.Criteria{Layer: types.LayerDiary})
	if err != nil {
		return nil, err
	}

	now := d.now()
	matches := make([]Match, 0, len(entries))
	for _, e := range entries {
		if !e.Scored() || e.Score < minImportance {
			continue
		}
		ts := e.Key.Timestamp
		if !from.IsZero() && ts.Before(from) {
			continue
		}
		if !to.IsZero() && ts.After(to) {
			continue
		}
		sim := CosineSimilarity(embedding, e.Key.Embedding)
		score := sim * e.Score * d.recencyWeight(e, now)
		if score <= 0 {
			continue
		}
		matches = append(matches, Match{Entry: e, Similarity: sim, Score: score})
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	return matches, nil
}

func (d *Diary) halfLife(contentType string) time.Duration {
	if hl, ok := d.cfg.HalfLives[contentType]; ok {
		return hl
	}
	return d.cfg.DefaultHalfLife
}

func (d *Diary) recencyWeight(e *types.CacheEntry, now time.Time) float64 {
	return RecencyWeight(now.Sub(e.Key.Timestamp), d.halfLife(e.Key.ContentType))
}

// Archive moves entries whose importance*recency has been below the
// archive threshold for longer than the grace period into the archive
// store. The dip instant is derived from the decay curve, so the sweep
// needs no per-entry bookkeeping. Returns how many entries moved.
func (d *Diary) Archive(ctx context.Context) (int, error) {
	entries, err := d.store.Query(ctx, store.Criteria{Layer: types.LayerDiary})
	if err != nil {
		return 0, err
	}

	now := d.now()
	moved := 0
	for _, e := range entries {
		if !d.archivable(e, now) {
			continue
		}
		cp := e.Clone()
		cp.Version = 1 // fresh version sequence in the archive store
		if err := d.archive.Put(ctx, cp); err != nil {
			d.logger.Warn("archive put failed", zap.String("id", e.ID), zap.Error(err))
			continue
		}
		if err := d.Evict(ctx, e.ID); err != nil {
			d.logger.Warn("evict after archive failed", zap.String("id", e.ID), zap.Error(err))
			continue
		}
		moved++
	}
	if moved > 0 {
		d.logger.Info("diary entries archived", zap.Int("moved", moved))
	}
	return moved, nil
}

// archivable solves the decay curve for the instant the entry's
// importance*recency fell below the threshold and checks whether that was
// at least the grace period ago.
func (d *Diary) archivable(e *types.CacheEntry, now time.Time) bool {
	importance := e.Score
	threshold := d.cfg.ArchiveThreshold
	if importance <= 0 {
		return true
	}
	hl := d.halfLife(e.Key.ContentType)
	var belowSince time.Time
	if importance <= threshold {
		belowSince = e.Key.Timestamp
	} else {
		// importance * 2^(-age/hl) < threshold  =>  age > hl*log2(imp/thr)
		ageBelow := time.Duration(float64(hl) * math.Log2(importance/threshold))
		belowSince = e.Key.Timestamp.Add(ageBelow)
	}
	return now.Sub(belowSince) >= d.cfg.ArchiveGrace
}

// ExportArchive returns archived entries, optionally filtered by session.
// Archived entries never show up in Search but remain exportable.
func (d *Diary) ExportArchive(ctx context.Context, sessionID string) ([]*types.CacheEntry, error) {
	return d.archive.Query(ctx, store.Criteria{Layer: types.LayerDiary, SessionID: sessionID})
}
