package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/cacheflow/types"
)

// Record fans an externally resolved answer out to every layer whose
// schema accepts it: semantic and vector always learn from it, predictive
// learns the context-hash mapping, the diary only when the value is
// tagged diary-worthy. Recording the same value twice merges instead of
// duplicating, so Record is idempotent.
func (o *Orchestrator) Record(ctx context.Context, value types.ResolvedValue) (types.RecordOutcome, error) {
	var reasons []string
	if len(value.Payload) == 0 {
		reasons = append(reasons, "empty payload")
	}
	if value.Request.Query == "" {
		reasons = append(reasons, "empty request query")
	}
	if len(reasons) > 0 {
		return types.RecordOutcome{}, &types.ValidationError{Reasons: reasons}
	}

	outcome := types.RecordOutcome{
		EntryIDs: make(map[types.LayerID]string),
		Merged:   make(map[types.LayerID]bool),
	}
	embedding := o.resolveEmbedding(ctx, value.Request)

	if len(embedding) > 0 {
		entry, merged, err := o.deps.Semantic.Store(ctx, value.Request.Query, value.Payload, embedding, value.Metadata)
		if err != nil {
			return outcome, err
		}
		o.deps.Invalidation.Register(entry)
		o.deps.Observer.OnRecord(types.LayerSemantic, merged)
		outcome.EntryIDs[types.LayerSemantic] = entry.ID
		outcome.Merged[types.LayerSemantic] = merged

		entry, merged, err = o.deps.Vector.Store(ctx, value.Payload, embedding, value.Request.Filters)
		if err != nil {
			return outcome, err
		}
		o.deps.Invalidation.Register(entry)
		o.deps.Observer.OnRecord(types.LayerVector, merged)
		outcome.EntryIDs[types.LayerVector] = entry.ID
		outcome.Merged[types.LayerVector] = merged
	}

	// The recorded value is authoritative, so the hint carries full
	// confidence for this exact context.
	hint, err := o.deps.Predictive.Insert(ctx, value.Request.ContextHash(), value.Payload, 1.0)
	if err != nil {
		return outcome, err
	}
	o.deps.Invalidation.Register(hint)
	o.deps.Observer.OnRecord(types.LayerPredictive, false)
	outcome.EntryIDs[types.LayerPredictive] = hint.ID

	if value.HasTag(types.TagDiaryWorthy) {
		contentType := value.Metadata["content_type"]
		if contentType == "" {
			contentType = "insight"
		}
		id, err := o.deps.Diary.Append(ctx, value.Request.SessionID, value.Payload, contentType, value.Metadata)
		if err != nil {
			return outcome, err
		}
		o.deps.Invalidation.Register(&types.CacheEntry{
			ID:          id,
			Layer:       types.LayerDiary,
			ContentHash: types.HashContent(value.Payload),
		})
		o.deps.Observer.OnRecord(types.LayerDiary, false)
		outcome.EntryIDs[types.LayerDiary] = id
	}

	o.logger.Debug("record fanned out", zap.Int("layers", len(outcome.EntryIDs)))
	return outcome, nil
}

// WarmUp asks the injected prediction provider for hint candidates and
// stores the ones above the confidence floor. Low-confidence candidates
// are an expected outcome and are skipped quietly.
func (o *Orchestrator) WarmUp(ctx context.Context, current string, history []string) (int, error) {
	if o.deps.Predictor == nil {
		return 0, nil
	}
	predictions, err := o.deps.Predictor.Predict(ctx, current, history)
	if err != nil {
		return 0, err
	}

	inserted := 0
	for _, p := range predictions {
		req := types.LookupRequest{Query: current}
		hint, err := o.deps.Predictive.Insert(ctx, req.ContextHash(), []byte(p.Content), p.Confidence)
		if err != nil {
			if !errors.Is(err, types.ErrLowConfidence) {
				o.logger.Debug("warm-up insert failed", zap.Error(err))
			}
			continue
		}
		o.deps.Invalidation.Register(hint)
		inserted++
	}
	return inserted, nil
}

// Invalidate removes entries matching the pattern across all layers.
func (o *Orchestrator) Invalidate(ctx context.Context, pattern types.InvalidationPattern) (types.InvalidationReport, error) {
	return o.deps.Invalidation.Invalidate(ctx, pattern)
}

// Stats reports one layer's health, or the aggregate across all layers
// when layer is empty. A non-zero time range limits counters to the
// bucketed window.
func (o *Orchestrator) Stats(ctx context.Context, layerID types.LayerID, from, to time.Time) (types.StatsReport, error) {
	if layerID != "" {
		report := o.deps.Tracker.Snapshot(layerID, from, to)
		n, err := o.layerLen(ctx, layerID)
		if err != nil {
			return report, err
		}
		report.EntryCount = n
		return report, nil
	}

	var agg types.StatsReport
	var latencySum time.Duration
	var layersWithLatency int
	for _, id := range types.AllLayers() {
		r := o.deps.Tracker.Snapshot(id, from, to)
		agg.Hits += r.Hits
		agg.Misses += r.Misses
		agg.Errors += r.Errors
		if r.AvgLatency > 0 {
			latencySum += r.AvgLatency
			layersWithLatency++
		}
		n, err := o.layerLen(ctx, id)
		if err != nil {
			return agg, err
		}
		agg.EntryCount += n
	}
	total := agg.Hits + agg.Misses + agg.Errors
	if total > 0 {
		agg.HitRate = float64(agg.Hits) / float64(total)
		agg.ErrorRate = float64(agg.Errors) / float64(total)
	}
	if layersWithLatency > 0 {
		agg.AvgLatency = latencySum / time.Duration(layersWithLatency)
	}
	return agg, nil
}

func (o *Orchestrator) layerLen(ctx context.Context, id types.LayerID) (int, error) {
	switch id {
	case types.LayerPredictive:
		return o.deps.Predictive.Len(ctx)
	case types.LayerSemantic:
		return o.deps.Semantic.Len(ctx)
	case types.LayerVector:
		return o.deps.Vector.Len(ctx)
	case types.LayerGlobal:
		return o.deps.Global.Len(ctx)
	case types.LayerDiary:
		return o.deps.Diary.Len(ctx)
	}
	return 0, types.NewError(types.ErrCodeInternal, "unknown layer "+string(id))
}
