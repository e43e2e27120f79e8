package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/BaSui01/cacheflow/health"
	"github.com/BaSui01/cacheflow/types"
)

func TestPrometheusObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := NewPrometheusObserver(reg)

	o.OnLayerCall(types.LayerSemantic, health.OutcomeHit, 5*time.Millisecond)
	o.OnLayerCall(types.LayerSemantic, health.OutcomeHit, 3*time.Millisecond)
	o.OnLayerCall(types.LayerVector, health.OutcomeMiss, time.Millisecond)
	o.OnLookup(types.StatusResolved, types.LayerSemantic, 10*time.Millisecond)
	o.OnRecord(types.LayerVector, true)
	o.OnBreakerChange(types.LayerPredictive, health.StateClosed, health.StateOpen)

	assert.Equal(t, 2.0, testutil.ToFloat64(
		o.layerCalls.WithLabelValues("semantic", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		o.layerCalls.WithLabelValues("vector", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		o.lookups.WithLabelValues("resolved", "semantic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		o.records.WithLabelValues("vector", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		o.transitions.WithLabelValues("predictive", "closed", "open")))
}

func TestPrometheusObserverRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheusObserver(reg)
	assert.Panics(t, func() { NewPrometheusObserver(reg) })
}
