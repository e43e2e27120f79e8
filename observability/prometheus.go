package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/BaSui01/cacheflow/health"
	"github.com/BaSui01/cacheflow/types"
)

// PrometheusObserver exports cache events as Prometheus metrics.
type PrometheusObserver struct {
	layerCalls    *prometheus.CounterVec
	layerLatency  *prometheus.HistogramVec
	lookups       *prometheus.CounterVec
	lookupLatency prometheus.Histogram
	records       *prometheus.CounterVec
	transitions   *prometheus.CounterVec
}

// NewPrometheusObserver registers the cacheflow metrics on reg.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	o := &PrometheusObserver{
		layerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cacheflow_layer_calls_total",
			Help: "Layer queries by layer and outcome.",
		}, []string{"layer", "outcome"}),
		layerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cacheflow_layer_latency_seconds",
			Help:    "Latency of individual layer queries.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"layer"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cacheflow_lookups_total",
			Help: "Completed lookups by terminal status and source layer.",
		}, []string{"status", "source_layer"}),
		lookupLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cacheflow_lookup_latency_seconds",
			Help:    "End-to-end lookup latency.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cacheflow_records_total",
			Help: "Record fan-out writes by layer and merge outcome.",
		}, []string{"layer", "merged"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cacheflow_breaker_transitions_total",
			Help: "Circuit breaker transitions by layer.",
		}, []string{"layer", "from", "to"}),
	}
	reg.MustRegister(o.layerCalls, o.layerLatency, o.lookups, o.lookupLatency, o.records, o.transitions)
	return o
}

func (o *PrometheusObserver) OnLayerCall(layer types.LayerID, outcome health.Outcome, latency time.Duration) {
	o.layerCalls.WithLabelValues(string(layer), string(outcome)).Inc()
	o.layerLatency.WithLabelValues(string(layer)).Observe(latency.Seconds())
}

func (o *PrometheusObserver) OnLookup(status types.LookupStatus, sourceLayer types.LayerID, latency time.Duration) {
	o.lookups.WithLabelValues(string(status), string(sourceLayer)).Inc()
	o.lookupLatency.Observe(latency.Seconds())
}

func (o *PrometheusObserver) OnRecord(layer types.LayerID, merged bool) {
	o.records.WithLabelValues(string(layer), strconv.FormatBool(merged)).Inc()
}

func (o *PrometheusObserver) OnBreakerChange(layer types.LayerID, from, to health.State) {
	o.transitions.WithLabelValues(string(layer), from.String(), to.String()).Inc()
}
