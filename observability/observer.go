// Package observability defines the optional metrics observer the
// orchestrator reports into, plus a Prometheus implementation. Direct
// return values carry all functional results; the observer exists only
// for metrics and is explicitly registered at construction, never via
// ambient callbacks.
package observability

import (
	"time"

	"github.com/BaSui01/cacheflow/health"
	"github.com/BaSui01/cacheflow/types"
)

// Observer receives cache events. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	// OnLayerCall reports one layer query and its outcome.
	OnLayerCall(layer types.LayerID, outcome health.Outcome, latency time.Duration)

	// OnLookup reports the terminal status of a full Lookup.
	OnLookup(status types.LookupStatus, sourceLayer types.LayerID, latency time.Duration)

	// OnRecord reports a Record fan-out write.
	OnRecord(layer types.LayerID, merged bool)

	// OnBreakerChange reports a circuit transition.
	OnBreakerChange(layer types.LayerID, from, to health.State)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) OnLayerCall(types.LayerID, health.Outcome, time.Duration)  {}
func (NopObserver) OnLookup(types.LookupStatus, types.LayerID, time.Duration) {}
func (NopObserver) OnRecord(types.LayerID, bool)                              {}
func (NopObserver) OnBreakerChange(types.LayerID, health.State, health.State) {}
