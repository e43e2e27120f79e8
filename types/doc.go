// Package types defines the shared data model of the caching core: the
// cache entry envelope used by every layer, lookup/record request and
// result types, invalidation patterns, and the unified error taxonomy.
//
// The package has no dependencies on other cacheflow packages so that
// layer stores, the orchestrator, and external collaborators can all
// speak the same vocabulary without import cycles.
package types
