package layer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/cacheflow/config"
	"github.com/BaSui01/cacheflow/store"
	"github.com/BaSui01/cacheflow/types"
)

// Global is the last-resort fallback knowledge base. It is always
// consulted after the sharper layers miss, never first: its entries are
// coarse-grained, and a correct-but-unspecific answer is worse than no
// answer when a sharper one exists upstream. Entries carry no TTL; only
// explicit invalidation or domain deregistration removes them.
type Global struct {
	base
	cfg config.GlobalConfig

	mu      sync.RWMutex
	domains map[string]struct{}
}

// ValidationReport is the result of validating a knowledge entry before
// storage.
type ValidationReport struct {
	OK      bool
	Reasons []string
}

// GlobalOption tweaks construction.
type GlobalOption func(*Global)

// WithGlobalClock injects a clock, used by tests.
func WithGlobalClock(now func() time.Time) GlobalOption {
	return func(g *Global) { g.now = now }
}

// NewGlobal creates the global knowledge layer with the configured domain
// registry.
func NewGlobal(cfg config.GlobalConfig, st store.BackingStore, logger *zap.Logger, opts ...GlobalOption) *Global {
	g := &Global{
		base:    newBase(types.LayerGlobal, st, logger),
		cfg:     cfg,
		domains: make(map[string]struct{}, len(cfg.Domains)),
	}
	for _, d := range cfg.Domains {
		g.domains[d] = struct{}{}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RegisterDomain adds a domain to the registry.
func (g *Global) RegisterDomain(domain string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.domains[domain] = struct{}{}
}

// DeregisterDomain removes a domain and evicts every entry stored under
// it. This is the only time-independent removal path besides explicit
// invalidation.
func (g *Global) DeregisterDomain(ctx context.Context, domain string) (int, error) {
	g.mu.Lock()
	delete(g.domains, domain)
	g.mu.Unlock()

	entries, err := g.store.Query(ctx, store.Criteria{Layer: types.LayerGlobal, Domain: domain})
	if err != nil {
		return 0, err
	}
	evicted := 0
	for _, e := range entries {
		if err := g.Evict(ctx, e.ID); err != nil {
			g.logger.Warn("evict on deregistration failed", zap.String("id", e.ID), zap.Error(err))
			continue
		}
		evicted++
	}
	g.logger.Info("domain deregistered", zap.String("domain", domain), zap.Int("evicted", evicted))
	return evicted, nil
}

func (g *Global) domainRegistered(domain string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.domains[domain]
	return ok
}

// Validate checks a candidate knowledge entry. It is the precondition for
// Store; a failing entry is rejected with the full reasons list and
// nothing is stored.
func (g *Global) Validate(payload []byte, confidence float64, domain string) ValidationReport {
	var reasons []string
	if len(payload) == 0 {
		reasons = append(reasons, "empty payload")
	}
	if confidence < g.cfg.MinConfidence {
		reasons = append(reasons, fmt.Sprintf("confidence %.2f below minimum %.2f", confidence, g.cfg.MinConfidence))
	}
	if !g.domainRegistered(domain) {
		reasons = append(reasons, fmt.Sprintf("domain %q not registered", domain))
	}
	return ValidationReport{OK: len(reasons) == 0, Reasons: reasons}
}

// Store validates and saves a knowledge entry. Store never silently drops
// data: a validation failure comes back as a typed error.
func (g *Global) Store(ctx context.Context, title string, payload []byte, confidence float64, domain string) (*types.CacheEntry, error) {
	if report := g.Validate(payload, confidence, domain); !report.OK {
		return nil, &types.ValidationError{Reasons: report.Reasons}
	}
	e := types.NewEntry(types.LayerGlobal, types.KeyMaterial{
		Text:   title,
		Domain: domain,
	}, payload, g.now())
	e.Score = confidence
	if err := g.store.Put(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Search returns knowledge entries relevant to the query, ordered by
// confidence-weighted term overlap. An empty domainFilter searches every
// registered domain.
func (g *Global) Search(ctx context.Context, query, domainFilter string, minConfidence float64) ([]Match, error) {
	entries, err := g.store.Query(ctx, store.Criteria{Layer: types.LayerGlobal, Domain: domainFilter})
	if err != nil {
		return nil, err
	}

	terms := strings.Fields(strings.ToLower(query))
	matches := make([]Match, 0, len(entries))
	for _, e := range entries {
		if !e.Scored() || e.Score < minConfidence {
			continue
		}
		overlap := termOverlap(terms, e)
		if overlap == 0 {
			continue
		}
		matches = append(matches, Match{Entry: e, Score: e.Score * overlap})
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	return matches, nil
}

// termOverlap is the fraction of query terms found in the entry's title
// or payload. With no query terms every entry matches fully.
func termOverlap(terms []string, e *types.CacheEntry) float64 {
	if len(terms) == 0 {
		return 1
	}
	haystack := strings.ToLower(e.Key.Text + " " + string(e.Payload))
	hits := 0
	for _, t := range terms {
		if strings.Contains(haystack, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}
