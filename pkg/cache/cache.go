// Package cache provides the bounded, process-wide cache of built plan graphs.
package cache

import (
	"sync"

	"golang.org/x/sync/singleflight"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/infrastructure/metrics"
	"github.com/TFMV/planlens/pkg/plangraph"
)

// BuildFunc builds the graph for a plan on a cache miss.
type BuildFunc func() (*plangraph.Graph, error)

// CachedPlan is a cache entry. LastAccess is a logical clock value, not a
// wall-clock time.
type CachedPlan struct {
	PlanID     string
	Graph      *plangraph.Graph
	LastAccess uint64
}

// Counter is the subset of a metrics collector the cache reports to.
type Counter interface {
	IncrementCounter(name string, labels ...string)
}

// PlanCache is a bounded LRU of plan graphs keyed by plan id. Graphs are
// immutable, so a returned graph stays valid after its entry is evicted.
type PlanCache struct {
	mu      sync.Mutex
	entries map[string]*CachedPlan
	maxSize int
	clock   uint64

	flights singleflight.Group
	stats   *StatsCollector
	metrics Counter
}

// New creates a plan cache from cfg. A nil cfg uses DefaultConfig.
func New(cfg *Config) (*PlanCache, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxSize < 1 {
		return nil, pkgerrors.Newf(pkgerrors.CodeInvalidArgument, "cache max size must be at least 1, got %d", cfg.MaxSize)
	}
	c := &PlanCache{
		entries: make(map[string]*CachedPlan),
		maxSize: cfg.MaxSize,
		metrics: cfg.Metrics,
	}
	if cfg.EnableStats {
		c.stats = NewStatsCollector()
	}
	return c, nil
}

// GetOrBuild returns the cached graph for planID, building it with build on a
// miss. Concurrent misses for the same plan share a single build. Build
// errors are returned to every waiter and nothing is cached.
func (c *PlanCache) GetOrBuild(planID string, build BuildFunc) (*plangraph.Graph, error) {
	if g, ok := c.lookup(planID); ok {
		c.recordHit()
		return g, nil
	}

	v, err, _ := c.flights.Do(planID, func() (interface{}, error) {
		// A flight that finished between our lookup and Do may have
		// inserted the entry already.
		if g, ok := c.lookup(planID); ok {
			c.recordHit()
			return g, nil
		}
		c.recordMiss()
		g, err := build()
		if err != nil {
			return nil, err
		}
		if g == nil {
			return nil, pkgerrors.Newf(pkgerrors.CodeInternal, "build returned no graph for plan %s", planID)
		}
		c.insert(planID, g)
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*plangraph.Graph), nil
}

// Touch marks planID as most recently used. It reports whether the plan was cached.
func (c *PlanCache) Touch(planID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[planID]
	if ok {
		c.clock++
		entry.LastAccess = c.clock
	}
	return ok
}

// Len returns the number of cached plans.
func (c *PlanCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// MaxSize returns the configured bound.
func (c *PlanCache) MaxSize() int { return c.maxSize }

// Entries returns a snapshot of the cache entries.
func (c *PlanCache) Entries() []CachedPlan {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]CachedPlan, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	return out
}

// Delete drops planID from the cache.
func (c *PlanCache) Delete(planID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, planID)
	c.updateSize()
}

// Clear removes all entries.
func (c *PlanCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*CachedPlan)
	c.updateSize()
}

// Stats returns the collected statistics, or zero stats when disabled.
func (c *PlanCache) Stats() Stats {
	if c.stats == nil {
		return Stats{}
	}
	return c.stats.GetStats()
}

// HitRate returns the hit rate, or 0 when statistics are disabled.
func (c *PlanCache) HitRate() float64 {
	if c.stats == nil {
		return 0
	}
	return c.stats.HitRate()
}

func (c *PlanCache) lookup(planID string) (*plangraph.Graph, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[planID]
	if !ok {
		return nil, false
	}
	c.clock++
	entry.LastAccess = c.clock
	return entry.Graph, true
}

func (c *PlanCache) insert(planID string, g *plangraph.Graph) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.clock++
	c.entries[planID] = &CachedPlan{PlanID: planID, Graph: g, LastAccess: c.clock}
	if c.stats != nil {
		c.stats.RecordBuild()
	}
	if len(c.entries) > c.maxSize {
		c.evictLeastRecent()
	}
	c.updateSize()
}

// evictLeastRecent removes the entry with the smallest access clock.
// Callers hold c.mu.
func (c *PlanCache) evictLeastRecent() {
	var (
		victim string
		oldest uint64
		found  bool
	)
	for key, entry := range c.entries {
		if !found || entry.LastAccess < oldest {
			victim = key
			oldest = entry.LastAccess
			found = true
		}
	}
	if !found {
		return
	}
	delete(c.entries, victim)
	if c.stats != nil {
		c.stats.RecordEviction()
	}
	if c.metrics != nil {
		c.metrics.IncrementCounter(metrics.PlanCacheEvictions)
	}
}

func (c *PlanCache) updateSize() {
	if c.stats != nil {
		c.stats.UpdateSize(int64(len(c.entries)))
	}
}

func (c *PlanCache) recordHit() {
	if c.stats != nil {
		c.stats.RecordHit()
	}
	if c.metrics != nil {
		c.metrics.IncrementCounter(metrics.PlanCacheHits)
	}
}

func (c *PlanCache) recordMiss() {
	if c.stats != nil {
		c.stats.RecordMiss()
	}
	if c.metrics != nil {
		c.metrics.IncrementCounter(metrics.PlanCacheMisses)
	}
}
