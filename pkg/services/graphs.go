package services

import (
	"context"
	"sync"

	"github.com/TFMV/planlens/pkg/cache"
	"github.com/TFMV/planlens/pkg/models"
	"github.com/TFMV/planlens/pkg/plangraph"
	"github.com/TFMV/planlens/pkg/repositories"
)

// GraphLoader builds plan graphs from the store through the plan cache.
// Workload statistics are loaded once per workload and kept for the life of
// the loader; workloads are immutable once ingested.
type GraphLoader struct {
	plans     repositories.PlanRepository
	workloads repositories.WorkloadRepository
	cache     *cache.PlanCache

	mu    sync.Mutex
	stats map[string]*models.DatabaseStats
}

// NewGraphLoader creates a graph loader.
func NewGraphLoader(plans repositories.PlanRepository, workloads repositories.WorkloadRepository, c *cache.PlanCache) *GraphLoader {
	return &GraphLoader{
		plans:     plans,
		workloads: workloads,
		cache:     c,
		stats:     make(map[string]*models.DatabaseStats),
	}
}

// Graph returns the cached graph of planID, building it on a miss. The build
// runs with the context of the caller that missed first; callers waiting on
// the same build see its error if that context ends.
func (l *GraphLoader) Graph(ctx context.Context, planID string) (*plangraph.Graph, error) {
	return l.cache.GetOrBuild(planID, func() (*plangraph.Graph, error) {
		plan, err := l.plans.GetPlan(ctx, planID)
		if err != nil {
			return nil, err
		}
		stats, err := l.workloadStats(ctx, plan.WorkloadID)
		if err != nil {
			return nil, err
		}
		return plangraph.Build(plan, stats)
	})
}

func (l *GraphLoader) workloadStats(ctx context.Context, workloadID string) (*models.DatabaseStats, error) {
	l.mu.Lock()
	stats, ok := l.stats[workloadID]
	l.mu.Unlock()
	if ok {
		return stats, nil
	}

	w, err := l.workloads.GetWorkload(ctx, workloadID)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats[workloadID] = &w.Stats
	return &w.Stats, nil
}
