package services

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/inference"
	"github.com/TFMV/planlens/pkg/infrastructure/metrics"
	"github.com/TFMV/planlens/pkg/models"
	"github.com/TFMV/planlens/pkg/plangraph"
	"github.com/TFMV/planlens/pkg/repositories"
)

// ComputeFunc computes node scores for a graph. It runs inside the inference
// gate.
type ComputeFunc func(ctx context.Context, g *plangraph.Graph) ([]models.NodeScore, error)

// ExplanationStore memoizes explanations per evaluation run. A key is
// computed at most once per run; records are built fully in memory before
// they are persisted.
type ExplanationStore struct {
	repo    repositories.EvaluationRepository
	graphs  GraphSource
	gate    *inference.Gate
	logger  Logger
	metrics MetricsCollector
	newID   func() string

	// runMu serializes implicit run creation.
	runMu sync.Mutex
}

// NewExplanationStore creates an explanation store.
func NewExplanationStore(
	repo repositories.EvaluationRepository,
	graphs GraphSource,
	gate *inference.Gate,
	logger Logger,
	metrics MetricsCollector,
) *ExplanationStore {
	return &ExplanationStore{
		repo:    repo,
		graphs:  graphs,
		gate:    gate,
		logger:  logger,
		metrics: metrics,
		newID:   uuid.NewString,
	}
}

// ResolveRun returns the run evaluation works against. Unless runNew is set,
// the latest run of the workload is reused; a new run is created when
// requested or when the workload has none.
//
// Implicit creation is serialized within the process, and the latest run is
// re-read after the insert, so concurrent callers settle on the newest run.
// A caller in another process that read before this insert landed may still
// keep its own run; the latest run wins for reporting.
func (s *ExplanationStore) ResolveRun(ctx context.Context, workloadID string, runNew bool) (*models.EvaluationRun, error) {
	if runNew {
		return s.createRun(ctx, workloadID)
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	run, err := s.repo.LatestRun(ctx, workloadID)
	if err == nil {
		s.logger.Debug("Reusing evaluation run", "run_id", run.ID, "workload_id", workloadID)
		return run, nil
	}
	if !pkgerrors.IsNotFound(err) {
		return nil, err
	}

	created, err := s.createRun(ctx, workloadID)
	if err != nil {
		return nil, err
	}
	latest, err := s.repo.LatestRun(ctx, workloadID)
	if err != nil {
		return nil, err
	}
	if latest.ID != created.ID {
		s.logger.Warn("Concurrent evaluation run created, adopting the latest",
			"run_id", latest.ID, "abandoned_run_id", created.ID, "workload_id", workloadID)
	}
	return latest, nil
}

func (s *ExplanationStore) createRun(ctx context.Context, workloadID string) (*models.EvaluationRun, error) {
	run := &models.EvaluationRun{ID: s.newID(), WorkloadID: workloadID}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	s.logger.Info("Started evaluation run", "run_id", run.ID, "workload_id", workloadID)
	return run, nil
}

// GetOrCompute returns the explanation for key in run, computing and
// persisting it if absent. created reports whether this call's record was
// the one persisted.
func (s *ExplanationStore) GetOrCompute(ctx context.Context, run *models.EvaluationRun, key models.ExplanationKey, compute ComputeFunc) (e *models.PlanExplanation, created bool, err error) {
	b := s.NewBatch(run)
	if _, err := b.GetOrCompute(ctx, key, compute); err != nil {
		return nil, false, err
	}
	res, err := b.Commit(ctx)
	if err != nil {
		return nil, false, err
	}
	return res.Explanations[0], res.Created == 1, nil
}

func (s *ExplanationStore) lookup(ctx context.Context, runID string, key models.ExplanationKey) (*models.PlanExplanation, error) {
	e, err := s.repo.FindExplanation(ctx, runID, key)
	if pkgerrors.IsNotFound(err) {
		return nil, nil
	}
	return e, err
}

// compute loads the graph and runs fn inside one gate acquisition, then
// builds the full record. Nothing is persisted.
func (s *ExplanationStore) compute(ctx context.Context, run *models.EvaluationRun, key models.ExplanationKey, fn ComputeFunc) (*models.PlanExplanation, error) {
	var (
		g      *plangraph.Graph
		scores []models.NodeScore
	)
	err := s.gate.WithExclusiveAccess(ctx, func(ctx context.Context) error {
		var err error
		if g, err = s.graphs.Graph(ctx, key.PlanID); err != nil {
			return err
		}
		scores, err = fn(ctx, g)
		return err
	})
	if err != nil {
		return nil, err
	}

	scores, err = checkScores(g, scores)
	if err != nil {
		return nil, err
	}
	return &models.PlanExplanation{
		ID:         s.newID(),
		RunID:      run.ID,
		Key:        key,
		TableCount: g.TableCount(),
		Scores:     scores,
	}, nil
}

// checkScores sorts scores by node id and rejects unknown or repeated ids.
func checkScores(g *plangraph.Graph, scores []models.NodeScore) ([]models.NodeScore, error) {
	out := make([]models.NodeScore, len(scores))
	copy(out, scores)
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	for i, ns := range out {
		if !g.ValidNode(ns.NodeID) {
			return nil, pkgerrors.Newf(pkgerrors.CodeInternal, "explainer scored unknown node %d", ns.NodeID)
		}
		if i > 0 && out[i-1].NodeID == ns.NodeID {
			return nil, pkgerrors.Newf(pkgerrors.CodeInternal, "explainer scored node %d twice", ns.NodeID)
		}
	}
	return out, nil
}

// Batch collects the explanations of one unit of work so they can be
// committed together. A Batch is not safe for concurrent use.
type Batch struct {
	store *ExplanationStore
	run   *models.EvaluationRun

	order   []models.ExplanationKey
	found   map[models.ExplanationKey]*models.PlanExplanation
	pending map[models.ExplanationKey]*models.PlanExplanation
}

// NewBatch starts a batch against run.
func (s *ExplanationStore) NewBatch(run *models.EvaluationRun) *Batch {
	return &Batch{
		store:   s,
		run:     run,
		found:   make(map[models.ExplanationKey]*models.PlanExplanation),
		pending: make(map[models.ExplanationKey]*models.PlanExplanation),
	}
}

// GetOrCompute returns the persisted or pending explanation for key,
// computing it if neither exists. Computed records stay in memory until
// Commit. Baseline explainers are rejected.
func (b *Batch) GetOrCompute(ctx context.Context, key models.ExplanationKey, compute ComputeFunc) (*models.PlanExplanation, error) {
	if key.Explainer.IsBaseline() {
		return nil, pkgerrors.Newf(pkgerrors.CodeInvalidArgument, "explainer %s is a baseline and cannot be evaluated", key.Explainer)
	}
	if e, ok := b.found[key]; ok {
		return e, nil
	}
	if e, ok := b.pending[key]; ok {
		return e, nil
	}

	e, err := b.store.lookup(ctx, b.run.ID, key)
	if err != nil {
		return nil, err
	}
	if e != nil {
		b.found[key] = e
		b.order = append(b.order, key)
		return e, nil
	}

	e, err = b.store.compute(ctx, b.run, key, compute)
	if err != nil {
		return nil, err
	}
	b.pending[key] = e
	b.order = append(b.order, key)
	return e, nil
}

// Len returns the number of explanations the batch holds.
func (b *Batch) Len() int { return len(b.order) }

// BatchResult is the outcome of a Commit.
type BatchResult struct {
	// Explanations holds the persisted record of every key, in the order the
	// keys were first requested.
	Explanations []*models.PlanExplanation
	Created      int
	Reused       int
}

// Commit persists the pending explanations in one transaction. Keys another
// writer persisted first resolve to that writer's record. The batch is
// empty afterwards.
func (b *Batch) Commit(ctx context.Context) (*BatchResult, error) {
	pending := make([]*models.PlanExplanation, 0, len(b.pending))
	for _, key := range b.order {
		if e, ok := b.pending[key]; ok {
			pending = append(pending, e)
		}
	}

	saved, err := b.store.repo.SaveExplanations(ctx, pending)
	if err != nil {
		return nil, err
	}

	res := &BatchResult{Reused: len(b.found)}
	winners := make(map[models.ExplanationKey]*models.PlanExplanation, len(saved))
	for i, w := range saved {
		winners[pending[i].Key] = w
		if w.ID == pending[i].ID {
			res.Created++
		} else {
			res.Reused++
		}
	}
	for _, key := range b.order {
		if e, ok := b.found[key]; ok {
			res.Explanations = append(res.Explanations, e)
		} else {
			res.Explanations = append(res.Explanations, winners[key])
		}
	}

	count(b.store.metrics, metrics.ExplanationsCreated, res.Created)
	count(b.store.metrics, metrics.ExplanationsReused, res.Reused)
	if len(res.Explanations) > 0 {
		b.store.logger.Debug("Committed explanation batch",
			"run_id", b.run.ID,
			"created", res.Created,
			"reused", res.Reused)
	}

	b.order = nil
	b.found = make(map[models.ExplanationKey]*models.PlanExplanation)
	b.pending = make(map[models.ExplanationKey]*models.PlanExplanation)
	return res, nil
}

func count(m MetricsCollector, name string, n int, labels ...string) {
	for i := 0; i < n; i++ {
		m.IncrementCounter(name, labels...)
	}
}
