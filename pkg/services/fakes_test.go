package services

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TFMV/planlens/pkg/cache"
	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/inference"
	"github.com/TFMV/planlens/pkg/inference/costmodel"
	"github.com/TFMV/planlens/pkg/infrastructure/metrics"
	"github.com/TFMV/planlens/pkg/models"
	"github.com/TFMV/planlens/pkg/plangraph"
	"github.com/TFMV/planlens/pkg/testutil"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// memStore is an in-memory store with the write-once semantics of the SQL
// store. Hooks run before a save, or after a run insert with the lock held,
// and may race in a competing writer.
type memStore struct {
	mu sync.Mutex

	workloads    map[string]*models.Workload
	plans        map[string]*models.PlanRecord
	runs         []*models.EvaluationRun
	explanations []*models.PlanExplanation
	scores       []models.EvaluationScore

	beforeSaveExplanations func()
	beforeSaveScores       func()
	afterCreateRun         func()
	listPlansErr           func(tableCount int) error
	saveExplanationCalls   int
}

func newMemStore() *memStore {
	return &memStore{
		workloads: make(map[string]*models.Workload),
		plans:     make(map[string]*models.PlanRecord),
	}
}

func (m *memStore) CreateWorkload(_ context.Context, w *models.Workload, plans []*models.PlanRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workloads[w.ID]; ok {
		return pkgerrors.Newf(pkgerrors.CodeAlreadyExists, "workload %s exists", w.ID)
	}
	m.workloads[w.ID] = w
	for _, p := range plans {
		p.WorkloadID = w.ID
		m.plans[p.ID] = p
	}
	return nil
}

func (m *memStore) GetWorkload(_ context.Context, id string) (*models.Workload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workloads[id]
	if !ok {
		return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "workload %s not found", id)
	}
	return w, nil
}

func (m *memStore) ListWorkloads(context.Context) ([]models.Workload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Workload
	for _, w := range m.workloads {
		out = append(out, *w)
	}
	return out, nil
}

func (m *memStore) GetPlan(_ context.Context, id string) (*models.PlanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "plan %s not found", id)
	}
	return p, nil
}

func (m *memStore) ListPlans(_ context.Context, workloadID string, tableCount, limit int) ([]models.PlanSummary, error) {
	if m.listPlansErr != nil {
		if err := m.listPlansErr(tableCount); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PlanSummary
	for _, p := range m.plans {
		if p.WorkloadID == workloadID && p.TableCount == tableCount {
			out = append(out, models.PlanSummary{ID: p.ID, IDInRun: p.IDInRun, TableCount: p.TableCount, Runtime: p.Runtime})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IDInRun < out[j].IDInRun })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) PagePlans(_ context.Context, workloadID string, page models.PlanPage) ([]models.PlanSummary, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []models.PlanSummary
	for _, p := range m.plans {
		if p.WorkloadID == workloadID {
			all = append(all, models.PlanSummary{
				ID: p.ID, IDInRun: p.IDInRun, TableCount: p.TableCount, Runtime: p.Runtime,
				Operators: len(p.Operators), Predicates: p.PredicateCount(),
			})
		}
	}
	key := func(p models.PlanSummary) float64 {
		switch page.OrderBy {
		case models.PlanOrderOperators:
			return float64(p.Operators)
		case models.PlanOrderPredicates:
			return float64(p.Predicates)
		case models.PlanOrderTables, models.PlanOrderJoins:
			return float64(p.TableCount)
		case models.PlanOrderRuntime:
			return p.Runtime
		default:
			return float64(p.IDInRun)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if page.Descending {
			a, b = b, a
		}
		if key(a) != key(b) {
			return key(a) < key(b)
		}
		return a.IDInRun < b.IDInRun
	})
	total := len(all)
	if page.Offset >= total {
		return nil, total, nil
	}
	all = all[page.Offset:]
	if len(all) > page.Limit {
		all = all[:page.Limit]
	}
	return all, total, nil
}

func (m *memStore) CountPlansByTableCount(_ context.Context, workloadID string) ([]models.TableCountStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[int]int{}
	for _, p := range m.plans {
		if p.WorkloadID == workloadID {
			counts[p.TableCount]++
		}
	}
	var out []models.TableCountStat
	for tc, n := range counts {
		out = append(out, models.TableCountStat{TableCount: tc, Plans: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TableCount < out[j].TableCount })
	return out, nil
}

func (m *memStore) CreateRun(_ context.Context, run *models.EvaluationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.CreatedAt = time.Now()
	m.runs = append(m.runs, run)
	if hook := m.afterCreateRun; hook != nil {
		m.afterCreateRun = nil
		hook()
	}
	return nil
}

func (m *memStore) GetRun(_ context.Context, id string) (*models.EvaluationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "run %s not found", id)
}

func (m *memStore) LatestRun(_ context.Context, workloadID string) (*models.EvaluationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.runs) - 1; i >= 0; i-- {
		if m.runs[i].WorkloadID == workloadID {
			return m.runs[i], nil
		}
	}
	return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "workload %s has no run", workloadID)
}

func (m *memStore) findExplanation(runID string, key models.ExplanationKey) *models.PlanExplanation {
	for _, e := range m.explanations {
		if e.RunID == runID && e.Key == key {
			return e
		}
	}
	return nil
}

func (m *memStore) FindExplanation(_ context.Context, runID string, key models.ExplanationKey) (*models.PlanExplanation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.findExplanation(runID, key); e != nil {
		return e, nil
	}
	return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "explanation %s not found", key)
}

func (m *memStore) ListExplanations(_ context.Context, runID string) ([]*models.PlanExplanation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.PlanExplanation
	for _, e := range m.explanations {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) SaveExplanations(_ context.Context, es []*models.PlanExplanation) ([]*models.PlanExplanation, error) {
	if m.beforeSaveExplanations != nil {
		m.beforeSaveExplanations()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveExplanationCalls++
	out := make([]*models.PlanExplanation, len(es))
	for i, e := range es {
		if w := m.findExplanation(e.RunID, e.Key); w != nil {
			out[i] = w
			continue
		}
		e.CreatedAt = time.Now()
		m.explanations = append(m.explanations, e)
		out[i] = e
	}
	return out, nil
}

func (m *memStore) findScore(explanationID string, kind models.MetricKind) (models.EvaluationScore, bool) {
	for _, s := range m.scores {
		if s.ExplanationID == explanationID && s.Kind == kind {
			return s, true
		}
	}
	return models.EvaluationScore{}, false
}

func (m *memStore) FindScores(_ context.Context, explanationID string) ([]models.EvaluationScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.EvaluationScore
	for _, s := range m.scores {
		if s.ExplanationID == explanationID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) SaveScores(_ context.Context, scores []models.EvaluationScore) ([]models.EvaluationScore, error) {
	if m.beforeSaveScores != nil {
		m.beforeSaveScores()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.EvaluationScore, len(scores))
	for i, s := range scores {
		if w, ok := m.findScore(s.ExplanationID, s.Kind); ok {
			out[i] = w
			continue
		}
		s.CreatedAt = time.Now()
		m.scores = append(m.scores, s)
		out[i] = s
	}
	return out, nil
}

func (m *memStore) ListObservations(_ context.Context, runID string, kind models.MetricKind) ([]models.ScoreObservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ScoreObservation
	for _, e := range m.explanations {
		if e.RunID != runID {
			continue
		}
		if s, ok := m.findScore(e.ID, kind); ok {
			out = append(out, models.ScoreObservation{
				Model:      e.Key.Model,
				Explainer:  e.Key.Explainer,
				TableCount: e.TableCount,
				Kind:       kind,
				Score:      s.Score,
			})
		}
	}
	return out, nil
}

func (m *memStore) counts() (explanations, scores int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.explanations), len(m.scores)
}

// countingCapability counts calls that reach the inference capability.
type countingCapability struct {
	inner    inference.Capability
	predicts atomic.Int32
	explains atomic.Int32
}

func (c *countingCapability) Models() []string { return c.inner.Models() }

func (c *countingCapability) Predictor(model string) (inference.Predictor, error) {
	p, err := c.inner.Predictor(model)
	if err != nil {
		return nil, err
	}
	return &countingPredictor{Predictor: p, calls: &c.predicts}, nil
}

func (c *countingCapability) Explainer(model string, variant models.ExplainerVariant) (inference.Explainer, error) {
	e, err := c.inner.Explainer(model, variant)
	if err != nil {
		return nil, err
	}
	return &countingExplainer{Explainer: e, calls: &c.explains}, nil
}

func (c *countingCapability) calls() int32 { return c.predicts.Load() + c.explains.Load() }

type countingPredictor struct {
	inference.Predictor
	calls *atomic.Int32
}

func (p *countingPredictor) Predict(ctx context.Context, v *plangraph.View) (inference.Prediction, error) {
	p.calls.Add(1)
	return p.Predictor.Predict(ctx, v)
}

type countingExplainer struct {
	inference.Explainer
	calls *atomic.Int32
}

func (e *countingExplainer) Explain(ctx context.Context, g *plangraph.Graph) ([]models.NodeScore, error) {
	e.calls.Add(1)
	return e.Explainer.Explain(ctx, g)
}

// harness wires the evaluation pipeline over a memStore holding the
// workload "w1": one scan plan and two join plans.
type harness struct {
	store      *memStore
	capability *countingCapability
	gate       *inference.Gate
	graphs     *GraphLoader
	explains   *ExplanationStore
	evaluator  *MetricEvaluator
	evaluation EvaluationService
	reports    ReportService
	browse     BrowseService
}

func newHarness(t *testing.T, opts ...inference.GateOption) *harness {
	t.Helper()

	store := newMemStore()
	plans := []*models.PlanRecord{
		testutil.ScanPlan("scan"),
		testutil.JoinPlan("join-a"),
		testutil.JoinPlan("join-b"),
		testutil.ThreeWayJoinPlan("join-3"),
	}
	for i, p := range plans {
		p.IDInRun = i
	}
	require.NoError(t, store.CreateWorkload(context.Background(),
		&models.Workload{ID: "w1", Name: "imdb", Stats: *testutil.Stats()}, plans))

	catalog, err := costmodel.NewCatalog()
	require.NoError(t, err)
	capability := &countingCapability{inner: catalog}

	planCache, err := cache.New(cache.DefaultConfig().WithMaxSize(2))
	require.NoError(t, err)

	h := &harness{
		store:      store,
		capability: capability,
		gate:       inference.NewGate(opts...),
	}
	noop := metrics.NewNoOpCollector()
	h.graphs = NewGraphLoader(store, store, planCache)
	h.explains = NewExplanationStore(store, h.graphs, h.gate, nopLogger{}, noop)
	h.evaluator = NewMetricEvaluator(store, DefaultMetricCatalog(DefaultFidelityConfig()), h.graphs, capability, h.gate, nopLogger{}, noop)
	h.evaluation = NewEvaluationService(store, store, h.explains, h.evaluator, capability, EvaluationDefaults{}, nopLogger{}, noop)
	h.reports = NewReportService(store, store, h.graphs, nopLogger{})
	h.browse = NewBrowseService(store, store, h.graphs, nopLogger{})
	return h
}

var fidelityKinds = []models.MetricKind{
	models.MetricFidelityPlus,
	models.MetricFidelityMinus,
	models.MetricCharacterization,
}
