package services

import (
	"context"
	"sort"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/models"
	"github.com/TFMV/planlens/pkg/plangraph"
	"github.com/TFMV/planlens/pkg/repositories"
	"github.com/TFMV/planlens/pkg/scoring"
)

// ReportRequest asks for the aggregated scores of one metric. An empty
// RunID selects the workload's latest run.
type ReportRequest struct {
	WorkloadID string            `json:"workload_id"`
	RunID      string            `json:"run_id,omitempty"`
	Metric     models.MetricKind `json:"metric"`
	GroupBy    GroupBy           `json:"-"`
}

// ReportResult is an aggregated metric series.
type ReportResult struct {
	WorkloadID string            `json:"workload_id"`
	RunID      string            `json:"run_id"`
	Metric     models.MetricKind `json:"metric"`
	GroupBy    string            `json:"group_by"`
	Points     []SeriesPoint     `json:"points"`
}

// ImportantNodesRequest selects the explanations whose top nodes are counted.
type ImportantNodesRequest struct {
	WorkloadID string `json:"workload_id"`
	RunID      string `json:"run_id,omitempty"`
}

// NodeShare is the fraction of plans whose top node carries Name.
type NodeShare struct {
	Name     string  `json:"node_name"`
	Count    int     `json:"count"`
	Fraction float64 `json:"fraction"`
}

// ImportantNodes compares the operators an explainer ranks first with the
// operators that actually dominated runtime.
type ImportantNodes struct {
	Model     string                  `json:"model"`
	Explainer models.ExplainerVariant `json:"explainer"`
	Plans     int                     `json:"plans"`
	Explained []NodeShare             `json:"explained_nodes"`
	Actual    []NodeShare             `json:"actual_nodes"`
}

// ImportantNodesResult holds one entry per (model, explainer).
type ImportantNodesResult struct {
	RunID   string           `json:"run_id"`
	Entries []ImportantNodes `json:"entries"`
}

// CostAccuracyRequest selects the run whose explanations are compared
// against operator runtimes.
type CostAccuracyRequest struct {
	WorkloadID string `json:"workload_id"`
	RunID      string `json:"run_id,omitempty"`
}

// CostAccuracyPoint pools the pairwise operator comparisons of every
// explanation of one model and explainer at one table count.
type CostAccuracyPoint struct {
	Model      string                  `json:"model"`
	Explainer  models.ExplainerVariant `json:"explainer"`
	TableCount int                     `json:"table_count"`
	Plans      int                     `json:"plans"`
	Hits       int                     `json:"hits"`
	Compares   int                     `json:"compare_count"`
	Score      float64                 `json:"score"`
}

// CostAccuracyResult is the pooled hit rate per group.
type CostAccuracyResult struct {
	WorkloadID string              `json:"workload_id"`
	RunID      string              `json:"run_id"`
	Points     []CostAccuracyPoint `json:"points"`
}

type reportService struct {
	evaluations repositories.EvaluationRepository
	plans       repositories.PlanRepository
	graphs      GraphSource
	logger      Logger
}

// NewReportService creates the report service.
func NewReportService(
	evaluations repositories.EvaluationRepository,
	plans repositories.PlanRepository,
	graphs GraphSource,
	logger Logger,
) ReportService {
	return &reportService{
		evaluations: evaluations,
		plans:       plans,
		graphs:      graphs,
		logger:      logger,
	}
}

func (s *reportService) resolveRun(ctx context.Context, workloadID, runID string) (*models.EvaluationRun, error) {
	if runID == "" {
		if workloadID == "" {
			return nil, pkgerrors.New(pkgerrors.CodeInvalidArgument, "workload id or run id is required")
		}
		return s.evaluations.LatestRun(ctx, workloadID)
	}
	run, err := s.evaluations.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if workloadID != "" && run.WorkloadID != workloadID {
		return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "run %s does not belong to workload %s", runID, workloadID)
	}
	return run, nil
}

// Report aggregates a metric over the selected run.
func (s *reportService) Report(ctx context.Context, req ReportRequest) (*ReportResult, error) {
	if _, err := models.ParseMetricKind(string(req.Metric)); err != nil {
		return nil, err
	}
	if req.GroupBy == 0 {
		req.GroupBy = DefaultGroupBy
	}
	run, err := s.resolveRun(ctx, req.WorkloadID, req.RunID)
	if err != nil {
		return nil, err
	}

	obs, err := s.evaluations.ListObservations(ctx, run.ID, req.Metric)
	if err != nil {
		return nil, err
	}
	points := Summarize(obs, req.GroupBy)
	s.logger.Debug("Report built",
		"run_id", run.ID,
		"metric", string(req.Metric),
		"observations", len(obs),
		"points", len(points))

	return &ReportResult{
		WorkloadID: run.WorkloadID,
		RunID:      run.ID,
		Metric:     req.Metric,
		GroupBy:    req.GroupBy.String(),
		Points:     points,
	}, nil
}

// MostImportantNodes counts, per model and explainer, the operator name of
// each explanation's highest-scored operator next to the operator with the
// largest exclusive runtime.
func (s *reportService) MostImportantNodes(ctx context.Context, req ImportantNodesRequest) (*ImportantNodesResult, error) {
	run, err := s.resolveRun(ctx, req.WorkloadID, req.RunID)
	if err != nil {
		return nil, err
	}
	explanations, err := s.evaluations.ListExplanations(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	type group struct {
		model     string
		explainer models.ExplainerVariant
	}
	type tally struct {
		plans     int
		explained map[string]int
		actual    map[string]int
	}
	tallies := make(map[group]*tally)

	for _, e := range explanations {
		g, err := s.graphs.Graph(ctx, e.Key.PlanID)
		if err != nil {
			if pkgerrors.IsUnavailable(err) {
				return nil, err
			}
			s.logger.Warn("Skipping explanation", "explanation_id", e.ID, "error", err)
			continue
		}
		explained, ok := topScoredOperator(g, e.Scores)
		if !ok {
			continue
		}
		actual, _ := slowestOperator(g)

		k := group{model: e.Key.Model, explainer: e.Key.Explainer}
		t, ok := tallies[k]
		if !ok {
			t = &tally{explained: map[string]int{}, actual: map[string]int{}}
			tallies[k] = t
		}
		t.plans++
		t.explained[explained]++
		t.actual[actual]++
	}

	res := &ImportantNodesResult{RunID: run.ID}
	for k, t := range tallies {
		res.Entries = append(res.Entries, ImportantNodes{
			Model:     k.model,
			Explainer: k.explainer,
			Plans:     t.plans,
			Explained: shares(t.explained, t.plans),
			Actual:    shares(t.actual, t.plans),
		})
	}
	sort.Slice(res.Entries, func(i, j int) bool {
		if res.Entries[i].Model != res.Entries[j].Model {
			return res.Entries[i].Model < res.Entries[j].Model
		}
		return res.Entries[i].Explainer < res.Entries[j].Explainer
	})
	return res, nil
}

// CostAccuracy reports, per model, explainer and table count, how often an
// explanation ranks two operators in the order of their exclusive runtime.
// Hits and comparisons are summed over plans before dividing, so plans with
// more operators weigh more.
func (s *reportService) CostAccuracy(ctx context.Context, req CostAccuracyRequest) (*CostAccuracyResult, error) {
	run, err := s.resolveRun(ctx, req.WorkloadID, req.RunID)
	if err != nil {
		return nil, err
	}
	explanations, err := s.evaluations.ListExplanations(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	type group struct {
		model      string
		explainer  models.ExplainerVariant
		tableCount int
	}
	pooled := make(map[group]*CostAccuracyPoint)

	for _, e := range explanations {
		g, err := s.graphs.Graph(ctx, e.Key.PlanID)
		if err != nil {
			if pkgerrors.IsUnavailable(err) {
				return nil, err
			}
			s.logger.Warn("Skipping explanation", "explanation_id", e.ID, "error", err)
			continue
		}
		var scores, costs []float64
		for _, ns := range e.Scores {
			if !g.ValidNode(ns.NodeID) || g.Node(ns.NodeID).Kind != plangraph.KindOperator {
				continue
			}
			scores = append(scores, ns.Score)
			costs = append(costs, g.Node(ns.NodeID).ExclusiveTime)
		}
		hits, compares := scoring.CostAccuracy(scores, costs)

		k := group{model: e.Key.Model, explainer: e.Key.Explainer, tableCount: e.TableCount}
		p, ok := pooled[k]
		if !ok {
			p = &CostAccuracyPoint{Model: k.model, Explainer: k.explainer, TableCount: k.tableCount}
			pooled[k] = p
		}
		p.Plans++
		p.Hits += hits
		p.Compares += compares
	}

	res := &CostAccuracyResult{WorkloadID: run.WorkloadID, RunID: run.ID, Points: make([]CostAccuracyPoint, 0, len(pooled))}
	for _, p := range pooled {
		p.Score = scoring.HitRate(p.Hits, p.Compares)
		res.Points = append(res.Points, *p)
	}
	sort.Slice(res.Points, func(i, j int) bool {
		a, b := res.Points[i], res.Points[j]
		if a.Model != b.Model {
			return a.Model < b.Model
		}
		if a.Explainer != b.Explainer {
			return a.Explainer < b.Explainer
		}
		return a.TableCount < b.TableCount
	})
	s.logger.Debug("Cost accuracy built", "run_id", run.ID, "explanations", len(explanations), "points", len(res.Points))
	return res, nil
}

// WorkloadStats returns plan counts per table count.
func (s *reportService) WorkloadStats(ctx context.Context, workloadID string) ([]models.TableCountStat, error) {
	if workloadID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidArgument, "workload id is required")
	}
	return s.plans.CountPlansByTableCount(ctx, workloadID)
}

// topScoredOperator returns the label of the operator with the highest
// score. Ties go to the lower node id.
func topScoredOperator(g *plangraph.Graph, scores []models.NodeScore) (string, bool) {
	best, found := -1, false
	var bestScore float64
	for _, ns := range scores {
		if !g.ValidNode(ns.NodeID) || g.Node(ns.NodeID).Kind != plangraph.KindOperator {
			continue
		}
		if !found || ns.Score > bestScore {
			best, bestScore, found = ns.NodeID, ns.Score, true
		}
	}
	if !found {
		return "", false
	}
	return g.Node(best).Label, true
}

func slowestOperator(g *plangraph.Graph) (string, bool) {
	ops := g.NodesOfKind(plangraph.KindOperator)
	if len(ops) == 0 {
		return "", false
	}
	best := ops[0]
	for _, id := range ops[1:] {
		if g.Node(id).ExclusiveTime > g.Node(best).ExclusiveTime {
			best = id
		}
	}
	return g.Node(best).Label, true
}

func shares(counts map[string]int, total int) []NodeShare {
	out := make([]NodeShare, 0, len(counts))
	for name, n := range counts {
		out = append(out, NodeShare{Name: name, Count: n, Fraction: float64(n) / float64(total)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}
