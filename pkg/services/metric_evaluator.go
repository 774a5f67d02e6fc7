package services

import (
	"context"

	"github.com/google/uuid"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/inference"
	"github.com/TFMV/planlens/pkg/infrastructure/metrics"
	"github.com/TFMV/planlens/pkg/models"
	"github.com/TFMV/planlens/pkg/repositories"
)

// ScoreFunc computes a single metric value.
type ScoreFunc func(ctx context.Context) (float64, error)

// Evaluation is the outcome of evaluating one explanation.
type Evaluation struct {
	ExplanationID string
	// Scores holds the persisted score of every requested kind, in
	// evaluation order.
	Scores  []models.EvaluationScore
	Created int
	Reused  int
}

// Score returns the value of kind, if it was evaluated.
func (e *Evaluation) Score(kind models.MetricKind) (float64, bool) {
	for _, sc := range e.Scores {
		if sc.Kind == kind {
			return sc.Score, true
		}
	}
	return 0, false
}

// MetricEvaluator computes and persists metric scores of explanations. Each
// (explanation, kind) is persisted at most once; persisted scores are never
// recomputed.
type MetricEvaluator struct {
	repo       repositories.EvaluationRepository
	catalog    *MetricCatalog
	graphs     GraphSource
	capability inference.Capability
	gate       *inference.Gate
	logger     Logger
	metrics    MetricsCollector
	newID      func() string
}

// NewMetricEvaluator creates a metric evaluator.
func NewMetricEvaluator(
	repo repositories.EvaluationRepository,
	catalog *MetricCatalog,
	graphs GraphSource,
	capability inference.Capability,
	gate *inference.Gate,
	logger Logger,
	metrics MetricsCollector,
) *MetricEvaluator {
	return &MetricEvaluator{
		repo:       repo,
		catalog:    catalog,
		graphs:     graphs,
		capability: capability,
		gate:       gate,
		logger:     logger,
		metrics:    metrics,
		newID:      uuid.NewString,
	}
}

// GetOrComputeScore returns the persisted score of kind for an explanation,
// computing and persisting it with compute if absent. created reports
// whether this call's score was the one persisted.
func (m *MetricEvaluator) GetOrComputeScore(ctx context.Context, explanationID string, kind models.MetricKind, compute ScoreFunc) (sc models.EvaluationScore, created bool, err error) {
	def, err := m.catalog.Definition(kind)
	if err != nil {
		return models.EvaluationScore{}, false, err
	}

	existing, err := m.repo.FindScores(ctx, explanationID)
	if err != nil {
		return models.EvaluationScore{}, false, err
	}
	known := make(map[models.MetricKind]bool, len(existing))
	for _, sc := range existing {
		if sc.Kind == kind {
			m.metrics.IncrementCounter(metrics.ScoresReused, "metric", string(kind))
			return sc, false, nil
		}
		known[sc.Kind] = true
	}
	for _, req := range def.Requires {
		if !known[req] {
			return models.EvaluationScore{}, false, missingPrerequisite(kind, req, explanationID)
		}
	}

	v, err := compute(ctx)
	if err != nil {
		return models.EvaluationScore{}, false, err
	}
	if err := checkBounds(def, explanationID, v); err != nil {
		return models.EvaluationScore{}, false, err
	}

	id := m.newID()
	saved, err := m.repo.SaveScores(ctx, []models.EvaluationScore{{
		ID: id, ExplanationID: explanationID, Kind: kind, Score: v,
	}})
	if err != nil {
		return models.EvaluationScore{}, false, err
	}
	created = saved[0].ID == id
	if created {
		m.metrics.IncrementCounter(metrics.ScoresCreated, "metric", string(kind))
	} else {
		m.metrics.IncrementCounter(metrics.ScoresReused, "metric", string(kind))
	}
	return saved[0], created, nil
}

// Evaluate brings the requested metrics of e up to date. Kinds are evaluated
// prerequisites first; persisted scores are reused and count as known for
// dependents. New scores are computed in memory and persisted together, so
// a failure leaves none of them behind.
func (m *MetricEvaluator) Evaluate(ctx context.Context, e *models.PlanExplanation, kinds []models.MetricKind) (*Evaluation, error) {
	if e.Key.Explainer.IsBaseline() {
		return nil, pkgerrors.Newf(pkgerrors.CodeInvalidArgument,
			"explainer %s is a baseline and cannot be scored", e.Key.Explainer)
	}
	order, err := m.catalog.Order(kinds)
	if err != nil {
		return nil, err
	}

	existing, err := m.repo.FindScores(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	persisted := make(map[models.MetricKind]models.EvaluationScore, len(existing))
	in := &MetricInput{Explanation: e, Known: make(map[models.MetricKind]float64, len(order))}
	for _, sc := range existing {
		persisted[sc.Kind] = sc
		in.Known[sc.Kind] = sc.Score
	}

	var pending []models.EvaluationScore
	for _, kind := range order {
		if _, ok := persisted[kind]; ok {
			continue
		}
		def := m.catalog.defs[kind]
		for _, req := range def.Requires {
			if _, ok := in.Known[req]; !ok {
				return nil, missingPrerequisite(kind, req, e.ID)
			}
		}

		v, err := m.compute(ctx, def, in)
		if err != nil {
			return nil, err
		}
		if err := checkBounds(def, e.ID, v); err != nil {
			return nil, err
		}
		in.Known[kind] = v
		pending = append(pending, models.EvaluationScore{
			ID: m.newID(), ExplanationID: e.ID, Kind: kind, Score: v,
		})
	}

	res := &Evaluation{ExplanationID: e.ID}
	saved, err := m.CommitScores(ctx, pending)
	if err != nil {
		return nil, err
	}
	winners := make(map[models.MetricKind]models.EvaluationScore, len(saved))
	created := make(map[models.MetricKind]bool, len(saved))
	for i, w := range saved {
		winners[w.Kind] = w
		created[w.Kind] = w.ID == pending[i].ID
	}
	for _, kind := range order {
		sc, ok := persisted[kind]
		if !ok {
			sc = winners[kind]
		}
		res.Scores = append(res.Scores, sc)
		if created[kind] {
			res.Created++
			m.metrics.IncrementCounter(metrics.ScoresCreated, "metric", string(kind))
		} else {
			m.metrics.IncrementCounter(metrics.ScoresReused, "metric", string(kind))
		}
	}
	res.Reused = len(res.Scores) - res.Created
	return res, nil
}

// CommitScores persists scores in one transaction and returns the winning
// record for each, in input order.
func (m *MetricEvaluator) CommitScores(ctx context.Context, scores []models.EvaluationScore) ([]models.EvaluationScore, error) {
	if len(scores) == 0 {
		return nil, nil
	}
	saved, err := m.repo.SaveScores(ctx, scores)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("Committed scores", "explanation_id", scores[0].ExplanationID, "count", len(saved))
	return saved, nil
}

func (m *MetricEvaluator) compute(ctx context.Context, def MetricDefinition, in *MetricInput) (float64, error) {
	if !def.Inference {
		if def.NeedsGraph {
			if err := m.loadGraph(ctx, in); err != nil {
				return 0, err
			}
		}
		return def.Compute(ctx, in)
	}

	if in.Predictor == nil {
		p, err := m.capability.Predictor(in.Explanation.Key.Model)
		if err != nil {
			return 0, err
		}
		in.Predictor = p
	}

	var v float64
	err := m.gate.WithExclusiveAccess(ctx, func(ctx context.Context) error {
		if err := m.loadGraph(ctx, in); err != nil {
			return err
		}
		var err error
		v, err = def.Compute(ctx, in)
		return err
	})
	return v, err
}

func (m *MetricEvaluator) loadGraph(ctx context.Context, in *MetricInput) error {
	if in.Graph != nil {
		return nil
	}
	g, err := m.graphs.Graph(ctx, in.Explanation.Key.PlanID)
	if err != nil {
		return err
	}
	in.Graph = g
	return nil
}

// checkBounds rejects values outside a metric's range. Such a value is a
// defect in the metric function and is never clamped.
func checkBounds(def MetricDefinition, explanationID string, v float64) error {
	if def.Bounds.Contains(v) {
		return nil
	}
	return pkgerrors.Newf(pkgerrors.CodeInternal, "metric out of bounds: %s = %v outside [%v, %v]",
		def.Kind, v, def.Bounds.Min, def.Bounds.Max).
		WithDetail("explanation_id", explanationID)
}

func missingPrerequisite(kind, req models.MetricKind, explanationID string) error {
	return pkgerrors.Newf(pkgerrors.CodeMissingPrerequisite,
		"metric %s requires %s, which is not known for explanation %s", kind, req, explanationID).
		WithDetail("metric", string(kind)).
		WithDetail("missing", string(req))
}
