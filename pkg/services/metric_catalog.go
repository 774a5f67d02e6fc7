package services

import (
	"context"
	"math"
	"sort"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/inference"
	"github.com/TFMV/planlens/pkg/models"
	"github.com/TFMV/planlens/pkg/plangraph"
	"github.com/TFMV/planlens/pkg/scoring"
)

// Bounds is the closed interval a metric's values must fall in.
type Bounds struct {
	Min float64
	Max float64
}

// Contains reports whether v lies in b. NaN is never contained.
func (b Bounds) Contains(v float64) bool {
	return !math.IsNaN(v) && v >= b.Min && v <= b.Max
}

var (
	// UnitInterval bounds fidelity and characterization scores.
	UnitInterval = Bounds{Min: 0, Max: 1}
	// CorrelationInterval bounds correlation scores.
	CorrelationInterval = Bounds{Min: -1, Max: 1}
)

// MetricInput is what a metric function sees. Graph and Predictor are set
// only for definitions that ask for them. Known holds the scores already
// persisted or computed for the explanation in the current pass.
type MetricInput struct {
	Explanation *models.PlanExplanation
	Graph       *plangraph.Graph
	Predictor   inference.Predictor
	Known       map[models.MetricKind]float64
}

// MetricFunc computes one metric value.
type MetricFunc func(ctx context.Context, in *MetricInput) (float64, error)

// MetricDefinition describes a metric kind.
type MetricDefinition struct {
	Kind models.MetricKind
	// Requires lists metrics that must be known before this one is computed.
	Requires []models.MetricKind
	Bounds   Bounds
	// NeedsGraph loads the plan graph into the input.
	NeedsGraph bool
	// Inference runs Compute inside the inference gate with a predictor.
	Inference bool
	Compute   MetricFunc
}

// MetricCatalog is the set of metrics the evaluator can compute.
type MetricCatalog struct {
	defs map[models.MetricKind]MetricDefinition
}

// NewMetricCatalog validates and indexes definitions. Prerequisites must be
// defined and acyclic.
func NewMetricCatalog(defs ...MetricDefinition) (*MetricCatalog, error) {
	c := &MetricCatalog{defs: make(map[models.MetricKind]MetricDefinition, len(defs))}
	all := make([]models.MetricKind, 0, len(defs))
	for _, d := range defs {
		if d.Compute == nil {
			return nil, pkgerrors.Newf(pkgerrors.CodeInvalidArgument, "metric %s has no compute function", d.Kind)
		}
		if _, dup := c.defs[d.Kind]; dup {
			return nil, pkgerrors.Newf(pkgerrors.CodeAlreadyExists, "metric %s defined twice", d.Kind)
		}
		c.defs[d.Kind] = d
		all = append(all, d.Kind)
	}
	for _, d := range defs {
		for _, req := range d.Requires {
			if _, ok := c.defs[req]; !ok {
				return nil, pkgerrors.Newf(pkgerrors.CodeInvalidArgument, "metric %s requires undefined metric %s", d.Kind, req)
			}
		}
	}
	if _, err := c.Order(all); err != nil {
		return nil, err
	}
	return c, nil
}

// Definition returns the definition of kind.
func (c *MetricCatalog) Definition(kind models.MetricKind) (MetricDefinition, error) {
	d, ok := c.defs[kind]
	if !ok {
		return MetricDefinition{}, pkgerrors.Newf(pkgerrors.CodeInvalidArgument, "metric %s is not defined", kind)
	}
	return d, nil
}

// Kinds returns every defined kind, standard kinds first, in an order that
// satisfies prerequisites.
func (c *MetricCatalog) Kinds() []models.MetricKind {
	var all []models.MetricKind
	for _, k := range models.AllMetricKinds() {
		if _, ok := c.defs[k]; ok {
			all = append(all, k)
		}
	}
	var extra []models.MetricKind
	for k := range c.defs {
		if _, err := models.ParseMetricKind(string(k)); err != nil {
			extra = append(extra, k)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	order, _ := c.Order(append(all, extra...))
	return order
}

// Order sorts kinds so that every requested prerequisite precedes its
// dependents. Prerequisites that were not requested are not added.
// Duplicates are dropped.
func (c *MetricCatalog) Order(kinds []models.MetricKind) ([]models.MetricKind, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	requested := make(map[models.MetricKind]bool, len(kinds))
	for _, k := range kinds {
		if _, ok := c.defs[k]; !ok {
			return nil, pkgerrors.Newf(pkgerrors.CodeInvalidArgument, "metric %s is not defined", k)
		}
		requested[k] = true
	}

	state := make(map[models.MetricKind]int, len(kinds))
	order := make([]models.MetricKind, 0, len(kinds))
	var visit func(k models.MetricKind) error
	visit = func(k models.MetricKind) error {
		switch state[k] {
		case done:
			return nil
		case visiting:
			return pkgerrors.Newf(pkgerrors.CodeInternal, "metric %s depends on itself", k)
		}
		state[k] = visiting
		for _, req := range c.defs[k].Requires {
			if !requested[req] {
				continue
			}
			if err := visit(req); err != nil {
				return err
			}
		}
		state[k] = done
		order = append(order, k)
		return nil
	}
	for _, k := range kinds {
		if err := visit(k); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// FidelityConfig parameterizes the fidelity metrics.
type FidelityConfig struct {
	scoring.FidelityOptions
	// CumulativeThreshold is the importance share that forms the masked set.
	CumulativeThreshold float64
}

// DefaultFidelityConfig returns the standard thresholds.
func DefaultFidelityConfig() FidelityConfig {
	return FidelityConfig{
		FidelityOptions:     scoring.DefaultFidelityOptions(),
		CumulativeThreshold: scoring.DefaultCumulativeThreshold,
	}
}

// DefaultMetricCatalog defines every metric kind.
func DefaultMetricCatalog(cfg FidelityConfig) *MetricCatalog {
	exclusiveTime := func(n plangraph.Node) float64 { return n.ExclusiveTime }
	actualCard := func(n plangraph.Node) float64 { return n.ActualCard }
	depth := func(n plangraph.Node) float64 { return float64(n.Depth) }

	c, err := NewMetricCatalog(
		MetricDefinition{
			Kind:       models.MetricFidelityPlus,
			Bounds:     UnitInterval,
			NeedsGraph: true,
			Inference:  true,
			Compute:    fidelityMetric(cfg, false),
		},
		MetricDefinition{
			Kind:       models.MetricFidelityMinus,
			Bounds:     UnitInterval,
			NeedsGraph: true,
			Inference:  true,
			Compute:    fidelityMetric(cfg, true),
		},
		MetricDefinition{
			Kind:     models.MetricCharacterization,
			Requires: []models.MetricKind{models.MetricFidelityPlus, models.MetricFidelityMinus},
			Bounds:   UnitInterval,
			Compute: func(_ context.Context, in *MetricInput) (float64, error) {
				return scoring.HarmonicMean(in.Known[models.MetricFidelityPlus], in.Known[models.MetricFidelityMinus]), nil
			},
		},
		correlationMetric(models.MetricPearsonRuntime, scoring.Pearson, exclusiveTime),
		correlationMetric(models.MetricSpearmanRuntime, scoring.Spearman, exclusiveTime),
		correlationMetric(models.MetricPearsonCardinality, scoring.Pearson, actualCard),
		correlationMetric(models.MetricSpearmanCardinality, scoring.Spearman, actualCard),
		correlationMetric(models.MetricPearsonDepth, scoring.Pearson, depth),
		correlationMetric(models.MetricSpearmanDepth, scoring.Spearman, depth),
		MetricDefinition{
			Kind:       models.MetricCostAccuracy,
			Bounds:     UnitInterval,
			NeedsGraph: true,
			Compute: func(_ context.Context, in *MetricInput) (float64, error) {
				xs, ys, err := operatorSignal(in, exclusiveTime)
				if err != nil {
					return 0, err
				}
				return scoring.HitRate(scoring.CostAccuracy(xs, ys)), nil
			},
		},
	)
	if err != nil {
		panic(err)
	}
	return c
}

// fidelityMetric masks the important set (or its complement when
// shouldEqual) and compares the predictions before and after.
func fidelityMetric(cfg FidelityConfig, shouldEqual bool) MetricFunc {
	return func(ctx context.Context, in *MetricInput) (float64, error) {
		scores := in.Explanation.Scores
		masked := scoring.FilterCumulative(scores, cfg.CumulativeThreshold)
		if shouldEqual {
			masked = scoring.Complement(scores, masked)
		}

		view := in.Graph.NewView()
		orig, err := in.Predictor.Predict(ctx, view)
		if err != nil {
			return 0, err
		}
		if err := view.ApplyHardMask(masked); err != nil {
			return 0, err
		}
		after, err := in.Predictor.Predict(ctx, view)
		if err != nil {
			return 0, err
		}
		return scoring.Fidelity(orig.Value, after.Value, shouldEqual, cfg.FidelityOptions), nil
	}
}

// correlationMetric correlates explanation scores of operator nodes with a
// per-operator signal.
func correlationMetric(kind models.MetricKind, corr func(x, y []float64) float64, signal func(plangraph.Node) float64) MetricDefinition {
	return MetricDefinition{
		Kind:       kind,
		Bounds:     CorrelationInterval,
		NeedsGraph: true,
		Compute: func(_ context.Context, in *MetricInput) (float64, error) {
			xs, ys, err := operatorSignal(in, signal)
			if err != nil {
				return 0, err
			}
			return corr(xs, ys), nil
		},
	}
}

// operatorSignal pairs the explanation score of every operator node with
// signal of that node.
func operatorSignal(in *MetricInput, signal func(plangraph.Node) float64) (xs, ys []float64, err error) {
	for _, ns := range in.Explanation.Scores {
		if !in.Graph.ValidNode(ns.NodeID) {
			return nil, nil, pkgerrors.Newf(pkgerrors.CodeInternal,
				"explanation %s scores node %d missing from plan graph", in.Explanation.ID, ns.NodeID)
		}
		n := in.Graph.Node(ns.NodeID)
		if n.Kind != plangraph.KindOperator {
			continue
		}
		xs = append(xs, ns.Score)
		ys = append(ys, signal(n))
	}
	return xs, ys, nil
}
