// Package costmodel is the built-in linear cost model: a per-node-kind linear
// layer summed over the graph and passed through softplus.
package costmodel

import (
	"context"
	"math"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/inference"
	"github.com/TFMV/planlens/pkg/plangraph"
)

// Config holds the weights of one model variant. Each weight slice must match
// the feature width of its node kind.
type Config struct {
	Name            string    `mapstructure:"name" yaml:"name" json:"name"`
	Bias            float64   `mapstructure:"bias" yaml:"bias" json:"bias"`
	Operator        []float64 `mapstructure:"operator" yaml:"operator" json:"operator"`
	Table           []float64 `mapstructure:"table" yaml:"table" json:"table"`
	Column          []float64 `mapstructure:"column" yaml:"column" json:"column"`
	OutputColumnSet []float64 `mapstructure:"output_column_set" yaml:"output_column_set" json:"output_column_set"`
	Predicate       []float64 `mapstructure:"predicate" yaml:"predicate" json:"predicate"`
	PredicateLeaf   []float64 `mapstructure:"predicate_leaf" yaml:"predicate_leaf" json:"predicate_leaf"`
}

// DefaultConfig returns the built-in "linear" variant.
func DefaultConfig() Config {
	return Config{
		Name:            "linear",
		Bias:            0.5,
		Operator:        []float64{0.4, 0.05, 0.6, 0.3, 0.02, 0.2, 0.1},
		Table:           []float64{0.2, 0.15, 0.1},
		Column:          []float64{0.05, -0.2, 0.02, 0.05, -0.1, 0.01},
		OutputColumnSet: []float64{0.05, 0.3, 0.1},
		Predicate:       []float64{0.05, 0.1, 0.2, 0.05},
		PredicateLeaf:   []float64{0.1, -0.15, 0.02},
	}
}

func (c Config) weights() map[plangraph.NodeKind][]float64 {
	return map[plangraph.NodeKind][]float64{
		plangraph.KindOperator:        c.Operator,
		plangraph.KindTable:           c.Table,
		plangraph.KindColumn:          c.Column,
		plangraph.KindOutputColumnSet: c.OutputColumnSet,
		plangraph.KindPredicate:       c.Predicate,
		plangraph.KindPredicateLeaf:   c.PredicateLeaf,
	}
}

// Model is an immutable linear cost model.
type Model struct {
	name    string
	bias    float64
	weights [][]float64
}

// New builds a model from cfg.
func New(cfg Config) (*Model, error) {
	if cfg.Name == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidArgument, "model name is required")
	}
	m := &Model{
		name:    cfg.Name,
		bias:    cfg.Bias,
		weights: make([][]float64, len(plangraph.AllNodeKinds())),
	}
	for kind, w := range cfg.weights() {
		if len(w) != plangraph.FeatureWidth(kind) {
			return nil, pkgerrors.Newf(pkgerrors.CodeInvalidArgument,
				"model %s: %s weights have %d entries, want %d", cfg.Name, kind, len(w), plangraph.FeatureWidth(kind))
		}
		m.weights[kind] = append([]float64(nil), w...)
	}
	return m, nil
}

// Name returns the model variant name.
func (m *Model) Name() string { return m.name }

// Predict implements inference.Predictor.
func (m *Model) Predict(ctx context.Context, view *plangraph.View) (inference.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return inference.Prediction{}, err
	}
	g := view.Graph()
	z := m.bias
	for id := 0; id < g.NumNodes(); id++ {
		z += dot(m.weights[g.Node(id).Kind], view.Features(id))
	}
	return inference.NewPrediction(softplus(z), g.GroundTruth()), nil
}

// contributions returns w·x for every node of g on its base features.
func (m *Model) contributions(g *plangraph.Graph, positiveOnly bool) []float64 {
	out := make([]float64, g.NumNodes())
	for id := range out {
		w := m.weights[g.Node(id).Kind]
		for k, x := range g.BaseFeatures(id) {
			term := w[k] * x
			if positiveOnly && term < 0 {
				continue
			}
			out[id] += term
		}
	}
	return out
}

func dot(w, x []float64) float64 {
	var s float64
	for i := range x {
		s += w[i] * x[i]
	}
	return s
}

// softplus is log(1+e^z), computed without overflow.
func softplus(z float64) float64 {
	if z > 30 {
		return z
	}
	return math.Log1p(math.Exp(z))
}
