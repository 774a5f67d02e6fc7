package inference

import (
	"context"
	"math"

	"github.com/TFMV/planlens/pkg/models"
	"github.com/TFMV/planlens/pkg/plangraph"
)

// RuntimeImportance scores operators by their exclusive actual time.
type RuntimeImportance struct{}

// Explain implements Explainer.
func (RuntimeImportance) Explain(_ context.Context, g *plangraph.Graph) ([]models.NodeScore, error) {
	return operatorScores(g, func(n plangraph.Node) float64 { return n.ExclusiveTime }), nil
}

// CardinalityImportance scores operators by their actual output cardinality.
type CardinalityImportance struct{}

// Explain implements Explainer.
func (CardinalityImportance) Explain(_ context.Context, g *plangraph.Graph) ([]models.NodeScore, error) {
	return operatorScores(g, func(n plangraph.Node) float64 { return n.ActualCard }), nil
}

func operatorScores(g *plangraph.Graph, value func(plangraph.Node) float64) []models.NodeScore {
	ops := g.NodesOfKind(plangraph.KindOperator)
	scores := make([]models.NodeScore, 0, len(ops))
	for _, id := range ops {
		scores = append(scores, models.NodeScore{NodeID: id, Score: value(g.Node(id))})
	}
	return Normalize(scores)
}

// Occlusion scores each node by how far the prediction moves when that node
// alone is masked out.
type Occlusion struct {
	Predictor     Predictor
	OperatorsOnly bool
}

// Explain implements Explainer.
func (o *Occlusion) Explain(ctx context.Context, g *plangraph.Graph) ([]models.NodeScore, error) {
	view := g.NewView()
	base, err := o.Predictor.Predict(ctx, view)
	if err != nil {
		return nil, err
	}

	var ids []int
	if o.OperatorsOnly {
		ids = g.NodesOfKind(plangraph.KindOperator)
	} else {
		ids = make([]int, g.NumNodes())
		for i := range ids {
			ids[i] = i
		}
	}

	scores := make([]models.NodeScore, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := view.ApplyHardMask([]int{id}); err != nil {
			return nil, err
		}
		p, err := o.Predictor.Predict(ctx, view)
		if err != nil {
			return nil, err
		}
		scores = append(scores, models.NodeScore{NodeID: id, Score: math.Abs(p.Value - base.Value)})
	}
	view.ClearMask()
	return Normalize(scores), nil
}
