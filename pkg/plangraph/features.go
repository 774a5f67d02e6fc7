package plangraph

import (
	"math"
	"strings"

	"github.com/TFMV/planlens/pkg/models"
)

// Feature vector widths per node kind. Every vector starts with a presence
// feature fixed at 1 so that masking a node always removes its bias term.
var featureWidths = [...]int{
	KindOperator:        7,
	KindTable:           3,
	KindColumn:          6,
	KindOutputColumnSet: 3,
	KindPredicate:       4,
	KindPredicateLeaf:   3,
}

// FeatureWidth returns the feature vector length for nodes of kind k.
func FeatureWidth(k NodeKind) int {
	return featureWidths[k]
}

// slog1p is a sign-preserving log1p, defined for all reals.
func slog1p(x float64) float64 {
	if x < 0 {
		return -math.Log1p(-x)
	}
	return math.Log1p(x)
}

func operatorFeatures(op *models.Operator) []float64 {
	return []float64{
		1,
		slog1p(op.EstStartupCost),
		slog1p(op.EstCost),
		slog1p(op.EstCard),
		slog1p(op.EstWidth),
		slog1p(op.EstChildrenCard),
		slog1p(float64(op.WorkersPlanned)),
	}
}

func tableFeatures(t *models.TableStats) []float64 {
	return []float64{
		1,
		slog1p(t.RelTuples),
		slog1p(t.RelPages),
	}
}

func columnFeatures(c *models.ColumnStats) []float64 {
	return []float64{
		1,
		c.NullFrac,
		slog1p(c.AvgWidth),
		slog1p(math.Abs(c.NDistinct)),
		c.Correlation,
		slog1p(c.TableSize),
	}
}

func outputSetFeatures(oc *models.OutputColumn) []float64 {
	aggregated := 0.0
	if oc.Aggregation != "" {
		aggregated = 1
	}
	return []float64{1, aggregated, slog1p(float64(len(oc.Columns)))}
}

func logicalFeatures(lp *models.LogicalPredicate) []float64 {
	var and, or float64
	switch strings.ToUpper(lp.Operator) {
	case "AND":
		and = 1
	case "OR":
		or = 1
	}
	return []float64{1, and, or, slog1p(float64(len(lp.Children)))}
}

func leafFeatures(leaf *models.FilterLeaf) []float64 {
	equality := 0.0
	if leaf.Operator == "=" || strings.EqualFold(leaf.Operator, "IN") {
		equality = 1
	}
	return []float64{1, equality, slog1p(leaf.Literal)}
}
