package plangraph

import (
	"math"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
)

// View is a private, maskable copy of a graph's features. The graph topology
// and node ids are shared and never change; only the feature values handed to
// inference are scaled. A View is not safe for concurrent use.
type View struct {
	graph    *Graph
	features []float64
	masked   bool
}

// NewView returns an unmasked view over the graph's features.
func (g *Graph) NewView() *View {
	v := &View{
		graph:    g,
		features: make([]float64, len(g.features)),
	}
	copy(v.features, g.features)
	return v
}

// Graph returns the underlying immutable graph.
func (v *View) Graph() *Graph { return v.graph }

// Masked reports whether a mask is currently applied.
func (v *View) Masked() bool { return v.masked }

// Features returns the current feature row of a node. The slice aliases the
// view and must not be modified by the caller.
func (v *View) Features(id int) []float64 {
	return v.features[v.graph.offsets[id]:v.graph.offsets[id+1]]
}

// ApplyHardMask removes the feature contribution of every excluded node.
// It is the soft mask with weight 0 for each listed node and replaces any
// mask applied before.
func (v *View) ApplyHardMask(excluded []int) error {
	weights := make(map[int]float64, len(excluded))
	for _, id := range excluded {
		weights[id] = 0
	}
	return v.ApplySoftMask(weights)
}

// ApplySoftMask scales each listed node's features by its weight in [0, 1].
// Nodes not listed keep their base features. It replaces any mask applied
// before. On error the view is left unchanged.
func (v *View) ApplySoftMask(weights map[int]float64) error {
	for id, w := range weights {
		if !v.graph.ValidNode(id) {
			return pkgerrors.Newf(pkgerrors.CodeInvalidArgument, "mask references unknown node %d", id)
		}
		if math.IsNaN(w) || w < 0 || w > 1 {
			return pkgerrors.Newf(pkgerrors.CodeInvalidArgument, "mask weight %v for node %d outside [0, 1]", w, id)
		}
	}

	copy(v.features, v.graph.features)
	for id, w := range weights {
		base := v.graph.features[v.graph.offsets[id]:v.graph.offsets[id+1]]
		row := v.features[v.graph.offsets[id]:v.graph.offsets[id+1]]
		for k := range row {
			row[k] = base[k] * w
		}
	}
	v.masked = len(weights) > 0
	return nil
}

// ClearMask restores the unmasked base features.
func (v *View) ClearMask() {
	copy(v.features, v.graph.features)
	v.masked = false
}
