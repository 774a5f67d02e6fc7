// Package plangraph turns persisted plan records into typed, immutable graphs
// and provides maskable feature views over them for inference.
package plangraph

import "github.com/TFMV/planlens/pkg/models"

// NodeKind is the type of a graph node.
type NodeKind uint8

const (
	KindOperator NodeKind = iota
	KindTable
	KindColumn
	KindOutputColumnSet
	KindPredicate
	KindPredicateLeaf
)

var nodeKindNames = [...]string{
	KindOperator:        "operator",
	KindTable:           "table",
	KindColumn:          "column",
	KindOutputColumnSet: "output_column_set",
	KindPredicate:       "predicate",
	KindPredicateLeaf:   "predicate_leaf",
}

func (k NodeKind) String() string {
	if int(k) < len(nodeKindNames) {
		return nodeKindNames[k]
	}
	return "unknown"
}

// AllNodeKinds lists the node kinds in declaration order.
func AllNodeKinds() []NodeKind {
	return []NodeKind{KindOperator, KindTable, KindColumn, KindOutputColumnSet, KindPredicate, KindPredicateLeaf}
}

// EdgeKind is the relation an edge encodes.
type EdgeKind uint8

const (
	// EdgePlan links a child operator to its parent operator.
	EdgePlan EdgeKind = iota
	// EdgePredicateTree links a predicate to its parent predicate, or a root
	// predicate to its operator.
	EdgePredicateTree
	// EdgeOutput links an output column set to its operator.
	EdgeOutput
	// EdgeColumnRef links a column to the output set or leaf referencing it.
	EdgeColumnRef
	// EdgeTableRef links a table to the operator scanning it.
	EdgeTableRef
)

var edgeKindNames = [...]string{
	EdgePlan:          "plan",
	EdgePredicateTree: "predicate_tree",
	EdgeOutput:        "output",
	EdgeColumnRef:     "column_ref",
	EdgeTableRef:      "table_ref",
}

func (k EdgeKind) String() string {
	if int(k) < len(edgeKindNames) {
		return edgeKindNames[k]
	}
	return "unknown"
}

// Edge is a directed edge between two node ids.
type Edge struct {
	From int
	To   int
	Kind EdgeKind
}

// Node is a graph vertex. Ref is the arena index of the operator, column or
// table the node stands for, or models.NoIndex for predicates and output sets.
type Node struct {
	ID    int
	Kind  NodeKind
	Ref   int
	Label string
	// Depth is the distance from the root operator. Non-operator nodes take
	// the depth of the operator that introduced them.
	Depth int

	// Operator runtime observations, zero for other kinds.
	ActualTime    float64
	ActualCard    float64
	ExclusiveTime float64
}

// Graph is the immutable typed graph of one plan. Node ids are dense 0..N-1
// in canonical traversal order.
type Graph struct {
	planID      string
	nodes       []Node
	edges       []Edge
	offsets     []int
	features    []float64
	groundTruth float64
	tableCount  int
}

// PlanID returns the id of the plan the graph was built from.
func (g *Graph) PlanID() string { return g.planID }

// NumNodes returns the number of nodes.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Node returns the node with the given id. It panics on an invalid id.
func (g *Graph) Node(id int) Node { return g.nodes[id] }

// Nodes returns a copy of all nodes in id order.
func (g *Graph) Nodes() []Node {
	out := make([]Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Edges returns a copy of all edges in creation order.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// NodesOfKind returns the ids of all nodes of kind k in id order.
func (g *Graph) NodesOfKind(k NodeKind) []int {
	var ids []int
	for i := range g.nodes {
		if g.nodes[i].Kind == k {
			ids = append(ids, i)
		}
	}
	return ids
}

// GroundTruth is the measured runtime of the plan.
func (g *Graph) GroundTruth() float64 { return g.groundTruth }

// TableCount is the number of distinct table nodes.
func (g *Graph) TableCount() int { return g.tableCount }

// BaseFeatures returns a copy of the unmasked features of a node.
func (g *Graph) BaseFeatures(id int) []float64 {
	row := g.features[g.offsets[id]:g.offsets[id+1]]
	out := make([]float64, len(row))
	copy(out, row)
	return out
}

// ValidNode reports whether id names a node of this graph.
func (g *Graph) ValidNode(id int) bool {
	return id >= 0 && id < len(g.nodes)
}

func (g *Graph) addNode(n Node, features []float64) int {
	n.ID = len(g.nodes)
	g.nodes = append(g.nodes, n)
	g.features = append(g.features, features...)
	g.offsets = append(g.offsets, len(g.features))
	return n.ID
}

func (g *Graph) addEdge(from, to int, kind EdgeKind) {
	g.edges = append(g.edges, Edge{From: from, To: to, Kind: kind})
}

func newGraph(plan *models.PlanRecord) *Graph {
	return &Graph{
		planID:      plan.ID,
		offsets:     []int{0},
		groundTruth: plan.Runtime,
	}
}
