package plangraph

import (
	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/models"
)

// Build converts a plan record into a graph. The traversal is a preorder over
// the operator arena starting at the root; for each operator it emits the
// operator node, its output column sets (and their columns on first sight),
// its table on first sight, its predicate tree in preorder, and then recurses
// into its children in order. Building the same record twice yields identical
// node ids.
func Build(plan *models.PlanRecord, stats *models.DatabaseStats) (*Graph, error) {
	if plan == nil || len(plan.Operators) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeMalformedPlan, "plan has no root operator")
	}
	if stats == nil {
		stats = &models.DatabaseStats{}
	}

	b := &builder{
		plan:    plan,
		stats:   stats,
		graph:   newGraph(plan),
		visited: make([]bool, len(plan.Operators)),
		columns: make(map[int]int),
		tables:  make(map[int]int),
	}
	if root := plan.Operators[0]; root.Parent != models.NoIndex {
		return nil, b.malformed(0, "root operator has a parent")
	}
	if err := b.visitOperator(0, models.NoIndex, 0); err != nil {
		return nil, err
	}
	for i, seen := range b.visited {
		if !seen {
			return nil, b.malformed(i, "operator unreachable from root")
		}
	}

	g := b.graph
	g.tableCount = len(b.tables)
	if g.groundTruth == 0 {
		g.groundTruth = plan.Operators[0].ActTime
	}
	return g, nil
}

type builder struct {
	plan    *models.PlanRecord
	stats   *models.DatabaseStats
	graph   *Graph
	visited []bool
	// column and table arena index -> node id
	columns map[int]int
	tables  map[int]int
}

func (b *builder) malformed(operator int, msg string) *pkgerrors.Error {
	return pkgerrors.New(pkgerrors.CodeMalformedPlan, msg).
		WithDetail("plan_id", b.plan.ID).
		WithDetail("operator", operator)
}

func (b *builder) visitOperator(idx, parentNode, depth int) error {
	if b.visited[idx] {
		return b.malformed(idx, "operator visited twice")
	}
	b.visited[idx] = true
	op := &b.plan.Operators[idx]

	exclusive := op.ActTime
	for _, c := range op.Children {
		if c < 0 || c >= len(b.plan.Operators) {
			return b.malformed(idx, "child index out of range").WithDetail("child", c)
		}
		exclusive -= b.plan.Operators[c].ActTime
	}
	if exclusive < 0 {
		exclusive = 0
	}

	opNode := b.graph.addNode(Node{
		Kind:          KindOperator,
		Ref:           idx,
		Label:         op.Name,
		Depth:         depth,
		ActualTime:    op.ActTime,
		ActualCard:    op.ActCard,
		ExclusiveTime: exclusive,
	}, operatorFeatures(op))
	if parentNode != models.NoIndex {
		b.graph.addEdge(opNode, parentNode, EdgePlan)
	}

	for i := range op.OutputColumns {
		oc := &op.OutputColumns[i]
		setNode := b.graph.addNode(Node{
			Kind:  KindOutputColumnSet,
			Ref:   models.NoIndex,
			Label: oc.Aggregation,
			Depth: depth,
		}, outputSetFeatures(oc))
		b.graph.addEdge(setNode, opNode, EdgeOutput)
		for _, col := range oc.Columns {
			colNode, err := b.column(idx, col, depth)
			if err != nil {
				return err
			}
			b.graph.addEdge(colNode, setNode, EdgeColumnRef)
		}
	}

	if op.Table != models.NoIndex {
		tableNode, err := b.table(idx, op.Table, depth)
		if err != nil {
			return err
		}
		b.graph.addEdge(tableNode, opNode, EdgeTableRef)
	}

	if op.Filter != nil {
		if err := b.visitPredicate(idx, op.Filter, opNode, depth); err != nil {
			return err
		}
	}

	for _, c := range op.Children {
		if b.plan.Operators[c].Parent != idx {
			return b.malformed(c, "child does not point back to its parent").WithDetail("parent", idx)
		}
		if err := b.visitOperator(c, opNode, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) visitPredicate(opIdx int, p models.Predicate, parentNode, depth int) error {
	switch n := p.(type) {
	case *models.LogicalPredicate:
		if n == nil {
			return b.malformed(opIdx, "nil predicate")
		}
		node := b.graph.addNode(Node{
			Kind:  KindPredicate,
			Ref:   models.NoIndex,
			Label: n.Operator,
			Depth: depth,
		}, logicalFeatures(n))
		b.graph.addEdge(node, parentNode, EdgePredicateTree)
		for _, child := range n.Children {
			if err := b.visitPredicate(opIdx, child, node, depth); err != nil {
				return err
			}
		}
		return nil
	case *models.FilterLeaf:
		if n == nil {
			return b.malformed(opIdx, "nil predicate")
		}
		node := b.graph.addNode(Node{
			Kind:  KindPredicateLeaf,
			Ref:   models.NoIndex,
			Label: n.Operator,
			Depth: depth,
		}, leafFeatures(n))
		b.graph.addEdge(node, parentNode, EdgePredicateTree)
		colNode, err := b.column(opIdx, n.Column, depth)
		if err != nil {
			return err
		}
		b.graph.addEdge(colNode, node, EdgeColumnRef)
		return nil
	default:
		return b.malformed(opIdx, "nil predicate")
	}
}

func (b *builder) column(opIdx, col, depth int) (int, error) {
	if id, ok := b.columns[col]; ok {
		return id, nil
	}
	if col < 0 || col >= len(b.stats.Columns) {
		return 0, b.malformed(opIdx, "column index out of range").WithDetail("column", col)
	}
	stats := &b.stats.Columns[col]
	id := b.graph.addNode(Node{
		Kind:  KindColumn,
		Ref:   col,
		Label: stats.TableName + "." + stats.AttName,
		Depth: depth,
	}, columnFeatures(stats))
	b.columns[col] = id
	return id, nil
}

func (b *builder) table(opIdx, table, depth int) (int, error) {
	if id, ok := b.tables[table]; ok {
		return id, nil
	}
	if table < 0 || table >= len(b.stats.Tables) {
		return 0, b.malformed(opIdx, "table index out of range").WithDetail("table", table)
	}
	stats := &b.stats.Tables[table]
	id := b.graph.addNode(Node{
		Kind:  KindTable,
		Ref:   table,
		Label: stats.RelName,
		Depth: depth,
	}, tableFeatures(stats))
	b.tables[table] = id
	return id, nil
}
