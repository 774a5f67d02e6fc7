package repositories

import (
	"encoding/json"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/models"
)

// Predicate row kinds.
const (
	PredicateKindLogical = "logical"
	PredicateKindLeaf    = "leaf"
)

// PredicateRow is one persisted predicate node. Rows of an operator are
// numbered in preorder, so a parent always precedes its children.
type PredicateRow struct {
	OperatorIdx int
	Idx         int
	ParentIdx   int
	Kind        string
	Comparison  string
	Column      int
	Literal     float64
}

// FlattenPredicate numbers the nodes of p in preorder.
func FlattenPredicate(operatorIdx int, p models.Predicate) []PredicateRow {
	if p == nil {
		return nil
	}
	var rows []PredicateRow
	index := make(map[models.Predicate]int)
	models.WalkPredicate(p, func(node, parent models.Predicate) bool {
		row := PredicateRow{OperatorIdx: operatorIdx, Idx: len(rows), ParentIdx: models.NoIndex, Column: models.NoIndex}
		if parent != nil {
			row.ParentIdx = index[parent]
		}
		switch n := node.(type) {
		case *models.LogicalPredicate:
			row.Kind = PredicateKindLogical
			row.Comparison = n.Operator
		case *models.FilterLeaf:
			row.Kind = PredicateKindLeaf
			row.Comparison = n.Operator
			row.Column = n.Column
			row.Literal = n.Literal
		}
		index[node] = row.Idx
		rows = append(rows, row)
		return true
	})
	return rows
}

// AssemblePredicates rebuilds predicate trees from rows ordered by
// (operator_idx, idx). The result maps operator index to its root predicate.
func AssemblePredicates(rows []PredicateRow) (map[int]models.Predicate, error) {
	roots := make(map[int]models.Predicate)
	var (
		current = models.NoIndex
		nodes   []models.Predicate
	)
	for _, row := range rows {
		if row.OperatorIdx != current {
			current = row.OperatorIdx
			nodes = nodes[:0]
		}
		if row.Idx != len(nodes) {
			return nil, malformedRow(row, "predicate rows out of order")
		}

		var node models.Predicate
		switch row.Kind {
		case PredicateKindLogical:
			node = &models.LogicalPredicate{Operator: row.Comparison}
		case PredicateKindLeaf:
			node = &models.FilterLeaf{Operator: row.Comparison, Column: row.Column, Literal: row.Literal}
		default:
			return nil, malformedRow(row, "unknown predicate kind")
		}
		nodes = append(nodes, node)

		if row.ParentIdx == models.NoIndex {
			if _, dup := roots[row.OperatorIdx]; dup {
				return nil, malformedRow(row, "operator has two predicate roots")
			}
			roots[row.OperatorIdx] = node
			continue
		}
		if row.ParentIdx < 0 || row.ParentIdx >= row.Idx {
			return nil, malformedRow(row, "predicate parent does not precede child")
		}
		parent, ok := nodes[row.ParentIdx].(*models.LogicalPredicate)
		if !ok {
			return nil, malformedRow(row, "predicate parent is a leaf")
		}
		parent.Children = append(parent.Children, node)
	}
	return roots, nil
}

func malformedRow(row PredicateRow, msg string) error {
	return pkgerrors.New(pkgerrors.CodeMalformedPlan, msg).
		WithDetail("operator_idx", row.OperatorIdx).
		WithDetail("idx", row.Idx)
}

// EncodeColumns serializes an output column list.
func EncodeColumns(cols []int) string {
	if cols == nil {
		cols = []int{}
	}
	b, _ := json.Marshal(cols)
	return string(b)
}

// DecodeColumns parses a list written by EncodeColumns.
func DecodeColumns(s string) ([]int, error) {
	var cols []int
	if err := json.Unmarshal([]byte(s), &cols); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeMalformedPlan, "decode output columns")
	}
	return cols, nil
}

// LinkChildren rebuilds every operator's child list from parent links, in
// arena order.
func LinkChildren(ops []models.Operator) error {
	for i := range ops {
		ops[i].Children = nil
	}
	for i := range ops {
		p := ops[i].Parent
		if p == models.NoIndex {
			continue
		}
		if p < 0 || p >= len(ops) {
			return pkgerrors.Newf(pkgerrors.CodeMalformedPlan, "operator %d has parent %d out of range", i, p)
		}
		ops[p].Children = append(ops[p].Children, i)
	}
	return nil
}
