package repositories

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/models"
)

func TestPredicateRoundTrip(t *testing.T) {
	tree := &models.LogicalPredicate{Operator: "OR", Children: []models.Predicate{
		&models.FilterLeaf{Operator: "=", Column: 2, Literal: 7},
		&models.LogicalPredicate{Operator: "AND", Children: []models.Predicate{
			&models.FilterLeaf{Operator: ">", Column: 1, Literal: 2000},
			&models.FilterLeaf{Operator: "<", Column: 1, Literal: 2010},
		}},
	}}
	leaf := &models.FilterLeaf{Operator: "IN", Column: 0, Literal: 3}

	rows := append(FlattenPredicate(0, tree), FlattenPredicate(2, leaf)...)
	require.Len(t, rows, 6)
	assert.Equal(t, models.NoIndex, rows[0].ParentIdx)
	assert.Equal(t, 2, rows[3].ParentIdx)

	roots, err := AssemblePredicates(rows)
	require.NoError(t, err)
	assert.Equal(t, tree, roots[0])
	assert.Equal(t, leaf, roots[2])
}

func TestAssemblePredicates_Malformed(t *testing.T) {
	tests := []struct {
		name string
		rows []PredicateRow
	}{
		{"gap in numbering", []PredicateRow{{Idx: 1, ParentIdx: -1, Kind: PredicateKindLeaf}}},
		{"leaf parent", []PredicateRow{
			{Idx: 0, ParentIdx: -1, Kind: PredicateKindLeaf},
			{Idx: 1, ParentIdx: 0, Kind: PredicateKindLeaf},
		}},
		{"two roots", []PredicateRow{
			{Idx: 0, ParentIdx: -1, Kind: PredicateKindLeaf},
			{Idx: 1, ParentIdx: -1, Kind: PredicateKindLeaf},
		}},
		{"unknown kind", []PredicateRow{{Idx: 0, ParentIdx: -1, Kind: "xor"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := AssemblePredicates(tt.rows)
			assert.True(t, pkgerrors.IsMalformedPlan(err))
		})
	}
}

func TestColumnsEncoding(t *testing.T) {
	assert.Equal(t, "[]", EncodeColumns(nil))
	cols, err := DecodeColumns(EncodeColumns([]int{3, 1}))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1}, cols)

	_, err = DecodeColumns("not json")
	assert.True(t, pkgerrors.IsMalformedPlan(err))
}

func TestLinkChildren(t *testing.T) {
	ops := []models.Operator{
		{Parent: models.NoIndex, Children: []int{9}},
		{Parent: 0},
		{Parent: 1},
		{Parent: 0},
	}
	require.NoError(t, LinkChildren(ops))
	assert.Equal(t, []int{1, 3}, ops[0].Children)
	assert.Equal(t, []int{2}, ops[1].Children)
	assert.Nil(t, ops[3].Children)

	ops[1].Parent = 7
	assert.True(t, pkgerrors.IsMalformedPlan(LinkChildren(ops)))
}
