// Package testutil holds plan and workload fixtures shared by package tests.
package testutil

import "github.com/TFMV/planlens/pkg/models"

// Stats returns a statistics context with three tables and four columns.
func Stats() *models.DatabaseStats {
	return &models.DatabaseStats{
		Columns: []models.ColumnStats{
			{TableName: "title", AttName: "id", DataType: "integer", AvgWidth: 4, NDistinct: -1, Correlation: 1, TableSize: 2528312},
			{TableName: "title", AttName: "production_year", DataType: "integer", NullFrac: 0.04, AvgWidth: 4, NDistinct: 132, Correlation: 0.4, TableSize: 2528312},
			{TableName: "movie_info", AttName: "movie_id", DataType: "integer", AvgWidth: 4, NDistinct: 880000, Correlation: 0.9, TableSize: 14835720},
			{TableName: "cast_info", AttName: "role_id", DataType: "integer", AvgWidth: 4, NDistinct: 11, Correlation: 0.1, TableSize: 36244344},
		},
		Tables: []models.TableStats{
			{RelName: "title", RelTuples: 2528312, RelPages: 35998},
			{RelName: "movie_info", RelTuples: 14835720, RelPages: 161984},
			{RelName: "cast_info", RelTuples: 36244344, RelPages: 252411},
		},
	}
}

// ScanPlan is a single filtered sequential scan over title.
func ScanPlan(id string) *models.PlanRecord {
	return &models.PlanRecord{
		ID:         id,
		TableCount: 1,
		Runtime:    95,
		Operators: []models.Operator{
			{
				Name: "Seq Scan", Parent: models.NoIndex, Table: 0,
				EstStartupCost: 0, EstCost: 55000, EstCard: 380000, EstWidth: 8,
				ActCard: 391000, ActTime: 95,
				OutputColumns: []models.OutputColumn{{Columns: []int{0, 1}}},
				Filter:        &models.FilterLeaf{Operator: ">", Column: 1, Literal: 2005},
			},
		},
	}
}

// JoinPlan is a hash join of title and movie_info with a conjunctive filter.
func JoinPlan(id string) *models.PlanRecord {
	return &models.PlanRecord{
		ID:         id,
		TableCount: 2,
		Runtime:    812,
		Operators: []models.Operator{
			{
				Name: "Hash Join", Parent: models.NoIndex, Children: []int{1, 2}, Table: models.NoIndex,
				EstStartupCost: 15000, EstCost: 260000, EstCard: 120000, EstWidth: 12, EstChildrenCard: 1500000,
				ActCard: 98000, ActTime: 812,
				OutputColumns: []models.OutputColumn{{Aggregation: "COUNT", Columns: []int{0}}},
			},
			{
				Name: "Seq Scan", Parent: 0, Table: 1,
				EstCost: 190000, EstCard: 1400000, EstWidth: 4,
				ActCard: 1350000, ActTime: 420,
				OutputColumns: []models.OutputColumn{{Columns: []int{2}}},
			},
			{
				Name: "Seq Scan", Parent: 0, Table: 0,
				EstCost: 55000, EstCard: 90000, EstWidth: 8,
				ActCard: 88000, ActTime: 130,
				OutputColumns: []models.OutputColumn{{Columns: []int{0}}},
				Filter: &models.LogicalPredicate{Operator: "AND", Children: []models.Predicate{
					&models.FilterLeaf{Operator: ">", Column: 1, Literal: 2000},
					&models.FilterLeaf{Operator: "<", Column: 1, Literal: 2010},
				}},
			},
		},
	}
}

// ThreeWayJoinPlan joins title, movie_info and cast_info.
func ThreeWayJoinPlan(id string) *models.PlanRecord {
	return &models.PlanRecord{
		ID:         id,
		TableCount: 3,
		Runtime:    2400,
		Operators: []models.Operator{
			{
				Name: "Hash Join", Parent: models.NoIndex, Children: []int{1, 4}, Table: models.NoIndex,
				EstCost: 900000, EstCard: 300000, EstWidth: 16, ActCard: 410000, ActTime: 2400,
			},
			{
				Name: "Hash Join", Parent: 0, Children: []int{2, 3}, Table: models.NoIndex,
				EstCost: 260000, EstCard: 120000, EstWidth: 12, ActCard: 98000, ActTime: 900,
			},
			{
				Name: "Seq Scan", Parent: 1, Table: 1,
				EstCost: 190000, EstCard: 1400000, EstWidth: 4, ActCard: 1350000, ActTime: 420,
			},
			{
				Name: "Seq Scan", Parent: 1, Table: 0,
				EstCost: 55000, EstCard: 90000, EstWidth: 8, ActCard: 88000, ActTime: 130,
				Filter: &models.FilterLeaf{Operator: "=", Column: 1, Literal: 2001},
			},
			{
				Name: "Index Scan", Parent: 0, Table: 2,
				EstCost: 300000, EstCard: 2000000, EstWidth: 4, ActCard: 2600000, ActTime: 700,
				Filter: &models.FilterLeaf{Operator: "=", Column: 3, Literal: 1},
			},
		},
	}
}
