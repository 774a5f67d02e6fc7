package models

import (
	"time"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
)

// ColumnStats are the planner statistics of one column.
type ColumnStats struct {
	TableName   string  `json:"tablename"`
	AttName     string  `json:"attname"`
	DataType    string  `json:"data_type"`
	NullFrac    float64 `json:"null_frac"`
	AvgWidth    float64 `json:"avg_width"`
	NDistinct   float64 `json:"n_distinct"`
	Correlation float64 `json:"correlation"`
	TableSize   float64 `json:"table_size"`
}

// TableStats are the planner statistics of one relation.
type TableStats struct {
	RelName   string  `json:"relname"`
	RelTuples float64 `json:"reltuples"`
	RelPages  float64 `json:"relpages"`
}

// DatabaseStats is the statistics context plans index into.
type DatabaseStats struct {
	Columns []ColumnStats `json:"column_stats"`
	Tables  []TableStats  `json:"table_stats"`
}

// Workload is a named batch of plans sharing one statistics context.
type Workload struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	CreatedAt time.Time     `json:"created_at"`
	Stats     DatabaseStats `json:"database_stats"`
}

// PlanSummary is the listing projection of a plan. Operators and Predicates
// are filled only by paged listings.
type PlanSummary struct {
	ID         string  `json:"id"`
	IDInRun    int     `json:"id_in_run"`
	TableCount int     `json:"table_count"`
	Runtime    float64 `json:"plan_runtime"`
	Operators  int     `json:"operators,omitempty"`
	Predicates int     `json:"predicates,omitempty"`
}

// PlanOrder is a sort key for paged plan listings.
type PlanOrder string

// Supported plan orders.
const (
	PlanOrderID         PlanOrder = "id"
	PlanOrderOperators  PlanOrder = "operators"
	PlanOrderTables     PlanOrder = "tables"
	PlanOrderJoins      PlanOrder = "joins"
	PlanOrderPredicates PlanOrder = "predicates"
	PlanOrderRuntime    PlanOrder = "runtime"
)

// AllPlanOrders lists every plan order.
func AllPlanOrders() []PlanOrder {
	return []PlanOrder{
		PlanOrderID,
		PlanOrderOperators,
		PlanOrderTables,
		PlanOrderJoins,
		PlanOrderPredicates,
		PlanOrderRuntime,
	}
}

// ParsePlanOrder validates a sort key. The empty string means id.
func ParsePlanOrder(s string) (PlanOrder, error) {
	if s == "" {
		return PlanOrderID, nil
	}
	for _, o := range AllPlanOrders() {
		if string(o) == s {
			return o, nil
		}
	}
	return "", pkgerrors.Newf(pkgerrors.CodeInvalidArgument, "unknown plan order %q", s)
}

// PlanPage selects a window of a workload's plans. Ties in the sort key
// fall back to the plan's position in the workload.
type PlanPage struct {
	Offset     int
	Limit      int
	OrderBy    PlanOrder
	Descending bool
}

// TableCountStat is the number of plans with a given table count.
type TableCountStat struct {
	TableCount int `json:"table_count"`
	Plans      int `json:"plans"`
}
