package models

import (
	"bytes"
	"encoding/json"
	"io"
	"strconv"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
)

// Predicate node_type tags used by workload files.
const (
	NodeTypeLogicalPredicate = "logical_pred"
	NodeTypeFilterColumn     = "filter_column"
)

// WorkloadFile is a decoded workload export: statistics plus nested plans.
type WorkloadFile struct {
	Stats DatabaseStats
	Plans []PlanRecord
}

type workloadFileJSON struct {
	DatabaseStats DatabaseStats  `json:"database_stats"`
	ParsedPlans   []planNodeJSON `json:"parsed_plans"`
}

type planNodeJSON struct {
	PlanParameters planParametersJSON `json:"plan_parameters"`
	Children       []planNodeJSON     `json:"children"`
	PlanRuntime    float64            `json:"plan_runtime"`
	SQL            string             `json:"sql"`
}

type planParametersJSON struct {
	OpName          string         `json:"op_name"`
	EstStartupCost  float64        `json:"est_startup_cost"`
	EstCost         float64        `json:"est_cost"`
	EstCard         float64        `json:"est_card"`
	EstWidth        float64        `json:"est_width"`
	EstChildrenCard float64        `json:"est_children_card"`
	ActCard         float64        `json:"act_card"`
	ActChildrenCard float64        `json:"act_children_card"`
	ActTime         *float64       `json:"act_time"`
	WorkersPlanned  int            `json:"workers_planned"`
	Table           *int           `json:"table"`
	OutputColumns   []OutputColumn `json:"output_columns"`
	FilterColumns   *predicateJSON `json:"filter_columns"`
}

type predicateJSON struct {
	NodeType       string          `json:"node_type"`
	Operator       string          `json:"operator"`
	Column         *int            `json:"column"`
	LiteralFeature json.RawMessage `json:"literal_feature"`
	Children       []predicateJSON `json:"children"`
}

// ParseWorkloadFile decodes a workload export and flattens every plan tree
// into operator arenas. Plans are numbered by their position in the file.
func ParseWorkloadFile(r io.Reader) (*WorkloadFile, error) {
	var raw workloadFileJSON
	dec := json.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeInvalidArgument, "decode workload file")
	}

	out := &WorkloadFile{Stats: raw.DatabaseStats}
	for i := range raw.ParsedPlans {
		plan := PlanRecord{
			IDInRun: i,
			Runtime: raw.ParsedPlans[i].PlanRuntime,
			SQL:     raw.ParsedPlans[i].SQL,
		}
		if err := flattenPlan(&plan, &raw.ParsedPlans[i], NoIndex); err != nil {
			return nil, err.WithDetail("plan", i)
		}
		plan.TableCount = plan.DistinctTables()
		out.Plans = append(out.Plans, plan)
	}
	return out, nil
}

func flattenPlan(plan *PlanRecord, node *planNodeJSON, parent int) *pkgerrors.Error {
	idx := len(plan.Operators)
	params := node.PlanParameters

	op := Operator{
		Name:            params.OpName,
		Parent:          parent,
		EstStartupCost:  params.EstStartupCost,
		EstCost:         params.EstCost,
		EstCard:         params.EstCard,
		EstWidth:        params.EstWidth,
		EstChildrenCard: params.EstChildrenCard,
		ActCard:         params.ActCard,
		ActChildrenCard: params.ActChildrenCard,
		WorkersPlanned:  params.WorkersPlanned,
		Table:           NoIndex,
		OutputColumns:   params.OutputColumns,
	}
	if params.ActTime != nil {
		op.ActTime = *params.ActTime
	}
	if params.Table != nil {
		op.Table = *params.Table
	}
	if params.FilterColumns != nil {
		filter, err := convertPredicate(params.FilterColumns)
		if err != nil {
			return err.WithDetail("operator", idx)
		}
		op.Filter = filter
	}

	plan.Operators = append(plan.Operators, op)
	if parent != NoIndex {
		plan.Operators[parent].Children = append(plan.Operators[parent].Children, idx)
	}

	for i := range node.Children {
		if err := flattenPlan(plan, &node.Children[i], idx); err != nil {
			return err
		}
	}
	return nil
}

func convertPredicate(p *predicateJSON) (Predicate, *pkgerrors.Error) {
	switch p.NodeType {
	case NodeTypeLogicalPredicate:
		lp := &LogicalPredicate{Operator: p.Operator}
		for i := range p.Children {
			child, err := convertPredicate(&p.Children[i])
			if err != nil {
				return nil, err
			}
			lp.Children = append(lp.Children, child)
		}
		return lp, nil
	case NodeTypeFilterColumn:
		if len(p.Children) > 0 {
			return nil, pkgerrors.New(pkgerrors.CodeMalformedPlan, "filter column with children")
		}
		if p.Column == nil {
			return nil, pkgerrors.New(pkgerrors.CodeMalformedPlan, "filter column without column reference")
		}
		literal, err := parseLiteral(p.LiteralFeature)
		if err != nil {
			return nil, pkgerrors.Wrap(err, pkgerrors.CodeMalformedPlan, "invalid literal feature")
		}
		return &FilterLeaf{Operator: p.Operator, Column: *p.Column, Literal: literal}, nil
	default:
		return nil, pkgerrors.Newf(pkgerrors.CodeMalformedPlan, "unknown predicate node type %q", p.NodeType)
	}
}

// parseLiteral accepts null, a JSON number, or a numeric string.
func parseLiteral(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		if s == "" {
			return 0, nil
		}
		return strconv.ParseFloat(s, 64)
	}
	var f float64
	err := json.Unmarshal(raw, &f)
	return f, err
}
