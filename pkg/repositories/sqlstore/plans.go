package sqlstore

import (
	"context"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/models"
	"github.com/TFMV/planlens/pkg/repositories"
)

func insertPlan(ctx context.Context, tx repositories.Tx, p *models.PlanRecord) error {
	if err := exec(ctx, tx, repositories.QueryInsertPlan,
		p.ID, p.WorkloadID, p.IDInRun, p.TableCount, p.Runtime, p.SQL); err != nil {
		return err
	}

	for i := range p.Operators {
		op := &p.Operators[i]
		if err := exec(ctx, tx, repositories.QueryInsertOperator,
			p.ID, i, op.Parent, op.Name,
			op.EstStartupCost, op.EstCost, op.EstCard, op.EstWidth, op.EstChildrenCard,
			op.ActCard, op.ActChildrenCard, op.ActTime, op.WorkersPlanned, op.Table); err != nil {
			return err
		}
		for j, oc := range op.OutputColumns {
			if err := exec(ctx, tx, repositories.QueryInsertOutputColumns,
				p.ID, i, j, oc.Aggregation, repositories.EncodeColumns(oc.Columns)); err != nil {
				return err
			}
		}
		for _, row := range repositories.FlattenPredicate(i, op.Filter) {
			if err := exec(ctx, tx, repositories.QueryInsertPredicate,
				p.ID, row.OperatorIdx, row.Idx, row.ParentIdx, row.Kind, row.Comparison, row.Column, row.Literal); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetPlan returns a plan with its operator arena and predicates.
func (s *Store) GetPlan(ctx context.Context, id string) (*models.PlanRecord, error) {
	var (
		p     models.PlanRecord
		found bool
	)
	err := query(ctx, s.conn, repositories.QuerySelectPlan, []any{id}, func(r repositories.Rows) error {
		found = true
		return r.Scan(&p.ID, &p.WorkloadID, &p.IDInRun, &p.TableCount, &p.Runtime, &p.SQL)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "plan %s not found", id)
	}

	err = query(ctx, s.conn, repositories.QuerySelectOperators, []any{id}, func(r repositories.Rows) error {
		var (
			idx int
			op  models.Operator
		)
		if err := r.Scan(&idx, &op.Parent, &op.Name,
			&op.EstStartupCost, &op.EstCost, &op.EstCard, &op.EstWidth, &op.EstChildrenCard,
			&op.ActCard, &op.ActChildrenCard, &op.ActTime, &op.WorkersPlanned, &op.Table); err != nil {
			return err
		}
		if idx != len(p.Operators) {
			return pkgerrors.Newf(pkgerrors.CodeMalformedPlan, "plan %s: operator %d missing", id, len(p.Operators))
		}
		p.Operators = append(p.Operators, op)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := repositories.LinkChildren(p.Operators); err != nil {
		return nil, err
	}

	err = query(ctx, s.conn, repositories.QuerySelectOutputColumns, []any{id}, func(r repositories.Rows) error {
		var (
			opIdx, idx int
			oc         models.OutputColumn
			encoded    string
		)
		if err := r.Scan(&opIdx, &idx, &oc.Aggregation, &encoded); err != nil {
			return err
		}
		if opIdx < 0 || opIdx >= len(p.Operators) {
			return pkgerrors.Newf(pkgerrors.CodeMalformedPlan, "plan %s: output columns for unknown operator %d", id, opIdx)
		}
		cols, err := repositories.DecodeColumns(encoded)
		if err != nil {
			return err
		}
		oc.Columns = cols
		p.Operators[opIdx].OutputColumns = append(p.Operators[opIdx].OutputColumns, oc)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var predRows []repositories.PredicateRow
	err = query(ctx, s.conn, repositories.QuerySelectPredicates, []any{id}, func(r repositories.Rows) error {
		var row repositories.PredicateRow
		if err := r.Scan(&row.OperatorIdx, &row.Idx, &row.ParentIdx, &row.Kind, &row.Comparison, &row.Column, &row.Literal); err != nil {
			return err
		}
		predRows = append(predRows, row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	roots, err := repositories.AssemblePredicates(predRows)
	if err != nil {
		return nil, err
	}
	for opIdx, root := range roots {
		if opIdx < 0 || opIdx >= len(p.Operators) {
			return nil, pkgerrors.Newf(pkgerrors.CodeMalformedPlan, "plan %s: predicate for unknown operator %d", id, opIdx)
		}
		p.Operators[opIdx].Filter = root
	}
	return &p, nil
}

// ListPlans returns up to limit plans with the given table count, ordered by
// their position in the workload.
func (s *Store) ListPlans(ctx context.Context, workloadID string, tableCount, limit int) ([]models.PlanSummary, error) {
	var out []models.PlanSummary
	err := query(ctx, s.conn, repositories.QueryListPlans, []any{workloadID, tableCount, limit}, func(r repositories.Rows) error {
		var p models.PlanSummary
		if err := r.Scan(&p.ID, &p.IDInRun, &p.TableCount, &p.Runtime); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

// CountPlansByTableCount returns plan counts per table count.
func (s *Store) CountPlansByTableCount(ctx context.Context, workloadID string) ([]models.TableCountStat, error) {
	var out []models.TableCountStat
	err := query(ctx, s.conn, repositories.QueryCountPlansByTableCount, []any{workloadID}, func(r repositories.Rows) error {
		var st models.TableCountStat
		if err := r.Scan(&st.TableCount, &st.Plans); err != nil {
			return err
		}
		out = append(out, st)
		return nil
	})
	return out, err
}

// PagePlans returns one page of a workload's plans with operator and
// predicate counts, and the workload's total plan count.
func (s *Store) PagePlans(ctx context.Context, workloadID string, page models.PlanPage) ([]models.PlanSummary, int, error) {
	q, err := repositories.QueryPagePlans(page.OrderBy, page.Descending)
	if err != nil {
		return nil, 0, err
	}

	var total int
	err = query(ctx, s.conn, repositories.QueryCountPlans, []any{workloadID}, func(r repositories.Rows) error {
		return r.Scan(&total)
	})
	if err != nil {
		return nil, 0, err
	}

	var out []models.PlanSummary
	err = query(ctx, s.conn, q, []any{workloadID, page.Limit, page.Offset}, func(r repositories.Rows) error {
		var p models.PlanSummary
		if err := r.Scan(&p.ID, &p.IDInRun, &p.TableCount, &p.Runtime, &p.Operators, &p.Predicates); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, total, err
}
