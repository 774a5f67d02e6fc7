package sqlstore

import (
	"context"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/models"
	"github.com/TFMV/planlens/pkg/repositories"
)

// CreateWorkload stores a workload, its statistics and all of its plans in
// one transaction.
func (s *Store) CreateWorkload(ctx context.Context, w *models.Workload, plans []*models.PlanRecord) error {
	w.CreatedAt = s.timestamp(w.CreatedAt)

	err := s.withTx(ctx, func(tx repositories.Tx) error {
		if err := exec(ctx, tx, repositories.QueryInsertWorkload, w.ID, w.Name, w.CreatedAt); err != nil {
			return err
		}
		for i, c := range w.Stats.Columns {
			if err := exec(ctx, tx, repositories.QueryInsertWorkloadColumn,
				w.ID, i, c.TableName, c.AttName, c.DataType,
				c.NullFrac, c.AvgWidth, c.NDistinct, c.Correlation, c.TableSize); err != nil {
				return err
			}
		}
		for i, t := range w.Stats.Tables {
			if err := exec(ctx, tx, repositories.QueryInsertWorkloadTable,
				w.ID, i, t.RelName, t.RelTuples, t.RelPages); err != nil {
				return err
			}
		}
		for _, p := range plans {
			p.WorkloadID = w.ID
			if err := insertPlan(ctx, tx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info().
		Str("workload_id", w.ID).
		Str("name", w.Name).
		Int("plans", len(plans)).
		Msg("Workload stored")
	return nil
}

// GetWorkload returns a workload with its statistics.
func (s *Store) GetWorkload(ctx context.Context, id string) (*models.Workload, error) {
	var (
		w     models.Workload
		found bool
	)
	err := query(ctx, s.conn, repositories.QuerySelectWorkload, []any{id}, func(r repositories.Rows) error {
		found = true
		return r.Scan(&w.ID, &w.Name, &w.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "workload %s not found", id)
	}

	err = query(ctx, s.conn, repositories.QuerySelectWorkloadColumns, []any{id}, func(r repositories.Rows) error {
		var c models.ColumnStats
		if err := r.Scan(&c.TableName, &c.AttName, &c.DataType,
			&c.NullFrac, &c.AvgWidth, &c.NDistinct, &c.Correlation, &c.TableSize); err != nil {
			return err
		}
		w.Stats.Columns = append(w.Stats.Columns, c)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = query(ctx, s.conn, repositories.QuerySelectWorkloadTables, []any{id}, func(r repositories.Rows) error {
		var t models.TableStats
		if err := r.Scan(&t.RelName, &t.RelTuples, &t.RelPages); err != nil {
			return err
		}
		w.Stats.Tables = append(w.Stats.Tables, t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ListWorkloads returns all workloads without statistics, newest first.
func (s *Store) ListWorkloads(ctx context.Context) ([]models.Workload, error) {
	var out []models.Workload
	err := query(ctx, s.conn, repositories.QueryListWorkloads, nil, func(r repositories.Rows) error {
		var w models.Workload
		if err := r.Scan(&w.ID, &w.Name, &w.CreatedAt); err != nil {
			return err
		}
		out = append(out, w)
		return nil
	})
	return out, err
}
