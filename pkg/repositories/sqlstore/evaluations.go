package sqlstore

import (
	"context"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/models"
	"github.com/TFMV/planlens/pkg/repositories"
)

// CreateRun stores a new evaluation run.
func (s *Store) CreateRun(ctx context.Context, run *models.EvaluationRun) error {
	run.CreatedAt = s.timestamp(run.CreatedAt)
	return exec(ctx, s.conn, repositories.QueryInsertRun, run.ID, run.WorkloadID, run.CreatedAt)
}

// GetRun returns a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*models.EvaluationRun, error) {
	run, err := s.selectRun(ctx, repositories.QuerySelectRun, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "evaluation run %s not found", id)
	}
	return run, nil
}

// LatestRun returns the most recent run of a workload.
func (s *Store) LatestRun(ctx context.Context, workloadID string) (*models.EvaluationRun, error) {
	run, err := s.selectRun(ctx, repositories.QuerySelectLatestRun, workloadID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "workload %s has no evaluation run", workloadID)
	}
	return run, nil
}

func (s *Store) selectRun(ctx context.Context, q string, arg string) (*models.EvaluationRun, error) {
	var run *models.EvaluationRun
	err := query(ctx, s.conn, q, []any{arg}, func(r repositories.Rows) error {
		run = &models.EvaluationRun{}
		return r.Scan(&run.ID, &run.WorkloadID, &run.CreatedAt)
	})
	return run, err
}

// FindExplanation looks up an explanation by its key within a run.
func (s *Store) FindExplanation(ctx context.Context, runID string, key models.ExplanationKey) (*models.PlanExplanation, error) {
	e, err := selectExplanation(ctx, s.conn, runID, key)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "explanation %s not found in run %s", key, runID)
	}
	return e, nil
}

func selectExplanation(ctx context.Context, ex repositories.Executor, runID string, key models.ExplanationKey) (*models.PlanExplanation, error) {
	var e *models.PlanExplanation
	err := query(ctx, ex, repositories.QuerySelectExplanationByKey,
		[]any{runID, key.PlanID, string(key.Explainer), key.Model},
		func(r repositories.Rows) error {
			e = &models.PlanExplanation{}
			return scanExplanation(r, e)
		})
	if err != nil || e == nil {
		return nil, err
	}
	if e.Scores, err = selectNodeScores(ctx, ex, e.ID); err != nil {
		return nil, err
	}
	return e, nil
}

func scanExplanation(r repositories.Rows, e *models.PlanExplanation) error {
	var explainer string
	if err := r.Scan(&e.ID, &e.RunID, &e.Key.PlanID, &explainer, &e.Key.Model, &e.TableCount, &e.CreatedAt); err != nil {
		return err
	}
	e.Key.Explainer = models.ExplainerVariant(explainer)
	return nil
}

func selectNodeScores(ctx context.Context, ex repositories.Executor, explanationID string) ([]models.NodeScore, error) {
	var scores []models.NodeScore
	err := query(ctx, ex, repositories.QuerySelectNodeScores, []any{explanationID}, func(r repositories.Rows) error {
		var ns models.NodeScore
		if err := r.Scan(&ns.NodeID, &ns.Score); err != nil {
			return err
		}
		scores = append(scores, ns)
		return nil
	})
	return scores, err
}

// ListExplanations returns every explanation of a run with its scores.
func (s *Store) ListExplanations(ctx context.Context, runID string) ([]*models.PlanExplanation, error) {
	var out []*models.PlanExplanation
	err := query(ctx, s.conn, repositories.QueryListExplanations, []any{runID}, func(r repositories.Rows) error {
		e := &models.PlanExplanation{}
		if err := scanExplanation(r, e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, e := range out {
		if e.Scores, err = selectNodeScores(ctx, s.conn, e.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SaveExplanations inserts explanations in one transaction. An explanation
// whose key already exists is not written; the existing record is returned
// in its place.
func (s *Store) SaveExplanations(ctx context.Context, explanations []*models.PlanExplanation) ([]*models.PlanExplanation, error) {
	if len(explanations) == 0 {
		return nil, nil
	}

	winners := make([]*models.PlanExplanation, len(explanations))
	var created int
	err := s.withTx(ctx, func(tx repositories.Tx) error {
		created = 0
		for i, e := range explanations {
			e.CreatedAt = s.timestamp(e.CreatedAt)
			if err := exec(ctx, tx, repositories.QueryInsertExplanation,
				e.ID, e.RunID, e.Key.PlanID, string(e.Key.Explainer), e.Key.Model, e.TableCount, e.CreatedAt); err != nil {
				return err
			}

			winner, err := selectExplanation(ctx, tx, e.RunID, e.Key)
			if err != nil {
				return err
			}
			if winner == nil {
				return pkgerrors.Newf(pkgerrors.CodeStoreFailed, "explanation %s vanished after insert", e.Key)
			}
			if winner.ID == e.ID {
				for _, ns := range e.Scores {
					if err := exec(ctx, tx, repositories.QueryInsertNodeScore, e.ID, ns.NodeID, ns.Score); err != nil {
						return err
					}
				}
				winner.Scores = e.Scores
				created++
			}
			winners[i] = winner
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Int("explanations", len(explanations)).
		Int("created", created).
		Msg("Explanations committed")
	return winners, nil
}

// FindScores returns the persisted scores of an explanation.
func (s *Store) FindScores(ctx context.Context, explanationID string) ([]models.EvaluationScore, error) {
	var out []models.EvaluationScore
	err := query(ctx, s.conn, repositories.QuerySelectScores, []any{explanationID}, func(r repositories.Rows) error {
		var sc models.EvaluationScore
		if err := scanScore(r, &sc); err != nil {
			return err
		}
		out = append(out, sc)
		return nil
	})
	return out, err
}

func scanScore(r repositories.Rows, sc *models.EvaluationScore) error {
	var kind string
	if err := r.Scan(&sc.ID, &sc.ExplanationID, &kind, &sc.Score, &sc.CreatedAt); err != nil {
		return err
	}
	sc.Kind = models.MetricKind(kind)
	return nil
}

// SaveScores inserts scores in one transaction. A score whose
// (explanation, kind) already exists is not written; the existing record is
// returned in its place.
func (s *Store) SaveScores(ctx context.Context, scores []models.EvaluationScore) ([]models.EvaluationScore, error) {
	if len(scores) == 0 {
		return nil, nil
	}

	winners := make([]models.EvaluationScore, len(scores))
	err := s.withTx(ctx, func(tx repositories.Tx) error {
		for i, sc := range scores {
			sc.CreatedAt = s.timestamp(sc.CreatedAt)
			if err := exec(ctx, tx, repositories.QueryInsertScore,
				sc.ID, sc.ExplanationID, string(sc.Kind), sc.Score, sc.CreatedAt); err != nil {
				return err
			}

			var found bool
			err := query(ctx, tx, repositories.QuerySelectScoreByKind, []any{sc.ExplanationID, string(sc.Kind)},
				func(r repositories.Rows) error {
					found = true
					return scanScore(r, &winners[i])
				})
			if err != nil {
				return err
			}
			if !found {
				return pkgerrors.Newf(pkgerrors.CodeStoreFailed, "score %s/%s vanished after insert", sc.ExplanationID, sc.Kind)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return winners, nil
}

// ListObservations joins a run's scores of one kind with their dimensions.
func (s *Store) ListObservations(ctx context.Context, runID string, kind models.MetricKind) ([]models.ScoreObservation, error) {
	var out []models.ScoreObservation
	err := query(ctx, s.conn, repositories.QueryListObservations, []any{runID, string(kind)}, func(r repositories.Rows) error {
		var (
			o                 models.ScoreObservation
			explainer, metric string
		)
		if err := r.Scan(&o.Model, &explainer, &o.TableCount, &metric, &o.Score); err != nil {
			return err
		}
		o.Explainer = models.ExplainerVariant(explainer)
		o.Kind = models.MetricKind(metric)
		out = append(out, o)
		return nil
	})
	return out, err
}
