// Package repositories defines the durable store of workloads, plans and
// evaluation records.
package repositories

import (
	"context"

	"github.com/TFMV/planlens/pkg/models"
)

// WorkloadRepository persists workloads and their statistics.
type WorkloadRepository interface {
	// CreateWorkload stores a workload and all of its plans in one transaction.
	CreateWorkload(ctx context.Context, w *models.Workload, plans []*models.PlanRecord) error
	// GetWorkload returns a workload with its statistics.
	GetWorkload(ctx context.Context, id string) (*models.Workload, error)
	// ListWorkloads returns all workloads without statistics, newest first.
	ListWorkloads(ctx context.Context) ([]models.Workload, error)
}

// PlanRepository reads persisted plans.
type PlanRepository interface {
	// GetPlan returns a plan with its operator arena and predicates.
	GetPlan(ctx context.Context, id string) (*models.PlanRecord, error)
	// ListPlans returns up to limit plans with the given table count, ordered
	// by their position in the workload.
	ListPlans(ctx context.Context, workloadID string, tableCount, limit int) ([]models.PlanSummary, error)
	// PagePlans returns one page of a workload's plans with operator and
	// predicate counts, and the workload's total plan count.
	PagePlans(ctx context.Context, workloadID string, page models.PlanPage) ([]models.PlanSummary, int, error)
	// CountPlansByTableCount returns plan counts per table count.
	CountPlansByTableCount(ctx context.Context, workloadID string) ([]models.TableCountStat, error)
}

// EvaluationRepository persists write-once evaluation records. Saves never
// overwrite: on a key conflict the existing row wins and is returned.
type EvaluationRepository interface {
	CreateRun(ctx context.Context, run *models.EvaluationRun) error
	GetRun(ctx context.Context, id string) (*models.EvaluationRun, error)
	// LatestRun returns the most recent run of a workload.
	LatestRun(ctx context.Context, workloadID string) (*models.EvaluationRun, error)

	// FindExplanation looks up an explanation by its key within a run.
	FindExplanation(ctx context.Context, runID string, key models.ExplanationKey) (*models.PlanExplanation, error)
	// ListExplanations returns every explanation of a run with its scores.
	ListExplanations(ctx context.Context, runID string) ([]*models.PlanExplanation, error)
	// SaveExplanations inserts explanations in one transaction and returns
	// the persisted record for each input, in input order.
	SaveExplanations(ctx context.Context, explanations []*models.PlanExplanation) ([]*models.PlanExplanation, error)

	// FindScores returns the persisted scores of an explanation.
	FindScores(ctx context.Context, explanationID string) ([]models.EvaluationScore, error)
	// SaveScores inserts scores in one transaction and returns the persisted
	// record for each input, in input order.
	SaveScores(ctx context.Context, scores []models.EvaluationScore) ([]models.EvaluationScore, error)
	// ListObservations joins a run's scores of one kind with their dimensions.
	ListObservations(ctx context.Context, runID string, kind models.MetricKind) ([]models.ScoreObservation, error)
}

// Store is the full durable store.
type Store interface {
	WorkloadRepository
	PlanRepository
	EvaluationRepository

	// Migrate creates the schema if it does not exist.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Rows is a forward-only result cursor.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Executor runs statements against a connection or transaction.
type Executor interface {
	// Exec runs a statement and returns the number of affected rows.
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Query(ctx context.Context, query string, args ...any) (Rows, error)
}

// Tx is a driver transaction.
type Tx interface {
	Executor
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Conn is a driver connection the SQL store runs on.
type Conn interface {
	Executor
	Begin(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
	Close() error
}
