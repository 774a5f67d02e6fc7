package repositories

import (
	"fmt"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/models"
)

// Schema is the DDL shared by every driver. It uses only types and syntax
// that DuckDB and PostgreSQL both accept.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS workloads (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS workload_columns (
		workload_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		tablename TEXT NOT NULL,
		attname TEXT NOT NULL,
		data_type TEXT NOT NULL,
		null_frac DOUBLE PRECISION NOT NULL,
		avg_width DOUBLE PRECISION NOT NULL,
		n_distinct DOUBLE PRECISION NOT NULL,
		correlation DOUBLE PRECISION NOT NULL,
		table_size DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (workload_id, idx)
	)`,
	`CREATE TABLE IF NOT EXISTS workload_tables (
		workload_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		relname TEXT NOT NULL,
		reltuples DOUBLE PRECISION NOT NULL,
		relpages DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (workload_id, idx)
	)`,
	`CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		workload_id TEXT NOT NULL,
		id_in_run INTEGER NOT NULL,
		table_count INTEGER NOT NULL,
		runtime DOUBLE PRECISION NOT NULL,
		sql_text TEXT NOT NULL,
		UNIQUE (workload_id, id_in_run)
	)`,
	`CREATE TABLE IF NOT EXISTS plan_operators (
		plan_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		parent_idx INTEGER NOT NULL,
		op_name TEXT NOT NULL,
		est_startup_cost DOUBLE PRECISION NOT NULL,
		est_cost DOUBLE PRECISION NOT NULL,
		est_card DOUBLE PRECISION NOT NULL,
		est_width DOUBLE PRECISION NOT NULL,
		est_children_card DOUBLE PRECISION NOT NULL,
		act_card DOUBLE PRECISION NOT NULL,
		act_children_card DOUBLE PRECISION NOT NULL,
		act_time DOUBLE PRECISION NOT NULL,
		workers_planned INTEGER NOT NULL,
		table_idx INTEGER NOT NULL,
		PRIMARY KEY (plan_id, idx)
	)`,
	`CREATE TABLE IF NOT EXISTS plan_output_columns (
		plan_id TEXT NOT NULL,
		operator_idx INTEGER NOT NULL,
		idx INTEGER NOT NULL,
		aggregation TEXT NOT NULL,
		column_list TEXT NOT NULL,
		PRIMARY KEY (plan_id, operator_idx, idx)
	)`,
	`CREATE TABLE IF NOT EXISTS plan_predicates (
		plan_id TEXT NOT NULL,
		operator_idx INTEGER NOT NULL,
		idx INTEGER NOT NULL,
		parent_idx INTEGER NOT NULL,
		kind TEXT NOT NULL,
		comparison TEXT NOT NULL,
		column_idx INTEGER NOT NULL,
		literal DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (plan_id, operator_idx, idx)
	)`,
	`CREATE TABLE IF NOT EXISTS evaluation_runs (
		id TEXT PRIMARY KEY,
		workload_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS plan_explanations (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		plan_id TEXT NOT NULL,
		explainer_variant TEXT NOT NULL,
		model_variant TEXT NOT NULL,
		table_count INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (run_id, plan_id, explainer_variant, model_variant)
	)`,
	`CREATE TABLE IF NOT EXISTS explanation_node_scores (
		explanation_id TEXT NOT NULL,
		node_id INTEGER NOT NULL,
		score DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (explanation_id, node_id)
	)`,
	`CREATE TABLE IF NOT EXISTS evaluation_scores (
		id TEXT PRIMARY KEY,
		explanation_id TEXT NOT NULL,
		metric_kind TEXT NOT NULL,
		score DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (explanation_id, metric_kind)
	)`,
}

// Workloads.
const (
	QueryInsertWorkload = `INSERT INTO workloads (id, name, created_at) VALUES ($1, $2, $3)`

	QueryInsertWorkloadColumn = `INSERT INTO workload_columns
		(workload_id, idx, tablename, attname, data_type, null_frac, avg_width, n_distinct, correlation, table_size)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	QueryInsertWorkloadTable = `INSERT INTO workload_tables (workload_id, idx, relname, reltuples, relpages)
		VALUES ($1, $2, $3, $4, $5)`

	QuerySelectWorkload = `SELECT id, name, created_at FROM workloads WHERE id = $1`

	QueryListWorkloads = `SELECT id, name, created_at FROM workloads ORDER BY created_at DESC, id`

	QuerySelectWorkloadColumns = `SELECT tablename, attname, data_type, null_frac, avg_width, n_distinct, correlation, table_size
		FROM workload_columns WHERE workload_id = $1 ORDER BY idx`

	QuerySelectWorkloadTables = `SELECT relname, reltuples, relpages
		FROM workload_tables WHERE workload_id = $1 ORDER BY idx`
)

// Plans.
const (
	QueryInsertPlan = `INSERT INTO plans (id, workload_id, id_in_run, table_count, runtime, sql_text)
		VALUES ($1, $2, $3, $4, $5, $6)`

	QueryInsertOperator = `INSERT INTO plan_operators
		(plan_id, idx, parent_idx, op_name, est_startup_cost, est_cost, est_card, est_width, est_children_card,
		 act_card, act_children_card, act_time, workers_planned, table_idx)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	QueryInsertOutputColumns = `INSERT INTO plan_output_columns (plan_id, operator_idx, idx, aggregation, column_list)
		VALUES ($1, $2, $3, $4, $5)`

	QueryInsertPredicate = `INSERT INTO plan_predicates
		(plan_id, operator_idx, idx, parent_idx, kind, comparison, column_idx, literal)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	QuerySelectPlan = `SELECT id, workload_id, id_in_run, table_count, runtime, sql_text FROM plans WHERE id = $1`

	QuerySelectOperators = `SELECT idx, parent_idx, op_name, est_startup_cost, est_cost, est_card, est_width,
		est_children_card, act_card, act_children_card, act_time, workers_planned, table_idx
		FROM plan_operators WHERE plan_id = $1 ORDER BY idx`

	QuerySelectOutputColumns = `SELECT operator_idx, idx, aggregation, column_list
		FROM plan_output_columns WHERE plan_id = $1 ORDER BY operator_idx, idx`

	QuerySelectPredicates = `SELECT operator_idx, idx, parent_idx, kind, comparison, column_idx, literal
		FROM plan_predicates WHERE plan_id = $1 ORDER BY operator_idx, idx`

	QueryListPlans = `SELECT id, id_in_run, table_count, runtime FROM plans
		WHERE workload_id = $1 AND table_count = $2 ORDER BY id_in_run LIMIT $3`

	QueryCountPlansByTableCount = `SELECT table_count, COUNT(*) FROM plans
		WHERE workload_id = $1 GROUP BY table_count ORDER BY table_count`

	QueryCountPlans = `SELECT COUNT(*) FROM plans WHERE workload_id = $1`

	queryPagePlans = `SELECT p.id, p.id_in_run, p.table_count, p.runtime,
		(SELECT COUNT(*) FROM plan_operators o WHERE o.plan_id = p.id) AS operators,
		(SELECT COUNT(*) FROM plan_predicates q WHERE q.plan_id = p.id) AS predicates
		FROM plans p WHERE p.workload_id = $1
		ORDER BY %s %s, p.id_in_run %s LIMIT $2 OFFSET $3`
)

// planOrderColumns maps each plan order to its ORDER BY expression. Only
// these expressions are ever spliced into QueryPagePlans.
var planOrderColumns = map[models.PlanOrder]string{
	models.PlanOrderID:         "p.id_in_run",
	models.PlanOrderOperators:  "operators",
	models.PlanOrderTables:     "p.table_count",
	models.PlanOrderJoins:      "p.table_count",
	models.PlanOrderPredicates: "predicates",
	models.PlanOrderRuntime:    "p.runtime",
}

// QueryPagePlans returns the paged plan listing sorted by order. Its
// arguments are workload id, limit and offset.
func QueryPagePlans(order models.PlanOrder, descending bool) (string, error) {
	col, ok := planOrderColumns[order]
	if !ok {
		return "", pkgerrors.Newf(pkgerrors.CodeInvalidArgument, "unknown plan order %q", order)
	}
	dir := "ASC"
	if descending {
		dir = "DESC"
	}
	return fmt.Sprintf(queryPagePlans, col, dir, dir), nil
}

// Evaluation runs, explanations and scores.
const (
	QueryInsertRun = `INSERT INTO evaluation_runs (id, workload_id, created_at) VALUES ($1, $2, $3)`

	QuerySelectRun = `SELECT id, workload_id, created_at FROM evaluation_runs WHERE id = $1`

	QuerySelectLatestRun = `SELECT id, workload_id, created_at FROM evaluation_runs
		WHERE workload_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`

	QueryInsertExplanation = `INSERT INTO plan_explanations
		(id, run_id, plan_id, explainer_variant, model_variant, table_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id, plan_id, explainer_variant, model_variant) DO NOTHING`

	QueryInsertNodeScore = `INSERT INTO explanation_node_scores (explanation_id, node_id, score) VALUES ($1, $2, $3)`

	QuerySelectExplanationByKey = `SELECT id, run_id, plan_id, explainer_variant, model_variant, table_count, created_at
		FROM plan_explanations
		WHERE run_id = $1 AND plan_id = $2 AND explainer_variant = $3 AND model_variant = $4`

	QueryListExplanations = `SELECT id, run_id, plan_id, explainer_variant, model_variant, table_count, created_at
		FROM plan_explanations WHERE run_id = $1 ORDER BY table_count, plan_id, model_variant, explainer_variant`

	QuerySelectNodeScores = `SELECT node_id, score FROM explanation_node_scores
		WHERE explanation_id = $1 ORDER BY node_id`

	QueryInsertScore = `INSERT INTO evaluation_scores (id, explanation_id, metric_kind, score, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (explanation_id, metric_kind) DO NOTHING`

	QuerySelectScores = `SELECT id, explanation_id, metric_kind, score, created_at FROM evaluation_scores
		WHERE explanation_id = $1 ORDER BY metric_kind`

	QuerySelectScoreByKind = `SELECT id, explanation_id, metric_kind, score, created_at FROM evaluation_scores
		WHERE explanation_id = $1 AND metric_kind = $2`

	QueryListObservations = `SELECT e.model_variant, e.explainer_variant, e.table_count, s.metric_kind, s.score
		FROM evaluation_scores s
		JOIN plan_explanations e ON e.id = s.explanation_id
		WHERE e.run_id = $1 AND s.metric_kind = $2
		ORDER BY e.model_variant, e.explainer_variant, e.table_count`
)
