// Package services contains the evaluation pipeline: explanation
// memoization, metric evaluation, aggregation and the request-level services
// built on them.
package services

import (
	"context"
	"io"

	"github.com/TFMV/planlens/pkg/inference"
	"github.com/TFMV/planlens/pkg/models"
	"github.com/TFMV/planlens/pkg/plangraph"
)

// EvaluationService evaluates workloads.
type EvaluationService interface {
	EvaluateWorkload(ctx context.Context, req EvaluateRequest) (*EvaluationResult, error)
}

// ReportService aggregates persisted scores for reporting.
type ReportService interface {
	Report(ctx context.Context, req ReportRequest) (*ReportResult, error)
	MostImportantNodes(ctx context.Context, req ImportantNodesRequest) (*ImportantNodesResult, error)
	WorkloadStats(ctx context.Context, workloadID string) ([]models.TableCountStat, error)
	CostAccuracy(ctx context.Context, req CostAccuracyRequest) (*CostAccuracyResult, error)
}

// BrowseService lists workloads and plans for exploration.
type BrowseService interface {
	ListWorkloads(ctx context.Context) ([]WorkloadSummary, error)
	ListPlans(ctx context.Context, req PlanListRequest) (*PlanList, error)
	GetPlan(ctx context.Context, planID string) (*PlanDetail, error)
}

// IngestService loads workload exports into the store.
type IngestService interface {
	IngestWorkload(ctx context.Context, name string, r io.Reader) (*IngestResult, error)
}

// InspectService answers on-demand prediction and explanation requests
// without persisting anything.
type InspectService interface {
	PredictPlan(ctx context.Context, planID, model string) (*inference.Prediction, error)
	ExplainPlan(ctx context.Context, planID, model string, variant models.ExplainerVariant) (*PlanInsight, error)
}

// GraphSource returns the graph of a persisted plan.
type GraphSource interface {
	Graph(ctx context.Context, planID string) (*plangraph.Graph, error)
}

// Logger defines logging interface.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// MetricsCollector defines metrics collection interface.
type MetricsCollector interface {
	IncrementCounter(name string, labels ...string)
	RecordHistogram(name string, value float64, labels ...string)
	RecordGauge(name string, value float64, labels ...string)
}
