package server

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/infrastructure/metrics"
	"github.com/TFMV/planlens/pkg/models"
	"github.com/TFMV/planlens/pkg/services"
)

// Action types accepted by DoAction.
const (
	ActionEvaluateWorkload = "evaluate-workload"
	ActionIngestWorkload   = "ingest-workload"
	ActionPredictPlan      = "predict-plan"
	ActionExplainPlan      = "explain-plan"
	ActionWorkloadStats    = "workload-stats"
	ActionListWorkloads    = "list-workloads"
	ActionListPlans        = "list-plans"
	ActionGetPlan          = "get-plan"
)

// IngestWorkloadRequest is the body of an ingest-workload action.
type IngestWorkloadRequest struct {
	Name   string          `json:"name"`
	Export json.RawMessage `json:"export"`
}

// PlanRequest is the body of predict-plan and explain-plan actions.
type PlanRequest struct {
	PlanID    string                  `json:"plan_id"`
	Model     string                  `json:"model"`
	Explainer models.ExplainerVariant `json:"explainer,omitempty"`
}

// WorkloadStatsRequest is the body of a workload-stats action.
type WorkloadStatsRequest struct {
	WorkloadID string `json:"workload_id"`
}

// GetPlanRequest is the body of a get-plan action.
type GetPlanRequest struct {
	PlanID string `json:"plan_id"`
}

type actionHandler func(s *FlightServer, ctx context.Context, body []byte) (any, error)

type actionInfo struct {
	description string
	handle      actionHandler
}

var actionTable = []struct {
	name string
	actionInfo
}{
	{ActionEvaluateWorkload, actionInfo{
		description: "Explain and score a workload. Body: EvaluateRequest JSON.",
		handle:      (*FlightServer).evaluateWorkload,
	}},
	{ActionIngestWorkload, actionInfo{
		description: "Store a workload export. Body: {name, export}.",
		handle:      (*FlightServer).ingestWorkload,
	}},
	{ActionPredictPlan, actionInfo{
		description: "Predict the runtime of a stored plan. Body: {plan_id, model}.",
		handle:      (*FlightServer).predictPlan,
	}},
	{ActionExplainPlan, actionInfo{
		description: "Explain a stored plan without persisting. Body: {plan_id, model, explainer}.",
		handle:      (*FlightServer).explainPlan,
	}},
	{ActionWorkloadStats, actionInfo{
		description: "Count a workload's plans per table count. Body: {workload_id}.",
		handle:      (*FlightServer).workloadStats,
	}},
	{ActionListWorkloads, actionInfo{
		description: "List workloads with their plan counts. Body: none.",
		handle:      (*FlightServer).listWorkloads,
	}},
	{ActionListPlans, actionInfo{
		description: "Page through a workload's plans. Body: {workload_id, offset, limit, order_by, descending}.",
		handle:      (*FlightServer).listPlans,
	}},
	{ActionGetPlan, actionInfo{
		description: "Show a stored plan with its SQL and graph. Body: {plan_id}.",
		handle:      (*FlightServer).getPlan,
	}},
}

// ListActions implements flight.FlightServer.
func (s *FlightServer) ListActions(_ *flight.Empty, stream flight.FlightService_ListActionsServer) error {
	for _, a := range actionTable {
		if err := stream.Send(&flight.ActionType{Type: a.name, Description: a.description}); err != nil {
			return err
		}
	}
	return nil
}

// DoAction implements flight.FlightServer. Every action answers with a
// single JSON result.
func (s *FlightServer) DoAction(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	var handle actionHandler
	for _, a := range actionTable {
		if a.name == action.GetType() {
			handle = a.handle
			break
		}
	}
	if handle == nil {
		return status.Errorf(codes.InvalidArgument, "unknown action %q", action.GetType())
	}

	start := time.Now()
	logger := s.logger.With().Str("action", action.GetType()).Logger()
	result, err := handle(s, stream.Context(), action.GetBody())
	s.metrics.RecordHistogram(metrics.FlightActionDuration, time.Since(start).Seconds(), "action", action.GetType())
	if err != nil {
		logger.Warn().Err(err).Msg("Action failed")
		return toStatus(err)
	}
	logger.Debug().Dur("duration", time.Since(start)).Msg("Action completed")

	body, err := json.Marshal(result)
	if err != nil {
		return status.Errorf(codes.Internal, "encode %s result: %v", action.GetType(), err)
	}
	return stream.Send(&flight.Result{Body: body})
}

func (s *FlightServer) evaluateWorkload(ctx context.Context, body []byte) (any, error) {
	var req services.EvaluateRequest
	if err := decodeBody(body, &req); err != nil {
		return nil, err
	}
	return s.services.Evaluation.EvaluateWorkload(ctx, req)
}

func (s *FlightServer) ingestWorkload(ctx context.Context, body []byte) (any, error) {
	var req IngestWorkloadRequest
	if err := decodeBody(body, &req); err != nil {
		return nil, err
	}
	return s.services.Ingest.IngestWorkload(ctx, req.Name, bytes.NewReader(req.Export))
}

func (s *FlightServer) predictPlan(ctx context.Context, body []byte) (any, error) {
	var req PlanRequest
	if err := decodeBody(body, &req); err != nil {
		return nil, err
	}
	return s.services.Inspect.PredictPlan(ctx, req.PlanID, req.Model)
}

func (s *FlightServer) explainPlan(ctx context.Context, body []byte) (any, error) {
	var req PlanRequest
	if err := decodeBody(body, &req); err != nil {
		return nil, err
	}
	return s.services.Inspect.ExplainPlan(ctx, req.PlanID, req.Model, req.Explainer)
}

func (s *FlightServer) workloadStats(ctx context.Context, body []byte) (any, error) {
	var req WorkloadStatsRequest
	if err := decodeBody(body, &req); err != nil {
		return nil, err
	}
	return s.services.Report.WorkloadStats(ctx, req.WorkloadID)
}

func (s *FlightServer) listWorkloads(ctx context.Context, _ []byte) (any, error) {
	return s.services.Browse.ListWorkloads(ctx)
}

func (s *FlightServer) listPlans(ctx context.Context, body []byte) (any, error) {
	var req services.PlanListRequest
	if err := decodeBody(body, &req); err != nil {
		return nil, err
	}
	return s.services.Browse.ListPlans(ctx, req)
}

func (s *FlightServer) getPlan(ctx context.Context, body []byte) (any, error) {
	var req GetPlanRequest
	if err := decodeBody(body, &req); err != nil {
		return nil, err
	}
	return s.services.Browse.GetPlan(ctx, req.PlanID)
}

func decodeBody(body []byte, v any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return pkgerrors.New(pkgerrors.CodeInvalidArgument, "action body is required")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInvalidArgument, "invalid action body")
	}
	return nil
}
