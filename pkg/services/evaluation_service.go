package services

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/inference"
	"github.com/TFMV/planlens/pkg/infrastructure/metrics"
	"github.com/TFMV/planlens/pkg/models"
	"github.com/TFMV/planlens/pkg/repositories"
)

// Evaluation request defaults.
const (
	DefaultMaxTableCount         = 5
	DefaultMaxPlansPerTableCount = 100
)

// EvaluateRequest asks for a workload to be explained and scored.
type EvaluateRequest struct {
	WorkloadID            string                    `json:"workload_id"`
	RunNew                bool                      `json:"run_new"`
	MaxTableCount         int                       `json:"max_table_count,omitempty"`
	MaxPlansPerTableCount int                       `json:"max_plans_per_table_count,omitempty"`
	Models                []string                  `json:"models,omitempty"`
	Explainers            []models.ExplainerVariant `json:"explainers,omitempty"`
	Metrics               []models.MetricKind       `json:"metrics,omitempty"`
}

// PlanFailure records a plan that could not be explained or scored.
type PlanFailure struct {
	PlanID    string                  `json:"plan_id"`
	Model     string                  `json:"model,omitempty"`
	Explainer models.ExplainerVariant `json:"explainer,omitempty"`
	Stage     string                  `json:"stage"`
	Code      string                  `json:"code"`
	Message   string                  `json:"message"`
}

// Failure stages.
const (
	StageExplain = "explain"
	StageScore   = "score"
)

// EvaluationResult summarizes an evaluation pass.
type EvaluationResult struct {
	RunID               string        `json:"run_id"`
	WorkloadID          string        `json:"workload_id"`
	Strata              int           `json:"strata"`
	ExplanationsCreated int           `json:"explanations_created"`
	ExplanationsReused  int           `json:"explanations_reused"`
	ScoresCreated       int           `json:"scores_created"`
	ScoresReused        int           `json:"scores_reused"`
	Failures            []PlanFailure `json:"failures,omitempty"`
	FailureCount        int           `json:"failure_count"`
	Duration            time.Duration `json:"duration"`
}

// EvaluationDefaults are applied to request fields left empty.
type EvaluationDefaults struct {
	MaxTableCount         int
	MaxPlansPerTableCount int
	Explainers            []models.ExplainerVariant
	Metrics               []models.MetricKind
}

type evaluationService struct {
	workloads  repositories.WorkloadRepository
	plans      repositories.PlanRepository
	store      *ExplanationStore
	evaluator  *MetricEvaluator
	capability inference.Capability
	defaults   EvaluationDefaults
	logger     Logger
	metrics    MetricsCollector
}

// NewEvaluationService creates the workload evaluation service.
func NewEvaluationService(
	workloads repositories.WorkloadRepository,
	plans repositories.PlanRepository,
	store *ExplanationStore,
	evaluator *MetricEvaluator,
	capability inference.Capability,
	defaults EvaluationDefaults,
	logger Logger,
	metrics MetricsCollector,
) EvaluationService {
	if defaults.MaxTableCount <= 0 {
		defaults.MaxTableCount = DefaultMaxTableCount
	}
	if defaults.MaxPlansPerTableCount <= 0 {
		defaults.MaxPlansPerTableCount = DefaultMaxPlansPerTableCount
	}
	if len(defaults.Explainers) == 0 {
		defaults.Explainers = []models.ExplainerVariant{models.ExplainerGradient}
	}
	if len(defaults.Metrics) == 0 {
		defaults.Metrics = evaluator.catalog.Kinds()
	}
	return &evaluationService{
		workloads:  workloads,
		plans:      plans,
		store:      store,
		evaluator:  evaluator,
		capability: capability,
		defaults:   defaults,
		logger:     logger,
		metrics:    metrics,
	}
}

type explainTarget struct {
	model     string
	variant   models.ExplainerVariant
	explainer inference.Explainer
}

// EvaluateWorkload explains and scores the workload one stratum (table
// count) at a time. Each stratum's explanations are committed together, so
// an abort loses at most the stratum in progress. Failures of individual
// plans are recorded and skipped; store failures abort.
func (s *evaluationService) EvaluateWorkload(ctx context.Context, req EvaluateRequest) (*EvaluationResult, error) {
	start := time.Now()
	if err := s.normalize(&req); err != nil {
		return nil, err
	}
	targets, err := s.targets(req)
	if err != nil {
		return nil, err
	}
	if _, err := s.workloads.GetWorkload(ctx, req.WorkloadID); err != nil {
		return nil, err
	}

	run, err := s.store.ResolveRun(ctx, req.WorkloadID, req.RunNew)
	if err != nil {
		return nil, err
	}

	res := &EvaluationResult{RunID: run.ID, WorkloadID: req.WorkloadID}
	s.logger.Info("Evaluating workload",
		"workload_id", req.WorkloadID,
		"run_id", run.ID,
		"max_table_count", req.MaxTableCount,
		"max_plans_per_table_count", req.MaxPlansPerTableCount,
		"targets", len(targets))

	for tableCount := 1; tableCount <= req.MaxTableCount; tableCount++ {
		if err := s.evaluateStratum(ctx, run, tableCount, req, targets, res); err != nil {
			res.Duration = time.Since(start)
			s.logger.Error("Evaluation aborted",
				"workload_id", req.WorkloadID,
				"run_id", run.ID,
				"table_count", tableCount,
				"error", err)
			return res, err
		}
	}

	res.FailureCount = len(res.Failures)
	res.Duration = time.Since(start)
	s.metrics.RecordHistogram(metrics.EvaluationDuration, res.Duration.Seconds())
	s.logger.Info("Workload evaluated",
		"workload_id", req.WorkloadID,
		"run_id", run.ID,
		"explanations_created", res.ExplanationsCreated,
		"explanations_reused", res.ExplanationsReused,
		"scores_created", res.ScoresCreated,
		"scores_reused", res.ScoresReused,
		"failures", res.FailureCount,
		"duration", res.Duration)
	return res, nil
}

func (s *evaluationService) evaluateStratum(
	ctx context.Context,
	run *models.EvaluationRun,
	tableCount int,
	req EvaluateRequest,
	targets []explainTarget,
	res *EvaluationResult,
) error {
	plans, err := s.plans.ListPlans(ctx, req.WorkloadID, tableCount, req.MaxPlansPerTableCount)
	if err != nil {
		return err
	}
	if len(plans) == 0 {
		return nil
	}
	res.Strata++

	batch := s.store.NewBatch(run)
	for _, plan := range plans {
		for _, t := range targets {
			key := models.ExplanationKey{PlanID: plan.ID, Explainer: t.variant, Model: t.model}
			if _, err := batch.GetOrCompute(ctx, key, t.explainer.Explain); err != nil {
				if fatal(ctx, err) {
					return err
				}
				s.fail(res, key, StageExplain, err)
			}
		}
	}

	committed, err := batch.Commit(ctx)
	if err != nil {
		return err
	}
	res.ExplanationsCreated += committed.Created
	res.ExplanationsReused += committed.Reused

	for _, e := range committed.Explanations {
		ev, err := s.evaluator.Evaluate(ctx, e, req.Metrics)
		if err != nil {
			if fatal(ctx, err) {
				return err
			}
			s.fail(res, e.Key, StageScore, err)
			continue
		}
		res.ScoresCreated += ev.Created
		res.ScoresReused += ev.Reused
	}

	s.logger.Debug("Stratum evaluated",
		"run_id", run.ID,
		"table_count", tableCount,
		"plans", len(plans),
		"explanations", len(committed.Explanations))
	return nil
}

func (s *evaluationService) fail(res *EvaluationResult, key models.ExplanationKey, stage string, err error) {
	res.Failures = append(res.Failures, PlanFailure{
		PlanID:    key.PlanID,
		Model:     key.Model,
		Explainer: key.Explainer,
		Stage:     stage,
		Code:      pkgerrors.GetCode(err),
		Message:   pkgerrors.GetMessage(err),
	})
	res.FailureCount = len(res.Failures)
	s.metrics.IncrementCounter(metrics.EvaluationFailures, "stage", stage)
	s.logger.Warn("Skipping plan",
		"plan_id", key.PlanID,
		"model", key.Model,
		"explainer", string(key.Explainer),
		"stage", stage,
		"error", err)
}

// fatal reports whether err must abort the evaluation rather than be
// recorded against one plan.
func fatal(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return pkgerrors.IsUnavailable(err) || pkgerrors.HasCode(err, pkgerrors.CodeStoreFailed)
}

func (s *evaluationService) normalize(req *EvaluateRequest) error {
	if req.WorkloadID == "" {
		return pkgerrors.New(pkgerrors.CodeInvalidArgument, "workload id is required")
	}
	if req.MaxTableCount < 0 || req.MaxPlansPerTableCount < 0 {
		return pkgerrors.New(pkgerrors.CodeInvalidArgument, "limits must not be negative")
	}
	if req.MaxTableCount == 0 {
		req.MaxTableCount = s.defaults.MaxTableCount
	}
	if req.MaxPlansPerTableCount == 0 {
		req.MaxPlansPerTableCount = s.defaults.MaxPlansPerTableCount
	}
	if len(req.Models) == 0 {
		req.Models = s.capability.Models()
	}
	if len(req.Explainers) == 0 {
		req.Explainers = s.defaults.Explainers
	}
	if len(req.Metrics) == 0 {
		req.Metrics = s.defaults.Metrics
	}
	for _, v := range req.Explainers {
		if _, err := models.ParseExplainerVariant(string(v)); err != nil {
			return err
		}
		if v.IsBaseline() {
			return pkgerrors.Newf(pkgerrors.CodeInvalidArgument, "explainer %s is a baseline and cannot be evaluated", v)
		}
	}
	_, err := s.evaluator.catalog.Order(req.Metrics)
	return err
}

func (s *evaluationService) targets(req EvaluateRequest) ([]explainTarget, error) {
	var targets []explainTarget
	for _, model := range req.Models {
		for _, variant := range req.Explainers {
			e, err := s.capability.Explainer(model, variant)
			if err != nil {
				return nil, err
			}
			targets = append(targets, explainTarget{model: model, variant: variant, explainer: e})
		}
	}
	return targets, nil
}
