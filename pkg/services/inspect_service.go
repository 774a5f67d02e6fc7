package services

import (
	"context"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/inference"
	"github.com/TFMV/planlens/pkg/models"
	"github.com/TFMV/planlens/pkg/plangraph"
)

// NodeInsight is one scored graph node.
type NodeInsight struct {
	NodeID int     `json:"node_id"`
	Kind   string  `json:"kind"`
	Label  string  `json:"label"`
	Depth  int     `json:"depth"`
	Score  float64 `json:"score"`
}

// PlanInsight is an on-demand explanation with the prediction it explains.
type PlanInsight struct {
	PlanID     string                  `json:"plan_id"`
	Model      string                  `json:"model"`
	Explainer  models.ExplainerVariant `json:"explainer"`
	Prediction inference.Prediction    `json:"prediction"`
	Nodes      []NodeInsight           `json:"nodes"`
}

type inspectService struct {
	graphs     GraphSource
	capability inference.Capability
	gate       *inference.Gate
	logger     Logger
}

// NewInspectService creates the on-demand inspection service.
func NewInspectService(graphs GraphSource, capability inference.Capability, gate *inference.Gate, logger Logger) InspectService {
	return &inspectService{
		graphs:     graphs,
		capability: capability,
		gate:       gate,
		logger:     logger,
	}
}

// PredictPlan predicts the runtime of a persisted plan.
func (s *inspectService) PredictPlan(ctx context.Context, planID, model string) (*inference.Prediction, error) {
	p, err := s.capability.Predictor(model)
	if err != nil {
		return nil, err
	}

	var pred inference.Prediction
	err = s.gate.WithExclusiveAccess(ctx, func(ctx context.Context) error {
		g, err := s.graphs.Graph(ctx, planID)
		if err != nil {
			return err
		}
		pred, err = p.Predict(ctx, g.NewView())
		return err
	})
	if err != nil {
		return nil, err
	}
	return &pred, nil
}

// ExplainPlan predicts and explains a persisted plan. Baseline explainers
// are allowed here.
func (s *inspectService) ExplainPlan(ctx context.Context, planID, model string, variant models.ExplainerVariant) (*PlanInsight, error) {
	if _, err := models.ParseExplainerVariant(string(variant)); err != nil {
		return nil, err
	}
	p, err := s.capability.Predictor(model)
	if err != nil {
		return nil, err
	}
	e, err := s.capability.Explainer(model, variant)
	if err != nil {
		return nil, err
	}

	insight := &PlanInsight{PlanID: planID, Model: model, Explainer: variant}
	err = s.gate.WithExclusiveAccess(ctx, func(ctx context.Context) error {
		g, err := s.graphs.Graph(ctx, planID)
		if err != nil {
			return err
		}
		if insight.Prediction, err = p.Predict(ctx, g.NewView()); err != nil {
			return err
		}
		scores, err := e.Explain(ctx, g)
		if err != nil {
			return err
		}
		if scores, err = checkScores(g, scores); err != nil {
			return err
		}
		insight.Nodes = nodeInsights(g, scores)
		return nil
	})
	if err != nil {
		s.logger.Debug("Explain plan failed", "plan_id", planID, "model", model, "error", err)
		return nil, err
	}
	if len(insight.Nodes) == 0 {
		return nil, pkgerrors.Newf(pkgerrors.CodeInternal, "explainer %s scored no nodes of plan %s", variant, planID)
	}
	return insight, nil
}

func nodeInsights(g *plangraph.Graph, scores []models.NodeScore) []NodeInsight {
	out := make([]NodeInsight, 0, len(scores))
	for _, ns := range scores {
		n := g.Node(ns.NodeID)
		out = append(out, NodeInsight{
			NodeID: n.ID,
			Kind:   n.Kind.String(),
			Label:  n.Label,
			Depth:  n.Depth,
			Score:  ns.Score,
		})
	}
	return out
}
