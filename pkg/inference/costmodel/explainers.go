package costmodel

import (
	"context"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/inference"
	"github.com/TFMV/planlens/pkg/models"
	"github.com/TFMV/planlens/pkg/plangraph"
)

// Gradient attributes the pre-activation sum to nodes by |w·x|. Softplus is
// monotone, so the ordering matches the gradient-times-input attribution.
type Gradient struct {
	Model *Model
	// PositiveOnly drops negative terms, as guided backpropagation does.
	PositiveOnly bool
}

// Explain implements inference.Explainer.
func (e *Gradient) Explain(ctx context.Context, g *plangraph.Graph) ([]models.NodeScore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	contrib := e.Model.contributions(g, e.PositiveOnly)
	scores := make([]models.NodeScore, len(contrib))
	for id, c := range contrib {
		scores[id] = models.NodeScore{NodeID: id, Score: c}
	}
	return inference.Normalize(scores), nil
}

// Register adds the model-specific explainers to r.
func Register(r *inference.Registry) error {
	if err := r.Register(models.ExplainerGradient, gradientFactory(false)); err != nil {
		return err
	}
	return r.Register(models.ExplainerGuidedBackprop, gradientFactory(true))
}

func gradientFactory(positiveOnly bool) inference.ExplainerFactory {
	return func(p inference.Predictor) (inference.Explainer, error) {
		m, ok := p.(*Model)
		if !ok {
			return nil, pkgerrors.Newf(pkgerrors.CodeInvalidArgument, "model %s does not expose weights", p.Name())
		}
		return &Gradient{Model: m, PositiveOnly: positiveOnly}, nil
	}
}

// NewCatalog builds a capability over the given model configs with every
// explainer registered.
func NewCatalog(configs ...Config) (*inference.Catalog, error) {
	if len(configs) == 0 {
		configs = []Config{DefaultConfig()}
	}
	registry := inference.NewRegistry()
	if err := Register(registry); err != nil {
		return nil, err
	}
	predictors := make([]inference.Predictor, 0, len(configs))
	for _, cfg := range configs {
		m, err := New(cfg)
		if err != nil {
			return nil, err
		}
		predictors = append(predictors, m)
	}
	return inference.NewCatalog(registry, predictors...)
}
