package inference

import (
	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/models"
)

// ExplainerFactory builds an explainer for a predictor.
type ExplainerFactory func(p Predictor) (Explainer, error)

// Registry maps every explainer variant to its factory.
type Registry struct {
	factories map[models.ExplainerVariant]ExplainerFactory
}

// NewRegistry returns a registry with the model-agnostic explainers
// registered: both baselines and both occlusion variants.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[models.ExplainerVariant]ExplainerFactory)}
	r.factories[models.ExplainerRuntimeImportance] = func(Predictor) (Explainer, error) {
		return RuntimeImportance{}, nil
	}
	r.factories[models.ExplainerCardinalityImportance] = func(Predictor) (Explainer, error) {
		return CardinalityImportance{}, nil
	}
	r.factories[models.ExplainerOcclusion] = func(p Predictor) (Explainer, error) {
		return &Occlusion{Predictor: p}, nil
	}
	r.factories[models.ExplainerOcclusionPlansOnly] = func(p Predictor) (Explainer, error) {
		return &Occlusion{Predictor: p, OperatorsOnly: true}, nil
	}
	return r
}

// Register adds or replaces the factory for variant.
func (r *Registry) Register(variant models.ExplainerVariant, f ExplainerFactory) error {
	if _, err := models.ParseExplainerVariant(string(variant)); err != nil {
		return err
	}
	if f == nil {
		return pkgerrors.Newf(pkgerrors.CodeInvalidArgument, "nil factory for explainer %s", variant)
	}
	r.factories[variant] = f
	return nil
}

// Build creates the explainer for variant.
func (r *Registry) Build(variant models.ExplainerVariant, p Predictor) (Explainer, error) {
	f, ok := r.factories[variant]
	if !ok {
		return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "no explainer registered for %s", variant)
	}
	return f(p)
}

// Validate fails unless every explainer variant has a factory.
func (r *Registry) Validate() error {
	var missing []string
	for _, v := range models.AllExplainerVariants() {
		if _, ok := r.factories[v]; !ok {
			missing = append(missing, string(v))
		}
	}
	if len(missing) > 0 {
		return pkgerrors.New(pkgerrors.CodeInvalidArgument, "explainer registry incomplete").
			WithDetail("missing", missing)
	}
	return nil
}
