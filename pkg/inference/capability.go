package inference

import (
	"context"
	"math"
	"sort"
	"sync"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/models"
	"github.com/TFMV/planlens/pkg/plangraph"
)

// Prediction is a single runtime prediction.
type Prediction struct {
	Value       float64 `json:"value"`
	GroundTruth float64 `json:"ground_truth"`
	// ErrorRatio is the q-error max(value/truth, truth/value).
	ErrorRatio float64 `json:"error_ratio"`
}

// Predictor predicts a plan's runtime from a (possibly masked) view.
type Predictor interface {
	Name() string
	Predict(ctx context.Context, view *plangraph.View) (Prediction, error)
}

// Explainer assigns an importance score to nodes of a graph. Implementations
// may mask private views and call a predictor, so callers hold the Gate.
type Explainer interface {
	Explain(ctx context.Context, g *plangraph.Graph) ([]models.NodeScore, error)
}

// Capability resolves predictors and explainers by name.
type Capability interface {
	Models() []string
	Predictor(model string) (Predictor, error)
	Explainer(model string, variant models.ExplainerVariant) (Explainer, error)
}

// NewPrediction fills in the error ratio for a predicted value.
func NewPrediction(value, truth float64) Prediction {
	return Prediction{Value: value, GroundTruth: truth, ErrorRatio: QError(value, truth)}
}

// minPositive keeps q-error finite for zero predictions or truths.
const minPositive = 1e-6

// QError returns max(p/g, g/p) with both sides floored at a small positive value.
func QError(p, g float64) float64 {
	p = math.Max(p, minPositive)
	g = math.Max(g, minPositive)
	return math.Max(p/g, g/p)
}

// Normalize scales scores to sum to one. Negative scores are treated as
// their magnitude. An all-zero input is returned unchanged.
func Normalize(scores []models.NodeScore) []models.NodeScore {
	var total float64
	for i := range scores {
		scores[i].Score = math.Abs(scores[i].Score)
		total += scores[i].Score
	}
	if total == 0 {
		return scores
	}
	for i := range scores {
		scores[i].Score /= total
	}
	return scores
}

// Catalog is the Capability backed by a fixed set of predictors and an
// explainer registry. Explainers are built once per (model, variant).
type Catalog struct {
	registry   *Registry
	predictors map[string]Predictor

	mu         sync.Mutex
	explainers map[explainerKey]Explainer
}

type explainerKey struct {
	model   string
	variant models.ExplainerVariant
}

// NewCatalog creates a catalog. The registry must cover every explainer variant.
func NewCatalog(registry *Registry, predictors ...Predictor) (*Catalog, error) {
	if err := registry.Validate(); err != nil {
		return nil, err
	}
	if len(predictors) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidArgument, "at least one model is required")
	}
	c := &Catalog{
		registry:   registry,
		predictors: make(map[string]Predictor, len(predictors)),
		explainers: make(map[explainerKey]Explainer),
	}
	for _, p := range predictors {
		if _, dup := c.predictors[p.Name()]; dup {
			return nil, pkgerrors.Newf(pkgerrors.CodeAlreadyExists, "model %q registered twice", p.Name())
		}
		c.predictors[p.Name()] = p
	}
	return c, nil
}

// Models returns the model names in sorted order.
func (c *Catalog) Models() []string {
	names := make([]string, 0, len(c.predictors))
	for name := range c.predictors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Predictor returns the named model.
func (c *Catalog) Predictor(model string) (Predictor, error) {
	p, ok := c.predictors[model]
	if !ok {
		return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "unknown model %q", model)
	}
	return p, nil
}

// Explainer returns the explainer for variant over the named model.
func (c *Catalog) Explainer(model string, variant models.ExplainerVariant) (Explainer, error) {
	p, err := c.Predictor(model)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := explainerKey{model: model, variant: variant}
	if e, ok := c.explainers[key]; ok {
		return e, nil
	}
	e, err := c.registry.Build(variant, p)
	if err != nil {
		return nil, err
	}
	c.explainers[key] = e
	return e, nil
}
