package models

import (
	"fmt"
	"time"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
)

// ExplainerVariant tags an explanation algorithm.
type ExplainerVariant string

// The closed set of explainer variants.
const (
	ExplainerRuntimeImportance     ExplainerVariant = "base"
	ExplainerCardinalityImportance ExplainerVariant = "base_cardinality"
	ExplainerGradient              ExplainerVariant = "gradient"
	ExplainerGuidedBackprop        ExplainerVariant = "guided_backprop"
	ExplainerOcclusion             ExplainerVariant = "occlusion"
	ExplainerOcclusionPlansOnly    ExplainerVariant = "occlusion_plans_only"
)

// AllExplainerVariants lists every variant in a stable order.
func AllExplainerVariants() []ExplainerVariant {
	return []ExplainerVariant{
		ExplainerRuntimeImportance,
		ExplainerCardinalityImportance,
		ExplainerGradient,
		ExplainerGuidedBackprop,
		ExplainerOcclusion,
		ExplainerOcclusionPlansOnly,
	}
}

// IsBaseline reports whether the variant is a ground-truth baseline rather
// than an explanation of the model.
func (v ExplainerVariant) IsBaseline() bool {
	return v == ExplainerRuntimeImportance || v == ExplainerCardinalityImportance
}

// DisplayName is the human readable name used in reports.
func (v ExplainerVariant) DisplayName() string {
	switch v {
	case ExplainerRuntimeImportance:
		return "Runtime Importance"
	case ExplainerCardinalityImportance:
		return "Cardinality Importance"
	case ExplainerGradient:
		return "Gradient"
	case ExplainerGuidedBackprop:
		return "Guided Backpropagation"
	case ExplainerOcclusion:
		return "Occlusion"
	case ExplainerOcclusionPlansOnly:
		return "Occlusion (Only Plans)"
	default:
		return string(v)
	}
}

// ParseExplainerVariant validates an explainer tag.
func ParseExplainerVariant(s string) (ExplainerVariant, error) {
	for _, v := range AllExplainerVariants() {
		if string(v) == s {
			return v, nil
		}
	}
	return "", pkgerrors.Newf(pkgerrors.CodeInvalidArgument, "unknown explainer variant %q", s)
}

// MetricKind names a persisted evaluation metric.
type MetricKind string

// The closed set of metric kinds.
const (
	MetricFidelityPlus        MetricKind = "fidelity_plus"
	MetricFidelityMinus       MetricKind = "fidelity_minus"
	MetricCharacterization    MetricKind = "characterization"
	MetricPearsonRuntime      MetricKind = "pearson_runtime"
	MetricSpearmanRuntime     MetricKind = "spearman_runtime"
	MetricPearsonCardinality  MetricKind = "pearson_cardinality"
	MetricSpearmanCardinality MetricKind = "spearman_cardinality"
	MetricPearsonDepth        MetricKind = "pearson_depth"
	MetricSpearmanDepth       MetricKind = "spearman_depth"
	MetricCostAccuracy        MetricKind = "cost_accuracy"
)

// AllMetricKinds lists every metric kind in a stable order.
func AllMetricKinds() []MetricKind {
	return []MetricKind{
		MetricFidelityPlus,
		MetricFidelityMinus,
		MetricCharacterization,
		MetricPearsonRuntime,
		MetricSpearmanRuntime,
		MetricPearsonCardinality,
		MetricSpearmanCardinality,
		MetricPearsonDepth,
		MetricSpearmanDepth,
		MetricCostAccuracy,
	}
}

// ParseMetricKind validates a metric name.
func ParseMetricKind(s string) (MetricKind, error) {
	for _, k := range AllMetricKinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", pkgerrors.Newf(pkgerrors.CodeInvalidArgument, "unknown metric kind %q", s)
}

// EvaluationRun groups the explanations computed for one workload.
type EvaluationRun struct {
	ID         string    `json:"id"`
	WorkloadID string    `json:"workload_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// ExplanationKey identifies an explanation within a run.
type ExplanationKey struct {
	PlanID    string           `json:"plan_id"`
	Explainer ExplainerVariant `json:"explainer"`
	Model     string           `json:"model"`
}

func (k ExplanationKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.PlanID, k.Explainer, k.Model)
}

// NodeScore is the importance of one graph node.
type NodeScore struct {
	NodeID int     `json:"node_id"`
	Score  float64 `json:"score"`
}

// PlanExplanation is an immutable explanation record. Scores are ordered by node id.
type PlanExplanation struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	Key        ExplanationKey `json:"key"`
	TableCount int            `json:"table_count"`
	Scores     []NodeScore    `json:"scores"`
	CreatedAt  time.Time      `json:"created_at"`
}

// EvaluationScore is an immutable metric value for one explanation.
type EvaluationScore struct {
	ID            string     `json:"id"`
	ExplanationID string     `json:"explanation_id"`
	Kind          MetricKind `json:"metric"`
	Score         float64    `json:"score"`
	CreatedAt     time.Time  `json:"created_at"`
}

// ScoreObservation is a persisted score joined with its reporting dimensions.
type ScoreObservation struct {
	Model      string           `json:"model"`
	Explainer  ExplainerVariant `json:"explainer"`
	TableCount int              `json:"table_count"`
	Kind       MetricKind       `json:"metric"`
	Score      float64          `json:"score"`
}

// JoinCount is TableCount-1, never negative.
func (o ScoreObservation) JoinCount() int {
	if o.TableCount <= 1 {
		return 0
	}
	return o.TableCount - 1
}
