package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/inference"
	"github.com/TFMV/planlens/pkg/models"
)

func TestPredictPlan(t *testing.T) {
	h := newHarness(t)
	svc := NewInspectService(h.graphs, h.capability, h.gate, nopLogger{})

	pred, err := svc.PredictPlan(context.Background(), "join-a", "linear")
	require.NoError(t, err)
	assert.Greater(t, pred.Value, 0.0)
	assert.Equal(t, 812.0, pred.GroundTruth)
	assert.GreaterOrEqual(t, pred.ErrorRatio, 1.0)

	_, err = svc.PredictPlan(context.Background(), "join-a", "transformer")
	assert.True(t, pkgerrors.IsNotFound(err))
	_, err = svc.PredictPlan(context.Background(), "missing", "linear")
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestExplainPlan(t *testing.T) {
	h := newHarness(t)
	svc := NewInspectService(h.graphs, h.capability, h.gate, nopLogger{})

	for _, v := range models.AllExplainerVariants() {
		t.Run(string(v), func(t *testing.T) {
			insight, err := svc.ExplainPlan(context.Background(), "join-a", "linear", v)
			require.NoError(t, err)
			assert.Equal(t, v, insight.Explainer)
			require.NotEmpty(t, insight.Nodes)
			for i := 1; i < len(insight.Nodes); i++ {
				assert.Less(t, insight.Nodes[i-1].NodeID, insight.Nodes[i].NodeID)
			}
		})
	}

	explanations, _ := h.store.counts()
	assert.Zero(t, explanations, "inspection persists nothing")
}

func TestExplainPlan_BaselineLabelsOperators(t *testing.T) {
	h := newHarness(t)
	svc := NewInspectService(h.graphs, h.capability, h.gate, nopLogger{})

	insight, err := svc.ExplainPlan(context.Background(), "join-a", "linear", models.ExplainerRuntimeImportance)
	require.NoError(t, err)

	var labels []string
	for _, n := range insight.Nodes {
		assert.Equal(t, "operator", n.Kind)
		labels = append(labels, n.Label)
	}
	assert.Equal(t, []string{"Hash Join", "Seq Scan", "Seq Scan"}, labels)
}

func TestExplainPlan_UnknownVariant(t *testing.T) {
	h := newHarness(t)
	svc := NewInspectService(h.graphs, h.capability, h.gate, nopLogger{})

	_, err := svc.ExplainPlan(context.Background(), "join-a", "linear", "lime")
	assert.True(t, pkgerrors.IsInvalidArgument(err))
}

func TestExplainPlan_GateBusy(t *testing.T) {
	h := newHarness(t, inference.WithAcquireTimeout(5*time.Millisecond))
	svc := NewInspectService(h.graphs, h.capability, h.gate, nopLogger{})

	err := h.gate.WithExclusiveAccess(context.Background(), func(ctx context.Context) error {
		_, err := svc.ExplainPlan(ctx, "scan", "linear", models.ExplainerGradient)
		return err
	})
	assert.True(t, pkgerrors.IsInferenceBusy(err))
}
