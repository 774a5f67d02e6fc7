package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/inference"
	"github.com/TFMV/planlens/pkg/models"
	"github.com/TFMV/planlens/pkg/plangraph"
)

func gradientKey(planID string) models.ExplanationKey {
	return models.ExplanationKey{PlanID: planID, Explainer: models.ExplainerGradient, Model: "linear"}
}

// uniformScores gives every operator node the same score.
func uniformScores(calls *atomic.Int32) ComputeFunc {
	return func(_ context.Context, g *plangraph.Graph) ([]models.NodeScore, error) {
		if calls != nil {
			calls.Add(1)
		}
		ops := g.NodesOfKind(plangraph.KindOperator)
		out := make([]models.NodeScore, 0, len(ops))
		for i := len(ops) - 1; i >= 0; i-- {
			out = append(out, models.NodeScore{NodeID: ops[i], Score: 1 / float64(len(ops))})
		}
		return out, nil
	}
}

func TestExplanationStore_ResolveRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.explains.ResolveRun(ctx, "w1", false)
	require.NoError(t, err)
	assert.Equal(t, "w1", first.WorkloadID)

	again, err := h.explains.ResolveRun(ctx, "w1", false)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	fresh, err := h.explains.ResolveRun(ctx, "w1", true)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fresh.ID)

	latest, err := h.explains.ResolveRun(ctx, "w1", false)
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, latest.ID)
}

func TestExplanationStore_ResolveRun_ConcurrentCallersShareRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const callers = 8
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run, err := h.explains.ResolveRun(ctx, "w1", false)
			if assert.NoError(t, err) {
				ids[i] = run.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	assert.Len(t, h.store.runs, 1)
}

func TestExplanationStore_ResolveRun_AdoptsNewerRun(t *testing.T) {
	h := newHarness(t)
	other := &models.EvaluationRun{ID: "other-process", WorkloadID: "w1"}
	h.store.afterCreateRun = func() {
		other.CreatedAt = time.Now()
		h.store.runs = append(h.store.runs, other)
	}

	run, err := h.explains.ResolveRun(context.Background(), "w1", false)
	require.NoError(t, err)
	assert.Equal(t, "other-process", run.ID)
}

func TestExplanationStore_ComputesOnceThenReuses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run, err := h.explains.ResolveRun(ctx, "w1", false)
	require.NoError(t, err)

	var calls atomic.Int32
	e1, created, err := h.explains.GetOrCompute(ctx, run, gradientKey("join-a"), uniformScores(&calls))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 2, e1.TableCount)
	assert.Equal(t, run.ID, e1.RunID)
	for i := 1; i < len(e1.Scores); i++ {
		assert.Less(t, e1.Scores[i-1].NodeID, e1.Scores[i].NodeID, "scores are ordered by node id")
	}

	e2, created, err := h.explains.GetOrCompute(ctx, run, gradientKey("join-a"), uniformScores(&calls))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, e1.ID, e2.ID)
	assert.Equal(t, e1.Scores, e2.Scores)
	assert.Equal(t, int32(1), calls.Load())

	n, _ := h.store.counts()
	assert.Equal(t, 1, n)
}

func TestExplanationStore_RunsAreIndependent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, err := h.explains.ResolveRun(ctx, "w1", false)
	require.NoError(t, err)
	second, err := h.explains.ResolveRun(ctx, "w1", true)
	require.NoError(t, err)

	var calls atomic.Int32
	_, _, err = h.explains.GetOrCompute(ctx, first, gradientKey("scan"), uniformScores(&calls))
	require.NoError(t, err)
	_, created, err := h.explains.GetOrCompute(ctx, second, gradientKey("scan"), uniformScores(&calls))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExplanationStore_RejectsBaseline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run, err := h.explains.ResolveRun(ctx, "w1", false)
	require.NoError(t, err)

	for _, v := range []models.ExplainerVariant{models.ExplainerRuntimeImportance, models.ExplainerCardinalityImportance} {
		key := models.ExplanationKey{PlanID: "scan", Explainer: v, Model: "linear"}
		_, _, err := h.explains.GetOrCompute(ctx, run, key, uniformScores(nil))
		assert.True(t, pkgerrors.IsInvalidArgument(err), v)
	}
}

func TestExplanationStore_ComputeErrorPersistsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run, err := h.explains.ResolveRun(ctx, "w1", false)
	require.NoError(t, err)

	boom := errors.New("model diverged")
	_, _, err = h.explains.GetOrCompute(ctx, run, gradientKey("scan"), func(context.Context, *plangraph.Graph) ([]models.NodeScore, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	n, _ := h.store.counts()
	assert.Equal(t, 0, n)
}

func TestExplanationStore_MissingPlan(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run, err := h.explains.ResolveRun(ctx, "w1", false)
	require.NoError(t, err)

	_, _, err = h.explains.GetOrCompute(ctx, run, gradientKey("nope"), uniformScores(nil))
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestExplanationStore_RejectsBadScores(t *testing.T) {
	tests := []struct {
		name   string
		scores []models.NodeScore
	}{
		{name: "unknown node", scores: []models.NodeScore{{NodeID: 0, Score: 0.5}, {NodeID: 999, Score: 0.5}}},
		{name: "duplicate node", scores: []models.NodeScore{{NodeID: 0, Score: 0.5}, {NodeID: 0, Score: 0.5}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			run, err := h.explains.ResolveRun(ctx, "w1", false)
			require.NoError(t, err)

			_, _, err = h.explains.GetOrCompute(ctx, run, gradientKey("join-a"), func(context.Context, *plangraph.Graph) ([]models.NodeScore, error) {
				return tt.scores, nil
			})
			assert.Equal(t, pkgerrors.CodeInternal, pkgerrors.GetCode(err))
			n, _ := h.store.counts()
			assert.Equal(t, 0, n)
		})
	}
}

func TestExplanationStore_ConflictLoserReturnsWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run, err := h.explains.ResolveRun(ctx, "w1", false)
	require.NoError(t, err)

	key := gradientKey("scan")
	winner := &models.PlanExplanation{
		ID:         "winner",
		RunID:      run.ID,
		Key:        key,
		TableCount: 1,
		Scores:     []models.NodeScore{{NodeID: 0, Score: 1}},
	}
	h.store.beforeSaveExplanations = func() {
		h.store.beforeSaveExplanations = nil
		_, err := h.store.SaveExplanations(ctx, []*models.PlanExplanation{winner})
		require.NoError(t, err)
	}

	e, created, err := h.explains.GetOrCompute(ctx, run, key, uniformScores(nil))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "winner", e.ID)
	assert.Equal(t, winner.Scores, e.Scores)

	n, _ := h.store.counts()
	assert.Equal(t, 1, n)
}

func TestBatch_DedupesAndCommitsTogether(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run, err := h.explains.ResolveRun(ctx, "w1", false)
	require.NoError(t, err)

	// One key is already persisted.
	_, _, err = h.explains.GetOrCompute(ctx, run, gradientKey("scan"), uniformScores(nil))
	require.NoError(t, err)

	var calls atomic.Int32
	b := h.explains.NewBatch(run)
	for _, id := range []string{"join-a", "scan", "join-b", "join-a"} {
		_, err := b.GetOrCompute(ctx, gradientKey(id), uniformScores(&calls))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, int32(2), calls.Load())

	n, _ := h.store.counts()
	assert.Equal(t, 1, n, "pending explanations are not persisted before commit")

	res, err := b.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 1, res.Reused)
	require.Len(t, res.Explanations, 3)
	assert.Equal(t, "join-a", res.Explanations[0].Key.PlanID)
	assert.Equal(t, "scan", res.Explanations[1].Key.PlanID)
	assert.Equal(t, "join-b", res.Explanations[2].Key.PlanID)
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 2, h.store.saveExplanationCalls, "one transaction for the batch")

	n, _ = h.store.counts()
	assert.Equal(t, 3, n)
}

func TestExplanationStore_ComputeHoldsGate(t *testing.T) {
	h := newHarness(t, inference.WithAcquireTimeout(10*time.Millisecond))
	ctx := context.Background()
	run, err := h.explains.ResolveRun(ctx, "w1", false)
	require.NoError(t, err)

	_, _, err = h.explains.GetOrCompute(ctx, run, gradientKey("scan"), func(ctx context.Context, g *plangraph.Graph) ([]models.NodeScore, error) {
		inner := h.gate.WithExclusiveAccess(ctx, func(context.Context) error { return nil })
		require.True(t, pkgerrors.IsInferenceBusy(inner))
		return uniformScores(nil)(ctx, g)
	})
	require.NoError(t, err)
}
