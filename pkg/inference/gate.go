// Package inference serializes access to the inference capability and
// defines the predictor and explainer contracts the evaluation services use.
package inference

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/infrastructure/metrics"
)

// Gate admits one inference-plus-mask sequence at a time. It is not
// reentrant: calling WithExclusiveAccess from inside fn deadlocks until the
// caller's context ends.
type Gate struct {
	sem            *semaphore.Weighted
	acquireTimeout time.Duration
	metrics        metrics.Collector
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithAcquireTimeout bounds how long a caller waits for the gate. Zero
// waits until the caller's context is done.
func WithAcquireTimeout(d time.Duration) GateOption {
	return func(g *Gate) { g.acquireTimeout = d }
}

// WithGateMetrics sets the collector for wait and hold timings.
func WithGateMetrics(c metrics.Collector) GateOption {
	return func(g *Gate) { g.metrics = c }
}

// NewGate creates an inference gate.
func NewGate(opts ...GateOption) *Gate {
	g := &Gate{
		sem:     semaphore.NewWeighted(1),
		metrics: metrics.NewNoOpCollector(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// WithExclusiveAccess runs fn while holding the gate. The gate is released
// when fn returns or panics. A cancelled ctx returns the context error; an
// expired acquire timeout returns an INFERENCE_BUSY error.
func (g *Gate) WithExclusiveAccess(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	waitStart := time.Now()
	acquireCtx := ctx
	if g.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, g.acquireTimeout)
		defer cancel()
	}

	if err := g.sem.Acquire(acquireCtx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		g.metrics.IncrementCounter(metrics.InferenceGateBusy)
		return pkgerrors.Newf(pkgerrors.CodeInferenceBusy, "inference gate not acquired within %s", g.acquireTimeout)
	}
	defer g.sem.Release(1)

	g.metrics.RecordHistogram(metrics.InferenceGateWait, time.Since(waitStart).Seconds())
	holdStart := time.Now()
	defer func() {
		g.metrics.RecordHistogram(metrics.InferenceGateHold, time.Since(holdStart).Seconds())
	}()

	return fn(ctx)
}
