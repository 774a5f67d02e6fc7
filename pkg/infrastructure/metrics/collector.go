// Package metrics provides metrics collection for planlens.
package metrics

import (
	"time"
)

// Metric names reported by planlens components.
const (
	PlanCacheHits      = "plan_cache_hits"
	PlanCacheMisses    = "plan_cache_misses"
	PlanCacheEvictions = "plan_cache_evictions"

	InferenceGateWait = "inference_gate_wait_seconds"
	InferenceGateHold = "inference_gate_hold_seconds"
	InferenceGateBusy = "inference_gate_busy"

	ExplanationsCreated = "explanations_created"
	ExplanationsReused  = "explanations_reused"
	ScoresCreated       = "scores_created"
	ScoresReused        = "scores_reused"
	EvaluationFailures  = "evaluation_failures"
	EvaluationDuration  = "evaluation_duration_seconds"

	ArrowAllocatedBytes = "arrow_allocated_bytes"

	RPCRequests       = "rpc_requests_total"
	RPCDuration       = "rpc_duration_seconds"
	RPCStreamMessages = "rpc_stream_messages_total"
	RPCPanics         = "rpc_panics_recovered_total"

	FlightActionDuration = "flight_action_duration_seconds"
	FlightRecordsSent    = "flight_records_sent"
)

// Collector defines the interface for collecting metrics.
type Collector interface {
	// IncrementCounter increments a counter metric.
	IncrementCounter(name string, labels ...string)

	// RecordHistogram records a value in a histogram metric.
	RecordHistogram(name string, value float64, labels ...string)

	// RecordGauge records a gauge metric value.
	RecordGauge(name string, value float64, labels ...string)

	// StartTimer starts a timer for measuring duration.
	StartTimer(name string) Timer
}

// Timer represents a timing measurement.
type Timer interface {
	// Stop stops the timer and returns the duration in seconds.
	Stop() float64
}

// NoOpCollector is a no-op implementation of Collector.
type NoOpCollector struct{}

// NewNoOpCollector creates a new no-op collector.
func NewNoOpCollector() Collector {
	return &NoOpCollector{}
}

// IncrementCounter does nothing.
func (n *NoOpCollector) IncrementCounter(name string, labels ...string) {}

// RecordHistogram does nothing.
func (n *NoOpCollector) RecordHistogram(name string, value float64, labels ...string) {}

// RecordGauge does nothing.
func (n *NoOpCollector) RecordGauge(name string, value float64, labels ...string) {}

// StartTimer returns a timer that only measures.
func (n *NoOpCollector) StartTimer(name string) Timer {
	return &stopwatch{start: time.Now()}
}

type stopwatch struct {
	start time.Time
}

func (t *stopwatch) Stop() float64 {
	return time.Since(t.start).Seconds()
}
