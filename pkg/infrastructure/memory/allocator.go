// Package memory tracks Arrow allocations made while streaming reports.
package memory

import (
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/TFMV/planlens/pkg/infrastructure/metrics"
)

// TrackedAllocator wraps a memory.Allocator and tracks outstanding and peak
// allocated bytes.
type TrackedAllocator struct {
	underlying memory.Allocator
	bytesUsed  atomic.Int64
	peak       atomic.Int64
	allocs     atomic.Int64
}

// NewTrackedAllocator wraps underlying. A nil underlying uses the Go allocator.
func NewTrackedAllocator(underlying memory.Allocator) *TrackedAllocator {
	if underlying == nil {
		underlying = memory.NewGoAllocator()
	}
	return &TrackedAllocator{underlying: underlying}
}

// Allocate implements memory.Allocator.
func (a *TrackedAllocator) Allocate(size int) []byte {
	a.allocs.Add(1)
	a.grow(int64(size))
	return a.underlying.Allocate(size)
}

// Reallocate implements memory.Allocator.
func (a *TrackedAllocator) Reallocate(size int, b []byte) []byte {
	a.grow(int64(size - len(b)))
	return a.underlying.Reallocate(size, b)
}

// Free implements memory.Allocator.
func (a *TrackedAllocator) Free(b []byte) {
	a.bytesUsed.Add(-int64(len(b)))
	a.underlying.Free(b)
}

func (a *TrackedAllocator) grow(delta int64) {
	used := a.bytesUsed.Add(delta)
	for {
		peak := a.peak.Load()
		if used <= peak || a.peak.CompareAndSwap(peak, used) {
			return
		}
	}
}

// BytesUsed returns the current number of bytes allocated.
func (a *TrackedAllocator) BytesUsed() int64 {
	return a.bytesUsed.Load()
}

// PeakBytes returns the high-water mark of BytesUsed.
func (a *TrackedAllocator) PeakBytes() int64 {
	return a.peak.Load()
}

// Allocations returns the number of Allocate calls.
func (a *TrackedAllocator) Allocations() int64 {
	return a.allocs.Load()
}

// Export records the current usage as a gauge on c.
func (a *TrackedAllocator) Export(c metrics.Collector) {
	c.RecordGauge(metrics.ArrowAllocatedBytes, float64(a.BytesUsed()))
}
