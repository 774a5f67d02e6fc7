package memory

import (
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/planlens/pkg/infrastructure/metrics"
)

func TestTrackedAllocator_AllocateAndFree(t *testing.T) {
	allocator := NewTrackedAllocator(memory.NewGoAllocator())
	assert.Equal(t, int64(0), allocator.BytesUsed())

	buf1 := allocator.Allocate(1024)
	buf2 := allocator.Allocate(1024)
	assert.Len(t, buf1, 1024)
	assert.Equal(t, int64(2048), allocator.BytesUsed())
	assert.Equal(t, int64(2), allocator.Allocations())

	allocator.Free(buf1)
	assert.Equal(t, int64(1024), allocator.BytesUsed())
	allocator.Free(buf2)
	assert.Equal(t, int64(0), allocator.BytesUsed())
	assert.Equal(t, int64(2048), allocator.PeakBytes())
}

func TestTrackedAllocator_Reallocate(t *testing.T) {
	allocator := NewTrackedAllocator(nil)

	buf := allocator.Allocate(512)
	buf = allocator.Reallocate(1024, buf)
	assert.Len(t, buf, 1024)
	assert.Equal(t, int64(1024), allocator.BytesUsed())

	buf = allocator.Reallocate(256, buf)
	assert.Len(t, buf, 256)
	assert.Equal(t, int64(256), allocator.BytesUsed())
	assert.Equal(t, int64(1024), allocator.PeakBytes())

	allocator.Free(buf)
	assert.Equal(t, int64(0), allocator.BytesUsed())
}

func TestTrackedAllocator_ArrowBuildersRelease(t *testing.T) {
	allocator := NewTrackedAllocator(nil)

	b := array.NewFloat64Builder(allocator)
	b.AppendValues([]float64{0.1, 0.2, 0.3}, nil)
	arr := b.NewArray()
	b.Release()
	require.Equal(t, arrow.FLOAT64, arr.DataType().ID())
	assert.Greater(t, allocator.BytesUsed(), int64(0))

	arr.Release()
	assert.Equal(t, int64(0), allocator.BytesUsed())
}

func TestTrackedAllocator_Concurrent(t *testing.T) {
	allocator := NewTrackedAllocator(nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := allocator.Allocate(1024)
			allocator.Free(buf)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(0), allocator.BytesUsed())
	assert.LessOrEqual(t, allocator.PeakBytes(), int64(10*1024))
}

type gaugeSink struct {
	metrics.NoOpCollector
	gauges map[string]float64
}

func (g *gaugeSink) RecordGauge(name string, value float64, labels ...string) {
	g.gauges[name] = value
}

func TestTrackedAllocator_Export(t *testing.T) {
	allocator := NewTrackedAllocator(nil)
	buf := allocator.Allocate(64)
	defer allocator.Free(buf)

	sink := &gaugeSink{gauges: map[string]float64{}}
	allocator.Export(sink)
	assert.Equal(t, 64.0, sink.gauges[metrics.ArrowAllocatedBytes])
}
