package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const (
	metricCPUSeconds = "/cpu/classes/user:cpu-seconds"
	metricHeapBytes  = "/memory/classes/heap/objects:bytes"
	metricGoroutines = "/sched/goroutines:goroutines"
)

// resourceTracker derives process resource usage from runtime/metrics for
// target stats snapshots. CPU percent is the share of available CPU spent
// running Go code between two snapshots, so the first snapshot reports 0.
type resourceTracker struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSampledAt  time.Time
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{samples: newResourceSamples()}
}

func newResourceSamples() []metrics.Sample {
	return []metrics.Sample{
		{Name: metricCPUSeconds},
		{Name: metricHeapBytes},
		{Name: metricGoroutines},
	}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) == 0 {
		r.samples = newResourceSamples()
	}
	metrics.Read(r.samples)

	usage := ResourceUsage{
		MemoryBytes: uint64Metric(r.samples[1]),
		Goroutines:  int(uint64Metric(r.samples[2])),
	}
	// Unknown metric names report KindBad; fall back to the classic probes.
	if usage.MemoryBytes == 0 {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		usage.MemoryBytes = mem.Alloc
	}
	if usage.Goroutines == 0 {
		usage.Goroutines = runtime.NumGoroutine()
	}

	now := time.Now()
	if cpu := r.samples[0]; cpu.Value.Kind() == metrics.KindFloat64 {
		seconds := cpu.Value.Float64()
		if !r.lastSampledAt.IsZero() {
			if wall := now.Sub(r.lastSampledAt).Seconds(); wall > 0 {
				usage.CPUPercent = (seconds - r.lastCPUSeconds) / wall / float64(runtime.NumCPU()) * 100
			}
		}
		r.lastCPUSeconds = seconds
	}
	r.lastSampledAt = now

	return usage
}

func uint64Metric(s metrics.Sample) uint64 {
	if s.Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return s.Value.Uint64()
}
