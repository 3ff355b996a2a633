package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DLQMetrics tracks dead letter queue statistics per routing target, both as
// plain counters served by the ops API and as prometheus collectors.
type DLQMetrics struct {
	mu      sync.RWMutex
	targets map[string]*DLQTargetMetrics

	entriesTotal *prometheus.CounterVec
	retriesTotal *prometheus.CounterVec
	drainedTotal *prometheus.CounterVec
	sizeGauge    *prometheus.GaugeVec
}

// DLQTargetMetrics holds the dead letter counters for one routing target.
type DLQTargetMetrics struct {
	EntriesReceived  uint64    `json:"entries_received"`
	EntriesCurrent   uint64    `json:"entries_current"`
	RetriesAttempted uint64    `json:"retries_attempted"`
	EntriesDrained   uint64    `json:"entries_drained"`
	OldestEntryAt    time.Time `json:"oldest_entry_at,omitempty"`
	NewestEntryAt    time.Time `json:"newest_entry_at,omitempty"`
	LastUpdatedAt    time.Time `json:"last_updated_at"`
}

// DLQMetricsSnapshot is a point-in-time view across all targets.
type DLQMetricsSnapshot struct {
	TotalCurrent uint64                       `json:"total_current"`
	TotalDrained uint64                       `json:"total_drained"`
	Targets      map[string]*DLQTargetMetrics `json:"targets"`
	CollectedAt  time.Time                    `json:"collected_at"`
}

// NewDLQMetrics builds the collector set. A nil registerer falls back to the
// prometheus default registerer.
func NewDLQMetrics(reg prometheus.Registerer) *DLQMetrics {
	return &DLQMetrics{
		targets: map[string]*DLQTargetMetrics{},
		entriesTotal: registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "dlq",
			Name:      "entries_total",
			Help:      "Events dead lettered after a failed routed delivery.",
		}, []string{"target"})),
		retriesTotal: registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "dlq",
			Name:      "retries_total",
			Help:      "Dead letter redelivery attempts by outcome.",
		}, []string{"target", "outcome"})),
		drainedTotal: registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "dlq",
			Name:      "drained_total",
			Help:      "Entries removed from the dead letter queue after a successful redelivery.",
		}, []string{"target"})),
		sizeGauge: registerCollector(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "dlq",
			Name:      "size",
			Help:      "Current dead letter queue depth per target.",
		}, []string{"target"})),
	}
}

// RecordEntry notes a new dead letter entry for target.
func (m *DLQMetrics) RecordEntry(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	tm := m.getOrCreate(target)
	tm.EntriesReceived++
	tm.EntriesCurrent++
	if tm.OldestEntryAt.IsZero() {
		tm.OldestEntryAt = now
	}
	tm.NewestEntryAt = now
	tm.LastUpdatedAt = now

	m.entriesTotal.WithLabelValues(target).Inc()
	m.sizeGauge.WithLabelValues(target).Set(float64(tm.EntriesCurrent))
}

// RecordRetry notes that a queued entry was redelivered. A successful retry
// drains the entry.
func (m *DLQMetrics) RecordRetry(target string, succeeded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tm := m.getOrCreate(target)
	tm.RetriesAttempted++
	tm.LastUpdatedAt = time.Now().UTC()

	outcome := "failure"
	if succeeded {
		outcome = "success"
		tm.EntriesDrained++
		if tm.EntriesCurrent > 0 {
			tm.EntriesCurrent--
		}
		m.drainedTotal.WithLabelValues(target).Inc()
		m.sizeGauge.WithLabelValues(target).Set(float64(tm.EntriesCurrent))
	}
	m.retriesTotal.WithLabelValues(target, outcome).Inc()
}

// SetQueueSize aligns the depth gauge with the router's queue after bulk
// mutations.
func (m *DLQMetrics) SetQueueSize(target string, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tm := m.getOrCreate(target)
	tm.EntriesCurrent = uint64(size)
	tm.LastUpdatedAt = time.Now().UTC()
	m.sizeGauge.WithLabelValues(target).Set(float64(size))
}

// Snapshot returns a copy of all per-target counters.
func (m *DLQMetrics) Snapshot() DLQMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := DLQMetricsSnapshot{
		Targets:     make(map[string]*DLQTargetMetrics, len(m.targets)),
		CollectedAt: time.Now().UTC(),
	}
	for target, tm := range m.targets {
		copied := *tm
		snapshot.Targets[target] = &copied
		snapshot.TotalCurrent += tm.EntriesCurrent
		snapshot.TotalDrained += tm.EntriesDrained
	}
	return snapshot
}

// TargetMetrics returns a copy of one target's counters, or nil when the
// target has never dead lettered.
func (m *DLQMetrics) TargetMetrics(target string) *DLQTargetMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tm, ok := m.targets[target]
	if !ok {
		return nil
	}
	copied := *tm
	return &copied
}

func (m *DLQMetrics) getOrCreate(target string) *DLQTargetMetrics {
	tm, ok := m.targets[target]
	if !ok {
		tm = &DLQTargetMetrics{}
		m.targets[target] = tm
	}
	return tm
}
