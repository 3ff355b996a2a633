package runtime

import (
	"testing"
	"time"
)

func TestResourceTrackerSnapshot(t *testing.T) {
	tracker := newResourceTracker()

	// The first snapshot has no prior sample to diff against.
	snap1 := tracker.Snapshot()
	if snap1.CPUPercent != 0 {
		t.Errorf("expected 0 CPU percent on first snapshot, got %f", snap1.CPUPercent)
	}
	if snap1.MemoryBytes == 0 {
		t.Error("expected non-zero memory bytes")
	}
	if snap1.Goroutines == 0 {
		t.Error("expected non-zero goroutine count")
	}

	time.Sleep(10 * time.Millisecond)

	snap2 := tracker.Snapshot()
	if snap2.CPUPercent < 0 {
		t.Errorf("expected non-negative CPU percent, got %f", snap2.CPUPercent)
	}
}

func TestResourceTrackerNil(t *testing.T) {
	var tracker *resourceTracker

	snap := tracker.Snapshot()
	if snap.CPUPercent != 0 || snap.MemoryBytes != 0 || snap.Goroutines != 0 {
		t.Errorf("expected zero ResourceUsage for nil tracker, got %+v", snap)
	}
}

func TestResourceTrackerEmptySamples(t *testing.T) {
	tracker := &resourceTracker{}

	snap := tracker.Snapshot()
	if snap.MemoryBytes == 0 {
		t.Error("expected non-zero memory bytes even with empty samples")
	}
}
