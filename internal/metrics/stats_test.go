package metrics

import (
	"math"
	"testing"
	"time"
)

func TestWindowSnapshot(t *testing.T) {
	var w Window
	w.Record(Step{BatchSize: 64, DataTime: 20 * time.Millisecond, ComputeTime: 10 * time.Millisecond,
		Total: 1.2, Classification: 1.2})
	w.Record(Step{BatchSize: 64, DataTime: 10 * time.Millisecond, ComputeTime: 20 * time.Millisecond,
		Total: 2.0, Classification: 0.8, Triplet: 0.6, HasTriplet: true})
	snap := w.Snapshot()
	if math.Abs(snap.ImagesPerSec-2133.3333) > 1 {
		t.Fatalf("unexpected throughput %.2f", snap.ImagesPerSec)
	}
	if w.samples != 0 || w.steps != 0 || w.triplets != 0 {
		t.Fatalf("window was not reset")
	}
	if math.Abs(snap.AvgTotal-1.6) > 1e-12 || math.Abs(snap.AvgClassification-1.0) > 1e-12 {
		t.Fatalf("unexpected averages %+v", snap)
	}
	if snap.AvgTriplet != 0.6 {
		t.Fatalf("triplet average should only count steps with a triplet term, got %.2f", snap.AvgTriplet)
	}
}

func TestEmptyWindow(t *testing.T) {
	var w Window
	snap := w.Snapshot()
	if snap.Steps != 0 || snap.ImagesPerSec != 0 || snap.AvgTotal != 0 {
		t.Fatalf("expected zero snapshot, got %+v", snap)
	}
}
