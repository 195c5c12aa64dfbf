package metrics

import "time"

// Window accumulates loss and timing stats across the steps of one log interval.
type Window struct {
	samples  int
	data     time.Duration
	compute  time.Duration
	steps    int
	total    float64
	cls      float64
	triplet  float64
	triplets int
}

// Step is the measurement of one optimization step.
type Step struct {
	BatchSize      int
	DataTime       time.Duration
	ComputeTime    time.Duration
	Total          float64
	Classification float64
	Triplet        float64
	HasTriplet     bool
}

// Record adds a new measurement to the window.
func (w *Window) Record(s Step) {
	w.samples += s.BatchSize
	w.data += s.DataTime
	w.compute += s.ComputeTime
	w.steps++
	w.total += s.Total
	w.cls += s.Classification
	if s.HasTriplet {
		w.triplet += s.Triplet
		w.triplets++
	}
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Steps: w.steps}
	total := w.data + w.compute
	if total > 0 {
		snap.ImagesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
		snap.AvgTotal = w.total / float64(w.steps)
		snap.AvgClassification = w.cls / float64(w.steps)
	}
	if w.triplets > 0 {
		snap.AvgTriplet = w.triplet / float64(w.triplets)
	}

	*w = Window{}
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	Steps             int
	ImagesPerSec      float64
	AvgDataMS         float64
	AvgComputeMS      float64
	AvgTotal          float64
	AvgClassification float64
	AvgTriplet        float64
}
