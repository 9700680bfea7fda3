// Package latency measures the gap between the session's audio-position
// cursor and the end offset of each finalized recognition result.
package latency

import "math"

// windowSize is the length of the trailing window used for the short-term
// average reported to the display layer.
const windowSize = 10

// Sample is one signed latency measurement in seconds. Negative values mean
// the result refers to audio already captured, which is normal low-latency
// operation; large positive values indicate recognizer lag. Both signs are
// valid data points.
type Sample struct {
	Value float64
}

// Summary aggregates the full sample history.
type Summary struct {
	Mean  float64
	Min   float64
	Max   float64
	Count int
}

// Tracker accumulates latency samples. It keeps an O(1) running sum for the
// overall mean and recomputes min/max on demand at stop, so no incremental
// float drift affects the extremes. Mutated only by the dispatch loop.
type Tracker struct {
	samples []float64
	sum     float64
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Record derives a sample from the audio cursor and the result end offset
// at the moment a final result arrived, and appends it to the history.
func (t *Tracker) Record(endOffset, audioCursor float64) Sample {
	value := audioCursor - endOffset
	t.samples = append(t.samples, value)
	t.sum += value
	return Sample{Value: value}
}

// Count returns the number of recorded samples.
func (t *Tracker) Count() int {
	return len(t.samples)
}

// RollingAverage returns the mean of the trailing window. ok is false until
// at least one sample exists.
func (t *Tracker) RollingAverage() (avg float64, ok bool) {
	n := len(t.samples)
	if n == 0 {
		return 0, false
	}

	start := n - windowSize
	if start < 0 {
		start = 0
	}

	var sum float64
	for _, v := range t.samples[start:] {
		sum += v
	}
	return sum / float64(n-start), true
}

// ShouldReport is true on every windowSize-th sample, the cadence at which
// the display layer receives latency updates.
func (t *Tracker) ShouldReport() bool {
	return len(t.samples) > 0 && len(t.samples)%windowSize == 0
}

// Summary computes mean, min and max over the full history by scanning the
// samples once. ok is false when nothing was recorded.
func (t *Tracker) Summary() (Summary, bool) {
	if len(t.samples) == 0 {
		return Summary{}, false
	}

	min := math.Inf(1)
	max := math.Inf(-1)
	for _, v := range t.samples {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	return Summary{
		Mean:  t.sum / float64(len(t.samples)),
		Min:   min,
		Max:   max,
		Count: len(t.samples),
	}, true
}
