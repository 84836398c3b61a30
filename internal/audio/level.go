// Package audio provides the sample-level math used by the capture pipeline:
// level metering, pre-emphasis preprocessing, the energy speech gate, and
// WAV encoding for upload backends.
package audio

import "math"

// MeanAbs returns the mean absolute amplitude of a frame. This is the level
// reported to meters and compared against the trigger threshold.
func MeanAbs(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += math.Abs(float64(s))
	}
	return sum / float64(len(samples))
}

// Energy returns the RMS energy of a chunk.
func Energy(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Peak returns the maximum absolute amplitude in a chunk.
func Peak(samples []float32) float64 {
	var peak float64
	for _, s := range samples {
		if a := math.Abs(float64(s)); a > peak {
			peak = a
		}
	}
	return peak
}

// StdDev returns the standard deviation of the raw samples.
func StdDev(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s)
	}
	mean := sum / float64(len(samples))

	var sq float64
	for _, s := range samples {
		d := float64(s) - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(samples)))
}
