package audio

import (
	"github.com/sirupsen/logrus"
)

const (
	// adaptiveWeight controls how fast the gate threshold drifts toward
	// observed speech energy.
	adaptiveWeight = 0.1

	// clippingPeak marks a chunk as near the converter's full-scale range.
	clippingPeak = 0.95

	// noiseVariationRatio is the coefficient-of-variation bound below which
	// a near-clipping chunk is treated as a sustained tone rather than
	// speech.
	noiseVariationRatio = 0.25

	// Calibration bounds for the sensitivity threshold.
	minThreshold = 0.005
	maxThreshold = 0.1

	// calibrationMargin scales measured ambient energy into a threshold.
	calibrationMargin = 2.0
)

// SpeechGate is the energy-based voice-activity screen applied to an
// assembled chunk before it is handed to the backend. The threshold adapts
// one-sidedly: it drifts up toward observed speech energy but never lowers
// itself except through explicit recalibration.
type SpeechGate struct {
	threshold float64
	log       *logrus.Entry
}

// NewSpeechGate creates a gate with the given initial energy threshold.
func NewSpeechGate(threshold float64) *SpeechGate {
	return &SpeechGate{
		threshold: threshold,
		log:       logrus.WithField("component", "speech_gate"),
	}
}

// IsSpeech classifies a chunk. Near-clipping chunks with low sample
// variation are rejected as sustained loud tones even though their raw
// energy is high.
func (g *SpeechGate) IsSpeech(samples []float32) bool {
	if len(samples) == 0 {
		return false
	}

	energy := Energy(samples)
	peak := Peak(samples)

	if peak > clippingPeak {
		cv := StdDev(samples) / peak
		if cv < noiseVariationRatio {
			g.log.WithFields(logrus.Fields{
				"peak":      peak,
				"variation": cv,
			}).Debug("Near-clipping chunk with low variation, treating as noise")
			return false
		}
	}

	speech := energy > g.threshold
	if speech {
		g.threshold = (1-adaptiveWeight)*g.threshold + adaptiveWeight*energy
	}

	g.log.WithFields(logrus.Fields{
		"energy":    energy,
		"threshold": g.threshold,
		"is_speech": speech,
	}).Debug("Speech gate decision")
	return speech
}

// Threshold returns the current adaptive threshold.
func (g *SpeechGate) Threshold() float64 {
	return g.threshold
}

// Recalibrate resets the threshold to an explicit value. This is the only
// way the threshold can decrease.
func (g *SpeechGate) Recalibrate(threshold float64) {
	g.threshold = threshold
}

// CalibrateThreshold converts a measured ambient energy into a sensitivity
// threshold: twice the ambient level, clamped to the usable range.
func CalibrateThreshold(ambientEnergy float64) float64 {
	t := calibrationMargin * ambientEnergy
	if t < minThreshold {
		return minThreshold
	}
	if t > maxThreshold {
		return maxThreshold
	}
	return t
}
