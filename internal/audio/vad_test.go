package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func speechChunk(amplitude float32, n int) []float32 {
	chunk := make([]float32, n)
	for i := range chunk {
		if i%2 == 0 {
			chunk[i] = amplitude
		} else {
			chunk[i] = -amplitude
		}
	}
	return chunk
}

func TestSpeechGateBasicDecision(t *testing.T) {
	gate := NewSpeechGate(0.01)

	assert.False(t, gate.IsSpeech(nil))
	assert.False(t, gate.IsSpeech(make([]float32, 160)), "silence is not speech")
	assert.True(t, gate.IsSpeech(speechChunk(0.1, 160)))
}

func TestSpeechGateAdaptsUpwardOnly(t *testing.T) {
	gate := NewSpeechGate(0.01)

	gate.IsSpeech(speechChunk(0.1, 160))
	raised := gate.Threshold()
	assert.Greater(t, raised, 0.01, "threshold drifts toward observed speech energy")

	// A rejected quiet chunk must not lower the threshold.
	gate.IsSpeech(speechChunk(0.005, 160))
	assert.Equal(t, raised, gate.Threshold())
}

func TestSpeechGateAdaptiveBlend(t *testing.T) {
	gate := NewSpeechGate(0.01)
	chunk := speechChunk(0.1, 160)
	energy := Energy(chunk)

	assert.True(t, gate.IsSpeech(chunk))
	assert.InDelta(t, 0.9*0.01+0.1*energy, gate.Threshold(), 1e-9)
}

func TestSpeechGateRejectsClippedTone(t *testing.T) {
	gate := NewSpeechGate(0.01)

	// Near full-scale with almost no variation: a sustained loud tone, not
	// speech, despite its huge energy.
	tone := make([]float32, 160)
	for i := range tone {
		tone[i] = 0.99
	}
	assert.False(t, gate.IsSpeech(tone))

	// Near full-scale but with speech-like variation passes.
	loud := speechChunk(0.99, 160)
	assert.True(t, gate.IsSpeech(loud))
}

func TestSpeechGateRecalibrate(t *testing.T) {
	gate := NewSpeechGate(0.05)
	gate.Recalibrate(0.008)
	assert.Equal(t, 0.008, gate.Threshold())
	assert.True(t, gate.IsSpeech(speechChunk(0.02, 160)))
}

func TestCalibrateThreshold(t *testing.T) {
	tests := []struct {
		name    string
		ambient float64
		want    float64
	}{
		{"typical room", 0.01, 0.02},
		{"very quiet room clamps low", 0.0001, 0.005},
		{"silence clamps low", 0, 0.005},
		{"loud environment clamps high", 0.3, 0.1},
		{"exactly at margin", 0.05, 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CalibrateThreshold(tt.ambient), 1e-9)
		})
	}
}
