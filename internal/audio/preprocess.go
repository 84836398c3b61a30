package audio

import "errors"

// DefaultPreEmphasis is the first-order high-pass coefficient applied before
// transcription when noise reduction is enabled.
const DefaultPreEmphasis = 0.97

// ErrEmptyChunk is returned when preprocessing is asked to operate on no
// samples.
var ErrEmptyChunk = errors.New("audio: empty chunk")

// PreEmphasize applies y[0] = x[0]; y[i] = x[i] - alpha*x[i-1] and then
// peak-normalizes the result to unit amplitude. A silent chunk is returned
// unscaled. The input slice is not modified.
func PreEmphasize(samples []float32, alpha float64) ([]float32, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyChunk
	}

	out := make([]float32, len(samples))
	out[0] = samples[0]
	for i := 1; i < len(samples); i++ {
		out[i] = samples[i] - float32(alpha)*samples[i-1]
	}

	peak := Peak(out)
	if peak > 0 {
		scale := float32(1.0 / peak)
		for i := range out {
			out[i] *= scale
		}
	}
	return out, nil
}
