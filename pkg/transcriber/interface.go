// Package transcriber defines the transcription backend contract and the
// text-level utilities (prompt assembly, hallucination filtering) applied
// around each backend call.
package transcriber

import "context"

// Segment is a single transcribed span with its timing in seconds relative
// to the start of the submitted chunk.
type Segment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Result is the normalized output of one backend call.
type Result struct {
	Segments   []Segment `json:"segments"`
	Language   string    `json:"language"`
	Confidence float32   `json:"confidence"`
}

// Options carries per-call decoding guidance.
type Options struct {
	// Language is a whisper language code. Empty means auto-detect.
	Language string

	// Prompt is the assembled guidance string (anti-hallucination preamble,
	// user prompt, rolling context).
	Prompt string

	// HighAccuracy selects a wider beam search at the cost of latency.
	HighAccuracy bool
}

// BeamSize returns the decode beam width for the selected quality mode.
func (o Options) BeamSize() int {
	if o.HighAccuracy {
		return 5
	}
	return 1
}

// Backend is a black-box transcription engine. Implementations are not
// required to be safe for concurrent calls; the controller guarantees at
// most one call in flight.
type Backend interface {
	// Transcribe converts mono 16 kHz float32 samples to text segments.
	Transcribe(ctx context.Context, samples []float32, opts Options) (*Result, error)

	// Close releases backend resources.
	Close() error
}

// FallbackLanguage is reported when a backend does not return a detected
// language.
const FallbackLanguage = "en"
