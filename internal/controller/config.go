package controller

import (
	"fmt"
	"time"
)

// loudTriggerFactor is the multiplier over the sensitivity threshold at
// which a single frame triggers transcription immediately, even with a
// nearly empty buffer.
const loudTriggerFactor = 3

// Config is the controller's tunable surface. Changes take effect at the
// next trigger boundary and never interrupt an in-flight backend call.
type Config struct {
	// ModelRef selects the transcription backend: "mock", an http(s)
	// inference endpoint, or a local model path.
	ModelRef string

	// Language is a whisper language code; "auto" or empty lets the backend
	// detect it.
	Language string

	// InitialPrompt is optional user-supplied guidance text.
	InitialPrompt string

	// HighAccuracy widens the decode beam at the cost of latency.
	HighAccuracy bool

	// NoiseReduction enables pre-emphasis preprocessing before each call.
	NoiseReduction bool

	// VADEnabled screens assembled chunks through the energy speech gate.
	VADEnabled bool

	// AutoType dispatches accepted segments to the typed-output sink.
	AutoType bool

	// ContextSize bounds the rolling context window (0-5 segments).
	ContextSize int

	// SensitivityThreshold is the frame level below which a frame counts as
	// silence, and the initial energy threshold of the speech gate.
	SensitivityThreshold float64

	// BufferMaxFrames triggers transcription when the buffer reaches this
	// many frames.
	BufferMaxFrames int

	// MaxSilenceFrames force-flushes a multi-frame buffer after this many
	// consecutive sub-threshold frames.
	MaxSilenceFrames int

	// TypeDelay is the grace period before each typed-output dispatch,
	// letting a target input field gain focus.
	TypeDelay time.Duration

	// PollInterval bounds how long the loop waits on its intake before
	// rechecking for stop and configuration commands.
	PollInterval time.Duration
}

// DefaultConfig mirrors the defaults of the original desktop dictation
// tool: 5-frame buffer, 0.01 trigger level, 3-segment context.
func DefaultConfig() Config {
	return Config{
		ModelRef:             "mock",
		Language:             "en",
		VADEnabled:           true,
		NoiseReduction:       true,
		AutoType:             true,
		ContextSize:          3,
		SensitivityThreshold: 0.01,
		BufferMaxFrames:      5,
		MaxSilenceFrames:     5,
		TypeDelay:            100 * time.Millisecond,
		PollInterval:         500 * time.Millisecond,
	}
}

func (c Config) validate() error {
	if c.ModelRef == "" {
		return &ConfigurationError{Field: "modelRef", Err: fmt.Errorf("must not be empty")}
	}
	if c.ContextSize < 0 || c.ContextSize > 5 {
		return &ConfigurationError{Field: "contextSize", Err: fmt.Errorf("must be in [0,5], got %d", c.ContextSize)}
	}
	if c.SensitivityThreshold <= 0 {
		return &ConfigurationError{Field: "sensitivityThreshold", Err: fmt.Errorf("must be positive, got %g", c.SensitivityThreshold)}
	}
	if c.BufferMaxFrames < 1 {
		return &ConfigurationError{Field: "bufferMaxFrames", Err: fmt.Errorf("must be at least 1, got %d", c.BufferMaxFrames)}
	}
	if c.MaxSilenceFrames < 1 {
		return &ConfigurationError{Field: "maxSilenceFrames", Err: fmt.Errorf("must be at least 1, got %d", c.MaxSilenceFrames)}
	}
	if c.PollInterval <= 0 {
		return &ConfigurationError{Field: "pollInterval", Err: fmt.Errorf("must be positive")}
	}
	return nil
}

// backendLanguage maps the configured language onto the backend option:
// the auto-detect sentinel becomes the empty string.
func (c Config) backendLanguage() string {
	if c.Language == "auto" {
		return ""
	}
	return c.Language
}
