package transcriber

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// MockBackend is a deterministic Backend for tests and the pipeline-check
// command. If Text is empty it reports the chunk size instead.
type MockBackend struct {
	Text  string
	Delay time.Duration

	calls atomic.Int64
}

// Transcribe returns a single synthetic segment after the configured delay.
func (m *MockBackend) Transcribe(ctx context.Context, samples []float32, opts Options) (*Result, error) {
	m.calls.Add(1)
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	text := m.Text
	if text == "" {
		text = fmt.Sprintf("[mock transcript: %d samples]", len(samples))
	}
	return &Result{
		Segments:   []Segment{{Text: text, End: float64(len(samples)) / 16000.0}},
		Language:   FallbackLanguage,
		Confidence: 1.0,
	}, nil
}

// Calls returns how many times Transcribe was invoked.
func (m *MockBackend) Calls() int64 {
	return m.calls.Load()
}

// Close is a no-op.
func (m *MockBackend) Close() error {
	return nil
}
