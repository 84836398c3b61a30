package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicetype/voicetype/internal/metrics"
	"github.com/voicetype/voicetype/pkg/transcriber"
)

// stubBackend records every call and can be told to fail the first N
// attempts or to hold each call open for a fixed delay.
type stubBackend struct {
	mu       sync.Mutex
	opts     []transcriber.Options
	samples  [][]float32
	texts    []string
	failures int
	delay    time.Duration
	closed   bool

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (b *stubBackend) Transcribe(ctx context.Context, samples []float32, opts transcriber.Options) (*transcriber.Result, error) {
	cur := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	for {
		max := b.maxInFlight.Load()
		if cur <= max || b.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}

	if b.delay > 0 {
		time.Sleep(b.delay)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	snapshot := make([]float32, len(samples))
	copy(snapshot, samples)
	b.samples = append(b.samples, snapshot)
	b.opts = append(b.opts, opts)

	if b.failures > 0 {
		b.failures--
		return nil, errors.New("backend unavailable")
	}

	text := "hello"
	if len(b.texts) > 0 {
		text = b.texts[0]
		b.texts = b.texts[1:]
	}
	return &transcriber.Result{
		Segments: []transcriber.Segment{{Text: text}},
		Language: "en",
	}, nil
}

func (b *stubBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *stubBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

func (b *stubBackend) call(i int) ([]float32, transcriber.Options) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.samples[i], b.opts[i]
}

// recordingTyper captures typed output instead of synthesizing keystrokes.
type recordingTyper struct {
	mu    sync.Mutex
	typed []string
	err   error
}

func (r *recordingTyper) Type(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.typed = append(r.typed, text)
	return nil
}

func (r *recordingTyper) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.typed...)
}

type testHarness struct {
	ctrl        *Controller
	backend     *stubBackend
	typer       *recordingTyper
	transcripts chan string
	levels      chan float64
	chunks      chan string // trigger reasons
	dropped     chan string // drop reasons

	mu       sync.Mutex
	statuses []string
}

func (h *testHarness) statusLog() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.statuses...)
}

func newHarness(t *testing.T, backend *stubBackend, cfg Config) *testHarness {
	t.Helper()
	h := &testHarness{
		backend:     backend,
		typer:       &recordingTyper{},
		transcripts: make(chan string, 32),
		levels:      make(chan float64, 1024),
		chunks:      make(chan string, 32),
		dropped:     make(chan string, 32),
	}

	events := Events{
		Transcript: func(text string) { h.transcripts <- text },
		Status: func(msg string) {
			h.mu.Lock()
			h.statuses = append(h.statuses, msg)
			h.mu.Unlock()
		},
		AudioLevel: func(level float64) {
			select {
			case h.levels <- level:
			default:
			}
		},
		Chunk:        func(frames, samples int, reason string) { h.chunks <- reason },
		ChunkDropped: func(samples int, reason string) { h.dropped <- reason },
	}

	resolve := func(modelRef string) (transcriber.Backend, error) {
		return backend, nil
	}

	m := metrics.New(prometheus.NewRegistry())
	h.ctrl = New(resolve, h.typer, m, events)
	require.NoError(t, h.ctrl.Configure(cfg))
	return h
}

// testConfig is tuned for fast tests: short poll, no typing grace period,
// VAD off unless a test turns it on.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.TypeDelay = 0
	cfg.VADEnabled = false
	return cfg
}

// constantFrame builds a frame whose mean absolute level equals the given
// value.
func constantFrame(level float32, n int) []float32 {
	frame := make([]float32, n)
	for i := range frame {
		frame[i] = level
	}
	return frame
}

func waitTranscript(t *testing.T, h *testHarness) string {
	t.Helper()
	select {
	case text := <-h.transcripts:
		return text
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transcript")
		return ""
	}
}

func waitReason(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case reason := <-ch:
		return reason
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for chunk event")
		return ""
	}
}

func TestBufferFullTrigger(t *testing.T) {
	backend := &stubBackend{}
	h := newHarness(t, backend, testConfig())
	require.NoError(t, h.ctrl.Start())
	defer h.ctrl.Stop()

	// Speech-level frames below the loud fast path threshold.
	for i := 0; i < 5; i++ {
		h.ctrl.SubmitFrame(constantFrame(0.02, 160))
	}

	assert.Equal(t, "hello", waitTranscript(t, h))
	assert.Equal(t, "buffer_full", waitReason(t, h.chunks))

	samples, _ := backend.call(0)
	assert.Len(t, samples, 5*160, "chunk should concatenate all buffered frames")
	assert.Equal(t, 1, backend.callCount())
}

func TestLoudFrameTriggersImmediately(t *testing.T) {
	backend := &stubBackend{}
	h := newHarness(t, backend, testConfig())
	require.NoError(t, h.ctrl.Start())
	defer h.ctrl.Stop()

	// 0.05 > threshold (0.01) * 3, so a single frame is enough.
	h.ctrl.SubmitFrame(constantFrame(0.05, 160))

	assert.Equal(t, "hello", waitTranscript(t, h))
	assert.Equal(t, "loud_frame", waitReason(t, h.chunks))

	samples, _ := backend.call(0)
	assert.Len(t, samples, 160)
}

func TestSilenceRunFlushesBuffer(t *testing.T) {
	backend := &stubBackend{}
	cfg := testConfig()
	cfg.BufferMaxFrames = 20 // keep the size trigger out of the way
	h := newHarness(t, backend, cfg)
	require.NoError(t, h.ctrl.Start())
	defer h.ctrl.Stop()

	h.ctrl.SubmitFrame(constantFrame(0.02, 160))
	h.ctrl.SubmitFrame(constantFrame(0.02, 160))
	for i := 0; i < 5; i++ {
		h.ctrl.SubmitFrame(constantFrame(0.001, 160))
	}

	assert.Equal(t, "hello", waitTranscript(t, h))
	assert.Equal(t, "silence_flush", waitReason(t, h.chunks))

	// The flush fires on the 5th silent frame, not later.
	samples, _ := backend.call(0)
	assert.Len(t, samples, 7*160, "flush should include the trailing silence")
}

func TestSilenceAloneDoesNotFlush(t *testing.T) {
	backend := &stubBackend{}
	cfg := testConfig()
	cfg.BufferMaxFrames = 20
	h := newHarness(t, backend, cfg)
	require.NoError(t, h.ctrl.Start())
	defer h.ctrl.Stop()

	// A lone silent frame must not be flushed even after a long run.
	h.ctrl.SubmitFrame(constantFrame(0.001, 160))

	select {
	case <-h.chunks:
		t.Fatal("single-frame buffer must not flush on silence")
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, 0, backend.callCount())
}

func TestPauseDiscardsFramesButReportsLevel(t *testing.T) {
	backend := &stubBackend{}
	h := newHarness(t, backend, testConfig())
	require.NoError(t, h.ctrl.Start())
	defer h.ctrl.Stop()

	require.True(t, h.ctrl.Pause())
	assert.Equal(t, StatePaused, h.ctrl.State())

	for len(h.levels) > 0 {
		<-h.levels
	}
	h.ctrl.SubmitFrame(constantFrame(0.05, 160))

	select {
	case level := <-h.levels:
		assert.InDelta(t, 0.05, level, 1e-6, "level meter stays live while paused")
	case <-time.After(time.Second):
		t.Fatal("no level event while paused")
	}

	select {
	case <-h.transcripts:
		t.Fatal("paused controller must not transcribe")
	case <-time.After(200 * time.Millisecond):
	}

	require.False(t, h.ctrl.Resume())
	h.ctrl.SubmitFrame(constantFrame(0.05, 160))
	assert.Equal(t, "hello", waitTranscript(t, h))

	// Frames submitted while paused were discarded, not buffered: the
	// post-resume chunk holds only the post-resume frame.
	samples, _ := backend.call(0)
	assert.Len(t, samples, 160)
}

func TestStopWaitsForInFlightCall(t *testing.T) {
	backend := &stubBackend{delay: 150 * time.Millisecond}
	h := newHarness(t, backend, testConfig())
	require.NoError(t, h.ctrl.Start())

	h.ctrl.SubmitFrame(constantFrame(0.05, 160))
	time.Sleep(30 * time.Millisecond) // let the loop enter the backend call

	h.ctrl.Stop()

	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Equal(t, 1, backend.callCount(), "in-flight call completes, no new calls start")
	assert.Equal(t, "hello", waitTranscript(t, h))
}

func TestBackendCallsNeverOverlap(t *testing.T) {
	backend := &stubBackend{delay: 40 * time.Millisecond}
	h := newHarness(t, backend, testConfig())
	require.NoError(t, h.ctrl.Start())
	defer h.ctrl.Stop()

	for i := 0; i < 3; i++ {
		h.ctrl.SubmitFrame(constantFrame(0.05, 160))
	}
	for i := 0; i < 3; i++ {
		waitTranscript(t, h)
	}

	assert.Equal(t, int32(1), backend.maxInFlight.Load())
	assert.Equal(t, 3, backend.callCount())
}

func TestContextWindowFeedsPrompt(t *testing.T) {
	backend := &stubBackend{texts: []string{"alpha", "bravo", "charlie", "delta"}}
	cfg := testConfig()
	cfg.ContextSize = 2
	h := newHarness(t, backend, cfg)
	require.NoError(t, h.ctrl.Start())
	defer h.ctrl.Stop()

	for i := 0; i < 4; i++ {
		h.ctrl.SubmitFrame(constantFrame(0.05, 160))
		waitTranscript(t, h)
	}

	_, first := backend.call(0)
	assert.NotContains(t, first.Prompt, "alpha", "first call has no accumulated context")

	_, third := backend.call(2)
	assert.Contains(t, third.Prompt, "alpha bravo")

	_, fourth := backend.call(3)
	assert.Contains(t, fourth.Prompt, "bravo charlie")
	assert.NotContains(t, fourth.Prompt, "alpha", "oldest entry evicted past the window bound")
}

func TestContextDisabledWhenZero(t *testing.T) {
	backend := &stubBackend{texts: []string{"alpha", "bravo"}}
	cfg := testConfig()
	cfg.ContextSize = 0
	h := newHarness(t, backend, cfg)
	require.NoError(t, h.ctrl.Start())
	defer h.ctrl.Stop()

	h.ctrl.SubmitFrame(constantFrame(0.05, 160))
	waitTranscript(t, h)
	h.ctrl.SubmitFrame(constantFrame(0.05, 160))
	waitTranscript(t, h)

	_, second := backend.call(1)
	assert.NotContains(t, second.Prompt, "alpha")
}

func TestRetryUsesOriginalSamples(t *testing.T) {
	backend := &stubBackend{failures: 1}
	cfg := testConfig()
	cfg.NoiseReduction = true
	h := newHarness(t, backend, cfg)
	require.NoError(t, h.ctrl.Start())
	defer h.ctrl.Stop()

	h.ctrl.SubmitFrame(constantFrame(0.05, 160))

	assert.Equal(t, "hello", waitTranscript(t, h))
	require.Equal(t, 2, backend.callCount())

	first, _ := backend.call(0)
	retry, _ := backend.call(1)
	// Pre-emphasis plus peak normalization pushes the first sample of a
	// constant signal to 1.0; the retry must carry the raw capture.
	assert.InDelta(t, 1.0, first[0], 1e-6)
	assert.InDelta(t, 0.05, retry[0], 1e-6)
	for _, v := range retry {
		assert.InDelta(t, 0.05, v, 1e-6)
	}
}

func TestChunkDroppedAfterRetryFails(t *testing.T) {
	backend := &stubBackend{failures: 2}
	h := newHarness(t, backend, testConfig())
	require.NoError(t, h.ctrl.Start())
	defer h.ctrl.Stop()

	h.ctrl.SubmitFrame(constantFrame(0.05, 160))

	require.Eventually(t, func() bool {
		for _, s := range h.statusLog() {
			if strings.Contains(s, "transcription failed") {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 2, backend.callCount(), "exactly one retry")
	select {
	case <-h.transcripts:
		t.Fatal("failed chunk must not produce a transcript")
	default:
	}
}

func TestVoiceGateDropsNoiseChunks(t *testing.T) {
	backend := &stubBackend{}
	cfg := testConfig()
	cfg.VADEnabled = true
	h := newHarness(t, backend, cfg)
	require.NoError(t, h.ctrl.Start())
	defer h.ctrl.Stop()

	// Sub-threshold frames still assemble a chunk via the size trigger,
	// but the gate rejects it before the backend sees it.
	for i := 0; i < 5; i++ {
		h.ctrl.SubmitFrame(constantFrame(0.001, 160))
	}

	assert.Equal(t, "no_speech", waitReason(t, h.dropped))
	assert.Equal(t, 0, backend.callCount())
}

func TestHallucinationNotTypedOrEmitted(t *testing.T) {
	backend := &stubBackend{texts: []string{"Thank you.", "real words"}}
	h := newHarness(t, backend, testConfig())
	require.NoError(t, h.ctrl.Start())
	defer h.ctrl.Stop()

	h.ctrl.SubmitFrame(constantFrame(0.05, 160))
	h.ctrl.SubmitFrame(constantFrame(0.05, 160))

	assert.Equal(t, "real words", waitTranscript(t, h))
	assert.Equal(t, []string{"real words "}, h.typer.all())
}

func TestTypedOutputAppendsSpace(t *testing.T) {
	backend := &stubBackend{texts: []string{"hello world"}}
	h := newHarness(t, backend, testConfig())
	require.NoError(t, h.ctrl.Start())
	defer h.ctrl.Stop()

	h.ctrl.SubmitFrame(constantFrame(0.05, 160))
	waitTranscript(t, h)

	require.Eventually(t, func() bool {
		return len(h.typer.all()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "hello world ", h.typer.all()[0])
}

func TestAutoTypeDisabled(t *testing.T) {
	backend := &stubBackend{}
	cfg := testConfig()
	cfg.AutoType = false
	h := newHarness(t, backend, cfg)
	require.NoError(t, h.ctrl.Start())
	defer h.ctrl.Stop()

	h.ctrl.SubmitFrame(constantFrame(0.05, 160))
	waitTranscript(t, h)

	assert.Empty(t, h.typer.all(), "transcript still emitted but nothing typed")
}

func TestTypingFailureDoesNotStopPipeline(t *testing.T) {
	backend := &stubBackend{texts: []string{"one", "two"}}
	h := newHarness(t, backend, testConfig())
	h.typer.err = errors.New("no display")
	require.NoError(t, h.ctrl.Start())
	defer h.ctrl.Stop()

	h.ctrl.SubmitFrame(constantFrame(0.05, 160))
	assert.Equal(t, "one", waitTranscript(t, h))
	h.ctrl.SubmitFrame(constantFrame(0.05, 160))
	assert.Equal(t, "two", waitTranscript(t, h))
}

func TestConfigureValidation(t *testing.T) {
	backend := &stubBackend{}
	h := newHarness(t, backend, testConfig())

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"context size above bound", func(c *Config) { c.ContextSize = 6 }, "contextSize"},
		{"negative context size", func(c *Config) { c.ContextSize = -1 }, "contextSize"},
		{"zero threshold", func(c *Config) { c.SensitivityThreshold = 0 }, "sensitivityThreshold"},
		{"zero buffer", func(c *Config) { c.BufferMaxFrames = 0 }, "bufferMaxFrames"},
		{"zero silence run", func(c *Config) { c.MaxSilenceFrames = 0 }, "maxSilenceFrames"},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }, "pollInterval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := h.ctrl.Configure(cfg)
			require.Error(t, err)
			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestConfigureWhileListening(t *testing.T) {
	backend := &stubBackend{}
	cfg := testConfig()
	h := newHarness(t, backend, cfg)
	require.NoError(t, h.ctrl.Start())
	defer h.ctrl.Stop()

	cfg.BufferMaxFrames = 2
	require.NoError(t, h.ctrl.Configure(cfg))

	require.Eventually(t, func() bool {
		h.ctrl.SubmitFrame(constantFrame(0.02, 160))
		h.ctrl.SubmitFrame(constantFrame(0.02, 160))
		select {
		case <-h.transcripts:
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond, "smaller buffer applies at the next loop iteration")
}

func TestStartIdempotent(t *testing.T) {
	backend := &stubBackend{}
	h := newHarness(t, backend, testConfig())
	require.NoError(t, h.ctrl.Start())
	defer h.ctrl.Stop()

	require.NoError(t, h.ctrl.Start())
	assert.Equal(t, StateListening, h.ctrl.State())
}

func TestStartFailsOnUnresolvableModel(t *testing.T) {
	resolve := func(modelRef string) (transcriber.Backend, error) {
		return nil, fmt.Errorf("unknown model %q", modelRef)
	}
	m := metrics.New(prometheus.NewRegistry())
	c := New(resolve, &recordingTyper{}, m, Events{})

	err := c.Start()
	require.Error(t, err)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, StateIdle, c.State())
}

func TestCalibrateRequiresListening(t *testing.T) {
	backend := &stubBackend{}
	h := newHarness(t, backend, testConfig())

	_, err := h.ctrl.Calibrate(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrNotListening)
}

func TestCalibrateSetsThresholdFromAmbient(t *testing.T) {
	backend := &stubBackend{}
	h := newHarness(t, backend, testConfig())
	require.NoError(t, h.ctrl.Start())
	defer h.ctrl.Stop()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				h.ctrl.SubmitFrame(constantFrame(0.02, 160))
			}
		}
	}()

	threshold, err := h.ctrl.Calibrate(100 * time.Millisecond)
	close(stop)
	wg.Wait()

	require.NoError(t, err)
	// Twice the ambient RMS energy of a constant 0.02 signal.
	assert.InDelta(t, 0.04, threshold, 1e-6)
	assert.InDelta(t, 0.04, h.ctrl.Config().SensitivityThreshold, 1e-6)

	select {
	case <-h.transcripts:
		t.Fatal("calibration frames must not be transcribed")
	default:
	}
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "listening", StateListening.String())
	assert.Equal(t, "paused", StatePaused.String())
	assert.Equal(t, "stopping", StateStopping.String())
}
