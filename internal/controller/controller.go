// Package controller implements the capture-and-transcription pipeline: it
// owns the audio intake queue, decides when enough audio has accumulated to
// justify a transcription call, screens chunks for voice activity, forwards
// them to the configured backend, filters known hallucinations, and drives
// the typed-output side effect. The loop runs on its own goroutine so an
// in-flight backend call never stalls capture or the commanding caller.
package controller

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voicetype/voicetype/internal/audio"
	"github.com/voicetype/voicetype/internal/metrics"
	"github.com/voicetype/voicetype/internal/typer"
	"github.com/voicetype/voicetype/pkg/transcriber"
)

// State is the controller lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateListening
	StatePaused
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	default:
		return "idle"
	}
}

// Events are the controller's observable outputs. All callbacks are
// optional and invoked synchronously from the controller loop (except
// AudioLevel, invoked from the producer), so transcript order matches
// backend call order.
type Events struct {
	Transcript   func(text string)
	Status       func(message string)
	AudioLevel   func(level float64)
	Chunk        func(frames, samples int, reason string)
	ChunkDropped func(samples int, reason string)
}

func (e Events) emitTranscript(text string) {
	if e.Transcript != nil {
		e.Transcript(text)
	}
}

func (e Events) emitStatus(message string) {
	if e.Status != nil {
		e.Status(message)
	}
}

func (e Events) emitAudioLevel(level float64) {
	if e.AudioLevel != nil {
		e.AudioLevel(level)
	}
}

func (e Events) emitChunk(frames, samples int, reason string) {
	if e.Chunk != nil {
		e.Chunk(frames, samples, reason)
	}
}

func (e Events) emitChunkDropped(samples int, reason string) {
	if e.ChunkDropped != nil {
		e.ChunkDropped(samples, reason)
	}
}

// Resolver turns a model reference into a usable backend handle. Injected
// so tests can substitute doubles and multiple controllers can coexist.
type Resolver func(modelRef string) (transcriber.Backend, error)

// frame is one intake entry; the level is computed on the producer side so
// the audio callback stays O(1).
type frame struct {
	samples []float32
	level   float64
}

type configUpdate struct {
	cfg     Config
	backend transcriber.Backend
}

type calibrateRequest struct {
	duration time.Duration
	reply    chan float64
}

type command struct {
	update    *configUpdate
	calibrate *calibrateRequest
}

const (
	intakeCapacity = 256
	intakeTimeout  = 100 * time.Millisecond
	cmdCapacity    = 8
)

// Controller converts a stream of audio frames into transcription calls and
// typed output. All shared pipeline state (buffer, silence counter, context
// window) is owned by the loop goroutine; external callers interact through
// the intake and command channels and a handful of atomics.
type Controller struct {
	resolve Resolver
	out     typer.Typer
	events  Events
	metrics *metrics.Metrics
	log     *logrus.Entry

	state  atomic.Int32
	paused atomic.Bool

	frames chan frame
	cmds   chan command
	stopCh chan struct{}
	done   chan struct{}

	// mu guards cfg and backend between runs; the loop takes copies at
	// start and receives later changes via cmds.
	mu      sync.Mutex
	cfg     Config
	backend transcriber.Backend

	// Loop-owned chunking state. Never touched outside run().
	buffer     [][]float32
	bufSamples int
	silenceRun int
	contextWin []string
	gate       *audio.SpeechGate
}

// New creates an idle controller. out and m must not be nil; use
// typer.NullTyper and a private registry in tests.
func New(resolve Resolver, out typer.Typer, m *metrics.Metrics, events Events) *Controller {
	return &Controller{
		resolve: resolve,
		out:     out,
		events:  events,
		metrics: m,
		log:     logrus.WithField("component", "controller"),
		frames:  make(chan frame, intakeCapacity),
		cmds:    make(chan command, cmdCapacity),
		cfg:     DefaultConfig(),
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Config returns the most recently applied configuration.
func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Configure validates and applies a new configuration. The model reference
// is resolved here so a bad reference surfaces immediately as a
// ConfigurationError; everything else takes effect at the next trigger
// boundary and never interrupts an in-flight backend call.
func (c *Controller) Configure(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	c.mu.Lock()
	needResolve := c.backend == nil || cfg.ModelRef != c.cfg.ModelRef
	c.mu.Unlock()

	var newBackend transcriber.Backend
	if needResolve {
		b, err := c.resolve(cfg.ModelRef)
		if err != nil {
			return &ConfigurationError{Field: "modelRef", Err: err}
		}
		newBackend = b
	}

	c.mu.Lock()
	c.cfg = cfg
	var retired transcriber.Backend
	if newBackend != nil {
		retired = c.backend
		c.backend = newBackend
	}
	backend := c.backend
	c.mu.Unlock()

	if c.State() == StateIdle {
		// Loop not running; the retired backend cannot be mid-call.
		if retired != nil {
			c.closeBackend(retired)
		}
		return nil
	}

	update := &configUpdate{cfg: cfg, backend: backend}
	select {
	case c.cmds <- command{update: update}:
	case <-c.done:
		if retired != nil {
			c.closeBackend(retired)
		}
	}
	c.log.Info("Configuration updated")
	return nil
}

// Start transitions Idle to Listening and launches the loop. Idempotent:
// calling it while already listening is a no-op.
func (c *Controller) Start() error {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateListening)) {
		return nil
	}

	c.mu.Lock()
	if c.backend == nil {
		b, err := c.resolve(c.cfg.ModelRef)
		if err != nil {
			c.mu.Unlock()
			c.state.Store(int32(StateIdle))
			return &ConfigurationError{Field: "modelRef", Err: err}
		}
		c.backend = b
	}
	c.mu.Unlock()

	c.paused.Store(false)
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})
	go c.run()

	c.events.emitStatus("Listening... Speak now!")
	return nil
}

// Pause stops buffering: frames arriving while paused are discarded at
// admission, not queued. Returns the new paused state.
func (c *Controller) Pause() bool {
	if c.state.CompareAndSwap(int32(StateListening), int32(StatePaused)) {
		c.paused.Store(true)
		c.events.emitStatus("Paused")
	}
	return c.paused.Load()
}

// Resume re-enables buffering after Pause. Returns the new paused state.
func (c *Controller) Resume() bool {
	if c.state.CompareAndSwap(int32(StatePaused), int32(StateListening)) {
		c.paused.Store(false)
		c.events.emitStatus("Listening... Speak now!")
	}
	return c.paused.Load()
}

// Stop drains the loop and returns once it has fully quiesced: no backend
// call is started after Stop is observed, and a call already in flight is
// allowed to complete. The wait is bounded by the poll interval plus one
// backend call.
func (c *Controller) Stop() {
	if c.state.CompareAndSwap(int32(StateListening), int32(StateStopping)) ||
		c.state.CompareAndSwap(int32(StatePaused), int32(StateStopping)) {
		close(c.stopCh)
		<-c.done
		c.paused.Store(false)
		c.state.Store(int32(StateIdle))
		c.events.emitStatus("Transcription stopped")
		return
	}
	// A concurrent Stop won the transition; wait for it to finish.
	if c.State() == StateStopping {
		<-c.done
	}
}

// SubmitFrame is called by the audio producer. It does O(1) work: compute
// the level, report it, and enqueue the frame. Frames are discarded while
// paused or not listening; the level is still reported so meters stay live.
func (c *Controller) SubmitFrame(samples []float32) {
	level := audio.MeanAbs(samples)
	c.metrics.FramesReceived.Inc()
	c.metrics.AudioLevel.Set(level)
	c.events.emitAudioLevel(level)

	if c.State() != StateListening {
		c.metrics.FramesDiscarded.Inc()
		return
	}

	select {
	case c.frames <- frame{samples: samples, level: level}:
		c.metrics.IntakeDepth.Set(float64(len(c.frames)))
	case <-time.After(intakeTimeout):
		c.metrics.FramesDiscarded.Inc()
		c.log.Warn("Intake queue full, frame dropped")
	}
}

// Calibrate measures ambient audio for the given duration (default 2 s) and
// sets the sensitivity threshold to twice the measured energy, clamped to
// the usable range. Frames consumed during calibration are not buffered for
// transcription. Returns the new threshold.
func (c *Controller) Calibrate(duration time.Duration) (float64, error) {
	if c.State() != StateListening {
		return 0, ErrNotListening
	}
	if duration <= 0 {
		duration = 2 * time.Second
	}

	reply := make(chan float64, 1)
	select {
	case c.cmds <- command{calibrate: &calibrateRequest{duration: duration, reply: reply}}:
	case <-c.done:
		return 0, ErrNotListening
	}
	select {
	case threshold := <-reply:
		return threshold, nil
	case <-c.done:
		return 0, ErrNotListening
	}
}

// calibration accumulates ambient energy measurements until its deadline.
type calibration struct {
	deadline time.Time
	sum      float64
	count    int
	reply    chan float64
}

func (cal *calibration) mean() float64 {
	if cal.count == 0 {
		return 0
	}
	return cal.sum / float64(cal.count)
}

// run is the controller loop. It owns buffer, silence counter, context
// window, and gate, and is the only goroutine that invokes the backend.
func (c *Controller) run() {
	defer close(c.done)

	c.mu.Lock()
	cfg := c.cfg
	backend := c.backend
	c.mu.Unlock()

	c.buffer = nil
	c.bufSamples = 0
	c.silenceRun = 0
	c.contextWin = nil
	c.gate = audio.NewSpeechGate(cfg.SensitivityThreshold)

	var cal *calibration

	for {
		select {
		case <-c.stopCh:
			return

		case cmd := <-c.cmds:
			if cmd.update != nil {
				if cmd.update.backend != backend {
					retired := backend
					backend = cmd.update.backend
					c.closeBackend(retired)
				}
				if cmd.update.cfg.SensitivityThreshold != cfg.SensitivityThreshold {
					c.gate.Recalibrate(cmd.update.cfg.SensitivityThreshold)
				}
				cfg = cmd.update.cfg
			}
			if cmd.calibrate != nil {
				cal = &calibration{
					deadline: time.Now().Add(cmd.calibrate.duration),
					reply:    cmd.calibrate.reply,
				}
				c.events.emitStatus("Calibrating... stay quiet")
			}

		case f := <-c.frames:
			c.metrics.IntakeDepth.Set(float64(len(c.frames)))
			if cal != nil {
				cal.sum += audio.Energy(f.samples)
				cal.count++
				if !time.Now().Before(cal.deadline) {
					cal = c.finishCalibration(&cfg, cal)
				}
				continue
			}
			if c.paused.Load() {
				continue
			}
			c.handleFrame(cfg, backend, f)

		case <-time.After(cfg.PollInterval):
			if cal != nil && !time.Now().Before(cal.deadline) {
				cal = c.finishCalibration(&cfg, cal)
			}
		}
	}
}

func (c *Controller) finishCalibration(cfg *Config, cal *calibration) *calibration {
	threshold := audio.CalibrateThreshold(cal.mean())
	cfg.SensitivityThreshold = threshold
	c.gate.Recalibrate(threshold)

	c.mu.Lock()
	c.cfg.SensitivityThreshold = threshold
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"frames":    cal.count,
		"threshold": threshold,
	}).Info("Calibration complete")
	c.events.emitStatus("Calibration complete")
	cal.reply <- threshold
	return nil
}

// handleFrame applies the admission and chunking rules to one accepted
// frame and, on trigger, assembles and processes a chunk.
func (c *Controller) handleFrame(cfg Config, backend transcriber.Backend, f frame) {
	c.buffer = append(c.buffer, f.samples)
	c.bufSamples += len(f.samples)
	if f.level < cfg.SensitivityThreshold {
		c.silenceRun++
	} else {
		c.silenceRun = 0
	}

	var reason string
	switch {
	case len(c.buffer) >= cfg.BufferMaxFrames:
		reason = "buffer_full"
	case f.level > cfg.SensitivityThreshold*loudTriggerFactor:
		reason = "loud_frame"
	case c.silenceRun >= cfg.MaxSilenceFrames && len(c.buffer) > 1:
		reason = "silence_flush"
	default:
		return
	}

	chunk := make([]float32, 0, c.bufSamples)
	for _, fr := range c.buffer {
		chunk = append(chunk, fr...)
	}
	frameCount := len(c.buffer)
	c.buffer = nil
	c.bufSamples = 0
	c.silenceRun = 0

	c.metrics.ChunksAssembled.WithLabelValues(reason).Inc()
	c.events.emitChunk(frameCount, len(chunk), reason)
	c.log.WithFields(logrus.Fields{
		"frames":  frameCount,
		"samples": len(chunk),
		"reason":  reason,
	}).Debug("Chunk assembled")

	c.processChunk(cfg, backend, chunk)
}

// processChunk screens, preprocesses, transcribes, filters, and emits one
// chunk. Errors here are terminal for the chunk only; the loop continues.
func (c *Controller) processChunk(cfg Config, backend transcriber.Backend, chunk []float32) {
	if cfg.VADEnabled && !c.gate.IsSpeech(chunk) {
		c.metrics.ChunksDropped.WithLabelValues("no_speech").Inc()
		c.events.emitChunkDropped(len(chunk), "no_speech")
		c.log.Debug("Chunk dropped: no speech detected")
		return
	}

	samples := chunk
	if cfg.NoiseReduction {
		processed, err := audio.PreEmphasize(chunk, audio.DefaultPreEmphasis)
		if err != nil {
			c.log.WithError(&PreprocessingError{Err: err}).Warn("Preprocessing failed, using raw samples")
		} else {
			samples = processed
		}
	}

	opts := transcriber.Options{
		Language:     cfg.backendLanguage(),
		Prompt:       transcriber.AssemblePrompt(cfg.InitialPrompt, c.contextWin),
		HighAccuracy: cfg.HighAccuracy,
	}

	start := time.Now()
	c.metrics.BackendCalls.Inc()
	result, err := backend.Transcribe(context.Background(), samples, opts)
	if err != nil {
		// The one retry in the system: once, with the unmodified samples.
		c.metrics.BackendRetries.Inc()
		c.metrics.BackendCalls.Inc()
		result, err = backend.Transcribe(context.Background(), chunk, opts)
	}
	c.metrics.BackendDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		c.metrics.BackendFailures.Inc()
		callErr := &BackendCallError{Err: err}
		c.log.WithError(callErr).Error("Transcription failed, dropping chunk")
		c.events.emitStatus("transcription failed: " + err.Error())
		return
	}

	accepted := 0
	for _, seg := range result.Segments {
		text := transcriber.FilterSegment(seg.Text)
		if text == "" {
			if strings.TrimSpace(seg.Text) != "" {
				c.metrics.SegmentsFiltered.Inc()
				c.log.WithField("text", seg.Text).Debug("Segment dropped by hallucination filter")
			}
			continue
		}

		accepted++
		c.metrics.TranscriptsEmitted.Inc()
		c.events.emitTranscript(text)
		c.pushContext(cfg.ContextSize, text)

		if cfg.AutoType {
			if cfg.TypeDelay > 0 {
				// Grace period so a target input field can gain focus.
				time.Sleep(cfg.TypeDelay)
			}
			if err := c.out.Type(text + " "); err != nil {
				c.metrics.TypingFailures.Inc()
				c.log.WithError(&TypedOutputError{Err: err}).Warn("Typed output failed")
			}
		}
	}

	if accepted == 0 {
		c.log.Debug("No text transcribed from chunk")
	}
}

// pushContext appends an accepted segment to the rolling context window,
// evicting the oldest entries beyond the configured bound.
func (c *Controller) pushContext(size int, text string) {
	if size <= 0 {
		c.contextWin = nil
		return
	}
	c.contextWin = append(c.contextWin, text)
	if len(c.contextWin) > size {
		c.contextWin = c.contextWin[len(c.contextWin)-size:]
	}
}

func (c *Controller) closeBackend(b transcriber.Backend) {
	if b == nil {
		return
	}
	if err := b.Close(); err != nil {
		c.log.WithError(err).Warn("Failed to close retired backend")
	}
}

// Close releases the current backend. Call after Stop when the controller
// is no longer needed.
func (c *Controller) Close() error {
	c.mu.Lock()
	backend := c.backend
	c.backend = nil
	c.mu.Unlock()

	if backend != nil {
		return backend.Close()
	}
	return nil
}
