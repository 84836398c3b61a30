// Package capture produces fixed-size microphone frames. The hardware path
// goes through PortAudio; the Source interface keeps the pipeline testable
// without an input device.
package capture

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/sirupsen/logrus"
)

// FrameHandler receives one frame of mono float32 samples. It is invoked
// from the audio callback and must do O(1) work and return quickly.
type FrameHandler func(samples []float32)

// Source is an audio frame producer.
type Source interface {
	// Start opens the stream and begins delivering frames to handler.
	Start(handler FrameHandler) error

	// Stop closes the stream. Safe to call once after a successful Start.
	Stop() error
}

// Microphone captures from the default input device.
type Microphone struct {
	sampleRate int
	frameSize  int

	mu     sync.Mutex
	stream *portaudio.Stream
	log    *logrus.Entry
}

// NewMicrophone creates a capture source producing frameSize-sample mono
// frames at sampleRate.
func NewMicrophone(sampleRate, frameSize int) *Microphone {
	return &Microphone{
		sampleRate: sampleRate,
		frameSize:  frameSize,
		log: logrus.WithFields(logrus.Fields{
			"sample_rate": sampleRate,
			"frame_size":  frameSize,
		}),
	}
}

// Start opens the default input stream. The PortAudio buffer is reused
// between callbacks, so each frame is copied before it is handed off.
func (m *Microphone) Start(handler FrameHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream != nil {
		return fmt.Errorf("capture: already started")
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("capture: initialize portaudio: %w", err)
	}

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(m.sampleRate), m.frameSize,
		func(in []float32) {
			frame := make([]float32, len(in))
			copy(frame, in)
			handler(frame)
		})
	if err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("capture: open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("capture: start input stream: %w", err)
	}

	m.stream = stream
	m.log.Info("Microphone capture started")
	return nil
}

// Stop closes the stream and releases PortAudio.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream == nil {
		return nil
	}
	if err := m.stream.Stop(); err != nil {
		m.log.WithError(err).Warn("Failed to stop input stream")
	}
	if err := m.stream.Close(); err != nil {
		m.log.WithError(err).Warn("Failed to close input stream")
	}
	m.stream = nil

	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("capture: terminate portaudio: %w", err)
	}
	m.log.Info("Microphone capture stopped")
	return nil
}
