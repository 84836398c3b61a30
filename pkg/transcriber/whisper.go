package transcriber

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/sirupsen/logrus"
)

// WhisperBackend runs whisper.cpp locally through the Go bindings. The model
// is loaded once and shared; each call gets a fresh decode context because
// contexts are not reentrant.
type WhisperBackend struct {
	model whisper.Model
	log   *logrus.Entry
}

// NewWhisperBackend loads a whisper.cpp model from the given path.
func NewWhisperBackend(modelPath string) (*WhisperBackend, error) {
	model, err := whisper.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	logrus.WithField("model", modelPath).Info("Whisper model loaded")
	return &WhisperBackend{
		model: model,
		log:   logrus.WithField("backend", "whisper"),
	}, nil
}

// Transcribe runs one inference over the chunk and collects its segments.
func (b *WhisperBackend) Transcribe(ctx context.Context, samples []float32, opts Options) (*Result, error) {
	wctx, err := b.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: create context: %w", err)
	}

	language := opts.Language
	if language == "" {
		language = "auto"
	}
	if err := wctx.SetLanguage(language); err != nil {
		b.log.WithError(err).WithField("language", language).
			Warn("Failed to set language, using model default")
	}
	if opts.Prompt != "" {
		wctx.SetInitialPrompt(opts.Prompt)
	}
	wctx.SetBeamSize(opts.BeamSize())

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper: process audio: %w", err)
	}

	var segments []Segment
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		segments = append(segments, Segment{
			Text:  text,
			Start: seg.Start.Seconds(),
			End:   seg.End.Seconds(),
		})
	}

	detected := wctx.DetectedLanguage()
	if detected == "" {
		if opts.Language != "" {
			detected = opts.Language
		} else {
			detected = FallbackLanguage
		}
	}

	return &Result{Segments: segments, Language: detected, Confidence: 1.0}, nil
}

// Close releases the model.
func (b *WhisperBackend) Close() error {
	if b.model != nil {
		return b.model.Close()
	}
	return nil
}
