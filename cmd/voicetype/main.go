package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gen2brain/beeep"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/voicetype/voicetype/internal/capture"
	"github.com/voicetype/voicetype/internal/config"
	"github.com/voicetype/voicetype/internal/controller"
	"github.com/voicetype/voicetype/internal/eventstream"
	"github.com/voicetype/voicetype/internal/feedback"
	"github.com/voicetype/voicetype/internal/mcp"
	"github.com/voicetype/voicetype/internal/metrics"
	"github.com/voicetype/voicetype/internal/session"
	"github.com/voicetype/voicetype/internal/typer"
	"github.com/voicetype/voicetype/pkg/transcriber"
)

var (
	configPath string
	modelRef   string
	language   string
	noStart    bool
)

func init() {
	flag.StringVar(&configPath, "config", "", "Path to YAML config file")
	flag.StringVar(&modelRef, "model", "", "Transcription backend: mock, an http(s) endpoint, or a model file path")
	flag.StringVar(&language, "language", "", "Whisper language code, or auto")
	flag.BoolVar(&noStart, "no-start", false, "Do not begin listening at launch; wait for the start_listening tool")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		logrus.WithError(err).Debug("Error loading .env file, using environment variables")
	}
}

func main() {
	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	// Flags win over file and environment.
	if modelRef != "" {
		cfg.Pipeline.Model = modelRef
	}
	if language != "" {
		if !config.ValidLanguage(language) {
			logrus.WithField("language", language).Fatal("Unknown language code")
		}
		cfg.Pipeline.Language = strings.ToLower(language)
	}

	setupLogging(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer cancel()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	bus := feedback.NewBus(256)
	defer bus.Close()

	sessions := session.NewManager(cfg.Sessions.ExportDir)

	out, err := typer.New(cfg.Typer.Mode, cfg.Typer.Path)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize typed output")
	}
	logrus.WithField("mode", cfg.Typer.Mode).Info("Typed output ready")

	resolver := backendResolver(cfg)

	events := controller.Events{
		Transcript: func(text string) {
			bus.Publish(feedback.EventTranscript, feedback.TranscriptData{Text: text})
			sessions.Record(text)
		},
		Status: func(message string) {
			bus.Publish(feedback.EventStatus, feedback.StatusData{Message: message})
			if cfg.Notify {
				_ = beeep.Notify("voicetype", message, "")
			}
		},
		AudioLevel: func(level float64) {
			bus.Publish(feedback.EventAudioLevel, feedback.AudioLevelData{Level: level})
		},
		Chunk: func(frames, samples int, reason string) {
			bus.Publish(feedback.EventChunkAssembled, feedback.ChunkData{Frames: frames, Samples: samples, Reason: reason})
		},
		ChunkDropped: func(samples int, reason string) {
			bus.Publish(feedback.EventChunkDropped, feedback.ChunkData{Samples: samples, Reason: reason})
		},
	}

	ctrl := controller.New(resolver, out, m, events)
	if err := ctrl.Configure(pipelineConfig(cfg)); err != nil {
		logrus.WithError(err).Fatal("Invalid pipeline configuration")
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close transcription backend")
		}
	}()

	mic := capture.NewMicrophone(cfg.Audio.SampleRate, cfg.Audio.FrameSize)
	if err := mic.Start(ctrl.SubmitFrame); err != nil {
		logrus.WithError(err).Fatal("Failed to open microphone")
	}
	defer func() {
		if err := mic.Stop(); err != nil {
			logrus.WithError(err).Warn("Failed to close microphone")
		}
	}()

	if !noStart {
		if err := ctrl.Start(); err != nil {
			logrus.WithError(err).Fatal("Failed to start listening")
		}
		sessions.Begin()
		logrus.Info("Listening. Speak now!")
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.EventsAddr != "" {
		stream := eventstream.New(cfg.Server.EventsAddr, bus, registry)
		g.Go(func() error {
			return stream.Run(gctx)
		})
	}

	if cfg.Server.MCP {
		mcpServer := mcp.NewServer(ctrl, sessions)
		g.Go(func() error {
			return mcpServer.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		ctrl.Stop()
		sessions.End()
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Fatal("Server error")
	}
	logrus.Info("Shutting down gracefully...")
}

func setupLogging(cfg config.LogConfig) {
	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch strings.ToLower(cfg.Level) {
	case "trace":
		logrus.SetLevel(logrus.TraceLevel)
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}

// backendResolver maps a model reference onto a backend: "mock" for the
// canned backend, an http(s) URL for a remote inference server, anything
// else is treated as a local whisper model path.
func backendResolver(cfg config.Config) controller.Resolver {
	return func(modelRef string) (transcriber.Backend, error) {
		switch {
		case modelRef == "mock":
			logrus.Info("Using mock transcription backend")
			return &transcriber.MockBackend{Text: "This is a mock transcription."}, nil
		case strings.HasPrefix(modelRef, "http://"), strings.HasPrefix(modelRef, "https://"):
			logrus.WithField("endpoint", modelRef).Info("Using remote transcription backend")
			return transcriber.NewRemoteBackend(modelRef, cfg.Pipeline.APIKey, cfg.Audio.SampleRate), nil
		default:
			if _, err := os.Stat(modelRef); err != nil {
				return nil, fmt.Errorf("model file %s: %w", modelRef, err)
			}
			logrus.WithField("model", modelRef).Info("Using local whisper backend")
			return transcriber.NewWhisperBackend(modelRef)
		}
	}
}

func pipelineConfig(cfg config.Config) controller.Config {
	c := controller.DefaultConfig()
	c.ModelRef = cfg.Pipeline.Model
	c.Language = cfg.Pipeline.Language
	c.InitialPrompt = cfg.Pipeline.InitialPrompt
	c.HighAccuracy = cfg.Pipeline.HighAccuracy
	c.NoiseReduction = cfg.Pipeline.NoiseReduction
	c.VADEnabled = cfg.Pipeline.VAD
	c.AutoType = cfg.Pipeline.AutoType
	c.ContextSize = cfg.Pipeline.ContextSize
	c.SensitivityThreshold = cfg.Pipeline.SensitivityThreshold
	c.BufferMaxFrames = cfg.Pipeline.BufferMaxFrames
	c.MaxSilenceFrames = cfg.Pipeline.MaxSilenceFrames
	c.TypeDelay = cfg.Pipeline.TypeDelay
	return c
}
