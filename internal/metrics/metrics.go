// Package metrics holds the Prometheus instrumentation for the capture and
// transcription pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all pipeline metrics. Create one per registry; tests use
// a private registry to avoid duplicate registration.
type Metrics struct {
	FramesReceived  prometheus.Counter
	FramesDiscarded prometheus.Counter
	IntakeDepth     prometheus.Gauge
	AudioLevel      prometheus.Gauge

	ChunksAssembled *prometheus.CounterVec
	ChunksDropped   *prometheus.CounterVec

	BackendCalls    prometheus.Counter
	BackendRetries  prometheus.Counter
	BackendFailures prometheus.Counter
	BackendDuration prometheus.Histogram

	SegmentsFiltered   prometheus.Counter
	TranscriptsEmitted prometheus.Counter
	TypingFailures     prometheus.Counter
}

// New creates and registers all metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicetype_frames_received_total",
			Help: "Total number of audio frames submitted to the intake queue",
		}),
		FramesDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicetype_frames_discarded_total",
			Help: "Total number of frames discarded while paused or not listening",
		}),
		IntakeDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicetype_intake_depth",
			Help: "Current number of frames queued for the controller loop",
		}),
		AudioLevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicetype_audio_level",
			Help: "Mean absolute amplitude of the most recent frame",
		}),
		ChunksAssembled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicetype_chunks_assembled_total",
			Help: "Total number of chunks assembled, by trigger reason",
		}, []string{"reason"}),
		ChunksDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicetype_chunks_dropped_total",
			Help: "Total number of assembled chunks dropped before transcription",
		}, []string{"reason"}),
		BackendCalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicetype_backend_calls_total",
			Help: "Total number of transcription backend invocations",
		}),
		BackendRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicetype_backend_retries_total",
			Help: "Total number of single-retry attempts after a failed backend call",
		}),
		BackendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicetype_backend_failures_total",
			Help: "Total number of chunks dropped after the retry also failed",
		}),
		BackendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicetype_backend_duration_seconds",
			Help:    "Latency of transcription backend calls",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		SegmentsFiltered: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicetype_segments_filtered_total",
			Help: "Total number of segments dropped by the hallucination filter",
		}),
		TranscriptsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicetype_transcripts_emitted_total",
			Help: "Total number of accepted transcript segments",
		}),
		TypingFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicetype_typing_failures_total",
			Help: "Total number of typed-output dispatch failures",
		}),
	}
}
