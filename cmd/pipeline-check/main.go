// pipeline-check runs synthetic audio through the full dictation pipeline
// with the mock backend, verifying triggering, voice gating, filtering, and
// typed output end to end without touching a microphone or a model.
package main

import (
	"fmt"
	"log"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicetype/voicetype/internal/controller"
	"github.com/voicetype/voicetype/internal/metrics"
	"github.com/voicetype/voicetype/internal/typer"
	"github.com/voicetype/voicetype/pkg/transcriber"
)

const (
	sampleRate = 16000
	frameSize  = 1600 // 100 ms
)

func toneFrame(freq float64, amplitude float32) []float32 {
	frame := make([]float32, frameSize)
	for i := range frame {
		frame[i] = amplitude * float32(math.Sin(2*math.Pi*freq*float64(i)/sampleRate))
	}
	return frame
}

func silentFrame() []float32 {
	return make([]float32, frameSize)
}

func main() {
	fmt.Println("Voicetype Pipeline Check")
	fmt.Println("========================")

	fmt.Println("\n1. Creating pipeline with mock backend...")
	backend := &transcriber.MockBackend{Text: "synthetic speech"}
	resolve := func(string) (transcriber.Backend, error) { return backend, nil }

	transcripts := make(chan string, 16)
	chunks := make(chan string, 16)
	dropped := make(chan string, 16)
	events := controller.Events{
		Transcript:   func(text string) { transcripts <- text },
		Chunk:        func(frames, samples int, reason string) { chunks <- reason },
		ChunkDropped: func(samples int, reason string) { dropped <- reason },
	}

	ctrl := controller.New(resolve, typer.NullTyper{}, metrics.New(prometheus.NewRegistry()), events)

	cfg := controller.DefaultConfig()
	cfg.TypeDelay = 0
	cfg.PollInterval = 50 * time.Millisecond
	if err := ctrl.Configure(cfg); err != nil {
		log.Fatalf("❌ Configure failed: %v", err)
	}
	fmt.Println("✅ Pipeline created")

	fmt.Println("\n2. Starting controller...")
	if err := ctrl.Start(); err != nil {
		log.Fatalf("❌ Start failed: %v", err)
	}
	fmt.Printf("✅ State: %s\n", ctrl.State())

	fmt.Println("\n3. Feeding a tone burst (should transcribe)...")
	for i := 0; i < cfg.BufferMaxFrames; i++ {
		ctrl.SubmitFrame(toneFrame(440, 0.03))
	}
	select {
	case reason := <-chunks:
		fmt.Printf("✅ Chunk assembled (%s)\n", reason)
	case <-time.After(2 * time.Second):
		log.Fatal("❌ No chunk assembled from tone burst")
	}
	select {
	case text := <-transcripts:
		fmt.Printf("✅ Transcript: %q\n", text)
	case <-time.After(2 * time.Second):
		log.Fatal("❌ No transcript from tone burst")
	}

	fmt.Println("\n4. Feeding silence (should be gated)...")
	for i := 0; i < cfg.BufferMaxFrames; i++ {
		ctrl.SubmitFrame(silentFrame())
	}
	select {
	case reason := <-dropped:
		fmt.Printf("✅ Chunk dropped (%s)\n", reason)
	case <-time.After(2 * time.Second):
		log.Fatal("❌ Silent chunk was not gated")
	}

	fmt.Println("\n5. Pause discards frames...")
	ctrl.Pause()
	ctrl.SubmitFrame(toneFrame(440, 0.05))
	select {
	case <-transcripts:
		log.Fatal("❌ Paused pipeline produced a transcript")
	case <-time.After(300 * time.Millisecond):
		fmt.Println("✅ Nothing transcribed while paused")
	}
	ctrl.Resume()

	fmt.Println("\n6. Calibration from ambient noise...")
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.Now().Add(600 * time.Millisecond)
		for time.Now().Before(deadline) {
			<-ticker.C
			ctrl.SubmitFrame(toneFrame(440, 0.005))
		}
	}()
	threshold, err := ctrl.Calibrate(400 * time.Millisecond)
	if err != nil {
		log.Fatalf("❌ Calibration failed: %v", err)
	}
	fmt.Printf("✅ Threshold calibrated to %g\n", threshold)

	fmt.Println("\n7. Graceful shutdown...")
	start := time.Now()
	ctrl.Stop()
	fmt.Printf("✅ Stopped cleanly in %v (backend calls: %d)\n", time.Since(start).Round(time.Millisecond), backend.Calls())

	fmt.Println("\n========================")
	fmt.Println("All pipeline checks passed")
}
