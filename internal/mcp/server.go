// Package mcp exposes the dictation pipeline as MCP tools over stdio so an
// agent or editor can drive listening, tune the pipeline, and read back
// session transcripts.
package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/voicetype/voicetype/internal/config"
	"github.com/voicetype/voicetype/internal/controller"
	"github.com/voicetype/voicetype/internal/session"
)

// Server wires the controller and session store into an MCP stdio server.
type Server struct {
	ctrl      *controller.Controller
	sessions  *session.Manager
	mcpServer *mcp.Server
	log       *logrus.Entry
}

// NewServer creates the MCP server and registers all tools.
func NewServer(ctrl *controller.Controller, sessions *session.Manager) *Server {
	s := &Server{
		ctrl:     ctrl,
		sessions: sessions,
		log:      logrus.WithField("component", "mcp"),
	}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "voicetype",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "start_listening",
		Description: "Start capturing and transcribing microphone audio",
	}, s.handleStartListening)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "stop_listening",
		Description: "Stop transcription and close the current session",
	}, s.handleStopListening)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "pause_listening",
		Description: "Pause transcription without ending the session",
	}, s.handlePauseListening)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "resume_listening",
		Description: "Resume transcription after a pause",
	}, s.handleResumeListening)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "get_status",
		Description: "Get the pipeline state and active configuration",
	}, s.handleGetStatus)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "configure",
		Description: "Change pipeline settings; omitted fields keep their current value",
	}, s.handleConfigure)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "calibrate",
		Description: "Measure ambient noise and set the sensitivity threshold from it",
	}, s.handleCalibrate)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "list_sessions",
		Description: "List all dictation sessions",
	}, s.handleListSessions)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "get_transcript",
		Description: "Get the transcript of a session",
	}, s.handleGetTranscript)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "export_session",
		Description: "Export a session to a JSON file",
	}, s.handleExportSession)

	s.mcpServer = srv
	return s
}

// Run serves MCP over stdio until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("MCP server listening on stdio")
	return s.mcpServer.Run(ctx, &mcp.StdioTransport{})
}

func textResult(format string, args ...interface{}) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
	}
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
		IsError: true,
	}
}

type emptyInput struct{}

func (s *Server) handleStartListening(ctx context.Context, req *mcp.CallToolRequest, in emptyInput) (*mcp.CallToolResult, any, error) {
	if err := s.ctrl.Start(); err != nil {
		return errorResult(err), nil, nil
	}
	id := s.sessions.ActiveID()
	if id == "" {
		id = s.sessions.Begin()
	}
	return textResult("Listening. Session %s started.", id), nil, nil
}

func (s *Server) handleStopListening(ctx context.Context, req *mcp.CallToolRequest, in emptyInput) (*mcp.CallToolResult, any, error) {
	s.ctrl.Stop()
	if id := s.sessions.End(); id != "" {
		return textResult("Stopped. Session %s closed.", id), nil, nil
	}
	return textResult("Stopped."), nil, nil
}

func (s *Server) handlePauseListening(ctx context.Context, req *mcp.CallToolRequest, in emptyInput) (*mcp.CallToolResult, any, error) {
	if s.ctrl.Pause() {
		return textResult("Paused."), nil, nil
	}
	return textResult("Not listening; nothing to pause."), nil, nil
}

func (s *Server) handleResumeListening(ctx context.Context, req *mcp.CallToolRequest, in emptyInput) (*mcp.CallToolResult, any, error) {
	if !s.ctrl.Resume() && s.ctrl.State() == controller.StateListening {
		return textResult("Listening."), nil, nil
	}
	return textResult("Not paused; nothing to resume."), nil, nil
}

func (s *Server) handleGetStatus(ctx context.Context, req *mcp.CallToolRequest, in emptyInput) (*mcp.CallToolResult, any, error) {
	cfg := s.ctrl.Config()
	var b strings.Builder
	fmt.Fprintf(&b, "State: %s\n", s.ctrl.State())
	if id := s.sessions.ActiveID(); id != "" {
		fmt.Fprintf(&b, "Session: %s\n", id)
	}
	fmt.Fprintf(&b, "Model: %s\n", cfg.ModelRef)
	fmt.Fprintf(&b, "Language: %s\n", cfg.Language)
	fmt.Fprintf(&b, "High accuracy: %t\n", cfg.HighAccuracy)
	fmt.Fprintf(&b, "Noise reduction: %t\n", cfg.NoiseReduction)
	fmt.Fprintf(&b, "VAD: %t\n", cfg.VADEnabled)
	fmt.Fprintf(&b, "Auto-type: %t\n", cfg.AutoType)
	fmt.Fprintf(&b, "Context size: %d\n", cfg.ContextSize)
	fmt.Fprintf(&b, "Sensitivity threshold: %g\n", cfg.SensitivityThreshold)
	return textResult("%s", b.String()), nil, nil
}

// configureInput exposes every controller tunable as optional; nil means
// keep the current value.
type configureInput struct {
	Model                *string  `json:"model,omitempty" jsonschema:"transcription backend: mock, an http(s) endpoint, or a model file path"`
	Language             *string  `json:"language,omitempty" jsonschema:"whisper language code, or auto"`
	InitialPrompt        *string  `json:"initial_prompt,omitempty" jsonschema:"guidance text prepended to every transcription call"`
	HighAccuracy         *bool    `json:"high_accuracy,omitempty" jsonschema:"widen the decode beam at the cost of latency"`
	NoiseReduction       *bool    `json:"noise_reduction,omitempty" jsonschema:"apply pre-emphasis before transcription"`
	VAD                  *bool    `json:"vad,omitempty" jsonschema:"drop chunks without detected speech"`
	AutoType             *bool    `json:"auto_type,omitempty" jsonschema:"type accepted transcripts as keystrokes"`
	ContextSize          *int     `json:"context_size,omitempty" jsonschema:"rolling context window size, 0-5 segments"`
	SensitivityThreshold *float64 `json:"sensitivity_threshold,omitempty" jsonschema:"frame level below which audio counts as silence"`
	BufferMaxFrames      *int     `json:"buffer_max_frames,omitempty" jsonschema:"frames buffered before a forced transcription"`
	MaxSilenceFrames     *int     `json:"max_silence_frames,omitempty" jsonschema:"consecutive silent frames that flush the buffer"`
}

func (s *Server) handleConfigure(ctx context.Context, req *mcp.CallToolRequest, in configureInput) (*mcp.CallToolResult, any, error) {
	cfg := s.ctrl.Config()

	if in.Model != nil {
		cfg.ModelRef = *in.Model
	}
	if in.Language != nil {
		if !config.ValidLanguage(*in.Language) {
			return errorResult(fmt.Errorf("unknown language code %q", *in.Language)), nil, nil
		}
		cfg.Language = strings.ToLower(*in.Language)
	}
	if in.InitialPrompt != nil {
		cfg.InitialPrompt = *in.InitialPrompt
	}
	if in.HighAccuracy != nil {
		cfg.HighAccuracy = *in.HighAccuracy
	}
	if in.NoiseReduction != nil {
		cfg.NoiseReduction = *in.NoiseReduction
	}
	if in.VAD != nil {
		cfg.VADEnabled = *in.VAD
	}
	if in.AutoType != nil {
		cfg.AutoType = *in.AutoType
	}
	if in.ContextSize != nil {
		cfg.ContextSize = *in.ContextSize
	}
	if in.SensitivityThreshold != nil {
		cfg.SensitivityThreshold = *in.SensitivityThreshold
	}
	if in.BufferMaxFrames != nil {
		cfg.BufferMaxFrames = *in.BufferMaxFrames
	}
	if in.MaxSilenceFrames != nil {
		cfg.MaxSilenceFrames = *in.MaxSilenceFrames
	}

	if err := s.ctrl.Configure(cfg); err != nil {
		return errorResult(err), nil, nil
	}
	return textResult("Configuration updated."), nil, nil
}

type calibrateInput struct {
	DurationSeconds float64 `json:"duration_seconds,omitempty" jsonschema:"how long to sample ambient noise, default 2"`
}

func (s *Server) handleCalibrate(ctx context.Context, req *mcp.CallToolRequest, in calibrateInput) (*mcp.CallToolResult, any, error) {
	duration := time.Duration(in.DurationSeconds * float64(time.Second))
	threshold, err := s.ctrl.Calibrate(duration)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return textResult("Calibrated. Sensitivity threshold is now %g.", threshold), nil, nil
}

func (s *Server) handleListSessions(ctx context.Context, req *mcp.CallToolRequest, in emptyInput) (*mcp.CallToolResult, any, error) {
	sessions := s.sessions.ListSessions()
	if len(sessions) == 0 {
		return textResult("No sessions."), nil, nil
	}

	var b strings.Builder
	for _, sess := range sessions {
		status := "active"
		if sess.EndTime != nil {
			status = "ended"
		}
		fmt.Fprintf(&b, "%s  started %s  %s  %d transcripts\n",
			sess.ID, sess.StartTime.Format(time.RFC3339), status, len(sess.Transcripts))
	}
	return textResult("%s", b.String()), nil, nil
}

type sessionInput struct {
	SessionID string `json:"session_id" jsonschema:"the session to operate on"`
}

func (s *Server) handleGetTranscript(ctx context.Context, req *mcp.CallToolRequest, in sessionInput) (*mcp.CallToolResult, any, error) {
	sess, err := s.sessions.GetSession(in.SessionID)
	if err != nil {
		return errorResult(err), nil, nil
	}
	if len(sess.Transcripts) == 0 {
		return textResult("Session %s has no transcripts yet.", sess.ID), nil, nil
	}

	var b strings.Builder
	for _, tr := range sess.Transcripts {
		fmt.Fprintf(&b, "[%s] %s\n", tr.Timestamp.Format("15:04:05"), tr.Text)
	}
	return textResult("%s", b.String()), nil, nil
}

func (s *Server) handleExportSession(ctx context.Context, req *mcp.CallToolRequest, in sessionInput) (*mcp.CallToolResult, any, error) {
	path, err := s.sessions.ExportSession(in.SessionID)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return textResult("Session exported to %s.", path), nil, nil
}
