package mcp

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicetype/voicetype/internal/controller"
	"github.com/voicetype/voicetype/internal/metrics"
	"github.com/voicetype/voicetype/internal/session"
	"github.com/voicetype/voicetype/internal/typer"
	"github.com/voicetype/voicetype/pkg/transcriber"
)

func newTestServer(t *testing.T) (*Server, *controller.Controller, *session.Manager) {
	t.Helper()

	resolve := func(modelRef string) (transcriber.Backend, error) {
		return &transcriber.MockBackend{Text: "hello"}, nil
	}
	ctrl := controller.New(resolve, typer.NullTyper{}, metrics.New(prometheus.NewRegistry()), controller.Events{})
	sessions := session.NewManager(t.TempDir())

	srv := NewServer(ctrl, sessions)
	require.NotNil(t, srv)
	require.NotNil(t, srv.mcpServer)
	return srv, ctrl, sessions
}

func TestStartAndStopListening(t *testing.T) {
	srv, ctrl, sessions := newTestServer(t)
	ctx := context.Background()

	result, _, err := srv.handleStartListening(ctx, nil, emptyInput{})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, controller.StateListening, ctrl.State())
	assert.NotEmpty(t, sessions.ActiveID())

	result, _, err = srv.handleStopListening(ctx, nil, emptyInput{})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, controller.StateIdle, ctrl.State())
	assert.Empty(t, sessions.ActiveID())
}

func TestStartListeningReusesActiveSession(t *testing.T) {
	srv, _, sessions := newTestServer(t)
	ctx := context.Background()

	_, _, err := srv.handleStartListening(ctx, nil, emptyInput{})
	require.NoError(t, err)
	first := sessions.ActiveID()

	_, _, err = srv.handleStartListening(ctx, nil, emptyInput{})
	require.NoError(t, err)
	assert.Equal(t, first, sessions.ActiveID())

	_, _, _ = srv.handleStopListening(ctx, nil, emptyInput{})
}

func TestPauseAndResume(t *testing.T) {
	srv, ctrl, _ := newTestServer(t)
	ctx := context.Background()

	// Pausing while idle reports there is nothing to pause.
	result, _, err := srv.handlePauseListening(ctx, nil, emptyInput{})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, controller.StateIdle, ctrl.State())

	_, _, err = srv.handleStartListening(ctx, nil, emptyInput{})
	require.NoError(t, err)
	defer func() { _, _, _ = srv.handleStopListening(ctx, nil, emptyInput{}) }()

	_, _, err = srv.handlePauseListening(ctx, nil, emptyInput{})
	require.NoError(t, err)
	assert.Equal(t, controller.StatePaused, ctrl.State())

	_, _, err = srv.handleResumeListening(ctx, nil, emptyInput{})
	require.NoError(t, err)
	assert.Equal(t, controller.StateListening, ctrl.State())
}

func TestConfigurePartialUpdate(t *testing.T) {
	srv, ctrl, _ := newTestServer(t)
	ctx := context.Background()

	lang := "de"
	size := 2
	result, _, err := srv.handleConfigure(ctx, nil, configureInput{
		Language:    &lang,
		ContextSize: &size,
	})
	require.NoError(t, err)
	assert.False(t, result.IsError)

	cfg := ctrl.Config()
	assert.Equal(t, "de", cfg.Language)
	assert.Equal(t, 2, cfg.ContextSize)
	// Untouched fields keep their previous values.
	assert.Equal(t, "mock", cfg.ModelRef)
	assert.True(t, cfg.VADEnabled)
}

func TestConfigureRejectsBadValues(t *testing.T) {
	srv, ctrl, _ := newTestServer(t)
	ctx := context.Background()
	before := ctrl.Config()

	lang := "klingon"
	result, _, err := srv.handleConfigure(ctx, nil, configureInput{Language: &lang})
	require.NoError(t, err)
	assert.True(t, result.IsError)

	size := 9
	result, _, err = srv.handleConfigure(ctx, nil, configureInput{ContextSize: &size})
	require.NoError(t, err)
	assert.True(t, result.IsError)

	assert.Equal(t, before, ctrl.Config(), "rejected configure must not change anything")
}

func TestCalibrateRequiresListening(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()

	result, _, err := srv.handleCalibrate(ctx, nil, calibrateInput{DurationSeconds: 0.05})
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestGetTranscriptNonExistentSession(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()

	result, _, err := srv.handleGetTranscript(ctx, nil, sessionInput{SessionID: "missing"})
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestListAndExportSessions(t *testing.T) {
	srv, _, sessions := newTestServer(t)
	ctx := context.Background()

	result, _, err := srv.handleListSessions(ctx, nil, emptyInput{})
	require.NoError(t, err)
	assert.False(t, result.IsError)

	id := sessions.Begin()
	sessions.Record("hello world")
	sessions.End()

	result, _, err = srv.handleGetTranscript(ctx, nil, sessionInput{SessionID: id})
	require.NoError(t, err)
	assert.False(t, result.IsError)

	result, _, err = srv.handleExportSession(ctx, nil, sessionInput{SessionID: id})
	require.NoError(t, err)
	assert.False(t, result.IsError)
}
