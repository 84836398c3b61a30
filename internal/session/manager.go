// Package session records accepted transcripts into dictation sessions and
// exports them as JSON.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager holds dictation sessions. At most one session is active at a
// time; accepted transcripts are recorded into it.
type Manager struct {
	sessions  map[string]*Session
	activeID  string
	exportDir string
	mu        sync.RWMutex
}

// Session is one dictation run, from start() to stop().
type Session struct {
	ID          string       `json:"id"`
	StartTime   time.Time    `json:"startTime"`
	EndTime     *time.Time   `json:"endTime,omitempty"`
	Transcripts []Transcript `json:"transcripts"`
}

// Transcript is a single accepted segment.
type Transcript struct {
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

// NewManager creates an empty session store. Exports are written to dir;
// an empty dir means "exports".
func NewManager(dir string) *Manager {
	if dir == "" {
		dir = "exports"
	}
	return &Manager{
		sessions:  make(map[string]*Session),
		exportDir: dir,
	}
}

// StartSession creates a new session and returns its ID.
func (m *Manager) StartSession() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	session := &Session{
		ID:          uuid.New().String(),
		StartTime:   time.Now(),
		Transcripts: []Transcript{},
	}
	m.sessions[session.ID] = session
	return session.ID
}

// Begin starts a new session and makes it the active one.
func (m *Manager) Begin() string {
	id := m.StartSession()
	m.mu.Lock()
	m.activeID = id
	m.mu.Unlock()
	return id
}

// Record appends a transcript to the active session. A no-op when no
// session is active, so dictation works without session tracking.
func (m *Manager) Record(text string) {
	m.mu.RLock()
	id := m.activeID
	m.mu.RUnlock()
	if id == "" {
		return
	}
	_ = m.AddTranscript(id, text)
}

// End closes the active session and returns its ID, or "" if none was
// active.
func (m *Manager) End() string {
	m.mu.Lock()
	id := m.activeID
	m.activeID = ""
	m.mu.Unlock()
	if id != "" {
		_ = m.EndSession(id)
	}
	return id
}

// ActiveID returns the current active session ID, or "".
func (m *Manager) ActiveID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeID
}

// AddTranscript appends an accepted segment to a session.
func (m *Manager) AddTranscript(sessionID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		return fmt.Errorf("session %s not found", sessionID)
	}
	session.Transcripts = append(session.Transcripts, Transcript{
		Timestamp: time.Now(),
		Text:      text,
	})
	return nil
}

// EndSession marks a session as ended.
func (m *Manager) EndSession(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		return fmt.Errorf("session %s not found", sessionID)
	}
	now := time.Now()
	session.EndTime = &now
	return nil
}

// GetSession retrieves a session by ID.
func (m *Manager) GetSession(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	return session, nil
}

// ListSessions returns all sessions.
func (m *Manager) ListSessions() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, *session)
	}
	return sessions
}

// ExportSession writes a session to the export directory as JSON and
// returns the file path.
func (m *Manager) ExportSession(sessionID string) (string, error) {
	session, err := m.GetSession(sessionID)
	if err != nil {
		return "", err
	}

	exportDir := m.exportDir
	// #nosec G301 - export directory is meant to be readable
	if err := os.MkdirAll(exportDir, 0750); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}

	filename := fmt.Sprintf("session_%s_%s.json", session.ID, session.StartTime.Format("20060102_150405"))
	path := filepath.Join(exportDir, filename)

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return "", fmt.Errorf("error marshaling session: %w", err)
	}
	// #nosec G306 - export files are meant to be readable by the user
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("error writing file: %w", err)
	}
	return path, nil
}
