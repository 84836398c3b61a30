// Package typer provides the typed-output side effect: delivering accepted
// transcript text into whatever window currently has focus.
package typer

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/atotto/clipboard"
	"github.com/micmonay/keybd_event"
	"github.com/sirupsen/logrus"
)

// Typer dispatches transcribed text. Implementations are fallible; callers
// log failures and continue.
type Typer interface {
	Type(text string) error
}

// New builds a Typer by kind. Supported kinds: "keyboard" (clipboard-paste
// keystroke injection), "file" (append to path), "none".
func New(kind, path string) (Typer, error) {
	switch kind {
	case "keyboard", "":
		return NewClipboardTyper()
	case "file":
		if path == "" {
			return nil, fmt.Errorf("typer: file output requires a path")
		}
		return &FileTyper{Path: path}, nil
	case "none":
		return NullTyper{}, nil
	default:
		return nil, fmt.Errorf("typer: unknown output kind %q (supported: keyboard, file, none)", kind)
	}
}

// ClipboardTyper injects text by writing it to the clipboard and sending a
// paste keystroke, restoring the previous clipboard contents afterwards.
// Direct per-character synthesis cannot express arbitrary unicode, paste
// can.
type ClipboardTyper struct {
	kb  keybd_event.KeyBonding
	log *logrus.Entry
}

// NewClipboardTyper prepares the paste key binding.
func NewClipboardTyper() (*ClipboardTyper, error) {
	kb, err := keybd_event.NewKeyBonding()
	if err != nil {
		return nil, fmt.Errorf("typer: init key binding: %w", err)
	}
	// The uinput device needs a moment to register before the first event.
	if runtime.GOOS == "linux" {
		time.Sleep(2 * time.Second)
	}
	kb.SetKeys(keybd_event.VK_V)
	if runtime.GOOS == "darwin" {
		kb.HasSuper(true)
	} else {
		kb.HasCTRL(true)
	}
	return &ClipboardTyper{
		kb:  kb,
		log: logrus.WithField("typer", "keyboard"),
	}, nil
}

// Type pastes text into the focused window.
func (t *ClipboardTyper) Type(text string) error {
	previous, prevErr := clipboard.ReadAll()
	if prevErr != nil {
		t.log.WithError(prevErr).Debug("Could not read clipboard, skipping restore")
	}

	if err := clipboard.WriteAll(text); err != nil {
		return fmt.Errorf("typer: write clipboard: %w", err)
	}
	if err := t.kb.Launching(); err != nil {
		return fmt.Errorf("typer: send paste keystroke: %w", err)
	}

	// Let the target application consume the paste before the clipboard is
	// put back.
	time.Sleep(50 * time.Millisecond)
	if prevErr == nil {
		if err := clipboard.WriteAll(previous); err != nil {
			t.log.WithError(err).Debug("Failed to restore clipboard")
		}
	}
	return nil
}

// FileTyper appends transcribed text to a file.
type FileTyper struct {
	Path string
}

// Type appends text to the configured file.
func (t *FileTyper) Type(text string) error {
	// #nosec G304 - path comes from local configuration
	f, err := os.OpenFile(t.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("typer: open %s: %w", t.Path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(text); err != nil {
		return fmt.Errorf("typer: append to %s: %w", t.Path, err)
	}
	return nil
}

// NullTyper discards text. Used when auto-type is disabled at the output
// layer and in tests.
type NullTyper struct{}

// Type does nothing.
func (NullTyper) Type(string) error {
	return nil
}
