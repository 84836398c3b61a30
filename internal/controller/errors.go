package controller

import (
	"errors"
	"fmt"
)

// ErrNotListening is returned by operations that need a running controller
// loop.
var ErrNotListening = errors.New("controller is not listening")

// ConfigurationError reports an invalid configuration or an unresolvable
// model reference. Surfaced to the caller; the controller stays in its
// current state.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error (%s): %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// BackendCallError reports a transcription call that failed after its single
// retry. The affected chunk is dropped; the loop continues.
type BackendCallError struct {
	Err error
}

func (e *BackendCallError) Error() string {
	return fmt.Sprintf("backend call failed: %v", e.Err)
}

func (e *BackendCallError) Unwrap() error {
	return e.Err
}

// PreprocessingError reports a preprocessing failure. Never surfaced; the
// chunk falls back to its unmodified samples.
type PreprocessingError struct {
	Err error
}

func (e *PreprocessingError) Error() string {
	return fmt.Sprintf("preprocessing failed: %v", e.Err)
}

func (e *PreprocessingError) Unwrap() error {
	return e.Err
}

// TypedOutputError reports a typed-output dispatch failure. Logged, never
// fatal, never retried.
type TypedOutputError struct {
	Err error
}

func (e *TypedOutputError) Error() string {
	return fmt.Sprintf("typed output failed: %v", e.Err)
}

func (e *TypedOutputError) Unwrap() error {
	return e.Err
}
