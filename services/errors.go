package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when a lookup matches nothing.
	ErrNotFound = errors.New("not found")

	// ErrCredentialMissing means no active credential exists for the
	// deployment's provider.
	ErrCredentialMissing = errors.New("no active API key configured for provider")
)

// ValidationError is a caller-fixable request problem. Nothing is persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// UpstreamError is a transport failure, timeout or non-2xx answer from the
// provider during a synchronous call.
type UpstreamError struct {
	StatusCode int
	Cause      error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream returned status %d: %v", e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("upstream call failed: %v", e.Cause)
}

func (e *UpstreamError) Unwrap() error { return e.Cause }

// PersistenceError wraps a failed store write. The unit of work that hit it
// has been rolled back.
type PersistenceError struct {
	Op    string
	Cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }

// StreamUnavailableError means the provider stream could not be opened.
// Nothing was received, so there is nothing to discard.
type StreamUnavailableError struct {
	Cause error
}

func (e *StreamUnavailableError) Error() string {
	return fmt.Sprintf("streaming call failed: %v", e.Cause)
}

func (e *StreamUnavailableError) Unwrap() error { return e.Cause }

// StreamInterruptedError means an open provider stream broke mid-flight.
// Fragments accumulated so far are discarded.
type StreamInterruptedError struct {
	Cause error
}

func (e *StreamInterruptedError) Error() string {
	return fmt.Sprintf("stream interrupted: %v", e.Cause)
}

func (e *StreamInterruptedError) Unwrap() error { return e.Cause }
