package persistence

import (
	"errors"
	"fmt"
)

var (
	// ErrNoState indicates no usable persisted resume state exists. Absent,
	// malformed and incomplete documents all map here; callers start fresh.
	ErrNoState = errors.New("no persisted state")

	// ErrIncompleteState indicates a State with empty required fields was
	// handed to Encode.
	ErrIncompleteState = errors.New("incomplete persisted state")

	// ErrRecordNotFound indicates no history record exists for the workflow id.
	ErrRecordNotFound = errors.New("deployment record not found")
)

// StateError wraps resume-state codec and store errors with operation context.
type StateError struct {
	Op      string // Operation being performed (e.g., "Load", "Save", "Decode")
	Path    string // Backing file path if applicable
	Err     error  // Underlying error
	Message string // Additional context message
}

func (e *StateError) Error() string {
	target := ""
	if e.Path != "" {
		target = fmt.Sprintf(" %s", e.Path)
	}

	if e.Message != "" {
		return fmt.Sprintf("%s persisted state%s: %s (%v)", e.Op, target, e.Message, e.Err)
	}

	return fmt.Sprintf("%s persisted state%s: %v", e.Op, target, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for state errors.
func (e *StateError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsNoState checks if an error means no persisted state is available.
func IsNoState(err error) bool {
	return errors.Is(err, ErrNoState)
}

// IsRecordNotFound checks if an error indicates a missing history record.
func IsRecordNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound)
}
