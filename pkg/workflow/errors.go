package workflow

import (
	"errors"
	"fmt"

	"github.com/edgekit/updagent/pkg/models"
)

// Internal-consistency errors. These abort the current operation with a
// generic failure result but never crash the agent process.
var (
	// ErrInvalidWorkflowStep indicates the transition table has no entry for
	// the node's current step.
	ErrInvalidWorkflowStep = errors.New("no transition table entry for workflow step")

	// ErrUnsupportedAction indicates an inbound action the driver does not
	// recognize. Distinct from a normal failure so the dispatch boundary can
	// tell "unknown verb" apart from "known verb failed".
	ErrUnsupportedAction = errors.New("unsupported update action")

	// ErrCompletionInProgress indicates a completion callback itself reported
	// an in-progress result.
	ErrCompletionInProgress = errors.New("completion callback reported an in-progress result")

	// ErrNoHandler indicates no content handler is registered for the
	// manifest's update type.
	ErrNoHandler = errors.New("no content handler registered for update type")
)

// ParseError wraps a payload or manifest parse/validation failure with the
// extended result code to report. A node is never partially adopted after a
// ParseError.
type ParseError struct {
	Field        string
	ExtendedCode models.ExtendedResultCode
	Err          error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("parse deployment payload: %s: %v", e.Field, e.Err)
	}

	return fmt.Sprintf("parse deployment payload: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func newParseError(field string, erc models.ExtendedResultCode, err error) *ParseError {
	return &ParseError{Field: field, ExtendedCode: erc, Err: err}
}

// ExtendedCodeOf extracts the extended result code to report for a parse
// failure, falling back to the generic bad-payload code.
func ExtendedCodeOf(err error) models.ExtendedResultCode {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.ExtendedCode
	}

	return models.ERCBadPayload
}
