// Package session provides standardized error types for session store operations.
package session

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyActive indicates a session exists and must be reset before another is created.
	ErrAlreadyActive = errors.New("analysis session already active")

	// ErrNoActiveSession indicates an operation needs a session but none was created or restored.
	ErrNoActiveSession = errors.New("no active analysis session")

	// ErrOutOfRange indicates a step index outside the catalog bounds.
	ErrOutOfRange = errors.New("step out of range")

	// ErrUnknownWorkflow indicates the workflow kind has no step table.
	ErrUnknownWorkflow = errors.New("workflow kind not in catalog")

	// ErrKindMismatch indicates the active session belongs to another workflow kind.
	ErrKindMismatch = errors.New("active session has a different workflow kind")

	// ErrStepIncomplete indicates the step's completion predicate does not hold for the payload.
	ErrStepIncomplete = errors.New("step is not complete")
)

// StepError wraps step-related errors with the offending index and the valid bound.
type StepError struct {
	Op    string // Operation being performed (e.g., "GoTo", "MarkVisited")
	Step  int    // Requested step
	Total int    // Number of steps of the active workflow
	Err   error  // Underlying error
}

func (e *StepError) Error() string {
	if errors.Is(e.Err, ErrOutOfRange) {
		return fmt.Sprintf("%s: step %d not in [1, %d]: %v", e.Op, e.Step, e.Total, e.Err)
	}

	return fmt.Sprintf("%s: step %d: %v", e.Op, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func (e *StepError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsOutOfRange checks if an error indicates an invalid step index.
func IsOutOfRange(err error) bool {
	return errors.Is(err, ErrOutOfRange)
}

// IsAlreadyActive checks if an error indicates a session is already active.
func IsAlreadyActive(err error) bool {
	return errors.Is(err, ErrAlreadyActive)
}

// IsNoActiveSession checks if an error indicates there is no session to operate on.
func IsNoActiveSession(err error) bool {
	return errors.Is(err, ErrNoActiveSession)
}

// IsStepIncomplete checks if an error indicates a completion predicate failed.
func IsStepIncomplete(err error) bool {
	return errors.Is(err, ErrStepIncomplete)
}

// IsKindMismatch checks if an error indicates a workflow kind conflict.
func IsKindMismatch(err error) bool {
	return errors.Is(err, ErrKindMismatch)
}
