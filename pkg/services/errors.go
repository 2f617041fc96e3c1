// Package services provides standardized error types for service layer operations.
package services

import (
	"errors"
	"fmt"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest       = errors.New("invalid request")
	ErrInvalidSessionID     = errors.New("invalid session ID")
	ErrSessionIDMismatch    = errors.New("snapshot session ID does not match request")
	ErrUnknownWorkflowKind  = errors.New("unknown workflow kind")
	ErrInvalidPruneSchedule = errors.New("invalid prune schedule")

	// Snapshot content errors (422 Unprocessable Entity).
	ErrUnsupportedSchema = errors.New("unsupported snapshot schema version")
	ErrStepOutOfRange    = errors.New("snapshot current step out of range")
	ErrDigestMismatch    = errors.New("snapshot digest does not match payload")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidSessionID) ||
		errors.Is(err, ErrSessionIDMismatch) ||
		errors.Is(err, ErrUnknownWorkflowKind)
}

// IsUnprocessableError checks if a well-formed snapshot was rejected for its content (HTTP 422).
func IsUnprocessableError(err error) bool {
	return errors.Is(err, ErrUnsupportedSchema) ||
		errors.Is(err, ErrStepOutOfRange) ||
		errors.Is(err, ErrDigestMismatch)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
