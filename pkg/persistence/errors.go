// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"

	"github.com/stepwise-analytics/stepwise/pkg/models"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrSnapshotNotFound indicates the durable store has no snapshot for the session.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrCacheMiss indicates the local cache holds nothing for the key.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidSessionID indicates a session ID that cannot be used as a storage key.
	ErrInvalidSessionID = errors.New("invalid session id")
)

// TransientNetworkError is a failure that may succeed when retried: connection
// errors, timeouts, 5xx responses, database unavailability.
type TransientNetworkError struct {
	Op         string // Operation being performed (e.g., "Send", "Fetch")
	SessionID  string // Session ID if applicable
	StatusCode int    // HTTP status when the failure came from a response
	Err        error  // Underlying error
}

func (e *TransientNetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s operation failed for session %s with status %d: %v", e.Op, e.SessionID, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("%s operation failed for session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *TransientNetworkError) Unwrap() error {
	return e.Err
}

// SerializationError is fatal for the write it belongs to; retrying cannot fix malformed data.
type SerializationError struct {
	Op        string // Operation being performed (e.g., "Encode", "Decode")
	SessionID string // Session ID if applicable
	Err       error  // Underlying error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("%s failed for session snapshot %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// StaleSessionError reports a stored record that no longer belongs to the
// session the caller expects. Callers treat it as "no snapshot available".
type StaleSessionError struct {
	Expected string // Session ID the caller asked for
	Actual   string // Session ID found in the record
	Reason   string // Additional context message

	// Set when the ids agree but the record belongs to another workflow kind.
	ExpectedKind models.WorkflowKind
	ActualKind   models.WorkflowKind
}

func (e *StaleSessionError) Error() string {
	if e.ExpectedKind != e.ActualKind {
		return fmt.Sprintf("stale session snapshot %s: workflow kind %s, expected %s", e.Actual, e.ActualKind, e.ExpectedKind)
	}

	if e.Reason != "" {
		return fmt.Sprintf("stale session snapshot: expected %s, found %s: %s", e.Expected, e.Actual, e.Reason)
	}

	return fmt.Sprintf("stale session snapshot: expected %s, found %s", e.Expected, e.Actual)
}

// NewTransientError creates a new transient error with context.
func NewTransientError(op, sessionID string, err error) *TransientNetworkError {
	return &TransientNetworkError{
		Op:        op,
		SessionID: sessionID,
		Err:       err,
	}
}

// NewSerializationError creates a new serialization error with context.
func NewSerializationError(op, sessionID string, err error) *SerializationError {
	return &SerializationError{
		Op:        op,
		SessionID: sessionID,
		Err:       err,
	}
}

// IsSnapshotNotFound checks if an error indicates a snapshot was not found.
func IsSnapshotNotFound(err error) bool {
	return errors.Is(err, ErrSnapshotNotFound)
}

// ValidateSessionID rejects ids that are empty, too long, or contain anything
// besides letters, digits, '-', '_' and '.', so they are safe as file names and cache keys.
func ValidateSessionID(sessionID string) error {
	if sessionID == "" || len(sessionID) > 128 || sessionID == "." || sessionID == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}

	for _, r := range sessionID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
		}
	}

	return nil
}

// IsCacheMiss checks if an error indicates a local cache miss.
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// IsTransient checks if an error is worth retrying.
func IsTransient(err error) bool {
	var transient *TransientNetworkError

	return errors.As(err, &transient)
}

// IsSerialization checks if an error came from encoding or decoding a snapshot.
func IsSerialization(err error) bool {
	var serialization *SerializationError

	return errors.As(err, &serialization)
}

// IsStaleSession checks if an error indicates a record for a different session.
func IsStaleSession(err error) bool {
	var stale *StaleSessionError

	return errors.As(err, &stale)
}
