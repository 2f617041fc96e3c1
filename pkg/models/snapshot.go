package models

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// SnapshotSchemaVersion is bumped whenever the persisted record layout changes.
const SnapshotSchemaVersion = 1

// ErrDigestMismatch is returned when a snapshot's payload does not hash to its digest.
var ErrDigestMismatch = errors.New("snapshot payload digest mismatch")

// Snapshot is the flat, versioned record stored in the local cache and the durable store.
// Completed steps are not part of it: they are always recomputed from the payload.
type Snapshot struct {
	SchemaVersion int          `json:"schema_version" validate:"required,eq=1"`
	SessionID     string       `json:"session_id"     validate:"required,max=128"`
	Kind          WorkflowKind `json:"workflow_kind"  validate:"required,oneof=regression statistical"`
	CurrentStep   int          `json:"current_step"   validate:"min=1"`
	VisitedSteps  []int        `json:"visited_steps"  validate:"dive,min=1"`
	Version       uint64       `json:"version"`
	Payload       Payload      `json:"payload"`
	Digest        string       `json:"digest"         validate:"required,len=64,hexadecimal"`
	SavedAt       time.Time    `json:"saved_at"       validate:"required"`
}

// Newer reports whether s should win over other when both describe the same session.
// The higher version wins; equal versions are decided by the later save time.
func (s *Snapshot) Newer(other *Snapshot) bool {
	if other == nil {
		return true
	}

	if s.Version != other.Version {
		return s.Version > other.Version
	}

	return s.SavedAt.After(other.SavedAt)
}

// VerifyDigest recomputes the payload digest and compares it with the stored one.
func (s *Snapshot) VerifyDigest() error {
	digest, err := s.Payload.Digest()
	if err != nil {
		return err
	}

	if digest != s.Digest {
		return fmt.Errorf("%w: session %s version %d", ErrDigestMismatch, s.SessionID, s.Version)
	}

	return nil
}

// Session rebuilds an AnalysisSession from the snapshot. CompletedSteps is left
// empty; the session store recomputes it from the payload on restore.
func (s *Snapshot) Session() *AnalysisSession {
	savedAt := s.SavedAt

	return &AnalysisSession{
		ID:             s.SessionID,
		Kind:           s.Kind,
		CurrentStep:    s.CurrentStep,
		VisitedSteps:   NewStepSet(s.VisitedSteps...),
		CompletedSteps: NewStepSet(),
		Payload:        s.Payload.Clone(),
		Version:        s.Version,
		CreatedAt:      s.SavedAt,
		UpdatedAt:      s.SavedAt,
		LastSavedAt:    &savedAt,
	}
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}

	clone := *s
	clone.VisitedSteps = slices.Clone(s.VisitedSteps)
	clone.Payload = s.Payload.Clone()

	return &clone
}
