package models

import "time"

// AnalysisSession is one in-progress or completed analysis instance.
type AnalysisSession struct {
	ID             string       `json:"id"`
	Kind           WorkflowKind `json:"workflow_kind"`
	CurrentStep    int          `json:"current_step"`
	VisitedSteps   StepSet      `json:"visited_steps"`
	CompletedSteps StepSet      `json:"completed_steps"`
	Payload        Payload      `json:"payload"`
	Version        uint64       `json:"version"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	LastSavedAt    *time.Time   `json:"last_saved_at,omitempty"`
}

// Clone returns a deep copy that shares nothing with the receiver.
func (s *AnalysisSession) Clone() *AnalysisSession {
	if s == nil {
		return nil
	}

	clone := *s
	clone.VisitedSteps = s.VisitedSteps.Clone()
	clone.CompletedSteps = s.CompletedSteps.Clone()
	clone.Payload = s.Payload.Clone()

	if s.LastSavedAt != nil {
		savedAt := *s.LastSavedAt
		clone.LastSavedAt = &savedAt
	}

	return &clone
}

// Snapshot projects the session into its persisted form.
func (s *AnalysisSession) Snapshot(savedAt time.Time) (*Snapshot, error) {
	digest, err := s.Payload.Digest()
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		SchemaVersion: SnapshotSchemaVersion,
		SessionID:     s.ID,
		Kind:          s.Kind,
		CurrentStep:   s.CurrentStep,
		VisitedSteps:  s.VisitedSteps.Sorted(),
		Version:       s.Version,
		Payload:       s.Payload.Clone(),
		Digest:        digest,
		SavedAt:       savedAt.UTC(),
	}, nil
}
