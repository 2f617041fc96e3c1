// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"time"

	"github.com/google/uuid"
	"github.com/stepwise-analytics/stepwise/pkg/models"
)

// UploadedPayload returns a payload whose data upload step is complete.
func UploadedPayload() models.Payload {
	return models.Payload{
		Upload: &models.UploadFragment{
			FileID:         "file-1",
			FileName:       "sales.xlsx",
			FileUploaded:   true,
			SheetsSelected: []string{"Sheet1"},
		},
	}
}

// ConcatenatedPayload returns a regression payload complete through step 2.
func ConcatenatedPayload() models.Payload {
	payload := UploadedPayload()
	payload.Concatenation = &models.ConcatenationFragment{
		ConcatenatedFile: "sales_concat.xlsx",
		Brand:            "Acme",
		TargetVariable:   "volume",
	}

	return payload
}

// CreateTestSnapshot creates a regression snapshot with an uploaded file that
// can be overridden. The digest is computed after the overrides unless one of
// them sets it explicitly.
func CreateTestSnapshot(overrides ...func(*models.Snapshot)) *models.Snapshot {
	snapshot := &models.Snapshot{
		SchemaVersion: models.SnapshotSchemaVersion,
		SessionID:     uuid.New().String(),
		Kind:          models.RegressionWorkflow,
		CurrentStep:   2,
		VisitedSteps:  []int{1, 2},
		Version:       5,
		Payload:       UploadedPayload(),
		SavedAt:       time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}

	for _, override := range overrides {
		override(snapshot)
	}

	if snapshot.Digest == "" {
		digest, err := snapshot.Payload.Digest()
		if err != nil {
			panic(err)
		}

		snapshot.Digest = digest
	}

	return snapshot
}

func WithSessionID(id string) func(*models.Snapshot) {
	return func(s *models.Snapshot) {
		s.SessionID = id
	}
}

func WithKind(kind models.WorkflowKind) func(*models.Snapshot) {
	return func(s *models.Snapshot) {
		s.Kind = kind
	}
}

func WithStep(step int) func(*models.Snapshot) {
	return func(s *models.Snapshot) {
		s.CurrentStep = step
	}
}

func WithVersion(version uint64) func(*models.Snapshot) {
	return func(s *models.Snapshot) {
		s.Version = version
	}
}

func WithSavedAt(savedAt time.Time) func(*models.Snapshot) {
	return func(s *models.Snapshot) {
		s.SavedAt = savedAt
	}
}

func WithPayload(payload models.Payload) func(*models.Snapshot) {
	return func(s *models.Snapshot) {
		s.Payload = payload
	}
}

// WithDigest forces a digest, typically a wrong one.
func WithDigest(digest string) func(*models.Snapshot) {
	return func(s *models.Snapshot) {
		s.Digest = digest
	}
}
