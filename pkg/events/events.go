// Package events defines the notifications emitted over a session's lifetime.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/stepwise-analytics/stepwise/pkg/models"
)

type EventType string

// Topic carries every session event.
const Topic = "stepwise.sessions"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Session lifecycle events.
	SessionStartedEvent        EventType = "session.started"
	SessionStepChangedEvent    EventType = "session.step_changed"
	SessionPayloadUpdatedEvent EventType = "session.payload_updated"
	SessionResetEvent          EventType = "session.reset"

	// Durable persistence events.
	PersistenceDegradedEvent EventType = "persistence.degraded"
	PersistenceSyncedEvent   EventType = "persistence.synced"
)

type BaseEvent struct {
	ID           string              `json:"id"`
	Type         EventType           `json:"type"`
	Timestamp    time.Time           `json:"timestamp"`
	SessionID    string              `json:"session_id"`
	WorkflowKind models.WorkflowKind `json:"workflow_kind"`
	Metadata     map[string]any      `json:"metadata,omitempty"`
}

func (e BaseEvent) GetSessionID() string {
	return e.SessionID
}

func NewBaseEvent(eventType EventType, sessionID string, kind models.WorkflowKind) BaseEvent {
	return BaseEvent{
		ID:           uuid.New().String(),
		Type:         eventType,
		Timestamp:    time.Now().UTC(),
		SessionID:    sessionID,
		WorkflowKind: kind,
		Metadata:     make(map[string]any),
	}
}

// SessionStarted is published once Start has resolved the authoritative session.
type SessionStarted struct {
	BaseEvent

	Source      string `json:"source"`
	CurrentStep int    `json:"current_step"`
	Version     uint64 `json:"version"`
	Degraded    bool   `json:"degraded"`
	ClampedHint bool   `json:"clamped_hint,omitempty"`
}

func (e SessionStarted) GetType() EventType {
	return SessionStartedEvent
}

type SessionStepChanged struct {
	BaseEvent

	From    int    `json:"from"`
	To      int    `json:"to"`
	Version uint64 `json:"version"`
}

func (e SessionStepChanged) GetType() EventType {
	return SessionStepChangedEvent
}

type SessionPayloadUpdated struct {
	BaseEvent

	Fragments      []models.StepName `json:"fragments"`
	Cleared        []models.StepName `json:"cleared,omitempty"`
	CompletedSteps []int             `json:"completed_steps"`
	Version        uint64            `json:"version"`
}

func (e SessionPayloadUpdated) GetType() EventType {
	return SessionPayloadUpdatedEvent
}

type SessionReset struct {
	BaseEvent

	LastStep int    `json:"last_step"`
	Version  uint64 `json:"version"`
}

func (e SessionReset) GetType() EventType {
	return SessionResetEvent
}

// PersistenceDegraded reports that a durable write gave up; the snapshot
// remains in the local cache.
type PersistenceDegraded struct {
	BaseEvent

	Version  uint64 `json:"version"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

func (e PersistenceDegraded) GetType() EventType {
	return PersistenceDegradedEvent
}

type PersistenceSynced struct {
	BaseEvent

	Version uint64 `json:"version"`
}

func (e PersistenceSynced) GetType() EventType {
	return PersistenceSyncedEvent
}
