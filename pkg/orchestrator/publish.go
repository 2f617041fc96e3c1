package orchestrator

import (
	"context"

	"github.com/stepwise-analytics/stepwise/pkg/eventbus"
	"github.com/stepwise-analytics/stepwise/pkg/events"
	"github.com/stepwise-analytics/stepwise/pkg/gateway"
	"github.com/stepwise-analytics/stepwise/pkg/models"
	"github.com/stepwise-analytics/stepwise/pkg/reconcile"
)

func (o *Orchestrator) publish(ctx context.Context, event eventbus.Event) {
	if o.publisher == nil {
		return
	}

	if err := o.publisher.Publish(ctx, event); err != nil {
		o.logger.WarnContext(ctx, "Failed to publish event",
			"event_type", event.GetType(),
			"session_id", event.GetSessionID(),
			"error", err,
		)
	}
}

func (o *Orchestrator) publishStarted(ctx context.Context, resolution *reconcile.Resolution) {
	current := resolution.Session

	o.publish(ctx, events.SessionStarted{
		BaseEvent:   events.NewBaseEvent(events.SessionStartedEvent, current.ID, current.Kind),
		Source:      string(resolution.Source),
		CurrentStep: current.CurrentStep,
		Version:     current.Version,
		Degraded:    resolution.Degraded,
		ClampedHint: resolution.ClampedHint,
	})
}

func (o *Orchestrator) publishStepChanged(ctx context.Context, current *models.AnalysisSession, from, to int) {
	o.publish(ctx, events.SessionStepChanged{
		BaseEvent: events.NewBaseEvent(events.SessionStepChangedEvent, current.ID, current.Kind),
		From:      from,
		To:        to,
		Version:   current.Version,
	})
}

func (o *Orchestrator) publishPayloadUpdated(ctx context.Context, current *models.AnalysisSession, patch models.PayloadPatch) {
	o.publish(ctx, events.SessionPayloadUpdated{
		BaseEvent:      events.NewBaseEvent(events.SessionPayloadUpdatedEvent, current.ID, current.Kind),
		Fragments:      patchedFragments(patch),
		Cleared:        patch.Clear,
		CompletedSteps: current.CompletedSteps.Sorted(),
		Version:        current.Version,
	})
}

func (o *Orchestrator) publishReset(ctx context.Context, previous *models.AnalysisSession) {
	o.publish(ctx, events.SessionReset{
		BaseEvent: events.NewBaseEvent(events.SessionResetEvent, previous.ID, previous.Kind),
		LastStep:  previous.CurrentStep,
		Version:   previous.Version,
	})
}

func (o *Orchestrator) publishDegraded(ctx context.Context, event gateway.Degraded) {
	message := ""
	if event.Err != nil {
		message = event.Err.Error()
	}

	o.publish(ctx, events.PersistenceDegraded{
		BaseEvent: events.NewBaseEvent(events.PersistenceDegradedEvent, event.SessionID, event.Kind),
		Version:   event.Version,
		Attempts:  event.Attempts,
		Error:     message,
	})
}

func (o *Orchestrator) publishSynced(ctx context.Context, event gateway.Synced) {
	o.publish(ctx, events.PersistenceSynced{
		BaseEvent: events.NewBaseEvent(events.PersistenceSyncedEvent, event.SessionID, event.Kind),
		Version:   event.Version,
	})
}

// patchedFragments names the fragments a patch replaces.
func patchedFragments(patch models.PayloadPatch) []models.StepName {
	var names []models.StepName

	if patch.Upload != nil {
		names = append(names, models.StepDataUpload)
	}

	if patch.Concatenation != nil {
		names = append(names, models.StepDataConcatenation)
	}

	if patch.Filters != nil {
		names = append(names, models.StepDataFiltering)
	}

	if patch.Model != nil {
		names = append(names, models.StepModelBuilding)
	}

	if patch.Results != nil {
		names = append(names, models.StepResults)
	}

	if patch.Variables != nil {
		names = append(names, models.StepVariableSelection)
	}

	if patch.Statistics != nil {
		names = append(names, models.StepStatisticalAnalysis)
	}

	return names
}
