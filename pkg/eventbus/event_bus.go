// Package eventbus publishes and consumes session events over watermill.
package eventbus

import (
	"context"

	"github.com/stepwise-analytics/stepwise/pkg/events"
)

// Event is a session notification. Events of one session share a partition
// key, so consumers see them in publication order.
type Event interface {
	GetType() events.EventType
	GetSessionID() string
}

// EventPublisher is all the orchestrator needs from a bus.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

type EventSubscriber interface {
	// Handle registers the handler for eventType; a later call replaces it.
	Handle(eventType events.EventType, handler EventHandler) error
	// Subscribe starts delivering events until ctx is done.
	Subscribe(ctx context.Context) error
}

// EventHandler receives a pointer to the concrete event type, e.g. *events.SessionStarted.
type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
