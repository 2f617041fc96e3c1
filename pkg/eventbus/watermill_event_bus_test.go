package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stepwise-analytics/stepwise/pkg/channels/gochannel"
	"github.com/stepwise-analytics/stepwise/pkg/eventbus"
	"github.com/stepwise-analytics/stepwise/pkg/events"
	"github.com/stepwise-analytics/stepwise/pkg/log"
	"github.com/stepwise-analytics/stepwise/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBus(t *testing.T) *eventbus.WatermillEventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(log.Discard()))
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)

	t.Cleanup(func() {
		_ = bus.Close()
	})

	return bus
}

func TestWatermillEventBus_PublishAndHandle(t *testing.T) {
	bus := newBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *events.PersistenceDegraded, 1)

	err := bus.Handle(events.PersistenceDegradedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.PersistenceDegraded)

		return nil
	})
	require.NoError(t, err)
	require.NoError(t, bus.Subscribe(ctx))

	sent := &events.PersistenceDegraded{
		BaseEvent: events.NewBaseEvent(events.PersistenceDegradedEvent, "session-1", models.RegressionWorkflow),
		Version:   4,
		Attempts:  3,
		Error:     "service unavailable",
	}

	require.NoError(t, bus.Publish(ctx, sent))

	select {
	case got := <-received:
		assert.Equal(t, "session-1", got.SessionID)
		assert.Equal(t, uint64(4), got.Version)
		assert.Equal(t, 3, got.Attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestWatermillEventBus_IgnoresUnhandledTypes(t *testing.T) {
	bus := newBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan events.EventType, 2)

	err := bus.Handle(events.SessionResetEvent, func(_ context.Context, event any) error {
		received <- event.(*events.SessionReset).GetType()

		return nil
	})
	require.NoError(t, err)
	require.NoError(t, bus.Subscribe(ctx))

	synced := &events.PersistenceSynced{BaseEvent: events.NewBaseEvent(events.PersistenceSyncedEvent, "s", models.RegressionWorkflow)}
	reset := &events.SessionReset{BaseEvent: events.NewBaseEvent(events.SessionResetEvent, "s", models.RegressionWorkflow), LastStep: 2}

	require.NoError(t, bus.Publish(ctx, synced))
	require.NoError(t, bus.Publish(ctx, reset))

	select {
	case got := <-received:
		assert.Equal(t, events.SessionResetEvent, got)
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	bus := newBus(t)

	assert.NotEqual(t, bus.GenerateID(), bus.GenerateID())
}

var _ eventbus.EventBus = (*eventbus.WatermillEventBus)(nil)

