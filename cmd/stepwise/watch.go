package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/stepwise-analytics/stepwise/pkg/cmd"
	"github.com/stepwise-analytics/stepwise/pkg/config"
	"github.com/stepwise-analytics/stepwise/pkg/events"
	"github.com/stepwise-analytics/stepwise/pkg/log"
	cli "github.com/urfave/cli/v3"
)

var ErrNoEventBus = errors.New("watch needs an event bus (gochannel or kafka)")

var watchedEvents = []events.EventType{
	events.SessionStartedEvent,
	events.SessionStepChangedEvent,
	events.SessionPayloadUpdatedEvent,
	events.SessionResetEvent,
	events.PersistenceDegradedEvent,
	events.PersistenceSyncedEvent,
}

func WatchCommand() *cli.Command {
	return &cli.Command{
		Name:    "watch",
		Aliases: []string{"w"},
		Usage:   "Print session events as they are published",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka); overrides the config file",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringSliceFlag{
				Name:    "kafka-brokers",
				Usage:   "Kafka brokers; overrides the config file",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			logger := log.WithModule("watch")

			cfg, err := config.Load(command.String("config"))
			if err != nil {
				return err
			}

			if bus := command.String("event-bus"); bus != "" {
				cfg.Events.Bus = bus
			}

			if brokers := command.StringSlice("kafka-brokers"); len(brokers) > 0 {
				cfg.Events.KafkaBrokers = brokers
			}

			err = cfg.Validate()
			if err != nil {
				return err
			}

			eventBus, err := cmd.NewEventBus(cfg.Events.Bus, cfg.Events.KafkaBrokers, cfg.Tracing.ServiceName+"-watch", logger)
			if err != nil {
				return err
			}

			if eventBus == nil {
				return ErrNoEventBus
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			out := command.Root().Writer

			for _, eventType := range watchedEvents {
				err := eventBus.Handle(eventType, func(_ context.Context, event any) error {
					if err := writeJSON(out, event); err != nil {
						return fmt.Errorf("failed to print %s: %w", eventType, err)
					}

					return nil
				})
				if err != nil {
					return err
				}
			}

			err = eventBus.Subscribe(ctx)
			if err != nil {
				return err
			}

			logger.InfoContext(ctx, "Watching session events", "bus", cfg.Events.Bus)

			<-ctx.Done()

			return nil
		},
	}
}
