package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/stepwise-analytics/stepwise/pkg/catalog"
	"github.com/stepwise-analytics/stepwise/pkg/cmd"
	"github.com/stepwise-analytics/stepwise/pkg/log"
	"github.com/stepwise-analytics/stepwise/pkg/otelhelper"
	"github.com/stepwise-analytics/stepwise/pkg/services"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("api")

	command := &cli.Command{
		Name:                  "stepwise-api",
		Usage:                 "Serve durable analysis session snapshots",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Snapshot store URL (file://<dir> or postgres://...)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "prune-schedule",
				Usage:   "Cron schedule for deleting stale snapshots",
				Value:   services.DefaultPruneSchedule,
				Sources: cli.EnvVars("PRUNE_SCHEDULE"),
			},
			&cli.DurationFlag{
				Name:    "retention",
				Usage:   "How long a snapshot is kept after its last save",
				Value:   services.DefaultRetention,
				Sources: cli.EnvVars("SNAPSHOT_RETENTION"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing Stepwise API")

			if command.Bool("tracing") {
				_, shutdown, err := otelhelper.NewTracer(ctx, "stepwise-api")
				if err != nil {
					return err
				}

				defer func() {
					if err := shutdown(context.WithoutCancel(ctx)); err != nil {
						logger.ErrorContext(ctx, "Failed to shut down tracer provider", "error", err)
					}
				}()
			}

			repository, err := cmd.NewSnapshotRepository(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				err := repository.Close(context.WithoutCancel(ctx))
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			api := NewAPI(logger, repository, catalog.Default())

			pruner, err := services.NewPruner(
				api.Snapshots(),
				command.String("prune-schedule"),
				command.Duration("retention"),
				logger,
			)
			if err != nil {
				return err
			}

			pruner.Start()

			defer func() {
				if err := pruner.Stop(context.WithoutCancel(ctx)); err != nil {
					logger.ErrorContext(ctx, "Failed to stop pruner", "error", err)
				}
			}()

			return api.Start(ctx, command.Int("port"))
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := command.Run(ctx, os.Args)

	stop()

	if err != nil {
		logger.Error("stepwise-api failed", "error", err)
		os.Exit(1)
	}
}
