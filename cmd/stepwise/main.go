// Package main provides the stepwise command-line client.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/stepwise-analytics/stepwise/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := NewCommand().Run(ctx, os.Args)

	stop()

	if err != nil {
		log.WithModule("cli").Error("stepwise failed", "error", err)
		os.Exit(1)
	}
}

// NewCommand builds the root command with every subcommand attached.
func NewCommand() *cli.Command {
	return &cli.Command{
		Name:                  "stepwise",
		Usage:                 "Drive resumable analysis sessions",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a TOML configuration file",
				Sources: cli.EnvVars("STEPWISE_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Before: func(ctx context.Context, command *cli.Command) (context.Context, error) {
			log.Setup(command.String("log-level"))

			return ctx, nil
		},
		Commands: []*cli.Command{
			StepsCommand(),
			ResumeCommand(),
			UpdateCommand(),
			WatchCommand(),
		},
	}
}
