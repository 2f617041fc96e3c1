package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/stepwise-analytics/stepwise/pkg/catalog"
	"github.com/stepwise-analytics/stepwise/pkg/config"
	"github.com/stepwise-analytics/stepwise/pkg/log"
	"github.com/stepwise-analytics/stepwise/pkg/models"
	"github.com/stepwise-analytics/stepwise/pkg/orchestrator"
	"github.com/stepwise-analytics/stepwise/pkg/reconcile"
	cli "github.com/urfave/cli/v3"
)

var ErrEmptyPatch = errors.New("patch leaves the payload unchanged")

type sessionOutput struct {
	Session  *models.AnalysisSession `json:"session"`
	Degraded bool                    `json:"degraded"`
	Blocked  bool                    `json:"blocked,omitempty"`
}

func kindFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "kind",
		Aliases:  []string{"k"},
		Usage:    "Workflow kind (regression, statistical)",
		Required: true,
	}
}

func sessionIDFlag(required bool) *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "session-id",
		Aliases:  []string{"id"},
		Usage:    "Session to resume",
		Required: required,
	}
}

func StepsCommand() *cli.Command {
	return &cli.Command{
		Name:  "steps",
		Usage: "List the steps of a workflow kind",
		Flags: []cli.Flag{kindFlag()},
		Action: func(_ context.Context, command *cli.Command) error {
			kind, err := models.ParseWorkflowKind(command.String("kind"))
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(command.Root().Writer, 0, 0, 2, ' ', 0)

			c := catalog.Default()
			for _, step := range c.StepsFor(kind) {
				marker := ""
				if step.Index == c.DefiningStep(kind) {
					marker = "*"
				}

				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", step.Index, step.Name, step.Title, marker)
			}

			return w.Flush()
		},
	}
}

func ResumeCommand() *cli.Command {
	return &cli.Command{
		Name:    "resume",
		Aliases: []string{"r"},
		Usage:   "Resolve the authoritative session of a workflow kind and print it",
		Flags: []cli.Flag{
			kindFlag(),
			sessionIDFlag(false),
			&cli.IntFlag{
				Name:  "step",
				Usage: "Requested step for a new session",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			return withSession(ctx, command, false, func(ctx context.Context, o *orchestrator.Orchestrator, current *models.AnalysisSession) (*sessionOutput, error) {
				return &sessionOutput{Session: current, Degraded: o.Degraded()}, nil
			})
		},
	}
}

func UpdateCommand() *cli.Command {
	return &cli.Command{
		Name:    "update",
		Aliases: []string{"u"},
		Usage:   "Apply a payload patch to a session and optionally advance it",
		Flags: []cli.Flag{
			kindFlag(),
			sessionIDFlag(true),
			&cli.StringFlag{
				Name:     "patch",
				Usage:    "JSON file holding the payload patch (- reads stdin)",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "next",
				Usage: "Advance to the next step after applying the patch",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			patch, err := readPatch(command.String("patch"))
			if err != nil {
				return err
			}

			return withSession(ctx, command, true, func(ctx context.Context, o *orchestrator.Orchestrator, _ *models.AnalysisSession) (*sessionOutput, error) {
				current, err := o.UpdatePayload(ctx, patch)
				if err != nil {
					return nil, err
				}

				out := &sessionOutput{Session: current}

				if command.Bool("next") {
					result, err := o.Next(ctx)
					if err != nil {
						return nil, err
					}

					out.Session = result.Session
					out.Blocked = result.Blocked
				}

				err = o.Flush(ctx)
				if err != nil {
					return nil, err
				}

				out.Session = o.Session()
				out.Degraded = o.Degraded()

				return out, nil
			})
		},
	}
}

// withSession starts an orchestrator for the invocation, runs fn against the
// resolved session and prints what fn returns. With requireStored an unknown
// --session-id is an error rather than a new session.
func withSession(
	ctx context.Context,
	command *cli.Command,
	requireStored bool,
	fn func(context.Context, *orchestrator.Orchestrator, *models.AnalysisSession) (*sessionOutput, error),
) (err error) {
	logger := log.WithModule("cli")

	kind, err := models.ParseWorkflowKind(command.String("kind"))
	if err != nil {
		return err
	}

	cfg, err := config.Load(command.String("config"))
	if err != nil {
		return err
	}

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}

	defer func() {
		err = errors.Join(err, rt.Close(context.WithoutCancel(ctx)))
	}()

	current, err := rt.orchestrator.Start(ctx, kind, reconcile.Hint{
		SessionID:     command.String("session-id"),
		RequestedStep: command.Int("step"),
		RequireStored: requireStored,
	})
	if err != nil {
		return err
	}

	out, err := fn(ctx, rt.orchestrator, current)
	if err != nil {
		return err
	}

	return writeJSON(command.Root().Writer, out)
}

func readPatch(path string) (models.PayloadPatch, error) {
	var (
		data []byte
		err  error
	)

	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}

	if err != nil {
		return models.PayloadPatch{}, fmt.Errorf("failed to read patch: %w", err)
	}

	var patch models.PayloadPatch

	err = json.Unmarshal(data, &patch)
	if err != nil {
		return models.PayloadPatch{}, fmt.Errorf("failed to parse patch: %w", err)
	}

	if patch.IsEmpty() {
		return models.PayloadPatch{}, ErrEmptyPatch
	}

	return patch, nil
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	return encoder.Encode(v)
}
