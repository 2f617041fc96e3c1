// Package reconcile decides which session becomes authoritative when a
// workflow is started or resumed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stepwise-analytics/stepwise/pkg/models"
	"github.com/stepwise-analytics/stepwise/pkg/otelhelper"
	"github.com/stepwise-analytics/stepwise/pkg/persistence"
	"github.com/stepwise-analytics/stepwise/pkg/session"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Source names where the resolved session came from.
type Source string

const (
	SourceMemory Source = "memory"
	SourceRemote Source = "remote"
	SourceLocal  Source = "local"
	SourceHint   Source = "hint"
	SourceFresh  Source = "fresh"
)

// ErrUnknownSession is returned when Hint.RequireStored is set and no store
// holds the hinted session.
var ErrUnknownSession = errors.New("no stored snapshot for session")

// Hint carries what the caller already knows: a session id (for example from a
// link or a previous run) and a requested step (for example from a navigation address).
type Hint struct {
	SessionID     string
	RequestedStep int
	// RequireStored makes Resolve fail instead of creating a new session when
	// SessionID cannot be resumed.
	RequireStored bool
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Session *models.AnalysisSession
	Source  Source
	// Degraded is set when the session was adopted from the local cache only.
	Degraded bool
	// ClampedHint is set when a requested step could not be honoured.
	ClampedHint bool
}

// SnapshotSource is the read side of the persistence gateway.
type SnapshotSource interface {
	LoadLocal(ctx context.Context, sessionID string) *models.Snapshot
	LoadRemote(ctx context.Context, sessionID string) *models.Snapshot
	ActiveSessionID(ctx context.Context, kind models.WorkflowKind) string
}

// Engine runs the startup reconciliation against a session store.
type Engine struct {
	store  *session.Store
	source SnapshotSource
	logger *slog.Logger
	tracer trace.Tracer
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

func NewEngine(store *session.Store, source SnapshotSource, opts ...Option) *Engine {
	engine := &Engine{
		store:  store,
		source: source,
		logger: slog.Default(),
		tracer: otelhelper.Tracer(),
	}

	for _, opt := range opts {
		opt(engine)
	}

	engine.logger = engine.logger.With("module", "reconcile")

	return engine
}

// Resolve installs the authoritative session of kind in the store, choosing,
// in order:
//
//  1. the in-memory session, when its defining step is complete;
//  2. the durable snapshot of the known session id, unless the local cache
//     holds a strictly newer one;
//  3. the local cache snapshot alone (degraded);
//  4. an incomplete in-memory session, when no stored candidate exists;
//  5. a new session at the requested step, when every earlier step can be
//     left with an empty payload;
//  6. a new session at step 1.
//
// Completed steps are always recomputed from the adopted payload, and the
// resolved current step is marked visited.
func (e *Engine) Resolve(ctx context.Context, kind models.WorkflowKind, hint Hint) (*Resolution, error) {
	c := e.store.Catalog()
	if !c.Supports(kind) {
		return nil, fmt.Errorf("resolve: %w: %s", session.ErrUnknownWorkflow, kind)
	}

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "reconcile.resolve",
		attribute.String(otelhelper.WorkflowKindKey, string(kind)),
		attribute.Int(otelhelper.StepKey, hint.RequestedStep),
	)
	defer span.End()

	resolution, err := e.resolve(ctx, kind, hint)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	updated, err := e.store.MarkVisited(resolution.Session.CurrentStep)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	resolution.Session = updated

	span.SetAttributes(
		attribute.String(otelhelper.SessionIDKey, updated.ID),
		attribute.String(otelhelper.SourceKey, string(resolution.Source)),
	)

	e.logger.InfoContext(ctx, "Session resolved",
		"session_id", updated.ID,
		"workflow_kind", kind,
		"source", resolution.Source,
		"current_step", updated.CurrentStep,
		"version", updated.Version,
		"degraded", resolution.Degraded,
	)

	return resolution, nil
}

func (e *Engine) resolve(ctx context.Context, kind models.WorkflowKind, hint Hint) (*Resolution, error) {
	c := e.store.Catalog()
	memory := e.store.Current()

	if memory != nil && memory.Kind != kind {
		return nil, fmt.Errorf("resolve %s: %w (session %s is %s)", kind, session.ErrKindMismatch, memory.ID, memory.Kind)
	}

	if memory != nil && c.DefiningStepComplete(kind, memory.Payload) {
		return &Resolution{Session: memory, Source: SourceMemory}, nil
	}

	sessionID := e.knownSessionID(ctx, kind, hint, memory)

	if sessionID != "" {
		remote := e.usable(ctx, kind, e.source.LoadRemote(ctx, sessionID), "remote")
		local := e.usable(ctx, kind, e.source.LoadLocal(ctx, sessionID), "local")

		if remote != nil {
			if local != nil && local.Newer(remote) {
				if adopted := e.adopt(ctx, local); adopted != nil {
					e.logger.WarnContext(ctx, "Local snapshot is newer than durable one",
						"session_id", sessionID, "local_version", local.Version, "remote_version", remote.Version)

					return &Resolution{Session: adopted, Source: SourceLocal, Degraded: true}, nil
				}
			}

			if adopted := e.adopt(ctx, remote); adopted != nil {
				return &Resolution{Session: adopted, Source: SourceRemote}, nil
			}
		}

		if local != nil {
			if adopted := e.adopt(ctx, local); adopted != nil {
				return &Resolution{Session: adopted, Source: SourceLocal, Degraded: true}, nil
			}
		}
	}

	if hint.RequireStored && hint.SessionID != "" && (memory == nil || memory.ID != hint.SessionID) {
		return nil, fmt.Errorf("resolve %s: %w: %s", kind, ErrUnknownSession, hint.SessionID)
	}

	if memory != nil {
		if current := e.store.Current(); current != nil {
			return &Resolution{Session: current, Source: SourceMemory}, nil
		}
	}

	e.store.Reset()

	created, err := e.store.Create(kind)
	if err != nil {
		return nil, err
	}

	if hint.RequestedStep <= 1 {
		return &Resolution{Session: created, Source: SourceFresh}, nil
	}

	if hint.RequestedStep <= c.TotalSteps(kind) && c.Reachable(kind, hint.RequestedStep, models.Payload{}) {
		jumped, err := e.store.GoTo(hint.RequestedStep)
		if err != nil {
			return nil, err
		}

		return &Resolution{Session: jumped, Source: SourceHint}, nil
	}

	e.logger.InfoContext(ctx, "Requested step not reachable without data, starting at step 1",
		"workflow_kind", kind, "requested_step", hint.RequestedStep)

	return &Resolution{Session: created, Source: SourceFresh, ClampedHint: true}, nil
}

// knownSessionID picks the id to resume: the caller's, then the in-memory
// session's, then the last one saved for kind.
func (e *Engine) knownSessionID(ctx context.Context, kind models.WorkflowKind, hint Hint, memory *models.AnalysisSession) string {
	if hint.SessionID != "" {
		return hint.SessionID
	}

	if memory != nil {
		return memory.ID
	}

	return e.source.ActiveSessionID(ctx, kind)
}

func (e *Engine) usable(ctx context.Context, kind models.WorkflowKind, snapshot *models.Snapshot, origin string) *models.Snapshot {
	if snapshot == nil {
		return nil
	}

	if snapshot.Kind != kind {
		e.logger.WarnContext(ctx, "Ignoring snapshot of another workflow kind",
			"origin", origin,
			"error", &persistence.StaleSessionError{
				Expected:     snapshot.SessionID,
				Actual:       snapshot.SessionID,
				ExpectedKind: kind,
				ActualKind:   snapshot.Kind,
			},
		)

		return nil
	}

	return snapshot
}

// adopt replaces whatever the store holds with snapshot. A snapshot the store
// refuses is treated as stale and yields nil.
func (e *Engine) adopt(ctx context.Context, snapshot *models.Snapshot) *models.AnalysisSession {
	previous := e.store.Reset()

	restored, err := e.store.Restore(snapshot.Session())
	if err != nil {
		e.logger.WarnContext(ctx, "Ignoring snapshot the session store refused",
			"session_id", snapshot.SessionID, "version", snapshot.Version, "error", err)

		if previous != nil {
			if _, restoreErr := e.store.Restore(previous); restoreErr != nil {
				e.logger.ErrorContext(ctx, "Could not reinstate in-memory session", "session_id", previous.ID, "error", restoreErr)
			}
		}

		return nil
	}

	return restored
}
