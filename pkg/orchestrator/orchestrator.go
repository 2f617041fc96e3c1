// Package orchestrator is the entry point step components use to drive an
// analysis session: start or resume it, navigate, update its payload and reset it.
//
// Every mutation is applied synchronously to the session store and persisted in
// the background; persistence problems never surface as errors here, only as a
// degraded flag on subscriber updates and a persistence.degraded event.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/stepwise-analytics/stepwise/pkg/eventbus"
	"github.com/stepwise-analytics/stepwise/pkg/gateway"
	"github.com/stepwise-analytics/stepwise/pkg/models"
	"github.com/stepwise-analytics/stepwise/pkg/persistence"
	"github.com/stepwise-analytics/stepwise/pkg/reconcile"
	"github.com/stepwise-analytics/stepwise/pkg/session"
)

const DefaultDebounce = 300 * time.Millisecond

var (
	// ErrNotStarted is returned by mutations issued before Start or after ResetWorkflow.
	ErrNotStarted = errors.New("workflow not started")

	// ErrAlreadyStarted is returned by a second Start without an intervening ResetWorkflow.
	ErrAlreadyStarted = errors.New("workflow already started")

	// ErrStepIncomplete is returned by MarkCompleted when the step's data does not satisfy it.
	ErrStepIncomplete = session.ErrStepIncomplete
)

// Persistence is what the orchestrator needs from the persistence gateway.
type Persistence interface {
	reconcile.SnapshotSource
	Save(ctx context.Context, snapshot *models.Snapshot)
	Invalidate(ctx context.Context, sessionID string)
	AddListener(l gateway.Listener)
	Wait(ctx context.Context) error
	Close(ctx context.Context) error
}

// StepResult reports a relative navigation.
type StepResult struct {
	Session *models.AnalysisSession
	Moved   bool
	// Blocked is set when next was refused by the current step's advance gate.
	Blocked bool
}

// Update is delivered to subscribers whenever the session or its persistence state changes.
// Session is nil after ResetWorkflow.
type Update struct {
	Session  *models.AnalysisSession
	Degraded bool
}

type Orchestrator struct {
	store       *session.Store
	persistence Persistence
	engine      *reconcile.Engine
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
	debounce    time.Duration
	now         func() time.Time

	mu              sync.Mutex
	started         bool
	degraded        bool
	degradedVersion uint64
	timer           *time.Timer
	pendingSave     bool
	generation      uint64

	subMu       sync.Mutex
	subscribers map[uint64]func(Update)
	nextSub     uint64
}

type Option func(*Orchestrator)

// WithDebounce sets how long UpdatePayload waits for further edits before saving.
func WithDebounce(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.debounce = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithPublisher publishes session events; without it no events are sent.
func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(o *Orchestrator) {
		o.publisher = publisher
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New builds an orchestrator over store and registers it as a listener on p.
func New(store *session.Store, p Persistence, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		persistence: p,
		logger:      slog.Default(),
		debounce:    DefaultDebounce,
		now:         time.Now,
		subscribers: make(map[uint64]func(Update)),
	}

	for _, opt := range opts {
		opt(o)
	}

	o.engine = reconcile.NewEngine(store, p, reconcile.WithLogger(o.logger))
	o.logger = o.logger.With("module", "orchestrator")

	p.AddListener(o)

	return o
}

// Start resolves the authoritative session of kind once and returns it.
func (o *Orchestrator) Start(ctx context.Context, kind models.WorkflowKind, hint reconcile.Hint) (*models.AnalysisSession, error) {
	o.mu.Lock()

	if o.started {
		o.mu.Unlock()

		return nil, ErrAlreadyStarted
	}

	resolution, err := o.engine.Resolve(ctx, kind, hint)
	if err != nil {
		o.mu.Unlock()

		return nil, err
	}

	o.started = true
	o.degraded = resolution.Degraded

	if resolution.Degraded {
		o.degradedVersion = resolution.Session.Version
	}

	degraded := o.degraded
	o.mu.Unlock()

	current := resolution.Session

	switch resolution.Source {
	case reconcile.SourceFresh, reconcile.SourceHint, reconcile.SourceLocal:
		o.save(ctx, current)
	case reconcile.SourceMemory, reconcile.SourceRemote:
	}

	o.publishStarted(ctx, resolution)
	o.notify(Update{Session: current, Degraded: degraded})

	return current, nil
}

// Next moves forward when the current step's advance gate allows it.
func (o *Orchestrator) Next(ctx context.Context) (*StepResult, error) {
	return o.advance(ctx, session.Next)
}

// Previous moves back one step, stopping at step 1.
func (o *Orchestrator) Previous(ctx context.Context) (*StepResult, error) {
	return o.advance(ctx, session.Previous)
}

func (o *Orchestrator) advance(ctx context.Context, direction session.Direction) (*StepResult, error) {
	o.mu.Lock()

	if !o.started {
		o.mu.Unlock()

		return nil, ErrNotStarted
	}

	transition, current, err := o.store.Advance(direction)
	if err != nil {
		o.mu.Unlock()

		return nil, err
	}

	if transition.Moved {
		o.cancelPendingLocked()
	}

	degraded := o.degraded
	o.mu.Unlock()

	if transition.Moved {
		o.save(ctx, current)
		o.publishStepChanged(ctx, current, transition.From, transition.To)
		o.notify(Update{Session: current, Degraded: degraded})
	}

	return &StepResult{Session: current, Moved: transition.Moved, Blocked: transition.Blocked}, nil
}

// GoTo jumps to step without consulting advance gates.
func (o *Orchestrator) GoTo(ctx context.Context, step int) (*models.AnalysisSession, error) {
	o.mu.Lock()

	if !o.started {
		o.mu.Unlock()

		return nil, ErrNotStarted
	}

	from := o.store.Current().CurrentStep

	current, err := o.store.GoTo(step)
	if err != nil {
		o.mu.Unlock()

		return nil, err
	}

	moved := current.CurrentStep != from
	if moved {
		o.cancelPendingLocked()
	}

	degraded := o.degraded
	o.mu.Unlock()

	if moved {
		o.save(ctx, current)
		o.publishStepChanged(ctx, current, from, current.CurrentStep)
		o.notify(Update{Session: current, Degraded: degraded})
	}

	return current, nil
}

// UpdatePayload applies patch and schedules a debounced save. A newer edit
// replaces a pending save rather than queuing another one.
func (o *Orchestrator) UpdatePayload(ctx context.Context, patch models.PayloadPatch) (*models.AnalysisSession, error) {
	o.mu.Lock()

	if !o.started {
		o.mu.Unlock()

		return nil, ErrNotStarted
	}

	current, err := o.store.MutatePayload(patch)
	if err != nil {
		o.mu.Unlock()

		return nil, err
	}

	o.scheduleSaveLocked()

	degraded := o.degraded
	o.mu.Unlock()

	o.publishPayloadUpdated(ctx, current, patch)
	o.notify(Update{Session: current, Degraded: degraded})

	return current, nil
}

// MarkVisited records that step was displayed.
func (o *Orchestrator) MarkVisited(ctx context.Context, step int) (*models.AnalysisSession, error) {
	return o.mutate(ctx, func() (*models.AnalysisSession, error) {
		return o.store.MarkVisited(step)
	})
}

// MarkCompleted re-checks step's completion predicate and records the step as
// completed when it holds, or returns ErrStepIncomplete.
func (o *Orchestrator) MarkCompleted(ctx context.Context, step int) (*models.AnalysisSession, error) {
	return o.mutate(ctx, func() (*models.AnalysisSession, error) {
		return o.store.ConfirmStepCompletion(step)
	})
}

// ResetStepCompletion removes step from the completed set after its data was cleared.
func (o *Orchestrator) ResetStepCompletion(ctx context.Context, step int) (*models.AnalysisSession, error) {
	return o.mutate(ctx, func() (*models.AnalysisSession, error) {
		return o.store.ResetStepCompletion(step)
	})
}

// mutate runs a store operation that does not move the current step and
// schedules a debounced save when it changed the session.
func (o *Orchestrator) mutate(_ context.Context, apply func() (*models.AnalysisSession, error)) (*models.AnalysisSession, error) {
	o.mu.Lock()

	if !o.started {
		o.mu.Unlock()

		return nil, ErrNotStarted
	}

	before := o.store.Current().Version

	current, err := apply()
	if err != nil {
		o.mu.Unlock()

		return nil, err
	}

	changed := current.Version != before
	if changed {
		o.scheduleSaveLocked()
	}

	degraded := o.degraded
	o.mu.Unlock()

	if changed {
		o.notify(Update{Session: current, Degraded: degraded})
	}

	return current, nil
}

// ResetWorkflow discards the session and invalidates its persisted snapshots.
// A new Start is required afterwards.
func (o *Orchestrator) ResetWorkflow(ctx context.Context) error {
	o.mu.Lock()

	if !o.started {
		o.mu.Unlock()

		return ErrNotStarted
	}

	o.cancelPendingLocked()

	previous := o.store.Reset()
	o.started = false
	o.degraded = false
	o.degradedVersion = 0
	o.mu.Unlock()

	if previous != nil {
		o.persistence.Invalidate(ctx, previous.ID)
		o.publishReset(ctx, previous)

		o.logger.InfoContext(ctx, "Workflow reset", "session_id", previous.ID, "last_step", previous.CurrentStep)
	}

	o.notify(Update{})

	return nil
}

// Session returns a copy of the active session, or nil.
func (o *Orchestrator) Session() *models.AnalysisSession {
	return o.store.Current()
}

// CompletedSteps returns the completed steps of the active session.
func (o *Orchestrator) CompletedSteps() models.StepSet {
	current := o.store.Current()
	if current == nil {
		return models.NewStepSet()
	}

	return current.CompletedSteps
}

// VisitedSteps returns the visited steps of the active session.
func (o *Orchestrator) VisitedSteps() models.StepSet {
	current := o.store.Current()
	if current == nil {
		return models.NewStepSet()
	}

	return current.VisitedSteps
}

func (o *Orchestrator) IsStepCompleted(step int) bool {
	return o.CompletedSteps().Has(step)
}

// Degraded reports whether the latest progress is only held locally.
func (o *Orchestrator) Degraded() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.degraded
}

// Subscribe registers fn for session updates and returns a function that
// removes it. fn is called synchronously and must not call back into mutations.
func (o *Orchestrator) Subscribe(fn func(Update)) func() {
	o.subMu.Lock()
	defer o.subMu.Unlock()

	o.nextSub++
	id := o.nextSub
	o.subscribers[id] = fn

	return func() {
		o.subMu.Lock()
		defer o.subMu.Unlock()

		delete(o.subscribers, id)
	}
}

// Flush saves a pending debounced edit immediately and waits for in-flight
// durable writes to finish.
func (o *Orchestrator) Flush(ctx context.Context) error {
	o.mu.Lock()

	var current *models.AnalysisSession
	if o.pendingSave {
		o.cancelPendingLocked()
		current = o.store.Current()
	}
	o.mu.Unlock()

	if current != nil {
		o.save(ctx, current)
	}

	return o.persistence.Wait(ctx)
}

// Close flushes and shuts the persistence gateway down.
func (o *Orchestrator) Close(ctx context.Context) error {
	err := o.Flush(ctx)
	if err != nil {
		return err
	}

	return o.persistence.Close(ctx)
}

// PersistenceDegraded implements gateway.Listener.
func (o *Orchestrator) PersistenceDegraded(event gateway.Degraded) {
	current := o.store.Current()
	if current == nil || current.ID != event.SessionID {
		return
	}

	o.mu.Lock()
	o.degraded = true
	o.degradedVersion = max(o.degradedVersion, event.Version)
	o.mu.Unlock()

	o.logger.Warn("Changes saved locally, sync pending",
		"session_id", event.SessionID,
		"version", event.Version,
		"attempts", event.Attempts,
		"serialization", persistence.IsSerialization(event.Err),
	)

	o.publishDegraded(context.Background(), event)
	o.notify(Update{Session: current, Degraded: true})
}

// PersistenceSynced implements gateway.Listener.
func (o *Orchestrator) PersistenceSynced(event gateway.Synced) {
	if !o.store.MarkSaved(event.SessionID, event.Version, event.SavedAt) {
		return
	}

	o.mu.Lock()
	recovered := o.degraded && event.Version >= o.degradedVersion
	if recovered {
		o.degraded = false
		o.degradedVersion = 0
	}
	o.mu.Unlock()

	o.publishSynced(context.Background(), event)

	if recovered {
		o.logger.Info("Persistence recovered", "session_id", event.SessionID, "version", event.Version)
		o.notify(Update{Session: o.store.Current(), Degraded: false})
	}
}

func (o *Orchestrator) save(ctx context.Context, current *models.AnalysisSession) {
	snapshot, err := current.Snapshot(o.now())
	if err != nil {
		o.logger.ErrorContext(ctx, "Dropping snapshot that cannot be encoded",
			"error", persistence.NewSerializationError("Snapshot", current.ID, err))

		return
	}

	o.persistence.Save(ctx, snapshot)
}

// scheduleSaveLocked must be called with o.mu held.
func (o *Orchestrator) scheduleSaveLocked() {
	o.generation++
	generation := o.generation

	if o.timer != nil {
		o.timer.Stop()
	}

	o.pendingSave = true
	o.timer = time.AfterFunc(o.debounce, func() {
		o.fireDebounced(generation)
	})
}

// cancelPendingLocked must be called with o.mu held.
func (o *Orchestrator) cancelPendingLocked() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}

	o.pendingSave = false
	o.generation++
}

func (o *Orchestrator) fireDebounced(generation uint64) {
	o.mu.Lock()

	if generation != o.generation || !o.pendingSave {
		o.mu.Unlock()

		return
	}

	o.pendingSave = false
	o.timer = nil
	current := o.store.Current()
	o.mu.Unlock()

	if current != nil {
		o.save(context.Background(), current)
	}
}

func (o *Orchestrator) notify(update Update) {
	o.subMu.Lock()
	subscribers := make([]func(Update), 0, len(o.subscribers))

	for _, fn := range o.subscribers {
		subscribers = append(subscribers, fn)
	}
	o.subMu.Unlock()

	for _, fn := range subscribers {
		fn(update)
	}
}
