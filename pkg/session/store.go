package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stepwise-analytics/stepwise/pkg/catalog"
	"github.com/stepwise-analytics/stepwise/pkg/models"
)

// Direction of a relative step transition.
type Direction int

const (
	Next Direction = iota
	Previous
)

func (d Direction) String() string {
	if d == Previous {
		return "previous"
	}

	return "next"
}

// Transition reports the outcome of Advance.
type Transition struct {
	From    int
	To      int
	Moved   bool
	Blocked bool // next was refused because the current step's advance gate failed
}

// Store holds the single authoritative AnalysisSession of the process and
// applies validated mutations to it. It never performs I/O.
type Store struct {
	mu      sync.RWMutex
	catalog *catalog.Catalog
	session *models.AnalysisSession
	newID   func() string
	now     func() time.Time
	logger  *slog.Logger
}

type Option func(*Store)

// WithIDGenerator overrides how new session ids are produced.
func WithIDGenerator(newID func() string) Option {
	return func(s *Store) {
		s.newID = newID
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func NewStore(c *catalog.Catalog, opts ...Option) *Store {
	store := &Store{
		catalog: c,
		newID:   func() string { return uuid.New().String() },
		now:     time.Now,
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(store)
	}

	store.logger = store.logger.With("module", "session_store")

	return store
}

// Catalog returns the step catalog used for validation.
func (s *Store) Catalog() *catalog.Catalog {
	return s.catalog
}

// Active reports whether a session exists.
func (s *Store) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.session != nil
}

// Current returns a copy of the active session, or nil.
func (s *Store) Current() *models.AnalysisSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.session.Clone()
}

// Create starts a fresh session of kind at step 1.
func (s *Store) Create(kind models.WorkflowKind) (*models.AnalysisSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		return nil, fmt.Errorf("create %s session: %w (active session %s)", kind, ErrAlreadyActive, s.session.ID)
	}

	if !s.catalog.Supports(kind) {
		return nil, fmt.Errorf("create session: %w: %s", ErrUnknownWorkflow, kind)
	}

	now := s.now().UTC()
	s.session = &models.AnalysisSession{
		ID:             s.newID(),
		Kind:           kind,
		CurrentStep:    1,
		VisitedSteps:   models.NewStepSet(),
		CompletedSteps: models.NewStepSet(),
		Payload:        models.Payload{},
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	s.logger.Debug("Session created", "session_id", s.session.ID, "workflow_kind", kind)

	return s.session.Clone(), nil
}

// Restore installs a previously persisted session. Resume is exempt from the
// forward-advance gate: the restored current step only has to be in range.
// Completed steps carried by the input are ignored and recomputed.
func (s *Store) Restore(restored *models.AnalysisSession) (*models.AnalysisSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		return nil, fmt.Errorf("restore session %s: %w (active session %s)", restored.ID, ErrAlreadyActive, s.session.ID)
	}

	if !s.catalog.Supports(restored.Kind) {
		return nil, fmt.Errorf("restore session %s: %w: %s", restored.ID, ErrUnknownWorkflow, restored.Kind)
	}

	total := s.catalog.TotalSteps(restored.Kind)
	if restored.CurrentStep < 1 || restored.CurrentStep > total {
		return nil, &StepError{Op: "Restore", Step: restored.CurrentStep, Total: total, Err: ErrOutOfRange}
	}

	session := restored.Clone()

	visited := models.NewStepSet()
	for step := range session.VisitedSteps {
		if step >= 1 && step <= total {
			visited.Add(step)
		}
	}

	visited.Add(session.CurrentStep)
	session.VisitedSteps = visited
	session.CompletedSteps = s.catalog.CompletedSteps(session.Kind, session.Payload)

	if session.CreatedAt.IsZero() {
		session.CreatedAt = s.now().UTC()
	}

	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}

	s.session = session

	s.logger.Debug("Session restored",
		"session_id", session.ID,
		"current_step", session.CurrentStep,
		"version", session.Version,
	)

	return s.session.Clone(), nil
}

// MutatePayload merges patch into the payload and recomputes completion.
// Completion only grows here; removal goes through ResetStepCompletion.
func (s *Store) MutatePayload(patch models.PayloadPatch) (*models.AnalysisSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil, fmt.Errorf("mutate payload: %w", ErrNoActiveSession)
	}

	s.session.Payload = s.session.Payload.Apply(patch)

	for step := range s.catalog.CompletedSteps(s.session.Kind, s.session.Payload) {
		s.session.CompletedSteps.Add(step)
	}

	s.touch()

	return s.session.Clone(), nil
}

// Advance moves one step forward or back. Moving forward is refused (and
// reported as Blocked) when the current step's advance gate fails; both
// directions clamp at the catalog bounds.
func (s *Store) Advance(direction Direction) (Transition, *models.AnalysisSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return Transition{}, nil, fmt.Errorf("advance %s: %w", direction, ErrNoActiveSession)
	}

	current := s.session.CurrentStep
	transition := Transition{From: current, To: current}

	switch direction {
	case Next:
		if !s.catalog.CanAdvanceFrom(s.session.Kind, current, s.session.Payload) {
			transition.Blocked = true

			s.logger.Debug("Advance blocked", "session_id", s.session.ID, "step", current)

			return transition, s.session.Clone(), nil
		}

		transition.To = min(current+1, s.catalog.TotalSteps(s.session.Kind))
	case Previous:
		transition.To = max(current-1, 1)
	}

	if transition.To != current {
		transition.Moved = true
		s.session.CurrentStep = transition.To
		s.session.VisitedSteps.Add(transition.To)
		s.touch()
	}

	return transition, s.session.Clone(), nil
}

// GoTo jumps to step without consulting advance gates.
func (s *Store) GoTo(step int) (*models.AnalysisSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkStep("GoTo", step); err != nil {
		return nil, err
	}

	if s.session.CurrentStep != step {
		s.session.CurrentStep = step
		s.session.VisitedSteps.Add(step)
		s.touch()
	}

	return s.session.Clone(), nil
}

// MarkVisited records that step was displayed. It is idempotent.
func (s *Store) MarkVisited(step int) (*models.AnalysisSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkStep("MarkVisited", step); err != nil {
		return nil, err
	}

	if s.session.VisitedSteps.Add(step) {
		s.touch()
	}

	return s.session.Clone(), nil
}

// ConfirmStepCompletion re-evaluates step's completion predicate and records
// the step as completed when it holds. Completion is never set by flag.
func (s *Store) ConfirmStepCompletion(step int) (*models.AnalysisSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkStep("ConfirmStepCompletion", step); err != nil {
		return nil, err
	}

	definition, _ := s.catalog.Step(s.session.Kind, step)
	if !definition.IsComplete(s.session.Payload) {
		return nil, &StepError{Op: "ConfirmStepCompletion", Step: step, Total: s.catalog.TotalSteps(s.session.Kind), Err: ErrStepIncomplete}
	}

	if s.session.CompletedSteps.Add(step) {
		s.touch()
	}

	return s.session.Clone(), nil
}

// ResetStepCompletion removes step from the completed set. Used when the
// step's underlying data is intentionally cleared.
func (s *Store) ResetStepCompletion(step int) (*models.AnalysisSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkStep("ResetStepCompletion", step); err != nil {
		return nil, err
	}

	if s.session.CompletedSteps.Remove(step) {
		s.touch()
	}

	return s.session.Clone(), nil
}

// MarkSaved records a confirmed durable write of the given session version.
// It does not bump the version.
func (s *Store) MarkSaved(sessionID string, version uint64, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil || s.session.ID != sessionID || version > s.session.Version {
		return false
	}

	savedAt := at.UTC()
	s.session.LastSavedAt = &savedAt

	return true
}

// Reset discards the active session and returns it, or nil when there was none.
func (s *Store) Reset() *models.AnalysisSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.session
	s.session = nil

	if previous != nil {
		s.logger.Debug("Session reset", "session_id", previous.ID)
	}

	return previous
}

func (s *Store) checkStep(op string, step int) error {
	if s.session == nil {
		return fmt.Errorf("%s: %w", op, ErrNoActiveSession)
	}

	total := s.catalog.TotalSteps(s.session.Kind)
	if step < 1 || step > total {
		return &StepError{Op: op, Step: step, Total: total, Err: ErrOutOfRange}
	}

	return nil
}

// touch must be called with the lock held.
func (s *Store) touch() {
	s.session.Version++
	s.session.UpdatedAt = s.now().UTC()
}
