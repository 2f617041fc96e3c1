// Package catalog holds the static, ordered step definitions of every workflow kind.
package catalog

import (
	"errors"
	"fmt"
	"slices"

	"github.com/stepwise-analytics/stepwise/pkg/models"
)

// Predicate is a pure function of the payload contents.
type Predicate func(payload models.Payload) bool

// StepDefinition describes one stage of a workflow kind.
type StepDefinition struct {
	Index int
	Name  models.StepName
	Title string

	// IsComplete derives completion from the payload; there is no stored flag to go stale.
	IsComplete Predicate
	// CanAdvanceFrom gates moving the current step past this one.
	CanAdvanceFrom Predicate
}

var ErrInvalidCatalog = errors.New("invalid step catalog")

// Catalog maps each workflow kind to its ordered steps. A Catalog is immutable
// once built; step indices are stable, so a snapshot referencing step N always
// means the same step.
type Catalog struct {
	steps    map[models.WorkflowKind][]StepDefinition
	defining map[models.WorkflowKind]int
}

// New validates and builds a catalog. Steps of each kind must be numbered 1..N
// in order. definingSteps names, per kind, the step whose completion proves the
// session holds real work (step 1 when omitted).
func New(steps map[models.WorkflowKind][]StepDefinition, definingSteps map[models.WorkflowKind]int) (*Catalog, error) {
	catalog := &Catalog{
		steps:    make(map[models.WorkflowKind][]StepDefinition, len(steps)),
		defining: make(map[models.WorkflowKind]int, len(steps)),
	}

	for kind, definitions := range steps {
		if len(definitions) == 0 {
			return nil, fmt.Errorf("%w: workflow %s has no steps", ErrInvalidCatalog, kind)
		}

		ordered := slices.Clone(definitions)
		for i := range ordered {
			if ordered[i].Index != i+1 {
				return nil, fmt.Errorf("%w: workflow %s step %q has index %d, expected %d",
					ErrInvalidCatalog, kind, ordered[i].Name, ordered[i].Index, i+1)
			}

			if ordered[i].IsComplete == nil {
				return nil, fmt.Errorf("%w: workflow %s step %q has no completion predicate",
					ErrInvalidCatalog, kind, ordered[i].Name)
			}

			if ordered[i].CanAdvanceFrom == nil {
				ordered[i].CanAdvanceFrom = always
			}
		}

		defining := definingSteps[kind]
		if defining == 0 {
			defining = 1
		}

		if defining < 1 || defining > len(ordered) {
			return nil, fmt.Errorf("%w: workflow %s defining step %d out of range", ErrInvalidCatalog, kind, defining)
		}

		catalog.steps[kind] = ordered
		catalog.defining[kind] = defining
	}

	return catalog, nil
}

// MustNew is New that panics; used for the static tables.
func MustNew(steps map[models.WorkflowKind][]StepDefinition, definingSteps map[models.WorkflowKind]int) *Catalog {
	catalog, err := New(steps, definingSteps)
	if err != nil {
		panic(err)
	}

	return catalog
}

// StepsFor returns the ordered steps of kind, or nil for an unknown kind.
func (c *Catalog) StepsFor(kind models.WorkflowKind) []StepDefinition {
	return slices.Clone(c.steps[kind])
}

// TotalSteps returns the number of steps of kind, or 0 for an unknown kind.
func (c *Catalog) TotalSteps(kind models.WorkflowKind) int {
	return len(c.steps[kind])
}

// Step returns the definition at the 1-indexed position.
func (c *Catalog) Step(kind models.WorkflowKind, index int) (StepDefinition, bool) {
	definitions := c.steps[kind]
	if index < 1 || index > len(definitions) {
		return StepDefinition{}, false
	}

	return definitions[index-1], true
}

// Kinds lists the workflow kinds this catalog knows about.
func (c *Catalog) Kinds() []models.WorkflowKind {
	kinds := make([]models.WorkflowKind, 0, len(c.steps))
	for kind := range c.steps {
		kinds = append(kinds, kind)
	}

	slices.Sort(kinds)

	return kinds
}

// Supports reports whether kind has a step table.
func (c *Catalog) Supports(kind models.WorkflowKind) bool {
	_, ok := c.steps[kind]

	return ok
}

// DefiningStep is the step whose completion means a session holds real work.
func (c *Catalog) DefiningStep(kind models.WorkflowKind) int {
	return c.defining[kind]
}

// DefiningStepComplete reports whether payload satisfies the defining step of kind.
func (c *Catalog) DefiningStepComplete(kind models.WorkflowKind, payload models.Payload) bool {
	step, ok := c.Step(kind, c.DefiningStep(kind))
	if !ok {
		return false
	}

	return step.IsComplete(payload)
}

// CompletedSteps evaluates every completion predicate of kind against payload.
func (c *Catalog) CompletedSteps(kind models.WorkflowKind, payload models.Payload) models.StepSet {
	completed := models.NewStepSet()

	for _, step := range c.steps[kind] {
		if step.IsComplete(payload) {
			completed.Add(step.Index)
		}
	}

	return completed
}

// CanAdvanceFrom evaluates the advance gate of the given step.
func (c *Catalog) CanAdvanceFrom(kind models.WorkflowKind, index int, payload models.Payload) bool {
	step, ok := c.Step(kind, index)
	if !ok {
		return false
	}

	return step.CanAdvanceFrom(payload)
}

// Reachable reports whether target can be reached from step 1 with payload,
// i.e. every step before it lets the user advance.
func (c *Catalog) Reachable(kind models.WorkflowKind, target int, payload models.Payload) bool {
	if target < 1 || target > c.TotalSteps(kind) {
		return false
	}

	for index := 1; index < target; index++ {
		if !c.CanAdvanceFrom(kind, index, payload) {
			return false
		}
	}

	return true
}

func always(models.Payload) bool {
	return true
}
