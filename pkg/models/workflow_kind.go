// Package models defines the analysis session, payload and snapshot models shared by every workflow component.
package models

import (
	"errors"
	"fmt"
	"strings"
)

// WorkflowKind identifies one of the fixed step sequences a session follows.
type WorkflowKind string

const (
	RegressionWorkflow  WorkflowKind = "regression"  // upload, concatenation, filtering, modeling, results
	StatisticalWorkflow WorkflowKind = "statistical" // upload, variable selection, analysis
)

// ErrUnknownWorkflowKind is returned when a workflow kind string is not recognised.
var ErrUnknownWorkflowKind = errors.New("unknown workflow kind")

// WorkflowKinds lists every supported kind in a stable order.
func WorkflowKinds() []WorkflowKind {
	return []WorkflowKind{RegressionWorkflow, StatisticalWorkflow}
}

// ParseWorkflowKind converts user input into a WorkflowKind.
func ParseWorkflowKind(value string) (WorkflowKind, error) {
	kind := WorkflowKind(strings.ToLower(strings.TrimSpace(value)))
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownWorkflowKind, value)
	}

	return kind, nil
}

func (k WorkflowKind) Valid() bool {
	switch k {
	case RegressionWorkflow, StatisticalWorkflow:
		return true
	default:
		return false
	}
}

func (k WorkflowKind) String() string {
	return string(k)
}
