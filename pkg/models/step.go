package models

import (
	"encoding/json"
	"slices"
)

// StepName is the stable identifier of a step; payload fragments are keyed by it.
type StepName string

const (
	StepDataUpload          StepName = "data_upload"
	StepDataConcatenation   StepName = "data_concatenation"
	StepDataFiltering       StepName = "data_filtering"
	StepModelBuilding       StepName = "model_building"
	StepResults             StepName = "results"
	StepVariableSelection   StepName = "variable_selection"
	StepStatisticalAnalysis StepName = "statistical_analysis"
)

// StepSet is a set of 1-indexed step numbers. It marshals as a sorted array.
type StepSet map[int]struct{}

func NewStepSet(steps ...int) StepSet {
	set := make(StepSet, len(steps))
	for _, step := range steps {
		set[step] = struct{}{}
	}

	return set
}

func (s StepSet) Has(step int) bool {
	_, ok := s[step]

	return ok
}

// Add inserts step and reports whether the set changed.
func (s StepSet) Add(step int) bool {
	if s.Has(step) {
		return false
	}

	s[step] = struct{}{}

	return true
}

// Remove deletes step and reports whether the set changed.
func (s StepSet) Remove(step int) bool {
	if !s.Has(step) {
		return false
	}

	delete(s, step)

	return true
}

// Sorted returns the members in ascending order.
func (s StepSet) Sorted() []int {
	steps := make([]int, 0, len(s))
	for step := range s {
		steps = append(steps, step)
	}

	slices.Sort(steps)

	return steps
}

func (s StepSet) Clone() StepSet {
	clone := make(StepSet, len(s))
	for step := range s {
		clone[step] = struct{}{}
	}

	return clone
}

func (s StepSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *StepSet) UnmarshalJSON(data []byte) error {
	var steps []int
	if err := json.Unmarshal(data, &steps); err != nil {
		return err
	}

	*s = NewStepSet(steps...)

	return nil
}
