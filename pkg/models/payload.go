package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// UploadFragment is produced by the data upload step.
type UploadFragment struct {
	FileID         string   `json:"file_id,omitempty"`
	FileName       string   `json:"file_name,omitempty"`
	FileUploaded   bool     `json:"file_uploaded"`
	SheetsSelected []string `json:"sheets_selected,omitempty"`
	RowCount       int      `json:"row_count,omitempty"`
}

// ConcatenationFragment holds the merged dataset and the brand/target selection.
type ConcatenationFragment struct {
	ConcatenatedFile string   `json:"concatenated_file,omitempty"`
	Brand            string   `json:"brand,omitempty"`
	TargetVariable   string   `json:"target_variable,omitempty"`
	SelectedColumns  []string `json:"selected_columns,omitempty"`
}

// FilterFragment maps a column to the values kept by the user.
type FilterFragment struct {
	Selections map[string][]string `json:"selections,omitempty"`
	Applied    bool                `json:"applied"`
}

// ModelFragment summarises a fitted model; the fit itself happens remotely.
type ModelFragment struct {
	ModelID      string             `json:"model_id,omitempty"`
	ModelType    string             `json:"model_type,omitempty"`
	Fitted       bool               `json:"fitted"`
	RSquared     float64            `json:"r_squared,omitempty"`
	Coefficients map[string]float64 `json:"coefficients,omitempty"`
	Variables    []string           `json:"variables,omitempty"`
}

// ResultsFragment holds scenario inputs entered on the results step.
type ResultsFragment struct {
	ScenarioInputs map[string]float64 `json:"scenario_inputs,omitempty"`
	Exported       bool               `json:"exported"`
}

// VariablesFragment is the statistical workflow's variable selection.
type VariablesFragment struct {
	Target     string   `json:"target,omitempty"`
	Predictors []string `json:"predictors,omitempty"`
}

// StatisticsFragment summarises a statistical analysis run.
type StatisticsFragment struct {
	TestKind string             `json:"test_kind,omitempty"`
	Computed bool               `json:"computed"`
	Summary  map[string]float64 `json:"summary,omitempty"`
}

// Payload is the data produced and consumed by individual steps.
// Each fragment is owned by the step of the same name; a nil fragment means
// the step has not produced anything yet.
type Payload struct {
	Upload        *UploadFragment        `json:"data_upload,omitempty"`
	Concatenation *ConcatenationFragment `json:"data_concatenation,omitempty"`
	Filters       *FilterFragment        `json:"data_filtering,omitempty"`
	Model         *ModelFragment         `json:"model_building,omitempty"`
	Results       *ResultsFragment       `json:"results,omitempty"`
	Variables     *VariablesFragment     `json:"variable_selection,omitempty"`
	Statistics    *StatisticsFragment    `json:"statistical_analysis,omitempty"`
}

// PayloadPatch is a typed mutation of a Payload. Every non-nil fragment
// replaces the stored fragment of the same step; fragments named in Clear are
// removed before the replacements are applied.
type PayloadPatch struct {
	Upload        *UploadFragment        `json:"data_upload,omitempty"`
	Concatenation *ConcatenationFragment `json:"data_concatenation,omitempty"`
	Filters       *FilterFragment        `json:"data_filtering,omitempty"`
	Model         *ModelFragment         `json:"model_building,omitempty"`
	Results       *ResultsFragment       `json:"results,omitempty"`
	Variables     *VariablesFragment     `json:"variable_selection,omitempty"`
	Statistics    *StatisticsFragment    `json:"statistical_analysis,omitempty"`
	Clear         []StepName             `json:"clear,omitempty"`
}

// IsEmpty reports whether the patch would leave any payload unchanged.
func (p PayloadPatch) IsEmpty() bool {
	return p.Upload == nil && p.Concatenation == nil && p.Filters == nil &&
		p.Model == nil && p.Results == nil && p.Variables == nil &&
		p.Statistics == nil && len(p.Clear) == 0
}

// Apply returns a new payload with the patch merged in. The receiver is not modified.
func (p Payload) Apply(patch PayloadPatch) Payload {
	next := p.Clone()

	for _, name := range patch.Clear {
		next.clear(name)
	}

	if patch.Upload != nil {
		next.Upload = patch.Upload.clone()
	}

	if patch.Concatenation != nil {
		next.Concatenation = patch.Concatenation.clone()
	}

	if patch.Filters != nil {
		next.Filters = patch.Filters.clone()
	}

	if patch.Model != nil {
		next.Model = patch.Model.clone()
	}

	if patch.Results != nil {
		next.Results = patch.Results.clone()
	}

	if patch.Variables != nil {
		next.Variables = patch.Variables.clone()
	}

	if patch.Statistics != nil {
		next.Statistics = patch.Statistics.clone()
	}

	return next
}

func (p *Payload) clear(name StepName) {
	switch name {
	case StepDataUpload:
		p.Upload = nil
	case StepDataConcatenation:
		p.Concatenation = nil
	case StepDataFiltering:
		p.Filters = nil
	case StepModelBuilding:
		p.Model = nil
	case StepResults:
		p.Results = nil
	case StepVariableSelection:
		p.Variables = nil
	case StepStatisticalAnalysis:
		p.Statistics = nil
	}
}

// Has reports whether the fragment owned by the named step is present.
func (p Payload) Has(name StepName) bool {
	switch name {
	case StepDataUpload:
		return p.Upload != nil
	case StepDataConcatenation:
		return p.Concatenation != nil
	case StepDataFiltering:
		return p.Filters != nil
	case StepModelBuilding:
		return p.Model != nil
	case StepResults:
		return p.Results != nil
	case StepVariableSelection:
		return p.Variables != nil
	case StepStatisticalAnalysis:
		return p.Statistics != nil
	default:
		return false
	}
}

// Clone returns a deep copy.
func (p Payload) Clone() Payload {
	return Payload{
		Upload:        p.Upload.clone(),
		Concatenation: p.Concatenation.clone(),
		Filters:       p.Filters.clone(),
		Model:         p.Model.clone(),
		Results:       p.Results.clone(),
		Variables:     p.Variables.clone(),
		Statistics:    p.Statistics.clone(),
	}
}

// Digest is the hex sha256 of the payload's canonical JSON encoding.
// encoding/json sorts map keys, so equal payloads always share a digest.
func (p Payload) Digest() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}

	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:]), nil
}

func (f *UploadFragment) clone() *UploadFragment {
	if f == nil {
		return nil
	}

	c := *f
	c.SheetsSelected = slices.Clone(f.SheetsSelected)

	return &c
}

func (f *ConcatenationFragment) clone() *ConcatenationFragment {
	if f == nil {
		return nil
	}

	c := *f
	c.SelectedColumns = slices.Clone(f.SelectedColumns)

	return &c
}

func (f *FilterFragment) clone() *FilterFragment {
	if f == nil {
		return nil
	}

	c := *f
	if f.Selections != nil {
		c.Selections = make(map[string][]string, len(f.Selections))
		for column, values := range f.Selections {
			c.Selections[column] = slices.Clone(values)
		}
	}

	return &c
}

func (f *ModelFragment) clone() *ModelFragment {
	if f == nil {
		return nil
	}

	c := *f
	c.Coefficients = maps.Clone(f.Coefficients)
	c.Variables = slices.Clone(f.Variables)

	return &c
}

func (f *ResultsFragment) clone() *ResultsFragment {
	if f == nil {
		return nil
	}

	c := *f
	c.ScenarioInputs = maps.Clone(f.ScenarioInputs)

	return &c
}

func (f *VariablesFragment) clone() *VariablesFragment {
	if f == nil {
		return nil
	}

	c := *f
	c.Predictors = slices.Clone(f.Predictors)

	return &c
}

func (f *StatisticsFragment) clone() *StatisticsFragment {
	if f == nil {
		return nil
	}

	c := *f
	c.Summary = maps.Clone(f.Summary)

	return &c
}
