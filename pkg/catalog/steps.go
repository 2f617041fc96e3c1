package catalog

import "github.com/stepwise-analytics/stepwise/pkg/models"

var defaultCatalog = MustNew(
	map[models.WorkflowKind][]StepDefinition{
		models.RegressionWorkflow:  regressionSteps(),
		models.StatisticalWorkflow: statisticalSteps(),
	},
	map[models.WorkflowKind]int{
		models.RegressionWorkflow:  1,
		models.StatisticalWorkflow: 1,
	},
)

// Default returns the built-in catalog. Never reorder these tables: persisted
// snapshots refer to steps by index.
func Default() *Catalog {
	return defaultCatalog
}

func regressionSteps() []StepDefinition {
	return []StepDefinition{
		{
			Index:          1,
			Name:           models.StepDataUpload,
			Title:          "Data Upload",
			IsComplete:     uploadComplete,
			CanAdvanceFrom: uploadComplete,
		},
		{
			Index:          2,
			Name:           models.StepDataConcatenation,
			Title:          "Data Concatenation",
			IsComplete:     concatenationComplete,
			CanAdvanceFrom: concatenationComplete,
		},
		{
			Index:          3,
			Name:           models.StepDataFiltering,
			Title:          "Data Filtering",
			IsComplete:     filteringComplete,
			CanAdvanceFrom: always, // filters are optional
		},
		{
			Index:          4,
			Name:           models.StepModelBuilding,
			Title:          "Model Building",
			IsComplete:     modelComplete,
			CanAdvanceFrom: modelComplete,
		},
		{
			Index:          5,
			Name:           models.StepResults,
			Title:          "Results",
			IsComplete:     resultsComplete,
			CanAdvanceFrom: always,
		},
	}
}

func statisticalSteps() []StepDefinition {
	return []StepDefinition{
		{
			Index:          1,
			Name:           models.StepDataUpload,
			Title:          "Data Upload",
			IsComplete:     uploadComplete,
			CanAdvanceFrom: uploadComplete,
		},
		{
			Index:          2,
			Name:           models.StepVariableSelection,
			Title:          "Variable Selection",
			IsComplete:     variablesComplete,
			CanAdvanceFrom: variablesComplete,
		},
		{
			Index:          3,
			Name:           models.StepStatisticalAnalysis,
			Title:          "Statistical Analysis",
			IsComplete:     statisticsComplete,
			CanAdvanceFrom: always,
		},
	}
}

func uploadComplete(p models.Payload) bool {
	return p.Upload != nil && p.Upload.FileUploaded && len(p.Upload.SheetsSelected) > 0
}

func concatenationComplete(p models.Payload) bool {
	return p.Concatenation != nil &&
		p.Concatenation.ConcatenatedFile != "" &&
		p.Concatenation.TargetVariable != "" &&
		p.Concatenation.Brand != ""
}

func filteringComplete(p models.Payload) bool {
	return p.Filters != nil && p.Filters.Applied
}

func modelComplete(p models.Payload) bool {
	return p.Model != nil && p.Model.Fitted && p.Model.ModelID != ""
}

func resultsComplete(p models.Payload) bool {
	return p.Results != nil && (p.Results.Exported || len(p.Results.ScenarioInputs) > 0)
}

func variablesComplete(p models.Payload) bool {
	return p.Variables != nil && p.Variables.Target != "" && len(p.Variables.Predictors) > 0
}

func statisticsComplete(p models.Payload) bool {
	return p.Statistics != nil && p.Statistics.Computed
}
