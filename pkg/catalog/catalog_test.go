package catalog_test

import (
	"testing"

	"github.com/stepwise-analytics/stepwise/pkg/catalog"
	"github.com/stepwise-analytics/stepwise/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uploadedPayload() models.Payload {
	return models.Payload{
		Upload: &models.UploadFragment{FileUploaded: true, SheetsSelected: []string{"Sheet1"}},
	}
}

func TestDefault_StepOrder(t *testing.T) {
	c := catalog.Default()

	regression := c.StepsFor(models.RegressionWorkflow)
	require.Len(t, regression, 5)
	assert.Equal(t, 5, c.TotalSteps(models.RegressionWorkflow))

	names := make([]models.StepName, 0, len(regression))
	for i, step := range regression {
		assert.Equal(t, i+1, step.Index)
		names = append(names, step.Name)
	}

	assert.Equal(t, []models.StepName{
		models.StepDataUpload,
		models.StepDataConcatenation,
		models.StepDataFiltering,
		models.StepModelBuilding,
		models.StepResults,
	}, names)

	statistical := c.StepsFor(models.StatisticalWorkflow)
	require.Len(t, statistical, 3)
	assert.Equal(t, models.StepVariableSelection, statistical[1].Name)
	assert.Less(t, c.TotalSteps(models.StatisticalWorkflow), c.TotalSteps(models.RegressionWorkflow))
}

func TestDefault_UnknownKind(t *testing.T) {
	c := catalog.Default()

	assert.Nil(t, c.StepsFor("forecast"))
	assert.Equal(t, 0, c.TotalSteps("forecast"))
	assert.False(t, c.Supports("forecast"))

	_, ok := c.Step(models.RegressionWorkflow, 0)
	assert.False(t, ok)

	_, ok = c.Step(models.RegressionWorkflow, 6)
	assert.False(t, ok)
}

func TestStepsFor_ReturnsCopy(t *testing.T) {
	c := catalog.Default()

	steps := c.StepsFor(models.RegressionWorkflow)
	steps[0].Title = "changed"

	again := c.StepsFor(models.RegressionWorkflow)
	assert.Equal(t, "Data Upload", again[0].Title)
}

func TestIsComplete_Idempotent(t *testing.T) {
	c := catalog.Default()
	step, ok := c.Step(models.RegressionWorkflow, 1)
	require.True(t, ok)

	payload := uploadedPayload()

	first := step.IsComplete(payload)
	second := step.IsComplete(payload)

	assert.True(t, first)
	assert.Equal(t, first, second)
}

func TestCompletedSteps_Regression(t *testing.T) {
	c := catalog.Default()

	assert.Empty(t, c.CompletedSteps(models.RegressionWorkflow, models.Payload{}))

	payload := uploadedPayload()
	assert.Equal(t, []int{1}, c.CompletedSteps(models.RegressionWorkflow, payload).Sorted())

	payload.Concatenation = &models.ConcatenationFragment{
		ConcatenatedFile: "concat.xlsx",
		Brand:            "Acme",
		TargetVariable:   "volume",
	}
	payload.Model = &models.ModelFragment{ModelID: "m-1", Fitted: true}

	assert.Equal(t, []int{1, 2, 4}, c.CompletedSteps(models.RegressionWorkflow, payload).Sorted())
}

func TestCompletedSteps_UploadNeedsSheets(t *testing.T) {
	c := catalog.Default()

	payload := models.Payload{Upload: &models.UploadFragment{FileUploaded: true}}

	assert.False(t, c.CompletedSteps(models.RegressionWorkflow, payload).Has(1))
	assert.False(t, c.DefiningStepComplete(models.RegressionWorkflow, payload))
	assert.True(t, c.DefiningStepComplete(models.RegressionWorkflow, uploadedPayload()))
}

func TestCanAdvanceFrom_OptionalFiltering(t *testing.T) {
	c := catalog.Default()

	assert.True(t, c.CanAdvanceFrom(models.RegressionWorkflow, 3, models.Payload{}))
	assert.False(t, c.CanAdvanceFrom(models.RegressionWorkflow, 1, models.Payload{}))
	assert.False(t, c.CanAdvanceFrom(models.RegressionWorkflow, 9, uploadedPayload()))
}

func TestCompletedSteps_Statistical(t *testing.T) {
	c := catalog.Default()

	payload := uploadedPayload()
	payload.Variables = &models.VariablesFragment{Target: "sales", Predictors: []string{"price"}}
	payload.Statistics = &models.StatisticsFragment{TestKind: "anova", Computed: true}

	assert.Equal(t, []int{1, 2, 3}, c.CompletedSteps(models.StatisticalWorkflow, payload).Sorted())
}

func TestReachable(t *testing.T) {
	c := catalog.Default()

	assert.True(t, c.Reachable(models.RegressionWorkflow, 1, models.Payload{}))
	assert.False(t, c.Reachable(models.RegressionWorkflow, 2, models.Payload{}))
	assert.True(t, c.Reachable(models.RegressionWorkflow, 2, uploadedPayload()))
	assert.False(t, c.Reachable(models.RegressionWorkflow, 0, uploadedPayload()))
	assert.False(t, c.Reachable(models.RegressionWorkflow, 6, uploadedPayload()))
}

func TestNew_Validation(t *testing.T) {
	complete := func(models.Payload) bool { return true }

	tests := []struct {
		name     string
		steps    map[models.WorkflowKind][]catalog.StepDefinition
		defining map[models.WorkflowKind]int
	}{
		{
			name:  "empty workflow",
			steps: map[models.WorkflowKind][]catalog.StepDefinition{models.RegressionWorkflow: {}},
		},
		{
			name: "gap in indices",
			steps: map[models.WorkflowKind][]catalog.StepDefinition{models.RegressionWorkflow: {
				{Index: 1, Name: "a", IsComplete: complete},
				{Index: 3, Name: "b", IsComplete: complete},
			}},
		},
		{
			name: "missing predicate",
			steps: map[models.WorkflowKind][]catalog.StepDefinition{models.RegressionWorkflow: {
				{Index: 1, Name: "a"},
			}},
		},
		{
			name: "defining step out of range",
			steps: map[models.WorkflowKind][]catalog.StepDefinition{models.RegressionWorkflow: {
				{Index: 1, Name: "a", IsComplete: complete},
			}},
			defining: map[models.WorkflowKind]int{models.RegressionWorkflow: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := catalog.New(tt.steps, tt.defining)
			require.ErrorIs(t, err, catalog.ErrInvalidCatalog)
		})
	}
}

func TestNew_DefaultsAdvanceGate(t *testing.T) {
	c, err := catalog.New(map[models.WorkflowKind][]catalog.StepDefinition{
		models.StatisticalWorkflow: {
			{Index: 1, Name: "intro", IsComplete: func(models.Payload) bool { return false }},
			{Index: 2, Name: "done", IsComplete: func(models.Payload) bool { return false }},
		},
	}, nil)
	require.NoError(t, err)

	assert.True(t, c.CanAdvanceFrom(models.StatisticalWorkflow, 1, models.Payload{}))
	assert.Equal(t, 1, c.DefiningStep(models.StatisticalWorkflow))
	assert.True(t, c.Reachable(models.StatisticalWorkflow, 2, models.Payload{}))
}

