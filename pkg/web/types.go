// Package web provides HTTP request and response types for the snapshot API.
package web

import (
	"github.com/stepwise-analytics/stepwise/pkg/catalog"
	"github.com/stepwise-analytics/stepwise/pkg/models"
)

// CatalogStep describes one step of a workflow kind.
type CatalogStep struct {
	Index int             `json:"index"`
	Name  models.StepName `json:"name"`
	Title string          `json:"title"`
}

// CatalogResponse is the ordered step list of a workflow kind.
type CatalogResponse struct {
	Kind         models.WorkflowKind `json:"workflow_kind"`
	DefiningStep int                 `json:"defining_step"`
	Steps        []CatalogStep       `json:"steps"`
}

func newCatalogResponse(kind models.WorkflowKind, definingStep int, definitions []catalog.StepDefinition) CatalogResponse {
	steps := make([]CatalogStep, 0, len(definitions))
	for _, definition := range definitions {
		steps = append(steps, CatalogStep{
			Index: definition.Index,
			Name:  definition.Name,
			Title: definition.Title,
		})
	}

	return CatalogResponse{Kind: kind, DefiningStep: definingStep, Steps: steps}
}
