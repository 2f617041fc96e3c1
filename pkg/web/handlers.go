// Package web provides HTTP handlers and REST API endpoints for durable session snapshots.
package web

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stepwise-analytics/stepwise/pkg/models"
	"github.com/stepwise-analytics/stepwise/pkg/services"
	"github.com/xeipuuv/gojsonschema"
)

type APIHandlers struct {
	snapshots *services.Snapshots
	validator *validator.Validate
	schema    gojsonschema.JSONLoader
}

func NewAPIHandlers(snapshots *services.Snapshots, validator *validator.Validate) *APIHandlers {
	return &APIHandlers{
		snapshots: snapshots,
		validator: validator,
		schema:    gojsonschema.NewGoLoader(models.SnapshotSchema()),
	}
}

func (h *APIHandlers) GetSnapshot(c fiber.Ctx) error {
	snapshot, err := h.snapshots.Fetch(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(snapshot)
}

// PutSnapshot stores the snapshot in the body and responds with whatever is
// stored afterwards, which is the existing record when it is newer.
func (h *APIHandlers) PutSnapshot(c fiber.Ctx) error {
	body := c.Body()

	result, err := gojsonschema.Validate(h.schema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return badRequest(c, "Invalid JSON body: "+err.Error())
	}

	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}

		return badRequest(c, "Snapshot does not match schema: "+strings.Join(problems, "; "))
	}

	var snapshot models.Snapshot

	err = json.Unmarshal(body, &snapshot)
	if err != nil {
		return badRequest(c, "Invalid JSON body: "+err.Error())
	}

	err = h.validator.Struct(&snapshot)
	if err != nil {
		return badRequest(c, "Validation failed: "+err.Error())
	}

	stored, err := h.snapshots.Store(c.Context(), c.Params("id"), &snapshot)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(stored)
}

func (h *APIHandlers) DeleteSnapshot(c fiber.Ctx) error {
	err := h.snapshots.Delete(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetCatalog(c fiber.Ctx) error {
	kind, err := models.ParseWorkflowKind(c.Params("kind"))
	if err != nil {
		return notFound(c, "workflow_kind_not_found", err.Error())
	}

	steps, definingStep, err := h.snapshots.Steps(kind)
	if err != nil {
		return notFound(c, "workflow_kind_not_found", err.Error())
	}

	return c.JSON(newCatalogResponse(kind, definingStep, steps))
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, repOk := h.snapshots.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Stepwise API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if repOk {
		status = "healthy"
		message = "Stepwise API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}
