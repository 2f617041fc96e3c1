package models

// JSONSchema represents a JSON Schema document used to validate incoming records.
type JSONSchema struct {
	Schema      string               `json:"$schema,omitempty"`
	Type        string               `json:"type"`
	Properties  map[string]*Property `json:"properties,omitempty"`
	Required    []string             `json:"required,omitempty"`
	Title       string               `json:"title,omitempty"`
	Description string               `json:"description,omitempty"`
}

// Property represents a JSON Schema property.
type Property struct {
	Type        string               `json:"type"`
	Description string               `json:"description,omitempty"`
	Enum        []any                `json:"enum,omitempty"`
	Minimum     *int                 `json:"minimum,omitempty"`
	MinLength   *int                 `json:"minLength,omitempty"`
	MaxLength   *int                 `json:"maxLength,omitempty"`
	Pattern     string               `json:"pattern,omitempty"`
	Format      string               `json:"format,omitempty"`
	Items       *Property            `json:"items,omitempty"`
	Properties  map[string]*Property `json:"properties,omitempty"`
	Required    []string             `json:"required,omitempty"`
}

func intPtr(v int) *int {
	return &v
}

// SnapshotSchema returns the JSON Schema a persisted snapshot document must satisfy.
func SnapshotSchema() *JSONSchema {
	kinds := make([]any, 0, len(WorkflowKinds()))
	for _, kind := range WorkflowKinds() {
		kinds = append(kinds, string(kind))
	}

	return &JSONSchema{
		Schema:      "http://json-schema.org/draft-07/schema#",
		Type:        "object",
		Title:       "Analysis session snapshot",
		Description: "Persisted projection of an analysis session used for resume",
		Required: []string{
			"schema_version", "session_id", "workflow_kind", "current_step",
			"version", "payload", "digest", "saved_at",
		},
		Properties: map[string]*Property{
			"schema_version": {Type: "integer", Enum: []any{SnapshotSchemaVersion}},
			"session_id":     {Type: "string", MinLength: intPtr(1), MaxLength: intPtr(128)},
			"workflow_kind":  {Type: "string", Enum: kinds},
			"current_step":   {Type: "integer", Minimum: intPtr(1)},
			"visited_steps": {
				Type:  "array",
				Items: &Property{Type: "integer", Minimum: intPtr(1)},
			},
			"version":  {Type: "integer", Minimum: intPtr(0)},
			"payload":  {Type: "object"},
			"digest":   {Type: "string", Pattern: "^[0-9a-f]{64}$"},
			"saved_at": {Type: "string", Format: "date-time"},
		},
	}
}
