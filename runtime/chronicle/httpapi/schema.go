package httpapi

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// EventValidator compiles a JSON Schema once and validates raw /events and
// /event request bodies against it, rejecting a malformed batch before it
// ever reaches canon.EventBatch.UnmarshalJSON's permissive three-shape
// decoding.
type EventValidator struct {
	schema *jsonschema.Schema
}

// eventBatchSchema accepts any of the three wire shapes §6 allows: a bare
// event object, an array of events, or { "events": [...] }.
const eventBatchSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"$defs": {
		"event": {
			"type": "object",
			"required": ["type"],
			"properties": {
				"type": {"type": "string"},
				"run_id": {"type": "string"},
				"step_id": {"type": "string"},
				"time": {"type": "string"},
				"error": {"type": "string"},
				"data": {"type": "object"}
			}
		}
	},
	"anyOf": [
		{"$ref": "#/$defs/event"},
		{"type": "array", "items": {"$ref": "#/$defs/event"}},
		{
			"type": "object",
			"required": ["events"],
			"properties": {"events": {"type": "array", "items": {"$ref": "#/$defs/event"}}}
		}
	]
}`

// NewEventValidator compiles the event batch schema.
func NewEventValidator() (*EventValidator, error) {
	var doc any
	if err := json.Unmarshal([]byte(eventBatchSchema), &doc); err != nil {
		return nil, fmt.Errorf("httpapi: unmarshal event schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("chronicle-event.json", doc); err != nil {
		return nil, fmt.Errorf("httpapi: add event schema resource: %w", err)
	}
	schema, err := c.Compile("chronicle-event.json")
	if err != nil {
		return nil, fmt.Errorf("httpapi: compile event schema: %w", err)
	}
	return &EventValidator{schema: schema}, nil
}

// Validate checks raw against the compiled event batch schema.
func (v *EventValidator) Validate(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return v.schema.Validate(doc)
}
