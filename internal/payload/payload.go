// Package payload validates and parses inbound desired-state JSON before it
// reaches the engine. Schema validation happens here so a malformed payload
// never has to be classified by the workflow engine at all. A rejection is
// returned to the caller as an error; nothing in this package reports a
// Failed state for it, and cmd/agentd simulate returns it as a command error.
package payload

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"fleetagent/internal/workflow"
)

// propertyUpdateSchema describes the minimal shape §6 requires: updateId,
// action, and a steps array. Per-handler properties are intentionally left
// unconstrained (a step's handlerProperties object is handler-specific).
const propertyUpdateSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["updateId", "action"],
  "properties": {
    "updateId": {
      "type": "object",
      "required": ["provider", "name", "version"],
      "properties": {
        "provider": {"type": "string", "minLength": 1},
        "name": {"type": "string", "minLength": 1},
        "version": {"type": "string", "minLength": 1}
      }
    },
    "action": {"type": "integer"},
    "retryTimestamp": {"type": "string"},
    "forceUpdate": {"type": "boolean"},
    "compatibilities": {"type": "array"},
    "steps": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["updateType"],
        "properties": {
          "updateType": {"type": "string", "minLength": 1},
          "handlerProperties": {"type": "object"},
          "files": {"type": "array"},
          "detachedManifest": {"type": ["object", "null"]}
        }
      }
    }
  }
}`

var schema = gojsonschema.NewStringLoader(propertyUpdateSchema)

// ValidationError wraps the schema validation failures for a rejected
// payload.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("payload: schema validation failed: %v", e.Errors)
}

// Validate checks raw against the desired-state schema without parsing it
// into a workflow.PropertyUpdate.
func Validate(raw []byte) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("payload: schema evaluation failed: %w", err)
	}
	if result.Valid() {
		return nil
	}

	verr := &ValidationError{}
	for _, re := range result.Errors() {
		verr.Errors = append(verr.Errors, re.String())
	}
	return verr
}

// ParseAndValidate validates raw against the schema, then decodes it into a
// workflow.PropertyUpdate. cmd/agentd simulate calls it before handing the
// payload to the engine; Engine.HandlePropertyUpdate does not call it.
func ParseAndValidate(raw []byte) (workflow.PropertyUpdate, error) {
	if err := Validate(raw); err != nil {
		return workflow.PropertyUpdate{}, err
	}
	return workflow.ParsePropertyUpdate(raw)
}
