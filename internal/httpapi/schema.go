package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const syncRequestSchemaURL = "https://tasksync.local/schemas/sync-request.json"

// syncRequestSchema checks the shape of POST /v1/sync bodies. Presence of the
// target fields is left to the orchestrator. Records themselves are not
// checked; the merge drops malformed ones.
const syncRequestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["action"],
  "properties": {
    "action": {"type": "string"},
    "endpoint": {"type": "string"},
    "username": {"type": "string"},
    "password": {"type": "string"},
    "path": {"type": "string"},
    "payload": {
      "type": ["object", "null"],
      "properties": {
        "data": {"$ref": "#/$defs/document"},
        "meta": {"$ref": "#/$defs/meta"}
      }
    }
  },
  "$defs": {
    "timestamp": {"type": ["string", "number", "null"]},
    "records": {"type": ["array", "null"]},
    "document": {
      "type": ["object", "null"],
      "properties": {
        "tasks": {"$ref": "#/$defs/records"},
        "habits": {"$ref": "#/$defs/records"},
        "countdowns": {"$ref": "#/$defs/records"},
        "deletions": {
          "type": ["object", "null"],
          "properties": {
            "countdowns": {
              "type": ["object", "null"],
              "additionalProperties": {"$ref": "#/$defs/timestamp"}
            }
          }
        },
        "settings": true,
        "secrets": true
      }
    },
    "meta": {
      "type": ["object", "null"],
      "properties": {
        "lastLocalChange": {"$ref": "#/$defs/timestamp"}
      }
    }
  }
}`

type requestValidator struct {
	schema *jsonschema.Schema
}

func newRequestValidator() (*requestValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(syncRequestSchema))
	if err != nil {
		return nil, fmt.Errorf("parse sync request schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(syncRequestSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add sync request schema: %w", err)
	}
	schema, err := compiler.Compile(syncRequestSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile sync request schema: %w", err)
	}
	return &requestValidator{schema: schema}, nil
}

func mustRequestValidator() *requestValidator {
	v, err := newRequestValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// validate returns a client-facing error when body is not valid JSON or does
// not match the request schema.
func (v *requestValidator) validate(body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return errors.New("invalid json body")
	}
	if err := v.schema.Validate(inst); err != nil {
		return err
	}
	return nil
}
