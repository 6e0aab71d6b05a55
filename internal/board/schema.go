package board

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// mutationSchemaJSON is the wire contract for inbound mutation frames. Shape
// violations are rejected before any decoding so malformed input can never
// reach the store.
const mutationSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "projectId"],
  "properties": {
    "type": {"enum": ["create", "update_status", "reposition", "delete"]},
    "projectId": {"type": "string", "minLength": 1},
    "taskId": {"type": "string"},
    "clientTempId": {"type": "string"},
    "expectedVersion": {"type": "integer", "minimum": 0},
    "payload": {
      "type": "object",
      "properties": {
        "title": {"type": "string", "maxLength": 500},
        "status": {"enum": ["todo", "in_progress", "completed"]},
        "beforeTaskId": {"type": "string"},
        "afterTaskId": {"type": "string"}
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

var (
	mutationSchemaOnce sync.Once
	mutationSchema     *jsonschema.Schema
	mutationSchemaErr  error
)

func compiledMutationSchema() (*jsonschema.Schema, error) {
	mutationSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(mutationSchemaJSON))
		if err != nil {
			mutationSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("mutation.json", doc); err != nil {
			mutationSchemaErr = err
			return
		}
		mutationSchema, mutationSchemaErr = compiler.Compile("mutation.json")
	})
	return mutationSchema, mutationSchemaErr
}

// DecodeMutation validates a raw inbound frame against the mutation schema
// and decodes it. All failures wrap ErrInvalidInput.
func DecodeMutation(raw []byte) (Mutation, error) {
	schema, err := compiledMutationSchema()
	if err != nil {
		return Mutation{}, err
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Mutation{}, fmt.Errorf("%w: malformed json: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(value); err != nil {
		return Mutation{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var m Mutation
	if err := json.Unmarshal(raw, &m); err != nil {
		return Mutation{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return m, nil
}
