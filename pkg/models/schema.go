package models

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// graphSchema validates the shape of an interchange document before the
// typed decode runs, so editors get positional errors instead of a partial
// unmarshal failure. Config contents are validated per node type after
// decode; position stays unconstrained on purpose.
const graphSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "nodes", "edges"],
  "properties": {
    "id": {"type": "string"},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "fail_fast": {"type": "boolean"},
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "name", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string", "minLength": 1},
          "type": {"enum": ["INPUT", "OUTPUT", "AGENT", "TOOL", "CONDITION", "TRANSFORM"]},
          "config": {"type": "object"},
          "required": {"type": "boolean"},
          "timeout_seconds": {"type": "integer", "minimum": 0}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "source", "target", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "source": {"type": "string", "minLength": 1},
          "target": {"type": "string", "minLength": 1},
          "type": {"enum": ["DATA", "CONDITION_TRUE", "CONDITION_FALSE"]}
        }
      }
    },
    "parallel_regions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["fork", "join", "branches"],
        "properties": {
          "fork": {"type": "string"},
          "join": {"type": "string"},
          "branches": {"type": "array", "items": {"type": "array", "items": {"type": "string"}}},
          "max_concurrency": {"type": "integer", "minimum": 1}
        }
      }
    }
  }
}`

// ValidateDocument checks a raw interchange JSON document against the graph
// schema and returns one error describing every violation.
func ValidateDocument(document []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(graphSchema),
		gojsonschema.NewBytesLoader(document),
	)
	if err != nil {
		return fmt.Errorf("failed to validate graph document: %w", err)
	}

	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}

	return fmt.Errorf("invalid graph document: %s", strings.Join(msgs, "; "))
}

// DecodeGraph validates and decodes an interchange document into a Graph.
func DecodeGraph(document []byte) (*Graph, error) {
	if err := ValidateDocument(document); err != nil {
		return nil, err
	}

	graph := &Graph{}
	if err := graph.UnmarshalJSON(document); err != nil {
		return nil, err
	}

	return graph, nil
}
