package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request schemas. Validation runs before any state changes so a malformed
// body never creates a row.

const enqueueSchemaJSON = `{
	"type": "object",
	"required": ["task_type", "handler"],
	"additionalProperties": false,
	"properties": {
		"task_type": {"type": "string", "minLength": 1},
		"handler": {"type": "string", "minLength": 1},
		"domain": {"type": "string"},
		"origin": {"type": "string"},
		"created_by": {"type": "string"},
		"priority": {"enum": ["critical", "high", "normal", "low"]},
		"payload": {"type": "object"},
		"data_size_bytes": {"type": "integer", "minimum": 0},
		"sla_ms": {"type": "integer", "minimum": 1},
		"max_attempts": {"type": "integer", "minimum": 1, "maximum": 10},
		"intent_id": {"type": "string"},
		"parent_task_id": {"type": "string"}
	}
}`

const intentSchemaJSON = `{
	"type": "object",
	"required": ["goal"],
	"additionalProperties": false,
	"properties": {
		"goal": {"type": "string", "minLength": 1},
		"expected_outcome": {"type": "string"},
		"domain": {"type": "string"},
		"priority": {"enum": ["critical", "high", "normal", "low"]},
		"sla_ms": {"type": "integer", "minimum": 1},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"risk_level": {"enum": ["low", "medium", "high", "critical"]}
	}
}`

const reportSchemaJSON = `{
	"type": "object",
	"required": ["status", "attempt_number"],
	"additionalProperties": false,
	"properties": {
		"status": {"enum": ["started", "heartbeat", "progress", "completed", "failed", "timeout"]},
		"worker_id": {"type": "string"},
		"attempt_number": {"type": "integer", "minimum": 1},
		"result": {"type": "string"},
		"error_message": {"type": "string"},
		"error_kind": {"type": "string"},
		"retryable": {"type": "boolean"},
		"progress": {"type": "number", "minimum": 0, "maximum": 1},
		"duration_ms": {"type": "integer", "minimum": 0}
	}
}`

var (
	enqueueSchema = mustSchema("enqueue.json", enqueueSchemaJSON)
	intentSchema  = mustSchema("intent.json", intentSchemaJSON)
	reportSchema  = mustSchema("report.json", reportSchemaJSON)
)

func mustSchema(name, src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("gateway: parse schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("gateway: add schema %s: %v", name, err))
	}
	schema, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("gateway: compile schema %s: %v", name, err))
	}
	return schema
}

// decodeValidated reads the request body, validates it against the schema,
// and unmarshals it into dst.
func decodeValidated(r *http.Request, schema *jsonschema.Schema, dst any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}
