package catalog

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/cadence/pkg/schema"
)

const catalogSchemaURL = "https://cadence.dev/schemas/catalog.json"

// catalogSchemaJSON is the JSON Schema of one catalog document.
const catalogSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://cadence.dev/schemas/catalog.json",
  "type": "object",
  "properties": {
    "templates": { "type": "array", "items": { "$ref": "#/$defs/template" } },
    "definitions": { "type": "array", "items": { "$ref": "#/$defs/definition" } },
    "triggers": { "type": "array", "items": { "$ref": "#/$defs/trigger" } }
  },
  "additionalProperties": false,
  "$defs": {
    "channel": {
      "type": "string",
      "enum": ["whatsapp", "sms", "email", "notification", "survey", "internal"]
    },
    "template": {
      "type": "object",
      "required": ["ref", "channel", "body"],
      "properties": {
        "ref": { "type": "string", "minLength": 1 },
        "channel": { "$ref": "#/$defs/channel" },
        "approved": { "type": "boolean" },
        "subject": { "type": "string" },
        "body": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    },
    "definition": {
      "type": "object",
      "required": ["code", "family", "steps"],
      "properties": {
        "code": { "type": "string", "pattern": "^[a-z0-9][a-z0-9_.-]*$" },
        "name": { "type": "string" },
        "tenant": { "type": "string" },
        "family": { "type": "string", "enum": ["cadence", "playbook"] },
        "channel": { "$ref": "#/$defs/channel" },
        "active": { "type": "boolean" },
        "delay_anchor": { "type": "string", "enum": ["run_start", "previous_step"] },
        "steps": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/step" }
        }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["ordinal", "action"],
      "properties": {
        "ordinal": { "type": "integer", "minimum": 1 },
        "channel": { "$ref": "#/$defs/channel" },
        "template": { "type": "string" },
        "delay_minutes": { "type": "integer", "minimum": 0 },
        "delay_days": { "type": "integer", "minimum": 0 },
        "stop_on_reply": { "type": "boolean" },
        "action": {
          "type": "string",
          "enum": ["notify", "send_message", "send_email", "request_survey", "recompute_score", "create_followup_record"]
        },
        "params": { "type": "object" }
      },
      "additionalProperties": false
    },
    "trigger": {
      "type": "object",
      "required": ["definition", "condition", "subject_kind"],
      "properties": {
        "definition": { "type": "string", "minLength": 1 },
        "subject_kind": { "type": "string", "enum": ["deal", "lead", "account"] },
        "pipeline": { "type": "string" },
        "filter": { "type": "string" },
        "condition": {
          "type": "object",
          "required": ["kind"],
          "properties": {
            "kind": {
              "type": "string",
              "enum": ["STAGE_ENTER", "STAGE_EXIT", "SCORE_BELOW_THRESHOLD", "ACTIVITY_CREATED",
                       "HEALTH_DEGRADED", "RENEWAL_WITHIN", "INCIDENT_SEVERITY_AT_LEAST", "MANUAL"]
            },
            "stage": { "type": "string" },
            "threshold": { "type": "number" },
            "activity": { "type": "string" },
            "days": { "type": "integer", "minimum": 1 },
            "level": { "type": "string" }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks catalog documents against the catalog JSON Schema.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	catalogSchema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the catalog schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(catalogSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal catalog schema: %w", err)
	}
	if err := c.AddResource(catalogSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add catalog schema resource: %w", err)
	}

	compiled, err := c.Compile(catalogSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile catalog schema: %w", err)
	}
	return &JSONSchemaValidator{catalogSchema: compiled}, nil
}

// ValidateDocument validates a generic decoded document (as produced by
// yaml.Unmarshal into any).
func (v *JSONSchemaValidator) ValidateDocument(doc any, result *schema.ValidationResult) {
	value, err := toJSONValue(doc)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "catalog document is not JSON-compatible: "+err.Error())
		return
	}
	if err := v.catalogSchema.Validate(value); err != nil {
		verr, ok := err.(*jsonschema.ValidationError)
		if !ok {
			result.AddError("/", schema.ErrCodeValidation, err.Error())
			return
		}
		for _, violation := range collectViolations(verr) {
			result.AddError(violation.path, schema.ErrCodeValidation, violation.message)
		}
	}
}

// toJSONValue round-trips a Go value through JSON so that numbers become
// json.Number, as the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

type violation struct {
	path    string
	message string
}

// collectViolations walks a ValidationError tree and returns its leaves.
func collectViolations(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []violation{{path: loc, message: verr.Error()}}
	}

	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
