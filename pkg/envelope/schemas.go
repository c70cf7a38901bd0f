package envelope

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// payloadSchemas defines the closed payload shape per msg_type. Unknown
// discriminators and additional top-level fields are rejected on ingress.
var payloadSchemas = map[MsgType]string{
	MsgIntent: `{
		"type": "object",
		"required": ["intent_type"],
		"properties": {
			"intent_type": {"type": "string", "enum": ["MESSAGE", "EMAIL_MESSAGE", "CHAT_MESSAGE", "NOTIFICATION", "TASK_REQUEST"]},
			"subject": {"type": "string", "maxLength": 512},
			"body": {"type": "string"},
			"mime_type": {"type": "string"},
			"semantics": {
				"type": "object",
				"properties": {
					"conversation_id": {"type": "string"},
					"in_reply_to": {"type": "string"},
					"labels": {"type": "array", "items": {"type": "string"}}
				},
				"additionalProperties": false
			},
			"discovery": {
				"type": "object",
				"properties": {
					"description": {"type": "string"},
					"tags": {"type": "array", "items": {"type": "string"}},
					"min_trust": {"type": "number", "minimum": 0, "maximum": 1},
					"limit": {"type": "integer", "minimum": 1, "maximum": 100}
				},
				"additionalProperties": false
			},
			"constraints": {
				"type": "object",
				"properties": {
					"max_latency_ms": {"type": "integer", "minimum": 0},
					"max_cost": {"type": "number", "minimum": 0}
				},
				"additionalProperties": false
			},
			"data": {"type": "object"}
		},
		"additionalProperties": false
	}`,
	MsgResult: `{
		"type": "object",
		"required": ["intent_id", "status"],
		"properties": {
			"intent_id": {"type": "string"},
			"status": {"type": "string", "enum": ["ok", "error"]},
			"output": {"type": "object"},
			"output_ref": {"type": "string"},
			"error": {"type": "string"},
			"metrics": {"type": "object"}
		},
		"additionalProperties": false
	}`,
	MsgNegotiate: `{
		"type": "object",
		"required": ["intent_id", "action"],
		"properties": {
			"intent_id": {"type": "string"},
			"session_id": {"type": "string"},
			"action": {"type": "string", "enum": ["initiate", "propose", "accept", "reject"]},
			"proposal": {"type": "object"},
			"max_rounds": {"type": "integer", "minimum": 1, "maximum": 20},
			"ttl_minutes": {"type": "integer", "minimum": 1}
		},
		"additionalProperties": false
	}`,
	MsgAdvertise: `{
		"type": "object",
		"required": ["capabilities"],
		"properties": {
			"capabilities": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["description"],
					"properties": {
						"description": {"type": "string", "minLength": 1, "maxLength": 2048},
						"tags": {"type": "array", "items": {"type": "string"}},
						"version": {"type": "string"},
						"evidence_ref": {"type": "string"},
						"max_latency_ms": {"type": "integer", "minimum": 0},
						"cost_per_call": {"type": "number", "minimum": 0}
					},
					"additionalProperties": false
				}
			},
			"ttl_seconds": {"type": "integer", "minimum": 0},
			"trust_seed": {"type": "number", "minimum": 0, "maximum": 1}
		},
		"additionalProperties": false
	}`,
	MsgDiscover: `{
		"type": "object",
		"required": ["query"],
		"properties": {
			"query": {
				"type": "object",
				"properties": {
					"description": {"type": "string"},
					"tags": {"type": "array", "items": {"type": "string"}},
					"min_trust": {"type": "number", "minimum": 0, "maximum": 1},
					"max_latency_ms": {"type": "integer", "minimum": 0},
					"max_cost": {"type": "number", "minimum": 0},
					"limit": {"type": "integer", "minimum": 1, "maximum": 100}
				},
				"additionalProperties": false
			}
		},
		"additionalProperties": false
	}`,
	MsgDiscoverResult: `{
		"type": "object",
		"required": ["matches"],
		"properties": {
			"query_id": {"type": "string"},
			"matches": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["did"],
					"properties": {
						"did": {"type": "string"},
						"description": {"type": "string"},
						"similarity": {"type": "number"},
						"trust": {"type": "number"},
						"usefulness": {"type": "number"},
						"score": {"type": "number"}
					},
					"additionalProperties": false
				}
			},
			"degraded": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	MsgNotification: `{
		"type": "object",
		"required": ["event"],
		"properties": {
			"event": {"type": "string", "minLength": 1},
			"data": {"type": "object"}
		},
		"additionalProperties": false
	}`,
}

// PayloadValidator holds the compiled schema per msg_type.
type PayloadValidator struct {
	schemas map[MsgType]*jsonschema.Schema
}

// NewPayloadValidator compiles all payload schemas.
func NewPayloadValidator() (*PayloadValidator, error) {
	pv := &PayloadValidator{schemas: make(map[MsgType]*jsonschema.Schema, len(payloadSchemas))}
	for msgType, schemaJSON := range payloadSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://ainp.schemas.local/payloads/%s.schema.json", strings.ToLower(string(msgType)))
		if err := c.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
			return nil, fmt.Errorf("payload schema load %s: %w", msgType, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("payload schema compile %s: %w", msgType, err)
		}
		pv.schemas[msgType] = compiled
	}
	return pv, nil
}

// Validate checks payload against the schema for msgType.
func (pv *PayloadValidator) Validate(msgType MsgType, payload json.RawMessage) error {
	schema, ok := pv.schemas[msgType]
	if !ok {
		return fmt.Errorf("no payload schema for msg_type %q", msgType)
	}

	var value interface{}
	if err := json.Unmarshal(payload, &value); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("payload rejected: %w", err)
	}
	return nil
}
