package event

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// String ceilings mirror the column widths of the audit_events table.
const (
	maxActionLen   = 255
	maxShortLen    = 1024
	maxDescription = 8192
	maxSourceIPLen = 64
)

// submissionSchema validates the wire shape of a submission before it
// is decoded into a Submission. Compiled once at package init.
var submissionSchema = jsonschema.MustCompileString(
	"https://vaultline.schemas.local/auditcore/submission.schema.json",
	submissionSchemaJSON,
)

const submissionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["action", "crud"],
  "anyOf": [{"required": ["actor"]}, {"required": ["target"]}],
  "properties": {
    "id": {"type": "string"},
    "external_id": {"type": "string", "maxLength": 1024},
    "action": {"type": "string", "minLength": 1, "maxLength": 255},
    "crud": {"enum": ["create", "read", "update", "delete"]},
    "actor": {
      "type": "object",
      "properties": {
        "id": {"type": "string"},
        "name": {"type": "string"},
        "href": {"type": "string"},
        "fields": {"type": "object", "additionalProperties": {"type": "string"}}
      }
    },
    "target": {
      "type": "object",
      "properties": {
        "id": {"type": "string"},
        "name": {"type": "string"},
        "href": {"type": "string"},
        "type": {"type": "string"},
        "fields": {"type": "object", "additionalProperties": {"type": "string"}}
      }
    },
    "group": {
      "type": "object",
      "properties": {
        "id": {"type": "string"},
        "name": {"type": "string"}
      }
    },
    "description": {"type": "string"},
    "component": {"type": "string"},
    "version": {"type": "string"},
    "source_ip": {"type": "string"},
    "is_anonymous": {"type": "boolean"},
    "is_failure": {"type": "boolean"},
    "fields": {"type": "object"},
    "metadata": {"type": "object", "additionalProperties": {"type": "string"}},
    "created_at": {"type": "string"}
  }
}`

// Validate checks a submission against the shape rules enforced before
// anything touches the database: required action and crud, at least one
// of actor/target, column-width ceilings, representable field values.
func (s *Submission) Validate() error {
	if s.Action == "" {
		return E(CodeValidation, "action is required")
	}
	if len(s.Action) > maxActionLen {
		return Ef(CodeValidation, "action exceeds %d characters", maxActionLen)
	}
	if !s.CRUD.Valid() {
		return Ef(CodeValidation, "crud %q is not one of create, read, update, delete", s.CRUD)
	}
	if s.Actor.ID == "" && s.Target.ID == "" {
		return E(CodeValidation, "at least one of actor.id or target.id is required")
	}
	if s.ID != "" {
		if _, err := uuid.Parse(s.ID); err != nil {
			return Ef(CodeValidation, "id %q is not a valid UUID", s.ID)
		}
	}
	for name, pair := range map[string]struct {
		val string
		max int
	}{
		"external_id": {s.ExternalID, maxShortLen},
		"actor.id":    {s.Actor.ID, maxShortLen},
		"actor.name":  {s.Actor.Name, maxShortLen},
		"actor.href":  {s.Actor.Href, maxShortLen},
		"target.id":   {s.Target.ID, maxShortLen},
		"target.name": {s.Target.Name, maxShortLen},
		"target.href": {s.Target.Href, maxShortLen},
		"target.type": {s.Target.Type, maxShortLen},
		"group.id":    {s.Group.ID, maxShortLen},
		"group.name":  {s.Group.Name, maxShortLen},
		"component":   {s.Component, maxShortLen},
		"version":     {s.Version, maxShortLen},
		"source_ip":   {s.SourceIP, maxSourceIPLen},
		"description": {s.Description, maxDescription},
	} {
		if len(pair.val) > pair.max {
			return Ef(CodeValidation, "%s exceeds %d characters", name, pair.max)
		}
	}
	if err := representable(s.Fields); err != nil {
		return Wrap(CodeValidation, "fields contains an unrepresentable value", err)
	}
	return nil
}

// representable rejects values that have no canonical JSON form.
func representable(v any) error {
	switch x := v.(type) {
	case nil, bool, string, int, int32, int64, uint, uint32, uint64, json.Number:
		return nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("float %v cannot be serialized", x)
		}
		return nil
	case float32:
		return representable(float64(x))
	case map[string]any:
		for _, vv := range x {
			if err := representable(vv); err != nil {
				return err
			}
		}
		return nil
	case map[string]string:
		return nil
	case []any:
		for _, vv := range x {
			if err := representable(vv); err != nil {
				return err
			}
		}
		return nil
	case []string:
		return nil
	default:
		// Anything json.Marshal can encode is acceptable; exotic types
		// fail at canonicalization with the same validation code.
		return nil
	}
}

// DecodeSubmission parses and validates a raw JSON submission. Schema
// violations and shape failures both surface as validation_error.
func DecodeSubmission(data []byte) (*Submission, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, Wrap(CodeValidation, "submission is not valid JSON", err)
	}
	if err := submissionSchema.Validate(raw); err != nil {
		return nil, Wrap(CodeValidation, "submission failed schema validation", err)
	}
	var sub Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, Wrap(CodeValidation, "submission could not be decoded", err)
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	return &sub, nil
}
