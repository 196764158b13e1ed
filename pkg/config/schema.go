package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// profileSchemaURL is the canonical id the embedded schema compiles under.
const profileSchemaURL = "https://schemas.halcyon-robotics.dev/vigil/safety-profile.schema.json"

// profileSchema is the structural contract for safety profile documents.
// Semantic rules the schema cannot express (nominal zone caps against the
// global cap, CEL compilation, threshold cross-checks) run in Materialize.
const profileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://schemas.halcyon-robotics.dev/vigil/safety-profile.schema.json",
  "type": "object",
  "required": ["schema_version", "name", "environment_mode", "body"],
  "additionalProperties": false,
  "properties": {
    "schema_version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+$"},
    "name": {"type": "string", "minLength": 1},
    "environment_mode": {"enum": ["industrial", "personal_care", "research"]},
    "preset": {"enum": ["tesla_optimus", "boston_dynamics_atlas", "figure_02"]},
    "include_hands": {"type": "boolean"},
    "body": {
      "type": "object",
      "required": ["safety_factor"],
      "additionalProperties": false,
      "properties": {
        "safety_factor": {"type": "number", "exclusiveMinimum": 0, "maximum": 1}
      }
    },
    "balance": {
      "type": "object",
      "required": [
        "marginal_zmp_margin", "soft_tilt_angle", "min_tilt_rate",
        "hard_tilt_rate", "fall_debounce_cycles", "recovery_debounce_cycles",
        "ground_contact_height", "impact_accel"
      ],
      "additionalProperties": false,
      "properties": {
        "marginal_zmp_margin": {"type": "number", "exclusiveMinimum": 0},
        "soft_tilt_angle": {"type": "number", "exclusiveMinimum": 0},
        "min_tilt_rate": {"type": "number", "exclusiveMinimum": 0},
        "hard_tilt_rate": {"type": "number", "exclusiveMinimum": 0},
        "fall_debounce_cycles": {"type": "integer", "minimum": 2},
        "recovery_debounce_cycles": {"type": "integer", "minimum": 1},
        "ground_contact_height": {"type": "number", "exclusiveMinimum": 0},
        "impact_accel": {"type": "number", "exclusiveMinimum": 0}
      }
    },
    "policy": {
      "type": "object",
      "required": ["strict_mode", "require_purpose", "advisory_violation_limit"],
      "additionalProperties": false,
      "properties": {
        "strict_mode": {"type": "boolean"},
        "require_purpose": {"type": "boolean"},
        "advisory_violation_limit": {"type": "integer", "minimum": 0},
        "purpose_denylist": {"type": "array", "items": {"type": "string", "minLength": 1}}
      }
    },
    "joints": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "required": ["max_velocity", "min_position", "max_position"],
        "additionalProperties": false,
        "properties": {
          "max_velocity": {"type": "number", "exclusiveMinimum": 0},
          "min_position": {"type": "number"},
          "max_position": {"type": "number"}
        }
      }
    },
    "zones": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "min", "max", "max_velocity"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "min": {"$ref": "#/$defs/vec3"},
          "max": {"$ref": "#/$defs/vec3"},
          "max_velocity": {"type": "number", "exclusiveMinimum": 0}
        }
      }
    },
    "max_height": {"type": "number", "exclusiveMinimum": 0},
    "max_cartesian_velocity": {"type": "number", "exclusiveMinimum": 0},
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "expression", "effect"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "expression": {"type": "string", "minLength": 1},
          "effect": {"enum": ["deny", "warn"]}
        }
      }
    }
  },
  "oneOf": [
    {"required": ["preset"]},
    {"required": ["joints", "max_height", "max_cartesian_velocity"]}
  ],
  "dependentSchemas": {
    "preset": {
      "not": {
        "anyOf": [
          {"required": ["joints"]},
          {"required": ["zones"]},
          {"required": ["max_height"]},
          {"required": ["max_cartesian_velocity"]}
        ]
      }
    }
  },
  "$defs": {
    "vec3": {
      "type": "object",
      "required": ["x", "y", "z"],
      "additionalProperties": false,
      "properties": {
        "x": {"type": "number"},
        "y": {"type": "number"},
        "z": {"type": "number"}
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaCompile  error
)

func profileSchemaCompiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(profileSchemaURL, strings.NewReader(profileSchema)); err != nil {
			schemaCompile = fmt.Errorf("config: schema resource: %w", err)
			return
		}
		compiledSchema, schemaCompile = c.Compile(profileSchemaURL)
	})
	return compiledSchema, schemaCompile
}

// validateDocument checks a decoded profile document against the embedded
// schema. The document must hold JSON-native types; callers convert YAML
// output through a JSON round trip first.
func validateDocument(doc any) error {
	schema, err := profileSchemaCompiled()
	if err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return nil
}

// jsonValue converts an arbitrary YAML-decoded value into JSON-native
// types so the schema validator sees the same shapes json.Unmarshal would
// produce.
func jsonValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: document not JSON-representable: %v", ErrSchema, err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return out, nil
}
