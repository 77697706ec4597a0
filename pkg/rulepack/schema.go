package rulepack

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/credentialmate/rules/pkg/contracts"
)

// JSON Schemas for the four pack body shapes, compiled once at first use.
// Validation at load time turns a malformed pack into a hard load error
// instead of a mid-evaluation surprise.

const licenseBodySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["state_rules"],
  "properties": {
    "state_rules": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["state", "cycle_length_months", "renewal_method", "grace_period_days"],
        "properties": {
          "state": {"type": "string", "minLength": 2, "maxLength": 10},
          "cycle_length_months": {"type": "integer", "enum": [12, 24, 36, 48]},
          "renewal_method": {"type": "string", "enum": ["fixed_date", "birth_month", "rolling", "odd_even_year"]},
          "grace_period_days": {"type": "integer", "minimum": 0},
          "fixed_month": {"type": "integer", "minimum": 1, "maximum": 12},
          "fixed_day": {"type": "integer", "minimum": 1, "maximum": 31},
          "epoch_year": {"type": "integer", "minimum": 1900},
          "parity": {"type": "string", "enum": ["", "odd", "even"]}
        }
      }
    }
  }
}`

const cmeBodySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["state_matrices"],
  "properties": {
    "state_matrices": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["state", "cycle_months", "required_hours", "allowed_carryover_hours"],
        "properties": {
          "state": {"type": "string", "minLength": 2, "maxLength": 10},
          "cycle_months": {"type": "integer", "minimum": 1},
          "required_hours": {
            "type": "object",
            "additionalProperties": {"type": "number", "minimum": 0}
          },
          "allowed_carryover_hours": {"type": "number", "minimum": 0},
          "specialty_overrides": {
            "type": "object",
            "additionalProperties": {
              "type": "object",
              "additionalProperties": {"type": "number"}
            }
          },
          "conditional_requirements": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["name", "condition", "category", "delta_hours"],
              "properties": {
                "name": {"type": "string", "minLength": 1},
                "condition": {"type": "string", "minLength": 1},
                "category": {"type": "string", "minLength": 1},
                "delta_hours": {"type": "number"}
              }
            }
          }
        }
      }
    }
  }
}`

const deaBodySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["cycle_months"],
  "properties": {
    "cycle_months": {"type": "integer", "const": 36}
  }
}`

const csrBodySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["state_rules"],
  "properties": {
    "state_rules": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["state", "cycle_months"],
        "properties": {
          "state": {"type": "string", "minLength": 2, "maxLength": 10},
          "cycle_months": {"type": "integer", "minimum": 1},
          "aligned": {"type": "boolean"}
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	schemaCompiled map[contracts.RuleType]*jsonschema.Schema
	schemaErr      error
)

func compiledSchemas() (map[contracts.RuleType]*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		sources := map[contracts.RuleType]string{
			contracts.RuleTypeLicense: licenseBodySchema,
			contracts.RuleTypeCme:     cmeBodySchema,
			contracts.RuleTypeDea:     deaBodySchema,
			contracts.RuleTypeCsr:     csrBodySchema,
		}
		compiled := make(map[contracts.RuleType]*jsonschema.Schema, len(sources))
		for ruleType, src := range sources {
			c := jsonschema.NewCompiler()
			c.Draft = jsonschema.Draft2020
			url := fmt.Sprintf("https://rules.credentialmate.local/schemas/%s-pack-body.schema.json", ruleType)
			if err := c.AddResource(url, strings.NewReader(src)); err != nil {
				schemaErr = fmt.Errorf("schema load failed for %s: %w", ruleType, err)
				return
			}
			s, err := c.Compile(url)
			if err != nil {
				schemaErr = fmt.Errorf("schema compile failed for %s: %w", ruleType, err)
				return
			}
			compiled[ruleType] = s
		}
		schemaCompiled = compiled
	})
	return schemaCompiled, schemaErr
}

func validateBodySchema(ruleType contracts.RuleType, body json.RawMessage) error {
	schemas, err := compiledSchemas()
	if err != nil {
		return err
	}
	schema, ok := schemas[ruleType]
	if !ok {
		return fmt.Errorf("%w: no schema for rule_type %q", ErrMalformedPack, ruleType)
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("%w: body is not valid JSON: %v", ErrMalformedPack, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPack, err)
	}
	return nil
}
