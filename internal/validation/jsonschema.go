package validation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/autoflow/pkg/schema"
)

const templateSchemaURL = "https://autoflow.dev/schemas/template.json"

// templateSchemaJSON is the structural schema for a Template document.
// Delay is free-form here; its grammar is owned by schema.Delay.
const templateSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://autoflow.dev/schemas/template.json",
  "type": "object",
  "required": ["name", "industry", "trigger_type", "tasks"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "industry": {
      "type": "string",
      "enum": ["medical", "dental", "real_estate", "hospitality", "general"]
    },
    "trigger_type": { "type": "string", "minLength": 1 },
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/task" }
    }
  },
  "$defs": {
    "task": {
      "type": "object",
      "required": ["action_type"],
      "properties": {
        "name": { "type": "string" },
        "action_type": { "type": "string", "minLength": 1 },
        "action_config": { "type": "object" },
        "delay": {},
        "is_hitl": { "type": "boolean" },
        "condition": { "$ref": "#/$defs/condition" },
        "transform": { "type": "string" }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "properties": {
        "expr": { "type": "string" },
        "engine": { "type": "string", "enum": ["", "cel", "expr"] },
        "clauses": {
          "type": "array",
          "items": { "$ref": "#/$defs/clause" }
        }
      },
      "additionalProperties": false
    },
    "clause": {
      "type": "object",
      "required": ["field", "operator"],
      "properties": {
        "field": { "type": "string", "minLength": 1 },
        "operator": {
          "type": "string",
          "enum": ["equals", "not_equals", "greater_than", "less_than", "contains", "exists"]
        },
        "value": {},
        "logic": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// Violation is one leaf schema failure.
type Violation struct {
	Location string `json:"location"`
	Message  string `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Location, v.Message)
}

// SchemaValidator validates templates and action configs with JSON Schema
// Draft 2020-12. It is safe for concurrent use.
type SchemaValidator struct {
	templateSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewSchemaValidator compiles the template schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(templateSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal template schema: %w", err)
	}
	if err := c.AddResource(templateSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add template schema resource: %w", err)
	}
	tpl, err := c.Compile(templateSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile template schema: %w", err)
	}
	return &SchemaValidator{
		templateSchema: tpl,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateTemplate checks the template's shape. It returns nil or the list
// of violations.
func (v *SchemaValidator) ValidateTemplate(tpl *schema.Template) ([]Violation, error) {
	doc, err := toJSONValue(tpl)
	if err != nil {
		return nil, fmt.Errorf("serialize template: %w", err)
	}
	if err := v.templateSchema.Validate(doc); err != nil {
		return violationsOf(err, nil), nil
	}
	return nil, nil
}

// ValidateConfig checks an action config against its schema. Leaves holding
// a ${{...}} or {{...}} reference are only known at execution time, so
// violations located at or below them are ignored.
func (v *SchemaValidator) ValidateConfig(config schema.Values, configSchema json.RawMessage) ([]Violation, error) {
	if len(configSchema) == 0 {
		return nil, nil
	}
	compiled, err := v.getOrCompile(configSchema)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "invalid action config schema").WithCause(err)
	}
	if config == nil {
		config = schema.Values{}
	}
	doc, err := toJSONValue(config.Plain())
	if err != nil {
		return nil, fmt.Errorf("serialize config: %w", err)
	}
	if err := compiled.Validate(doc); err != nil {
		return violationsOf(err, referencePaths(config)), nil
	}
	return nil, nil
}

func (v *SchemaValidator) getOrCompile(raw json.RawMessage) (*jsonschema.Schema, error) {
	key := string(raw)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("autoflow://action-config/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number, as
// the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// violationsOf flattens a ValidationError tree into leaf violations, dropping
// any located under one of the skip paths.
func violationsOf(err error, skip []string) []Violation {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []Violation{{Location: "/", Message: err.Error()}}
	}
	var out []Violation
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, cause := range e.Causes {
				walk(cause)
			}
			return
		}
		loc := "/" + strings.Join(e.InstanceLocation, "/")
		if underAny(loc, skip) {
			return
		}
		out = append(out, Violation{Location: loc, Message: e.Error()})
	}
	walk(verr)
	return out
}

func underAny(loc string, prefixes []string) bool {
	for _, p := range prefixes {
		if loc == p || strings.HasPrefix(loc, p+"/") {
			return true
		}
	}
	return false
}

// referencePaths lists JSON pointer paths of string leaves that contain an
// interpolation token.
func referencePaths(config schema.Values) []string {
	var paths []string
	var walk func(path string, v any)
	walk = func(path string, v any) {
		switch t := v.(type) {
		case schema.Values:
			for k, item := range t {
				walk(path+"/"+k, item)
			}
		case []any:
			for i, item := range t {
				walk(path+"/"+strconv.Itoa(i), item)
			}
		case string:
			if strings.Contains(t, "{{") {
				paths = append(paths, path)
			}
		}
	}
	for k, item := range config {
		walk("/"+k, item)
	}
	return paths
}
