package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/pkg/schema"
)

// ActionCatalog is the subset of the action registry the validator needs.
type ActionCatalog interface {
	Has(actionType string) bool
	ConfigSchema(actionType string) (json.RawMessage, bool)
	IndustryOf(actionType string) (schema.Industry, bool)
}

// TemplateValidator runs the authoring-time checks on a template:
//  1. Structural (JSON Schema)
//  2. Per task: known action, config schema, references, condition, transform
//  3. Cross-task: duplicate names, industry fit
type TemplateValidator struct {
	schemas    *SchemaValidator
	actions    ActionCatalog
	conditions *expressions.ConditionEvaluator
	jq         *expressions.GoJQEngine
}

// NewTemplateValidator creates a TemplateValidator. actions may be nil to
// skip action existence and config checks.
func NewTemplateValidator(actions ActionCatalog, conditions *expressions.ConditionEvaluator, jq *expressions.GoJQEngine) (*TemplateValidator, error) {
	sv, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &TemplateValidator{
		schemas:    sv,
		actions:    actions,
		conditions: conditions,
		jq:         jq,
	}, nil
}

// Validate returns every issue found. Structural errors short-circuit the
// remaining stages.
func (tv *TemplateValidator) Validate(tpl *schema.Template) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if tpl == nil {
		result.AddError("/", schema.ErrCodeValidation, "template is nil")
		return result
	}

	violations, err := tv.schemas.ValidateTemplate(tpl)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	for _, v := range violations {
		result.AddError(v.Location, schema.ErrCodeValidation, v.String())
	}
	if !result.Valid() {
		return result
	}

	names := make(map[string]int, len(tpl.Tasks))
	for i := range tpl.Tasks {
		task := &tpl.Tasks[i]
		path := fmt.Sprintf("tasks[%d]", i)
		tv.validateTask(tpl, task, path, result)

		if task.Name != "" {
			if prev, dup := names[task.Name]; dup {
				result.AddWarning(path+".name", schema.ErrCodeValidation,
					fmt.Sprintf("task name %q already used by tasks[%d]", task.Name, prev))
			} else {
				names[task.Name] = i
			}
		}
	}
	return result
}

// ValidateTemplate returns the result as a single error, or nil.
func (tv *TemplateValidator) ValidateTemplate(tpl *schema.Template) error {
	return tv.Validate(tpl).ToError()
}

func (tv *TemplateValidator) validateTask(tpl *schema.Template, task *schema.TaskSpec, path string, result *schema.ValidationResult) {
	if task.Delay.Duration < 0 {
		result.AddError(path+".delay", schema.ErrCodeValidation, "delay must not be negative")
	}

	// HITL tasks never run a handler, their action type is only a label.
	if tv.actions != nil && !task.IsHITL {
		tv.validateAction(tpl, task, path, result)
	}

	if err := expressions.CheckReferences(task.ActionConfig); err != nil {
		result.AddError(path+".action_config", schema.ErrCodeInterpolation, messageOf(err))
	}

	if task.Condition != nil && tv.conditions != nil {
		if err := tv.conditions.Compile(task.Condition); err != nil {
			result.AddError(path+".condition", schema.ErrCodeValidation, messageOf(err))
		}
	}

	if task.Transform != "" {
		switch {
		case task.IsHITL:
			result.AddWarning(path+".transform", schema.ErrCodeValidation,
				"transform is ignored on HITL tasks")
		case tv.jq != nil:
			if err := tv.jq.Compile(task.Transform); err != nil {
				result.AddError(path+".transform", schema.ErrCodeValidation, messageOf(err))
			}
		}
	}
}

func (tv *TemplateValidator) validateAction(tpl *schema.Template, task *schema.TaskSpec, path string, result *schema.ValidationResult) {
	if !tv.actions.Has(task.ActionType) {
		result.AddError(path+".action_type", schema.ErrCodeConfiguration,
			fmt.Sprintf("action %q not registered", task.ActionType))
		return
	}

	if ind, ok := tv.actions.IndustryOf(task.ActionType); ok &&
		ind != schema.IndustryGeneral && tpl.Industry != schema.IndustryGeneral && ind != tpl.Industry {
		result.AddWarning(path+".action_type", schema.ErrCodeValidation,
			fmt.Sprintf("action %q belongs to industry %s, template targets %s", task.ActionType, ind, tpl.Industry))
	}

	raw, ok := tv.actions.ConfigSchema(task.ActionType)
	if !ok {
		return
	}
	violations, err := tv.schemas.ValidateConfig(task.ActionConfig, raw)
	if err != nil {
		result.AddError(path+".action_config", schema.ErrorCode(err), messageOf(err))
		return
	}
	for _, v := range violations {
		result.AddError(path+".action_config"+dotted(v.Location), schema.ErrCodeValidation, v.Message)
	}
}

func messageOf(err error) string {
	var ae *schema.AutoflowError
	if errors.As(err, &ae) {
		return ae.Message
	}
	return err.Error()
}

// dotted turns a JSON pointer into a dotted suffix: "/a/0" becomes ".a.0".
func dotted(pointer string) string {
	if pointer == "/" || pointer == "" {
		return ""
	}
	return strings.ReplaceAll(pointer, "/", ".")
}
