package validation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/actions"
	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/pkg/schema"
)

func newTemplateValidator(t *testing.T) *TemplateValidator {
	t.Helper()
	reg, err := actions.NewRegistry(actions.Collaborators{})
	require.NoError(t, err)
	celEngine, err := expressions.NewCELEngine()
	require.NoError(t, err)
	tv, err := NewTemplateValidator(reg,
		expressions.NewConditionEvaluator(celEngine, expressions.NewExprEngine()),
		expressions.NewGoJQEngine())
	require.NoError(t, err)
	return tv
}

func appointmentTemplate() *schema.Template {
	return &schema.Template{
		Name:        "appointment-flow",
		Industry:    schema.IndustryMedical,
		TriggerType: "appointment_scheduled",
		Tasks: []schema.TaskSpec{
			{
				Name:       "book",
				ActionType: "appointment_booking",
				ActionConfig: schema.Values{
					"starts_at": "${{vars.appointment_at}}",
				},
				Transform: "{booking: .booking_id}",
			},
			{
				Name:       "remind",
				ActionType: "appointment_reminder",
				Delay:      schema.NewDelay(24 * time.Hour),
				ActionConfig: schema.Values{
					"to":   "${{vars.phone}}",
					"body": "Hi {{patient_name}}, see you tomorrow",
				},
				Condition: &schema.Condition{Expr: `vars.channel == "sms"`},
			},
			{
				Name:       "approve-followup",
				ActionType: "doctor_approval",
				IsHITL:     true,
			},
			{
				Name:       "followup",
				ActionType: "send_email",
				ActionConfig: schema.Values{
					"to":   "${{vars.email}}",
					"body": "How did it go?",
				},
				Condition: &schema.Condition{Clauses: []schema.Clause{
					{Field: "email", Operator: schema.OpExists},
					{Field: "opted_out", Operator: schema.OpNotEquals, Value: true, Logic: "AND"},
				}},
			},
		},
	}
}

func issuePaths(issues []schema.ValidationIssue) []string {
	paths := make([]string, 0, len(issues))
	for _, is := range issues {
		paths = append(paths, is.Path)
	}
	return paths
}

func TestTemplateValidator_Valid(t *testing.T) {
	tv := newTemplateValidator(t)

	result := tv.Validate(appointmentTemplate())
	assert.True(t, result.Valid(), "unexpected errors: %+v", result.Errors)
	assert.Empty(t, result.Warnings)
	assert.NoError(t, tv.ValidateTemplate(appointmentTemplate()))
}

func TestTemplateValidator_Nil(t *testing.T) {
	tv := newTemplateValidator(t)
	err := tv.ValidateTemplate(nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestTemplateValidator_StructuralShortCircuit(t *testing.T) {
	tv := newTemplateValidator(t)
	tpl := appointmentTemplate()
	tpl.Tasks = nil

	result := tv.Validate(tpl)
	require.False(t, result.Valid())
	assert.Contains(t, issuePaths(result.Errors), "/tasks")
}

func TestTemplateValidator_TaskErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(tpl *schema.Template)
		path   string
		code   string
	}{
		{
			name:   "unknown action",
			mutate: func(tpl *schema.Template) { tpl.Tasks[1].ActionType = "fax_blast" },
			path:   "tasks[1].action_type",
			code:   schema.ErrCodeConfiguration,
		},
		{
			name:   "missing required config",
			mutate: func(tpl *schema.Template) { delete(tpl.Tasks[1].ActionConfig, "body") },
			path:   "tasks[1].action_config",
			code:   schema.ErrCodeValidation,
		},
		{
			name: "invalid literal config value",
			mutate: func(tpl *schema.Template) {
				tpl.Tasks[0].ActionConfig["starts_at"] = "tomorrow morning"
			},
			path: "tasks[0].action_config.starts_at",
			code: schema.ErrCodeValidation,
		},
		{
			name: "unknown reference namespace",
			mutate: func(tpl *schema.Template) {
				tpl.Tasks[3].ActionConfig["to"] = "${{env.EMAIL}}"
			},
			path: "tasks[3].action_config",
			code: schema.ErrCodeInterpolation,
		},
		{
			name:   "condition does not compile",
			mutate: func(tpl *schema.Template) { tpl.Tasks[1].Condition.Expr = "vars.channel ==" },
			path:   "tasks[1].condition",
			code:   schema.ErrCodeValidation,
		},
		{
			name: "clause logic is not AND or OR",
			mutate: func(tpl *schema.Template) {
				tpl.Tasks[3].Condition.Clauses[1].Logic = "XOR"
			},
			path: "tasks[3].condition",
			code: schema.ErrCodeValidation,
		},
		{
			name:   "transform does not compile",
			mutate: func(tpl *schema.Template) { tpl.Tasks[0].Transform = "{booking: " },
			path:   "tasks[0].transform",
			code:   schema.ErrCodeValidation,
		},
		{
			name:   "negative delay",
			mutate: func(tpl *schema.Template) { tpl.Tasks[1].Delay = schema.NewDelay(-time.Minute) },
			path:   "tasks[1].delay",
			code:   schema.ErrCodeValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tv := newTemplateValidator(t)
			tpl := appointmentTemplate()
			tt.mutate(tpl)

			result := tv.Validate(tpl)
			require.False(t, result.Valid())
			var found bool
			for _, is := range result.Errors {
				if is.Path == tt.path {
					found = true
					assert.Equal(t, tt.code, is.Code)
				}
			}
			assert.True(t, found, "no error at %s, got %v", tt.path, issuePaths(result.Errors))
		})
	}
}

func TestTemplateValidator_Warnings(t *testing.T) {
	tv := newTemplateValidator(t)
	tpl := appointmentTemplate()
	tpl.Tasks[3].Name = "book"
	tpl.Tasks = append(tpl.Tasks, schema.TaskSpec{
		ActionType:   "cleaning_reminder",
		ActionConfig: schema.Values{"to": "+15550100", "body": "Cleaning due"},
	})
	tpl.Tasks[2].Transform = ".approved_by"

	result := tv.Validate(tpl)
	assert.True(t, result.Valid(), "unexpected errors: %+v", result.Errors)
	assert.ElementsMatch(t,
		[]string{"tasks[3].name", "tasks[4].action_type", "tasks[2].transform"},
		issuePaths(result.Warnings))
}

func TestTemplateValidator_NoCatalog(t *testing.T) {
	tv, err := NewTemplateValidator(nil, nil, nil)
	require.NoError(t, err)

	tpl := appointmentTemplate()
	tpl.Tasks[1].ActionType = "fax_blast"
	assert.NoError(t, tv.ValidateTemplate(tpl))
}
