package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/pkg/schema"
)

func newTestEvaluator(t *testing.T) *ConditionEvaluator {
	t.Helper()
	celEngine, err := NewCELEngine()
	require.NoError(t, err)
	return NewConditionEvaluator(celEngine, NewExprEngine())
}

func leadVars() schema.Values {
	return schema.MustValues(map[string]any{
		"stage":     "qualified",
		"budget":    450000,
		"tags":      []any{"buyer", "first_home"},
		"notes":     "wants a garden",
		"lead":      map[string]any{"source": "zillow", "score": 72},
		"last_seen": "2026-01-10T10:00:00Z",
		"zip":       "10",
		"bedrooms":  "3",
		"channel":   "Email",
	})
}

func TestConditionEvaluator_NilIsTrue(t *testing.T) {
	ok, err := newTestEvaluator(t).Evaluate(context.Background(), nil, nil, TaskInfo{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConditionEvaluator_Expressions(t *testing.T) {
	ev := newTestEvaluator(t)
	ctx := context.Background()

	ok, err := ev.Evaluate(ctx, &schema.Condition{Expr: `vars.budget > 300000 && vars.lead.source == "zillow"`}, leadVars(), TaskInfo{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.Evaluate(ctx, &schema.Condition{Expr: `vars.stage == "won"`, Engine: "expr"}, leadVars(), TaskInfo{})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = ev.Evaluate(ctx, &schema.Condition{Expr: `task.index == 3`}, leadVars(), TaskInfo{Index: 3})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConditionEvaluator_NonBoolIsConfigurationError(t *testing.T) {
	ev := newTestEvaluator(t)

	_, err := ev.Evaluate(context.Background(), &schema.Condition{Expr: `vars.stage`}, leadVars(), TaskInfo{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))
}

func TestEvaluateClauses_Operators(t *testing.T) {
	vars := leadVars()

	tests := []struct {
		name   string
		clause schema.Clause
		want   bool
	}{
		{"equals string", schema.Clause{Field: "stage", Operator: schema.OpEquals, Value: "qualified"}, true},
		{"equals number across kinds", schema.Clause{Field: "budget", Operator: schema.OpEquals, Value: 450000}, true},
		{"not equals", schema.Clause{Field: "stage", Operator: schema.OpNotEquals, Value: "lost"}, true},
		{"not equals on missing field", schema.Clause{Field: "nope", Operator: schema.OpNotEquals, Value: "x"}, true},
		{"greater than", schema.Clause{Field: "lead.score", Operator: schema.OpGreaterThan, Value: 70}, true},
		{"less than", schema.Clause{Field: "budget", Operator: schema.OpLessThan, Value: 100000}, false},
		{"less than timestamp", schema.Clause{Field: "last_seen", Operator: schema.OpLessThan, Value: "2026-02-01T00:00:00Z"}, true},
		{"greater than mismatched kinds", schema.Clause{Field: "stage", Operator: schema.OpGreaterThan, Value: 1}, false},
		{"contains substring", schema.Clause{Field: "notes", Operator: schema.OpContains, Value: "garden"}, true},
		{"contains list item", schema.Clause{Field: "tags", Operator: schema.OpContains, Value: "buyer"}, true},
		{"contains map key", schema.Clause{Field: "lead", Operator: schema.OpContains, Value: "score"}, true},
		{"equals numeric string", schema.Clause{Field: "zip", Operator: schema.OpEquals, Value: 10}, true},
		{"equals number to numeric string", schema.Clause{Field: "budget", Operator: schema.OpEquals, Value: "450000"}, true},
		{"not equals numeric string", schema.Clause{Field: "zip", Operator: schema.OpNotEquals, Value: 10}, false},
		{"greater than numeric string", schema.Clause{Field: "bedrooms", Operator: schema.OpGreaterThan, Value: 2}, true},
		{"less than numeric string", schema.Clause{Field: "lead.score", Operator: schema.OpLessThan, Value: "100"}, true},
		{"numeric strings compare as numbers", schema.Clause{Field: "bedrooms", Operator: schema.OpLessThan, Value: "10"}, true},
		{"contains ignores case", schema.Clause{Field: "channel", Operator: schema.OpContains, Value: "email"}, true},
		{"contains substring ignores case", schema.Clause{Field: "notes", Operator: schema.OpContains, Value: "GARDEN"}, true},
		{"contains list item ignores case", schema.Clause{Field: "tags", Operator: schema.OpContains, Value: "Buyer"}, true},
		{"contains number in string", schema.Clause{Field: "zip", Operator: schema.OpContains, Value: 1}, true},
		{"exists", schema.Clause{Field: "lead.source", Operator: schema.OpExists}, true},
		{"exists missing", schema.Clause{Field: "lead.phone", Operator: schema.OpExists}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := EvaluateClauses([]schema.Clause{tt.clause}, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestEvaluateClauses_LeftToRightLogic(t *testing.T) {
	vars := leadVars()
	truthy := schema.Clause{Field: "stage", Operator: schema.OpEquals, Value: "qualified"}
	falsy := schema.Clause{Field: "stage", Operator: schema.OpEquals, Value: "lost"}

	orFalsy := falsy
	orFalsy.Logic = "OR"
	orTruthy := truthy
	orTruthy.Logic = "or"

	tests := []struct {
		name    string
		clauses []schema.Clause
		want    bool
	}{
		{"empty is true", nil, true},
		{"and short", []schema.Clause{truthy, falsy}, false},
		{"or rescues", []schema.Clause{falsy, orTruthy}, true},
		{"or then and", []schema.Clause{falsy, orTruthy, falsy}, false},
		{"and then or", []schema.Clause{truthy, falsy, orTruthy}, true},
		{"or of falsy", []schema.Clause{falsy, orFalsy}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := EvaluateClauses(tt.clauses, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestConditionEvaluator_Compile(t *testing.T) {
	ev := newTestEvaluator(t)

	assert.NoError(t, ev.Compile(nil))
	assert.NoError(t, ev.Compile(&schema.Condition{Expr: `vars.a == 1`}))
	assert.NoError(t, ev.Compile(&schema.Condition{Clauses: []schema.Clause{{Field: "a", Operator: schema.OpExists}}}))

	assert.Error(t, ev.Compile(&schema.Condition{Expr: `vars.a ==`}))
	assert.Error(t, ev.Compile(&schema.Condition{Expr: `true`, Engine: "lua"}))
	assert.Error(t, ev.Compile(&schema.Condition{}))
	assert.Error(t, ev.Compile(&schema.Condition{Clauses: []schema.Clause{{Field: "a", Operator: "matches"}}}))
	assert.Error(t, ev.Compile(&schema.Condition{Clauses: []schema.Clause{{Field: "a", Operator: schema.OpExists, Logic: "XOR"}}}))
}
