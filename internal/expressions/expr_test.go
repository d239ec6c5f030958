package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/pkg/schema"
)

func TestNewExprEngine(t *testing.T) {
	e := NewExprEngine()
	assert.Equal(t, "expr", e.Name())
}

func TestExpr_Conditions(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{
		"vars": map[string]any{
			"budget":   float64(450000),
			"stage":    "qualified",
			"visits":   []any{float64(1), float64(2), float64(3)},
			"optional": nil,
		},
		"task": map[string]any{"index": 2},
	}

	tests := []struct {
		name string
		expr string
		want any
	}{
		{"numeric", `vars.budget > 300000`, true},
		{"string", `vars.stage == "qualified"`, true},
		{"nil coalescing", `(vars.optional ?? "none") == "none"`, true},
		{"array builtin", `len(filter(vars.visits, # > 1)) == 2`, true},
		{"task metadata", `task.index == 2`, true},
		{"let binding", `let b = vars.budget; b / 1000`, float64(450)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.Evaluate(context.Background(), tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestExpr_CompileOnceForAllInstances(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, `vars.stage == "won"`, map[string]any{"vars": map[string]any{"stage": "won"}})
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(ctx, `vars.stage == "won"`, map[string]any{"vars": map[string]any{"stage": "lost"}})
	require.NoError(t, err)
	assert.Equal(t, false, out)

	assert.Len(t, e.cache, 1)
}

func TestExpr_Errors(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = e.Compile(`vars.a ==`)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}
