package expressions

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

// ConditionEvaluator decides whether a task runs.
type ConditionEvaluator struct {
	cel  *CELEngine
	expr *ExprEngine
}

// NewConditionEvaluator creates an evaluator backed by the given engines.
func NewConditionEvaluator(celEngine *CELEngine, exprEngine *ExprEngine) *ConditionEvaluator {
	return &ConditionEvaluator{cel: celEngine, expr: exprEngine}
}

// TaskInfo is exposed to expressions as the "task" variable.
type TaskInfo struct {
	Index      int
	ActionType string
	Attempt    int
}

// Evaluate returns true for a nil condition. Expression conditions must
// produce a bool; a non-bool result is a CONFIGURATION error.
func (c *ConditionEvaluator) Evaluate(ctx context.Context, cond *schema.Condition, vars schema.Values, task TaskInfo) (bool, error) {
	if cond == nil {
		return true, nil
	}
	if cond.Expr != "" {
		return c.evaluateExpr(ctx, cond, vars, task)
	}
	return EvaluateClauses(cond.Clauses, vars)
}

// Compile checks a condition at authoring time.
func (c *ConditionEvaluator) Compile(cond *schema.Condition) error {
	if cond == nil {
		return nil
	}
	if cond.Expr != "" {
		engine, err := c.engineFor(cond.Engine)
		if err != nil {
			return err
		}
		return engine.(Compiler).Compile(cond.Expr)
	}
	if len(cond.Clauses) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "condition has neither expr nor clauses")
	}
	for i, cl := range cond.Clauses {
		if cl.Field == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "clause %d: field is required", i)
		}
		if !isKnownOperator(cl.Operator) {
			return schema.NewErrorf(schema.ErrCodeValidation, "clause %d: unknown operator %q", i, cl.Operator)
		}
		switch strings.ToUpper(cl.Logic) {
		case "", "AND", "OR":
		default:
			return schema.NewErrorf(schema.ErrCodeValidation, "clause %d: logic must be AND or OR, got %q", i, cl.Logic)
		}
	}
	return nil
}

func (c *ConditionEvaluator) engineFor(name string) (Engine, error) {
	switch name {
	case "", "cel":
		return c.cel, nil
	case "expr":
		return c.expr, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown condition engine %q; available: cel, expr", name)
	}
}

func (c *ConditionEvaluator) evaluateExpr(ctx context.Context, cond *schema.Condition, vars schema.Values, task TaskInfo) (bool, error) {
	engine, err := c.engineFor(cond.Engine)
	if err != nil {
		return false, err
	}
	out, err := engine.Evaluate(ctx, cond.Expr, map[string]any{
		"vars": vars.Plain(),
		"task": map[string]any{
			"index":       task.Index,
			"action_type": task.ActionType,
			"attempt":     task.Attempt,
		},
	})
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeConfiguration,
			"condition %q must evaluate to bool, got %T", cond.Expr, out).
			WithDetails(map[string]any{"expression": cond.Expr})
	}
	return b, nil
}

// EvaluateClauses folds clauses left to right. Each clause after the first
// joins the running result with its own Logic (AND unless OR). An empty list
// is true.
func EvaluateClauses(clauses []schema.Clause, vars schema.Values) (bool, error) {
	if len(clauses) == 0 {
		return true, nil
	}
	result := false
	for i, cl := range clauses {
		ok, err := evaluateClause(cl, vars)
		if err != nil {
			return false, fmt.Errorf("clause %d: %w", i, err)
		}
		switch {
		case i == 0:
			result = ok
		case strings.EqualFold(cl.Logic, "OR"):
			result = result || ok
		default:
			result = result && ok
		}
	}
	return result, nil
}

func isKnownOperator(op string) bool {
	switch op {
	case schema.OpEquals, schema.OpNotEquals, schema.OpGreaterThan, schema.OpLessThan, schema.OpContains, schema.OpExists:
		return true
	}
	return false
}

func evaluateClause(cl schema.Clause, vars schema.Values) (bool, error) {
	actual, found := vars.Lookup(cl.Field)

	switch cl.Operator {
	case schema.OpExists:
		return found && actual != nil, nil
	case schema.OpEquals:
		return found && valuesEqual(actual, cl.Value), nil
	case schema.OpNotEquals:
		return !found || !valuesEqual(actual, cl.Value), nil
	case schema.OpGreaterThan, schema.OpLessThan:
		if !found {
			return false, nil
		}
		cmp, ok := compareOrdered(actual, cl.Value)
		if !ok {
			return false, nil
		}
		if cl.Operator == schema.OpGreaterThan {
			return cmp > 0, nil
		}
		return cmp < 0, nil
	case schema.OpContains:
		if !found {
			return false, nil
		}
		return contains(actual, cl.Value), nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeConfiguration, "unknown operator %q", cl.Operator)
	}
}

// valuesEqual treats numeric strings as numbers, so "10" equals 10.
func valuesEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return as == bs
		}
	}
	return reflect.DeepEqual(a, b)
}

// compareOrdered compares numbers (numeric strings included), times and
// strings. ok is false when the operands are not comparable.
func compareOrdered(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	if at, ok := toTime(a); ok {
		bt, ok := toTime(b)
		if !ok {
			return 0, false
		}
		return at.Compare(bt), true
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

// contains matches substrings and list items case-insensitively. Map
// haystacks match on key.
func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := scalarString(needle)
		return ok && strings.Contains(strings.ToLower(h), strings.ToLower(n))
	case []any:
		for _, item := range h {
			if is, ok := item.(string); ok {
				if ns, ok := needle.(string); ok && strings.EqualFold(is, ns) {
					return true
				}
				continue
			}
			if valuesEqual(item, needle) {
				return true
			}
		}
	case schema.Values:
		n, ok := needle.(string)
		if ok {
			_, exists := h[n]
			return exists
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func scalarString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case bool:
		return strconv.FormatBool(s), true
	}
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
	return "", false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}
