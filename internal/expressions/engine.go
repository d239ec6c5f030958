package expressions

import "context"

// Engine evaluates expressions against instance data.
// Three implementations: CEL (conditions), Expr (conditions), GoJQ (result transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Compiler is implemented by engines that can check an expression without running it.
type Compiler interface {
	Compile(expression string) error
}
