package expressions

import (
	"context"

	"github.com/rendis/cadence/pkg/schema"
)

// Engine evaluates expressions against subject data.
// Three implementations: CEL (trigger filters), Expr (escalation predicates),
// GoJQ (template variable extraction).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
	Compile(expression string) error
}

// EvalBool evaluates expression and requires a boolean result.
func EvalBool(ctx context.Context, e Engine, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"%s expression %q returned %T, want bool", e.Name(), expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}
