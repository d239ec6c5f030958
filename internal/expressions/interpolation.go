package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rendis/autoflow/internal/secrets"
	"github.com/rendis/autoflow/pkg/schema"
)

// Namespaces accepted inside ${{...}}.
var namespaces = []string{"vars", "secrets", "instance"}

// Scope holds the data available for reference resolution.
type Scope struct {
	Vars       schema.Values
	TenantID   string
	InstanceID string
}

// Interpolator resolves references in action configs:
//   - ${{vars.path}}      instance variable, dotted path, strict
//   - ${{secrets.NAME}}   tenant secret from the vault
//   - ${{instance.id}}    instance metadata (id, tenant_id)
//   - {{path}}            legacy placeholder, resolves against vars, missing is ""
//
// Resolution is single pass: substituted values are never rescanned, so a
// variable holding "${{secrets.X}}" stays literal text.
type Interpolator struct {
	vault secrets.Vault
}

// NewInterpolator creates an Interpolator. vault may be nil, in which case
// secret references fail.
func NewInterpolator(vault secrets.Vault) *Interpolator {
	return &Interpolator{vault: vault}
}

// Resolve returns a copy of config with every string leaf interpolated.
// A string that is exactly one ${{...}} reference takes the referenced value
// with its type; anything else is stringified into the surrounding text.
func (interp *Interpolator) Resolve(ctx context.Context, config schema.Values, scope *Scope) (schema.Values, error) {
	if scope == nil {
		scope = &Scope{}
	}
	out := make(schema.Values, len(config))
	for k, v := range config {
		rv, err := interp.resolveValue(ctx, v, scope)
		if err != nil {
			return nil, err
		}
		out[k] = rv
	}
	return out, nil
}

func (interp *Interpolator) resolveValue(ctx context.Context, v any, scope *Scope) (any, error) {
	switch t := v.(type) {
	case schema.Values:
		return interp.Resolve(ctx, t, scope)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			rv, err := interp.resolveValue(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	case string:
		return interp.ResolveString(ctx, t, scope)
	default:
		return v, nil
	}
}

// ResolveString interpolates a single string.
func (interp *Interpolator) ResolveString(ctx context.Context, s string, scope *Scope) (any, error) {
	if ref, ok := wholeReference(s); ok {
		return interp.resolveRef(ctx, ref, scope)
	}
	return scanTokens(s, func(ref string, strict bool) (any, error) {
		if !strict {
			val, _ := scope.Vars.Lookup(ref)
			return val, nil
		}
		return interp.resolveRef(ctx, ref, scope)
	})
}

// CheckReferences validates reference syntax and namespaces in config
// without resolving anything.
func CheckReferences(config schema.Values) error {
	var walk func(v any) error
	walk = func(v any) error {
		switch t := v.(type) {
		case schema.Values:
			for _, item := range t {
				if err := walk(item); err != nil {
					return err
				}
			}
		case []any:
			for _, item := range t {
				if err := walk(item); err != nil {
					return err
				}
			}
		case string:
			_, err := scanTokens(t, func(ref string, strict bool) (any, error) {
				if !strict {
					return "", nil
				}
				ns, rest, _ := strings.Cut(ref, ".")
				if !slices.Contains(namespaces, ns) {
					return nil, unknownNamespace(ns, ref)
				}
				if rest == "" {
					return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
						"invalid reference %q: expected %s.<name>", ref, ns).
						WithDetails(map[string]any{"expression": ref})
				}
				return "", nil
			})
			return err
		}
		return nil
	}
	return walk(config)
}

// scanTokens walks s and replaces every ${{ref}} (strict) and {{ref}}
// (placeholder) token with the stringified result of fn.
func scanTokens(s string, fn func(ref string, strict bool) (any, error)) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	var result strings.Builder
	result.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "{{")
		if idx == -1 {
			result.WriteString(s[i:])
			break
		}
		open := i + idx
		strict := open > i && s[open-1] == '$'
		if strict {
			result.WriteString(s[i : open-1])
		} else {
			result.WriteString(s[i:open])
		}

		start := open + 2
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			if strict {
				return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
			}
			result.WriteString(s[open:])
			break
		}
		end += start
		ref := strings.TrimSpace(s[start:end])

		if strings.Contains(ref, "{{") {
			if strict {
				return "", schema.NewError(schema.ErrCodeInterpolation,
					"nested interpolation not allowed: ${{...}} cannot contain {{")
			}
			result.WriteString(s[open:start])
			i = start
			continue
		}
		if ref == "" {
			if strict {
				return "", schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
			}
			result.WriteString(s[open : end+2])
			i = end + 2
			continue
		}

		val, err := fn(ref, strict)
		if err != nil {
			return "", err
		}
		result.WriteString(stringify(val))
		i = end + 2
	}

	return result.String(), nil
}

// wholeReference reports whether s is exactly one ${{ref}} token.
func wholeReference(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "${{") || !strings.HasSuffix(t, "}}") {
		return "", false
	}
	inner := t[3 : len(t)-2]
	if strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return "", false
	}
	ref := strings.TrimSpace(inner)
	if ref == "" {
		return "", false
	}
	return ref, true
}

func (interp *Interpolator) resolveRef(ctx context.Context, ref string, scope *Scope) (any, error) {
	ns, path, _ := strings.Cut(ref, ".")

	switch ns {
	case "vars":
		if path == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"invalid variable reference %q: expected vars.<name>", ref).
				WithDetails(map[string]any{"expression": ref})
		}
		val, ok := scope.Vars.Lookup(path)
		if !ok {
			available := sortedKeys(scope.Vars)
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"variable %q not found in ${{%s}}; available: [%s]", path, ref, strings.Join(available, ", ")).
				WithDetails(map[string]any{"expression": ref, "available_fields": available})
		}
		return val, nil
	case "secrets":
		return interp.resolveSecret(ctx, ref, path, scope)
	case "instance":
		switch path {
		case "id":
			return scope.InstanceID, nil
		case "tenant_id":
			return scope.TenantID, nil
		default:
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"unknown instance field %q in ${{%s}}; available: id, tenant_id", path, ref).
				WithDetails(map[string]any{"expression": ref})
		}
	default:
		return nil, unknownNamespace(ns, ref)
	}
}

func (interp *Interpolator) resolveSecret(ctx context.Context, ref, name string, scope *Scope) (any, error) {
	if name == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid secret reference %q: expected secrets.<NAME>", ref).
			WithDetails(map[string]any{"expression": ref})
	}
	if interp.vault == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve secret %q: no vault configured", name).
			WithDetails(map[string]any{"expression": ref})
	}

	val, err := interp.vault.Resolve(ctx, secrets.TenantKey(scope.TenantID, name))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"failed to resolve secret %q: %s", name, err.Error()).
			WithDetails(map[string]any{"expression": ref}).WithCause(err)
	}
	return string(val), nil
}

func unknownNamespace(ns, ref string) *schema.AutoflowError {
	return schema.NewErrorf(schema.ErrCodeInterpolation,
		"unknown namespace %q in ${{%s}}; available: %s", ns, ref, strings.Join(namespaces, ", ")).
		WithDetails(map[string]any{"expression": ref, "available_namespaces": namespaces})
}

// stringify renders a resolved value inside surrounding text.
func stringify(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case schema.Values:
		b, err := json.Marshal(v.Plain())
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func sortedKeys(m schema.Values) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
