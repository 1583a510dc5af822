package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/cadence/pkg/schema"
)

// Scope holds the data a template body may reference.
type Scope struct {
	Subject map[string]any // resolved subject profile (name, tenant, owner_id, ...)
	Vars    map[string]any // step vars extracted with jq
	Run     map[string]any // run metadata (id, definition, step)
}

// Interpolator resolves ${{...}} references in template bodies.
type Interpolator struct{}

// NewInterpolator creates a new Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// Render replaces every ${{namespace.path}} token in body with the resolved
// value. Unknown namespaces or fields are errors, never silently blank.
func (interp *Interpolator) Render(body string, scope *Scope) (string, error) {
	if scope == nil {
		scope = &Scope{}
	}

	var result strings.Builder
	result.Grow(len(body))

	i := 0
	for i < len(body) {
		idx := strings.Index(body[i:], "${{")
		if idx == -1 {
			result.WriteString(body[i:])
			break
		}

		result.WriteString(body[i : i+idx])
		start := i + idx + 3

		end := strings.Index(body[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		ref := strings.TrimSpace(body[start:end])
		if strings.Contains(ref, "${{") {
			return "", schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}
		if ref == "" {
			return "", schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
		}

		val, err := interp.resolve(ref, scope)
		if err != nil {
			return "", err
		}
		result.WriteString(stringify(val))

		i = end + 2
	}

	return result.String(), nil
}

// References returns the distinct ${{...}} references in body, in order of
// first appearance. Used to validate templates without rendering them.
func References(body string) []string {
	var refs []string
	seen := make(map[string]bool)
	for {
		idx := strings.Index(body, "${{")
		if idx == -1 {
			return refs
		}
		rest := body[idx+3:]
		end := strings.Index(rest, "}}")
		if end == -1 {
			return refs
		}
		ref := strings.TrimSpace(rest[:end])
		if ref != "" && !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
		body = rest[end+2:]
	}
}

// Namespaces lists the roots a template may reference.
var Namespaces = []string{"subject", "vars", "run"}

func (interp *Interpolator) resolve(ref string, scope *Scope) (any, error) {
	namespace, path, _ := strings.Cut(ref, ".")
	if path == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid reference %q: expected <namespace>.<field>", ref).
			WithDetails(map[string]any{"expression": ref})
	}

	var data map[string]any
	switch namespace {
	case "subject":
		data = scope.Subject
	case "vars":
		data = scope.Vars
	case "run":
		data = scope.Run
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, ref, strings.Join(Namespaces, ", ")).
			WithDetails(map[string]any{"expression": ref, "available_namespaces": Namespaces})
	}

	if data == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve %q: %s scope is empty", ref, namespace).
			WithDetails(map[string]any{"expression": ref})
	}
	if val, ok := data[path]; ok {
		return val, nil
	}
	return traversePath(data, path, ref)
}

// traversePath navigates nested maps using a dot-delimited path.
func traversePath(root any, path, ref string) (any, error) {
	current := root
	for i, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", ref, i).
				WithDetails(map[string]any{"expression": ref})
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, ref, current).
				WithDetails(map[string]any{"expression": ref})
		}
		val, ok := m[seg]
		if !ok {
			keys := mapKeys(m)
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"field %q not found in %q; available: [%s]", seg, ref, strings.Join(keys, ", ")).
				WithDetails(map[string]any{"expression": ref, "available_fields": keys})
		}
		current = val
	}
	return current, nil
}

// stringify renders a resolved value as text.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64, float32, int, int64, int32:
		return fmt.Sprintf("%v", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
