package schema

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"
)

// Values is the typed key/value bag used for action configs, handler results
// and instance variables. Leaves are string, float64, bool or time.Time;
// nested Values and []any of those kinds are allowed.
type Values map[string]any

// NewValues normalizes raw into Values, converting integer kinds and
// json.Number to float64 and nested maps to Values.
func NewValues(raw map[string]any) (Values, error) {
	out := make(Values, len(raw))
	for k, v := range raw {
		nv, err := normalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// MustValues is NewValues for literals known to be valid. Panics otherwise.
func MustValues(raw map[string]any) Values {
	v, err := NewValues(raw)
	if err != nil {
		panic(err)
	}
	return v
}

func normalizeValue(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string, bool, float64, time.Time:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int8:
		return float64(t), nil
	case int16:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint:
		return float64(t), nil
	case uint32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", t.String())
		}
		return f, nil
	case Values:
		return NewValues(t)
	case map[string]any:
		return NewValues(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			nv, err := normalizeValue(item)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = nv
		}
		return out, nil
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value kind %T", v)
	}
}

// UnmarshalJSON decodes numbers as float64 and objects as nested Values.
func (v *Values) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*v = nil
		return nil
	}
	nv, err := NewValues(raw)
	if err != nil {
		return err
	}
	*v = nv
	return nil
}

// Clone returns a deep copy.
func (v Values) Clone() Values {
	if v == nil {
		return Values{}
	}
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = cloneValue(val)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Values:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return t
	}
}

// Merge copies src over v (shallow at the top level) and returns v.
func (v Values) Merge(src Values) Values {
	if v == nil {
		v = Values{}
	}
	maps.Copy(v, src)
	return v
}

// Lookup resolves a dotted path such as "lead.address.city".
func (v Values) Lookup(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = v
	for _, part := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case Values:
			next, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = next
		case map[string]any:
			next, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = next
		default:
			return nil, false
		}
	}
	return cur, true
}

// String returns the value at key as a string, or "" when absent or not a string.
func (v Values) String(key string) string {
	s, _ := v[key].(string)
	return s
}

// Plain converts v into map[string]any recursively, for libraries that
// type-switch on the builtin map type.
func (v Values) Plain() map[string]any {
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = plainValue(val)
	}
	return out
}

func plainValue(v any) any {
	switch t := v.(type) {
	case Values:
		return t.Plain()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = plainValue(item)
		}
		return out
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return t
	}
}
