package actions

import (
	"fmt"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

// Param helpers shared by every handler. Config has already been validated
// against the action's schema, so a wrong kind falls back to the default.

func stringParam(m schema.Values, key, defaultVal string) string {
	s, ok := m[key].(string)
	if !ok || s == "" {
		return defaultVal
	}
	return s
}

func intParam(m schema.Values, key string, defaultVal int) int {
	switch n := m[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return defaultVal
	}
}

func boolParam(m schema.Values, key string, defaultVal bool) bool {
	b, ok := m[key].(bool)
	if !ok {
		return defaultVal
	}
	return b
}

// timeParam accepts a time.Time or an RFC3339 string.
func timeParam(m schema.Values, key string) (time.Time, error) {
	switch v := m[key].(type) {
	case time.Time:
		return v, nil
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, schema.NewErrorf(schema.ErrCodeConfiguration, "%s: invalid RFC3339 time %q", key, v)
		}
		return t, nil
	case nil:
		return time.Time{}, schema.NewErrorf(schema.ErrCodeConfiguration, "%s is required", key)
	default:
		return time.Time{}, schema.NewErrorf(schema.ErrCodeConfiguration, "%s: expected time, got %T", key, v)
	}
}

func stringMapParam(m schema.Values, key string) map[string]string {
	raw, ok := m[key].(schema.Values)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func requireParam(m schema.Values, keys ...string) error {
	for _, k := range keys {
		if stringParam(m, k, "") == "" {
			return schema.NewErrorf(schema.ErrCodeConfiguration, "%s is required", k)
		}
	}
	return nil
}
