package actions

import (
	"encoding/json"
	"slices"
)

// Config schemas are built from small property sets so every action of a
// family shares one shape.

var messageProperties = map[string]any{
	"channel":  map[string]any{"type": "string", "enum": []string{ChannelSMS, ChannelEmail, ChannelVoice}},
	"to":       map[string]any{"type": "string", "minLength": 1},
	"subject":  map[string]any{"type": "string"},
	"body":     map[string]any{"type": "string", "minLength": 1},
	"metadata": map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
}

var bookingProperties = map[string]any{
	"resource_id":       map[string]any{"type": "string"},
	"starts_at":         map[string]any{"type": "string", "format": "date-time"},
	"duration_minutes":  map[string]any{"type": "number", "minimum": 5, "maximum": 480},
	"location":          map[string]any{"type": "string"},
	"notes":             map[string]any{"type": "string"},
	"send_confirmation": map[string]any{"type": "boolean"},
}

var recordProperties = map[string]any{
	"title":  map[string]any{"type": "string"},
	"fields": map[string]any{"type": "object"},
}

var webhookProperties = map[string]any{
	"url":     map[string]any{"type": "string", "format": "uri", "pattern": "^https?://"},
	"method":  map[string]any{"type": "string", "enum": []string{"POST", "PUT", "PATCH"}},
	"headers": map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
	"payload": map[string]any{},
}

// objectSchema merges property sets, adds extra string properties and marks
// required keys.
func objectSchema(base map[string]any, extra []string, required ...string) json.RawMessage {
	props := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		props[k] = v
	}
	for _, k := range extra {
		if _, ok := props[k]; !ok {
			props[k] = map[string]any{"type": "string", "minLength": 1}
		}
	}
	req := slices.Clone(required)
	slices.Sort(req)
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(req) > 0 {
		s["required"] = req
	}
	data, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	return data
}
