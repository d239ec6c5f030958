package actions

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/rendis/autoflow/pkg/schema"
)

// Registry maps action types to handlers. It is built once and read-only
// afterwards, so it needs no locking.
type Registry struct {
	defs map[ActionType]*Definition
}

// NewRegistry binds every industry's actions to the given collaborators.
func NewRegistry(c Collaborators) (*Registry, error) {
	r := &Registry{defs: make(map[ActionType]*Definition, 32)}
	groups := [][]Definition{
		medicalActions(c),
		dentalActions(c),
		realEstateActions(c),
		hospitalityActions(c),
		generalActions(c),
	}
	for _, group := range groups {
		for i := range group {
			if err := r.register(&group[i]); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

func (r *Registry) register(def *Definition) error {
	if def.Type == "" {
		return schema.NewError(schema.ErrCodeValidation, "action type is empty")
	}
	if def.Handler == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "action %q has no handler", def.Type)
	}
	if _, exists := r.defs[def.Type]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", def.Type)
	}
	r.defs[def.Type] = def
	return nil
}

// Execute runs the handler bound to actionType. An unknown action is a
// CONFIGURATION error: it can never succeed on retry.
func (r *Registry) Execute(ctx context.Context, actionType string, req Request) (schema.Values, error) {
	def, err := r.Get(actionType)
	if err != nil {
		return nil, err
	}
	if req.Config == nil {
		req.Config = schema.Values{}
	}
	result, err := def.Handler(ctx, req)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = schema.Values{}
	}
	return result, nil
}

// Get returns the definition for actionType.
func (r *Registry) Get(actionType string) (*Definition, error) {
	def, ok := r.defs[ActionType(actionType)]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "unknown action type %q", actionType).
			WithDetails(map[string]any{"action_type": actionType})
	}
	return def, nil
}

// Has reports whether actionType is registered.
func (r *Registry) Has(actionType string) bool {
	_, ok := r.defs[ActionType(actionType)]
	return ok
}

// ConfigSchema returns the JSON Schema for actionType's config.
func (r *Registry) ConfigSchema(actionType string) (json.RawMessage, bool) {
	def, ok := r.defs[ActionType(actionType)]
	if !ok {
		return nil, false
	}
	return def.ConfigSchema, true
}

// IndustryOf returns the industry actionType belongs to.
func (r *Registry) IndustryOf(actionType string) (schema.Industry, bool) {
	def, ok := r.defs[ActionType(actionType)]
	if !ok {
		return "", false
	}
	return def.Industry, true
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	return len(r.defs)
}

// List returns every action sorted by type. A non-empty industry keeps that
// industry's actions plus the general ones.
func (r *Registry) List(industry schema.Industry) []ActionInfo {
	infos := make([]ActionInfo, 0, len(r.defs))
	for _, d := range r.defs {
		if industry != "" && d.Industry != industry && d.Industry != schema.IndustryGeneral {
			continue
		}
		infos = append(infos, ActionInfo{
			Type:         d.Type,
			Industry:     d.Industry,
			Description:  d.Description,
			ConfigSchema: d.ConfigSchema,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Type < infos[j].Type
	})
	return infos
}
