package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/autoflow/pkg/schema"
)

// ActionType identifies a task's side effect. The set is closed: every
// constant is bound to a handler when the Registry is built.
type ActionType string

// Request is the data a handler receives for one execution attempt.
type Request struct {
	// Config is the task's action config after interpolation.
	Config schema.Values
	// Variables is a read-only snapshot of the instance variables.
	Variables schema.Values
	// IdempotencyKey is instanceID:taskIndex:attempt. Handlers forward it to
	// every collaborator call so a retried attempt is never applied twice.
	IdempotencyKey string
	TenantID       string
	InstanceID     string
	SubjectRef     string
}

// Handler performs one action. It either fully applies its external effect
// and returns a result, or applies nothing and returns an error.
type Handler func(ctx context.Context, req Request) (schema.Values, error)

// Definition binds an ActionType to its handler and config contract.
type Definition struct {
	Type         ActionType
	Industry     schema.Industry
	Description  string
	ConfigSchema json.RawMessage
	Handler      Handler
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Type         ActionType      `json:"action_type"`
	Industry     schema.Industry `json:"industry"`
	Description  string          `json:"description,omitempty"`
	ConfigSchema json.RawMessage `json:"config_schema,omitempty"`
}
