package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/rendis/autoflow/internal/logging"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// DispatchRequest is a business event that may start instances.
type DispatchRequest struct {
	TriggerType string        `json:"trigger_type"`
	TenantID    string        `json:"tenant_id"`
	SubjectRef  string        `json:"subject_ref"`
	Variables   schema.Values `json:"variables,omitempty"`
}

// SkippedTemplate is a matching template that did not get an instance.
type SkippedTemplate struct {
	TemplateID string `json:"template_id"`
	Reason     string `json:"reason"`
}

// DispatchResult lists the instances a dispatch created.
type DispatchResult struct {
	InstanceIDs []string          `json:"instance_ids"`
	Skipped     []SkippedTemplate `json:"skipped,omitempty"`
}

// Skip reasons.
const (
	SkipActiveInstance = "active_instance_exists"
	SkipConflict       = "conflict_on_create"
)

// Dispatch creates one instance per matching template. No match is not an error.
func (e *engineImpl) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	if req.TriggerType == "" || req.TenantID == "" || req.SubjectRef == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "trigger_type, tenant_id and subject_ref are required")
	}
	ctx = logging.WithTenantID(ctx, req.TenantID)
	logger := logging.LogWith(ctx, e.logger).With("trigger_type", req.TriggerType, "subject_ref", req.SubjectRef)

	tenant, err := e.store.GetTenant(ctx, req.TenantID)
	if err != nil {
		return nil, dispatchStoreError(err, "get tenant")
	}
	templates, err := e.store.ListTemplates(ctx, store.TemplateFilter{
		TriggerType: req.TriggerType,
		Industry:    tenant.Industry,
		TenantID:    req.TenantID,
		ActiveOnly:  true,
		LatestOnly:  true,
	})
	if err != nil {
		return nil, dispatchStoreError(err, "list templates")
	}

	result := &DispatchResult{InstanceIDs: []string{}}
	if len(templates) == 0 {
		logger.DebugContext(ctx, "no templates bound to trigger")
		return result, nil
	}

	for _, tpl := range templates {
		if !tpl.AllowConcurrent {
			active, err := e.store.FindActiveInstance(ctx, tpl.ID, req.SubjectRef)
			if err != nil {
				return result, dispatchStoreError(err, "find active instance")
			}
			if active != nil {
				logger.InfoContext(ctx, "active instance exists, skipping template",
					"template_id", tpl.ID, "active_instance_id", active.ID)
				result.Skipped = append(result.Skipped, SkippedTemplate{TemplateID: tpl.ID, Reason: SkipActiveInstance})
				continue
			}
		}

		inst := e.newInstance(tpl, req)
		created := &store.Event{
			InstanceID: inst.ID,
			Type:       schema.EventInstanceCreated,
			Payload: eventPayload(map[string]any{
				"template_id":      tpl.ID,
				"template_version": tpl.Version,
				"trigger_type":     req.TriggerType,
			}),
			Timestamp: inst.CreatedAt,
		}
		if err := e.store.CreateInstance(ctx, inst, created); err != nil {
			if schema.HasCode(err, schema.ErrCodeConflict) {
				logger.InfoContext(ctx, "concurrent dispatch won, skipping template", "template_id", tpl.ID)
				result.Skipped = append(result.Skipped, SkippedTemplate{TemplateID: tpl.ID, Reason: SkipConflict})
				continue
			}
			return result, dispatchStoreError(err, "create instance")
		}
		result.InstanceIDs = append(result.InstanceIDs, inst.ID)
	}
	e.metrics.RecordDispatch(ctx, req.TriggerType, len(result.InstanceIDs))

	for _, id := range result.InstanceIDs {
		if err := e.Advance(ctx, id); err != nil {
			logger.WarnContext(ctx, "advance after dispatch failed; left for sweeper",
				"instance_id", id, "error", err)
		}
	}
	return result, nil
}

func (e *engineImpl) newInstance(tpl *schema.Template, req DispatchRequest) *schema.Instance {
	now := e.now()
	vars := req.Variables.Clone().Merge(schema.Values{
		"subject_ref":  req.SubjectRef,
		"tenant_id":    req.TenantID,
		"trigger_type": req.TriggerType,
	})
	return &schema.Instance{
		ID:              uuid.NewString(),
		TemplateID:      tpl.ID,
		TemplateName:    tpl.Name,
		TemplateVersion: tpl.Version,
		Tasks:           tpl.Tasks,
		AllowConcurrent: tpl.AllowConcurrent,
		TenantID:        req.TenantID,
		SubjectRef:      req.SubjectRef,
		Status:          schema.InstancePending,
		Variables:       vars,
		TaskEnteredAt:   now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// dispatchStoreError passes NOT_FOUND through and reports everything else
// as a retryable STORE error.
func dispatchStoreError(err error, op string) error {
	if schema.HasCode(err, schema.ErrCodeNotFound) || schema.HasCode(err, schema.ErrCodeStore) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}
