package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/autoflow/internal/engine"
	"github.com/rendis/autoflow/pkg/schema"
)

// defaultLookback is used by autoflow.synthesize when no lookback is given.
const defaultLookback = 30 * 24 * time.Hour

// handleDispatch fires a trigger for a tenant.
func (s *AutoflowServer) handleDispatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	triggerType, err := req.RequireString("trigger_type")
	if err != nil {
		return mcp.NewToolResultError("trigger_type is required"), nil
	}
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	subjectRef, err := req.RequireString("subject_ref")
	if err != nil {
		return mcp.NewToolResultError("subject_ref is required"), nil
	}
	vars := mcp.ParseStringMap(req, "variables", nil)

	s.captureSession(ctx, tenantID)

	result, dispatchErr := s.engine.Dispatch(ctx, engine.DispatchRequest{
		TriggerType: triggerType,
		TenantID:    tenantID,
		SubjectRef:  subjectRef,
		Variables:   schema.Values(vars),
	})
	if dispatchErr != nil {
		return toolError("dispatch failed", dispatchErr), nil
	}
	return marshalResult(result)
}

// handleAdvance moves an instance forward and reports where it stopped.
func (s *AutoflowServer) handleAdvance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	if advErr := s.engine.Advance(ctx, instanceID); advErr != nil {
		return toolError("advance failed", advErr), nil
	}
	return s.instanceSummary(ctx, instanceID)
}

// handleResolve records an approval decision. An approved instance resumes
// in the same call.
func (s *AutoflowServer) handleResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	approved, err := req.RequireBool("approved")
	if err != nil {
		return mcp.NewToolResultError("approved is required"), nil
	}
	actorID, err := req.RequireString("actor_id")
	if err != nil {
		return mcp.NewToolResultError("actor_id is required"), nil
	}

	if resErr := s.engine.Resolve(ctx, instanceID, approved, actorID); resErr != nil {
		return toolError("resolve failed", resErr), nil
	}
	return s.instanceSummary(ctx, instanceID)
}

func (s *AutoflowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	if cancelErr := s.engine.Cancel(ctx, instanceID); cancelErr != nil {
		return toolError("cancel failed", cancelErr), nil
	}
	return s.instanceSummary(ctx, instanceID)
}

// handleStatus returns the full instance view.
func (s *AutoflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	view, viewErr := s.engine.Inspect(ctx, instanceID)
	if viewErr != nil {
		return toolError("status query failed", viewErr), nil
	}
	return marshalResult(view)
}

// handleDefine validates a template and stores it as a new version.
func (s *AutoflowServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "template", nil)
	if raw == nil {
		return mcp.NewToolResultError("template is required"), nil
	}

	// Round-trip through JSON to get a typed Template.
	data, marshalErr := json.Marshal(raw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid template: %v", marshalErr)), nil
	}
	var tpl schema.Template
	if unmarshalErr := json.Unmarshal(data, &tpl); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid template: %v", unmarshalErr)), nil
	}
	tpl.ID = ""
	tpl.Version = 0
	tpl.Active = req.GetBool("activate", false)

	var warnings []schema.ValidationIssue
	if s.validator != nil {
		result := s.validator.Validate(&tpl)
		if !result.Valid() {
			return marshalError(map[string]any{
				"valid":    false,
				"errors":   result.Errors,
				"by_task":  result.TaskErrors(),
				"warnings": result.Warnings,
			})
		}
		warnings = result.Warnings
	}

	if tpl.TenantID != "" {
		s.captureSession(ctx, tpl.TenantID)
	}
	if storeErr := s.store.CreateTemplate(ctx, &tpl); storeErr != nil {
		return toolError("failed to store template", storeErr), nil
	}

	return marshalResult(map[string]any{
		"id":       tpl.ID,
		"name":     tpl.Name,
		"version":  tpl.Version,
		"active":   tpl.Active,
		"warnings": warnings,
	})
}

func (s *AutoflowServer) handleSynthesize(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.synthesizer == nil {
		return mcp.NewToolResultError("pattern synthesis is not enabled"), nil
	}
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	lookback := defaultLookback
	if raw := req.GetString("lookback", ""); raw != "" {
		d, parseErr := time.ParseDuration(raw)
		if parseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid lookback %q: %v", raw, parseErr)), nil
		}
		lookback = d
	}

	s.captureSession(ctx, tenantID)

	candidate, synthErr := s.synthesizer.Synthesize(ctx, tenantID, lookback)
	if synthErr != nil {
		return toolError("synthesis failed", synthErr), nil
	}
	return marshalResult(candidate)
}

func (s *AutoflowServer) handlePromote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.synthesizer == nil {
		return mcp.NewToolResultError("pattern synthesis is not enabled"), nil
	}
	candidateID, err := req.RequireString("candidate_id")
	if err != nil {
		return mcp.NewToolResultError("candidate_id is required"), nil
	}
	triggerType, err := req.RequireString("trigger_type")
	if err != nil {
		return mcp.NewToolResultError("trigger_type is required"), nil
	}
	industry, err := req.RequireString("industry")
	if err != nil {
		return mcp.NewToolResultError("industry is required"), nil
	}

	tpl, promoteErr := s.synthesizer.Promote(ctx, candidateID, triggerType, schema.Industry(industry))
	if promoteErr != nil {
		return toolError("promote failed", promoteErr), nil
	}
	return marshalResult(tpl)
}

func (s *AutoflowServer) handleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	s.captureSession(ctx, tenantID)

	stats, statsErr := s.store.Stats(ctx, tenantID)
	if statsErr != nil {
		return toolError("stats query failed", statsErr), nil
	}
	return marshalResult(stats)
}

// --- Internal helpers ---

// instanceSummary reports an instance's position without its full history.
func (s *AutoflowServer) instanceSummary(ctx context.Context, instanceID string) (*mcp.CallToolResult, error) {
	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return toolError("instance lookup failed", err), nil
	}
	summary := map[string]any{
		"instance_id":        inst.ID,
		"status":             inst.Status,
		"current_task_index": inst.CurrentTaskIndex,
		"attempt":            inst.Attempt,
	}
	if inst.WakeAt != nil {
		summary["wake_at"] = inst.WakeAt.UTC().Format(time.RFC3339)
	}
	if inst.LastError != nil {
		summary["last_error"] = inst.LastError
	}
	return marshalResult(summary)
}

// captureSession maps the tenant to its current MCP session for notifications.
func (s *AutoflowServer) captureSession(ctx context.Context, tenantID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(tenantID, session.SessionID())
	}
}

// toolError renders err as a tool error, keeping the error code visible.
func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// marshalError is marshalResult for structured failures.
func marshalError(v any) (*mcp.CallToolResult, error) {
	res, err := marshalResult(v)
	if res != nil {
		res.IsError = true
	}
	return res, err
}
