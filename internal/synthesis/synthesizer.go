// Package synthesis mines a tenant's successful executions for recurring
// action sequences and turns them into candidate templates.
package synthesis

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// Config tunes pattern mining.
type Config struct {
	// Window is the largest gap between two events of one sequence.
	Window time.Duration `koanf:"window"`
	// MaxEvents caps how many executions one run reads.
	MaxEvents int `koanf:"max_events"`
}

// DefaultConfig uses a 30 minute window.
func DefaultConfig() Config {
	return Config{Window: 30 * time.Minute, MaxEvents: 10000}
}

// TemplateValidator checks a promoted template before it is stored.
type TemplateValidator interface {
	Validate(tpl *schema.Template) *schema.ValidationResult
}

// Synthesizer builds candidate templates from execution history.
type Synthesizer struct {
	store     store.Store
	validator TemplateValidator
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewSynthesizer creates a Synthesizer. Zero config fields take defaults.
// A nil validator stores promoted templates unchecked.
func NewSynthesizer(s store.Store, validator TemplateValidator, cfg Config, logger *slog.Logger) *Synthesizer {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = def.MaxEvents
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{
		store:     s,
		validator: validator,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Synthesize finds the dominant action sequence in the tenant's successful
// action runs over lookback and stores it as a candidate. Approval decisions
// are not actions and are left out. A history with no multi-event sequence
// is a NO_PATTERN error.
func (s *Synthesizer) Synthesize(ctx context.Context, tenantID string, lookback time.Duration) (*schema.CandidateTemplate, error) {
	if tenantID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "tenant_id is required")
	}
	if lookback <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "lookback must be positive, got %s", lookback)
	}

	now := s.now()
	since := now.Add(-lookback)
	execs, err := s.store.ListExecutions(ctx, store.ExecutionFilter{
		TenantID:    tenantID,
		Status:      schema.ExecutionSucceeded,
		Since:       &since,
		ExcludeHITL: true,
		Limit:       s.cfg.MaxEvents,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list executions: %s", err.Error()).WithCause(err)
	}

	events := make([]Event, len(execs))
	for i, e := range execs {
		events[i] = Event{ActionType: e.ActionType, At: e.FinishedAt}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].At.Before(events[j].At) })

	pattern, ok := DominantPattern(events, s.cfg.Window)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNoPattern,
			"no action sequence found for tenant %s in %d events", tenantID, len(events)).
			WithDetails(map[string]any{"tenant_id": tenantID, "events": len(events), "window": s.cfg.Window.String()})
	}

	tasks := make([]schema.CandidateTask, 0, len(pattern.Actions)+2)
	tasks = append(tasks, schema.CandidateTask{Kind: schema.CandidateTrigger})
	for _, a := range pattern.Actions {
		tasks = append(tasks, schema.CandidateTask{Kind: schema.CandidateToolAction, ActionType: a})
	}
	tasks = append(tasks, schema.CandidateTask{Kind: schema.CandidateEnd})

	c := &schema.CandidateTemplate{
		ID:             uuid.NewString(),
		SourceTenantID: tenantID,
		Pattern:        pattern.Actions,
		Tasks:          tasks,
		Frequency:      pattern.Frequency,
		TotalSequences: pattern.TotalSequences,
		Confidence:     pattern.Confidence(),
		Window:         s.cfg.Window,
		CreatedAt:      now,
	}
	if err := s.store.CreateCandidate(ctx, c); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create candidate: %s", err.Error()).WithCause(err)
	}
	s.logger.InfoContext(ctx, "candidate template synthesized",
		"tenant_id", tenantID, "candidate_id", c.ID,
		"pattern", strings.Join(c.Pattern, ","), "confidence", c.Confidence)
	return c, nil
}

// Promote turns a candidate into an inactive template version owned by the
// candidate's tenant. An operator reviews and activates it.
func (s *Synthesizer) Promote(ctx context.Context, candidateID, triggerType string, industry schema.Industry) (*schema.Template, error) {
	if triggerType == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "trigger_type is required")
	}
	if !industry.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown industry %q", industry)
	}

	c, err := s.store.GetCandidate(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if c.PromotedTo != "" {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"candidate %s was already promoted to template %s", c.ID, c.PromotedTo).
			WithDetails(map[string]any{"template_id": c.PromotedTo})
	}

	tasks := make([]schema.TaskSpec, len(c.Pattern))
	for i, a := range c.Pattern {
		tasks[i] = schema.TaskSpec{Name: fmt.Sprintf("step %d: %s", i+1, a), ActionType: a}
	}
	short := c.ID
	if len(short) > 8 {
		short = short[:8]
	}
	tpl := &schema.Template{
		Name: "synthesized-" + short,
		Description: fmt.Sprintf("Synthesized from %d of %d sequences (confidence %.2f)",
			c.Frequency, c.TotalSequences, c.Confidence),
		TenantID:    c.SourceTenantID,
		Industry:    industry,
		TriggerType: triggerType,
		Tasks:       tasks,
		Active:      false,
	}
	if s.validator != nil {
		result := promotable(s.validator.Validate(tpl))
		for _, w := range result.Warnings {
			s.logger.InfoContext(ctx, "promoted template needs review",
				"candidate_id", c.ID, "path", w.Path, "message", w.Message)
		}
		if err := result.ToError(); err != nil {
			return nil, err
		}
	}
	if err := s.store.CreateTemplate(ctx, tpl); err != nil {
		return nil, err
	}
	if err := s.store.MarkCandidatePromoted(ctx, c.ID, tpl.ID); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "candidate promoted", "candidate_id", c.ID, "template_id", tpl.ID)
	return tpl, nil
}

// promotable downgrades action_config errors to warnings. Synthesized tasks
// carry no config yet; the operator supplies it before activation.
func promotable(r *schema.ValidationResult) *schema.ValidationResult {
	out := &schema.ValidationResult{Warnings: r.Warnings}
	for _, issue := range r.Errors {
		if strings.Contains(issue.Path, ".action_config") {
			issue.Severity = schema.SeverityWarning
			out.Warnings = append(out.Warnings, issue)
			continue
		}
		out.Errors = append(out.Errors, issue)
	}
	return out
}
