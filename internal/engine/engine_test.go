package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/actions"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/streaming"
	"github.com/rendis/autoflow/pkg/schema"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type actionCall struct {
	actionType string
	req        actions.Request
}

// fakeActions answers per action type and records every call.
type fakeActions struct {
	mu       sync.Mutex
	handlers map[string]func(req actions.Request) (schema.Values, error)
	calls    []actionCall
}

func newFakeActions() *fakeActions {
	return &fakeActions{handlers: make(map[string]func(actions.Request) (schema.Values, error))}
}

func (f *fakeActions) on(actionType string, fn func(req actions.Request) (schema.Values, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[actionType] = fn
}

func (f *fakeActions) Execute(_ context.Context, actionType string, req actions.Request) (schema.Values, error) {
	f.mu.Lock()
	f.calls = append(f.calls, actionCall{actionType: actionType, req: req})
	fn := f.handlers[actionType]
	f.mu.Unlock()
	if fn == nil {
		return schema.Values{"sent": true}, nil
	}
	return fn(req)
}

func (f *fakeActions) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.req.IdempotencyKey
	}
	return out
}

type scheduled struct {
	at         time.Time
	instanceID string
}

type fakeTimer struct {
	mu        sync.Mutex
	scheduled []scheduled
	cancelled []string
}

func (f *fakeTimer) ScheduleAt(_ context.Context, at time.Time, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, scheduled{at: at, instanceID: instanceID})
	return nil
}

func (f *fakeTimer) Cancel(_ context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, instanceID)
	return nil
}

type engineFixture struct {
	engine  Engine
	store   *store.LibSQLStore
	actions *fakeActions
	timer   *fakeTimer
	hub     *streaming.MemoryHub
	clock   *testClock
	tenant  *schema.Tenant
}

func newEngineFixture(t *testing.T, cfg Config) *engineFixture {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	tenant := &schema.Tenant{ID: "clinic-" + uuid.NewString()[:8], Name: "Smile Clinic", Industry: schema.IndustryDental}
	require.NoError(t, s.UpsertTenant(context.Background(), tenant))

	clock := &testClock{t: time.Now().UTC().Truncate(time.Second)}
	cfg.Now = clock.Now

	f := &engineFixture{
		store:   s,
		actions: newFakeActions(),
		timer:   &fakeTimer{},
		hub:     streaming.NewMemoryHub(),
		clock:   clock,
		tenant:  tenant,
	}
	eng, err := NewEngine(Deps{
		Store:   s,
		Actions: f.actions,
		Timer:   f.timer,
		Hub:     f.hub,
	}, cfg)
	require.NoError(t, err)
	f.engine = eng
	return f
}

func (f *engineFixture) template(t *testing.T, trigger string, tasks ...schema.TaskSpec) *schema.Template {
	t.Helper()
	tpl := &schema.Template{
		Name:        trigger + "-flow-" + uuid.NewString()[:8],
		Industry:    schema.IndustryDental,
		TriggerType: trigger,
		Active:      true,
		Tasks:       tasks,
	}
	require.NoError(t, f.store.CreateTemplate(context.Background(), tpl))
	return tpl
}

func (f *engineFixture) dispatch(t *testing.T, trigger, subject string, vars schema.Values) string {
	t.Helper()
	res, err := f.engine.Dispatch(context.Background(), DispatchRequest{
		TriggerType: trigger,
		TenantID:    f.tenant.ID,
		SubjectRef:  subject,
		Variables:   vars,
	})
	require.NoError(t, err)
	require.Len(t, res.InstanceIDs, 1)
	return res.InstanceIDs[0]
}

func (f *engineFixture) view(t *testing.T, id string) *InstanceView {
	t.Helper()
	v, err := f.engine.Inspect(context.Background(), id)
	require.NoError(t, err)
	return v
}

func eventTypes(events []*store.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func subscribe(t *testing.T, hub *streaming.MemoryHub) <-chan streaming.StreamEvent {
	t.Helper()
	ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{})
	require.NoError(t, err)
	t.Cleanup(cancel)
	return ch
}

func drain(ch <-chan streaming.StreamEvent) []string {
	var out []string
	for {
		select {
		case ev := <-ch:
			out = append(out, ev.EventType)
		default:
			return out
		}
	}
}

func TestEngine_DispatchRunsToCompletion(t *testing.T) {
	f := newEngineFixture(t, Config{})
	notifications := subscribe(t, f.hub)
	f.actions.on("cleaning_reminder", func(req actions.Request) (schema.Values, error) {
		return schema.Values{"message_id": "msg-1"}, nil
	})
	f.template(t, "cleaning_due",
		schema.TaskSpec{Name: "remind", ActionType: "cleaning_reminder",
			ActionConfig: schema.Values{"body": "Hi ${{vars.patient_name}}, {{clinic}} misses you"}},
		schema.TaskSpec{Name: "email", ActionType: "send_email"},
	)

	id := f.dispatch(t, "cleaning_due", "patient-7", schema.Values{"patient_name": "Ana"})

	v := f.view(t, id)
	assert.Equal(t, schema.InstanceCompleted, v.Instance.Status)
	assert.Equal(t, 2, v.Instance.CurrentTaskIndex)
	assert.NotNil(t, v.Instance.CompletedAt)
	assert.Equal(t, "Ana", v.Instance.Variables["patient_name"])
	assert.Equal(t, "patient-7", v.Instance.Variables["subject_ref"])
	assert.Equal(t, f.tenant.ID, v.Instance.Variables["tenant_id"])
	assert.Equal(t, "cleaning_due", v.Instance.Variables["trigger_type"])
	assert.Equal(t, "msg-1", v.Instance.Variables["message_id"])

	require.Len(t, v.Executions, 2)
	for _, ex := range v.Executions {
		assert.Equal(t, schema.ExecutionSucceeded, ex.Status)
		assert.Equal(t, 1, ex.Attempt)
	}
	assert.Equal(t, []string{
		schema.EventInstanceCreated,
		schema.EventInstanceStarted,
		schema.EventTaskSucceeded,
		schema.EventTaskSucceeded,
		schema.EventInstanceCompleted,
	}, eventTypes(v.Events))

	assert.Equal(t, []string{id + ":0:1", id + ":1:1"}, f.actions.keys())
	assert.Equal(t, "Hi Ana,  misses you", f.actions.calls[0].req.Config["body"])
	assert.Equal(t, "patient-7", f.actions.calls[0].req.SubjectRef)
	assert.Equal(t, []string{streaming.TypeInstanceCompleted}, drain(notifications))
}

func TestEngine_DispatchValidation(t *testing.T) {
	f := newEngineFixture(t, Config{})
	_, err := f.engine.Dispatch(context.Background(), DispatchRequest{TriggerType: "x", TenantID: f.tenant.ID})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = f.engine.Dispatch(context.Background(), DispatchRequest{TriggerType: "x", TenantID: "nope", SubjectRef: "p"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestEngine_DispatchNoMatch(t *testing.T) {
	f := newEngineFixture(t, Config{})
	res, err := f.engine.Dispatch(context.Background(), DispatchRequest{
		TriggerType: "unbound", TenantID: f.tenant.ID, SubjectRef: "patient-1",
	})
	require.NoError(t, err)
	assert.Empty(t, res.InstanceIDs)
	assert.Empty(t, res.Skipped)
}

func TestEngine_DispatchSkipsActiveSubject(t *testing.T) {
	f := newEngineFixture(t, Config{})
	tpl := f.template(t, "recall_due",
		schema.TaskSpec{ActionType: "recall_scheduling", Delay: schema.NewDelay(24 * time.Hour)},
	)
	first := f.dispatch(t, "recall_due", "patient-1", nil)

	res, err := f.engine.Dispatch(context.Background(), DispatchRequest{
		TriggerType: "recall_due", TenantID: f.tenant.ID, SubjectRef: "patient-1",
	})
	require.NoError(t, err)
	assert.Empty(t, res.InstanceIDs)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, SkippedTemplate{TemplateID: tpl.ID, Reason: SkipActiveInstance}, res.Skipped[0])

	// A different subject is independent.
	other := f.dispatch(t, "recall_due", "patient-2", nil)
	assert.NotEqual(t, first, other)
}

func TestEngine_DelayWaitsForTimer(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.template(t, "treatment_planned",
		schema.TaskSpec{Name: "follow up", ActionType: "treatment_plan_followup", Delay: schema.NewDelay(24 * time.Hour)},
	)
	start := f.clock.Now()
	id := f.dispatch(t, "treatment_planned", "patient-3", nil)

	v := f.view(t, id)
	assert.Equal(t, schema.InstanceRunning, v.Instance.Status)
	require.NotNil(t, v.Instance.WakeAt)
	assert.True(t, v.Instance.WakeAt.Equal(start.Add(24*time.Hour)))
	assert.Empty(t, v.Executions)
	require.Len(t, f.timer.scheduled, 1)
	assert.Equal(t, id, f.timer.scheduled[0].instanceID)
	assert.True(t, f.timer.scheduled[0].at.Equal(start.Add(24*time.Hour)))

	// Early wake-ups are no-ops.
	f.clock.Advance(time.Hour)
	require.NoError(t, f.engine.Advance(context.Background(), id))
	assert.Empty(t, f.actions.calls)

	f.clock.Advance(23 * time.Hour)
	require.NoError(t, f.engine.Advance(context.Background(), id))
	v = f.view(t, id)
	assert.Equal(t, schema.InstanceCompleted, v.Instance.Status)
	assert.Contains(t, eventTypes(v.Events), schema.EventTaskDelayed)
	assert.Len(t, f.actions.calls, 1)
}

func TestEngine_ConditionSkipsTask(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.template(t, "visit_done",
		schema.TaskSpec{Name: "sms", ActionType: "send_sms",
			Condition: &schema.Condition{Expr: `vars.channel == "sms"`}},
		schema.TaskSpec{Name: "email", ActionType: "send_email",
			Condition: &schema.Condition{Clauses: []schema.Clause{{Field: "channel", Operator: schema.OpEquals, Value: "email"}}}},
	)
	id := f.dispatch(t, "visit_done", "patient-4", schema.Values{"channel": "email"})

	v := f.view(t, id)
	assert.Equal(t, schema.InstanceCompleted, v.Instance.Status)
	require.Len(t, v.Executions, 2)
	assert.Equal(t, schema.ExecutionSkipped, v.Executions[0].Status)
	assert.Equal(t, schema.ExecutionSucceeded, v.Executions[1].Status)
	assert.Contains(t, eventTypes(v.Events), schema.EventTaskSkipped)
	require.Len(t, f.actions.calls, 1)
	assert.Equal(t, "send_email", f.actions.calls[0].actionType)
}

func TestEngine_BadConditionFailsInstance(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.template(t, "visit_done",
		schema.TaskSpec{ActionType: "send_sms", Condition: &schema.Condition{Expr: `vars.channel`}},
	)
	id := f.dispatch(t, "visit_done", "patient-4", schema.Values{"channel": "sms"})

	v := f.view(t, id)
	assert.Equal(t, schema.InstanceFailed, v.Instance.Status)
	require.NotNil(t, v.Instance.LastError)
	assert.Equal(t, schema.ErrCodeConfiguration, v.Instance.LastError.Code)
	assert.Empty(t, f.actions.calls)
}

func TestEngine_RetryWithBackoff(t *testing.T) {
	f := newEngineFixture(t, Config{})
	failures := 2
	f.actions.on("send_sms", func(actions.Request) (schema.Values, error) {
		if failures > 0 {
			failures--
			return nil, errors.New("gateway timeout")
		}
		return schema.Values{"delivered": true}, nil
	})
	f.template(t, "lead_created", schema.TaskSpec{ActionType: "send_sms"})
	start := f.clock.Now()
	id := f.dispatch(t, "lead_created", "lead-1", nil)

	v := f.view(t, id)
	assert.Equal(t, schema.InstanceRunning, v.Instance.Status)
	assert.Equal(t, 1, v.Instance.Attempt)
	require.NotNil(t, v.Instance.WakeAt)
	assert.True(t, v.Instance.WakeAt.Equal(start.Add(time.Minute)))
	require.NotNil(t, v.Instance.LastError)
	assert.Equal(t, schema.ErrCodeExecution, v.Instance.LastError.Code)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.engine.Advance(context.Background(), id))
	v = f.view(t, id)
	assert.Equal(t, 2, v.Instance.Attempt)
	assert.True(t, v.Instance.WakeAt.Equal(start.Add(6*time.Minute)))

	f.clock.Advance(5 * time.Minute)
	require.NoError(t, f.engine.Advance(context.Background(), id))
	v = f.view(t, id)
	assert.Equal(t, schema.InstanceCompleted, v.Instance.Status)
	assert.Nil(t, v.Instance.LastError)
	assert.Equal(t, true, v.Instance.Variables["delivered"])

	assert.Equal(t, []string{id + ":0:1", id + ":0:2", id + ":0:3"}, f.actions.keys())
	require.Len(t, v.Executions, 3)
	assert.Equal(t, schema.ExecutionFailed, v.Executions[0].Status)
	assert.Equal(t, schema.ExecutionSucceeded, v.Executions[2].Status)

	retrying := 0
	for _, e := range v.Events {
		if e.Type == schema.EventTaskRetrying {
			retrying++
		}
	}
	assert.Equal(t, 2, retrying)
}

func TestEngine_RetryExhausted(t *testing.T) {
	f := newEngineFixture(t, Config{Retry: RetryPolicy{MaxAttempts: 2}})
	notifications := subscribe(t, f.hub)
	f.actions.on("send_sms", func(actions.Request) (schema.Values, error) {
		return nil, schema.NewError(schema.ErrCodeExecution, "carrier unavailable")
	})
	f.template(t, "lead_created", schema.TaskSpec{ActionType: "send_sms"})
	id := f.dispatch(t, "lead_created", "lead-1", nil)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.engine.Advance(context.Background(), id))

	v := f.view(t, id)
	assert.Equal(t, schema.InstanceFailed, v.Instance.Status)
	assert.Equal(t, 2, v.Instance.Attempt)
	require.NotNil(t, v.Instance.LastError)
	assert.Equal(t, "carrier unavailable", v.Instance.LastError.Message)
	assert.Len(t, f.actions.calls, 2)
	assert.Equal(t, []string{streaming.TypeInstanceFailed}, drain(notifications))
}

func TestEngine_ConfigurationErrorFailsImmediately(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.actions.on("webhook", func(actions.Request) (schema.Values, error) {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "endpoint rejected the request")
	})
	f.template(t, "lead_created", schema.TaskSpec{ActionType: "webhook"})
	id := f.dispatch(t, "lead_created", "lead-1", nil)

	v := f.view(t, id)
	assert.Equal(t, schema.InstanceFailed, v.Instance.Status)
	assert.Equal(t, schema.ErrCodeConfiguration, v.Instance.LastError.Code)
	assert.Len(t, f.actions.calls, 1)
}

func TestEngine_MissingVariableFailsImmediately(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.template(t, "lead_created",
		schema.TaskSpec{ActionType: "send_sms", ActionConfig: schema.Values{"to": "${{vars.phone}}"}},
	)
	id := f.dispatch(t, "lead_created", "lead-1", nil)

	v := f.view(t, id)
	assert.Equal(t, schema.InstanceFailed, v.Instance.Status)
	assert.Equal(t, schema.ErrCodeInterpolation, v.Instance.LastError.Code)
	assert.Empty(t, f.actions.calls)
}

func TestEngine_TransformShapesResult(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.actions.on("calendar", func(actions.Request) (schema.Values, error) {
		return schema.Values{"booking": schema.Values{"id": "bk-9", "slot": "10:00"}}, nil
	})
	f.template(t, "showing_requested",
		schema.TaskSpec{ActionType: "calendar", Transform: `{booking_id: .booking.id}`},
	)
	id := f.dispatch(t, "showing_requested", "lead-1", nil)

	v := f.view(t, id)
	assert.Equal(t, schema.InstanceCompleted, v.Instance.Status)
	assert.Equal(t, "bk-9", v.Instance.Variables["booking_id"])
	_, hasRaw := v.Instance.Variables["booking"]
	assert.False(t, hasRaw)
}

func TestEngine_HITLApprove(t *testing.T) {
	f := newEngineFixture(t, Config{})
	notifications := subscribe(t, f.hub)
	f.template(t, "treatment_planned",
		schema.TaskSpec{Name: "notify", ActionType: "send_sms"},
		schema.TaskSpec{Name: "doctor approval", ActionType: "approval", IsHITL: true},
		schema.TaskSpec{Name: "confirm", ActionType: "send_email"},
	)
	id := f.dispatch(t, "treatment_planned", "patient-5", nil)

	v := f.view(t, id)
	assert.Equal(t, schema.InstanceWaitingHITL, v.Instance.Status)
	assert.Equal(t, 1, v.Instance.CurrentTaskIndex)
	assert.Equal(t, []string{streaming.TypeApprovalRequested}, drain(notifications))

	// Advancing a waiting instance does nothing.
	require.NoError(t, f.engine.Advance(context.Background(), id))
	assert.Len(t, f.actions.calls, 1)

	require.NoError(t, f.engine.Resolve(context.Background(), id, true, "dr-house"))
	v = f.view(t, id)
	assert.Equal(t, schema.InstanceCompleted, v.Instance.Status)
	assert.Equal(t, "dr-house", v.Instance.Variables["approved_by"])
	assert.NotEmpty(t, v.Instance.Variables["approved_at"])
	require.Len(t, v.Executions, 3)
	assert.Equal(t, schema.ExecutionSucceeded, v.Executions[1].Status)
	assert.Equal(t, "approval", v.Executions[1].ActionType)
	assert.Contains(t, eventTypes(v.Events), schema.EventApprovalResolved)
	assert.Contains(t, eventTypes(v.Events), schema.EventInstanceResumed)

	err := f.engine.Resolve(context.Background(), id, true, "dr-house")
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidState))
}

func TestEngine_HITLReject(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.template(t, "treatment_planned",
		schema.TaskSpec{Name: "doctor approval", ActionType: "approval", IsHITL: true},
		schema.TaskSpec{ActionType: "send_email"},
	)
	id := f.dispatch(t, "treatment_planned", "patient-5", nil)

	require.NoError(t, f.engine.Resolve(context.Background(), id, false, "dr-house"))
	v := f.view(t, id)
	assert.Equal(t, schema.InstanceFailed, v.Instance.Status)
	require.NotNil(t, v.Instance.LastError)
	assert.Equal(t, schema.ErrCodeHITLRejected, v.Instance.LastError.Code)
	require.Len(t, v.Executions, 1)
	assert.Equal(t, schema.ExecutionFailed, v.Executions[0].Status)
	assert.Empty(t, f.actions.calls)
}

func TestEngine_ExpireOverdue(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.template(t, "treatment_planned",
		schema.TaskSpec{Name: "doctor approval", ActionType: "approval", IsHITL: true},
	)
	id := f.dispatch(t, "treatment_planned", "patient-6", nil)

	n, err := f.engine.ExpireOverdue(context.Background(), 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(72 * time.Hour)
	n, err = f.engine.ExpireOverdue(context.Background(), 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v := f.view(t, id)
	assert.Equal(t, schema.InstanceFailed, v.Instance.Status)
	assert.Equal(t, schema.ErrCodeHITLRejected, v.Instance.LastError.Code)
	assert.Equal(t, SLAActor, v.Instance.LastError.Details["actor_id"])
}

func TestEngine_Cancel(t *testing.T) {
	f := newEngineFixture(t, Config{})
	notifications := subscribe(t, f.hub)
	f.template(t, "recall_due",
		schema.TaskSpec{ActionType: "recall_scheduling", Delay: schema.NewDelay(time.Hour)},
	)
	id := f.dispatch(t, "recall_due", "patient-8", nil)

	require.NoError(t, f.engine.Cancel(context.Background(), id))
	v := f.view(t, id)
	assert.Equal(t, schema.InstanceCancelled, v.Instance.Status)
	assert.Nil(t, v.Instance.WakeAt)
	assert.Equal(t, []string{id}, f.timer.cancelled)
	assert.Equal(t, []string{streaming.TypeInstanceCancelled}, drain(notifications))

	err := f.engine.Cancel(context.Background(), id)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidState))

	// The subject is free again.
	f.dispatch(t, "recall_due", "patient-8", nil)
}

func TestEngine_CircuitBreakerOpens(t *testing.T) {
	f := newEngineFixture(t, Config{CircuitBreaker: &CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Hour}})
	f.actions.on("voice_call", func(actions.Request) (schema.Values, error) {
		return nil, errors.New("provider down")
	})
	f.template(t, "lead_created", schema.TaskSpec{ActionType: "voice_call"})

	first := f.dispatch(t, "lead_created", "lead-1", nil)
	assert.Contains(t, eventTypes(f.view(t, first).Events), schema.EventCircuitBreakerOpen)

	second := f.dispatch(t, "lead_created", "lead-2", nil)
	v := f.view(t, second)
	assert.Equal(t, schema.InstanceRunning, v.Instance.Status)
	require.NotNil(t, v.Instance.LastError)
	assert.Equal(t, schema.ErrCodeCircuitOpen, v.Instance.LastError.Code)
	assert.Len(t, f.actions.calls, 1)
}

func TestEngine_InspectUnknown(t *testing.T) {
	f := newEngineFixture(t, Config{})
	_, err := f.engine.Inspect(context.Background(), "missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestNewEngine_RequiresDeps(t *testing.T) {
	_, err := NewEngine(Deps{}, Config{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestEngine_DispatchSameTemplateNameAcrossTenants(t *testing.T) {
	f := newEngineFixture(t, Config{})
	ctx := context.Background()
	other := &schema.Tenant{ID: "clinic-" + uuid.NewString()[:8], Name: "Bright Teeth", Industry: schema.IndustryDental}
	require.NoError(t, f.store.UpsertTenant(ctx, other))

	private := func(tenantID string) *schema.Template {
		tpl := &schema.Template{
			Name:        "recall",
			TenantID:    tenantID,
			Industry:    schema.IndustryDental,
			TriggerType: "recall_due",
			Active:      true,
			Tasks:       []schema.TaskSpec{{ActionType: "recall_scheduling"}},
		}
		require.NoError(t, f.store.CreateTemplate(ctx, tpl))
		return tpl
	}
	mine := private(f.tenant.ID)
	theirs := private(other.ID)
	assert.Equal(t, 1, mine.Version)
	assert.Equal(t, 1, theirs.Version, "versions count per tenant")

	for _, tc := range []struct {
		tenant string
		tpl    *schema.Template
	}{{f.tenant.ID, mine}, {other.ID, theirs}} {
		res, err := f.engine.Dispatch(ctx, DispatchRequest{
			TriggerType: "recall_due", TenantID: tc.tenant, SubjectRef: "patient-1",
		})
		require.NoError(t, err)
		require.Len(t, res.InstanceIDs, 1, "tenant %s", tc.tenant)
		v := f.view(t, res.InstanceIDs[0])
		assert.Equal(t, tc.tpl.ID, v.Instance.TemplateID)
		assert.Equal(t, schema.InstanceCompleted, v.Instance.Status)
	}
}

func TestEngine_AdvanceIsIdempotent(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.actions.on("recall_scheduling", func(actions.Request) (schema.Values, error) {
		time.Sleep(20 * time.Millisecond)
		return schema.Values{"booked": true}, nil
	})
	f.template(t, "recall_due",
		schema.TaskSpec{ActionType: "recall_scheduling", Delay: schema.NewDelay(time.Hour)},
	)
	id := f.dispatch(t, "recall_due", "patient-9", nil)
	require.Equal(t, schema.InstanceRunning, f.view(t, id).Instance.Status)
	f.clock.Advance(time.Hour)

	t.Run("Should execute a due task once under concurrent wake-ups", func(t *testing.T) {
		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = f.engine.Advance(context.Background(), id)
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			require.NoError(t, err)
		}

		v := f.view(t, id)
		assert.Equal(t, schema.InstanceCompleted, v.Instance.Status)
		assert.Len(t, v.Executions, 1)
		assert.Len(t, f.actions.calls, 1)
	})

	t.Run("Should do nothing when advanced again", func(t *testing.T) {
		require.NoError(t, f.engine.Advance(context.Background(), id))
		require.NoError(t, f.engine.Advance(context.Background(), id))
		assert.Len(t, f.view(t, id).Executions, 1)
		assert.Len(t, f.actions.calls, 1)
	})
}

func TestEngine_CompletedExecutionsAreOrdered(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.template(t, "visit_done",
		schema.TaskSpec{Name: "thanks", ActionType: "send_email"},
		schema.TaskSpec{Name: "sms", ActionType: "send_sms",
			Condition: &schema.Condition{Clauses: []schema.Clause{{Field: "channel", Operator: schema.OpEquals, Value: "sms"}}}},
		schema.TaskSpec{Name: "survey", ActionType: "send_email", Delay: schema.NewDelay(2 * time.Hour)},
		schema.TaskSpec{Name: "task", ActionType: "create_task"},
	)
	id := f.dispatch(t, "visit_done", "patient-10", schema.Values{"channel": "email"})
	f.clock.Advance(2 * time.Hour)
	require.NoError(t, f.engine.Advance(context.Background(), id))

	v := f.view(t, id)
	require.Equal(t, schema.InstanceCompleted, v.Instance.Status)
	var indexes []int
	for _, ex := range v.Executions {
		if ex.Status == schema.ExecutionSucceeded || ex.Status == schema.ExecutionSkipped {
			indexes = append(indexes, ex.TaskIndex)
		}
	}
	assert.Equal(t, []int{0, 1, 2, 3}, indexes)
	assert.Equal(t, schema.ExecutionSkipped, v.Executions[1].Status)
}

func TestEngine_RetryCapWithDefaultPolicy(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.actions.on("send_sms", func(actions.Request) (schema.Values, error) {
		return nil, errors.New("carrier unavailable")
	})
	f.template(t, "lead_created", schema.TaskSpec{ActionType: "send_sms"})
	id := f.dispatch(t, "lead_created", "lead-2", nil)

	// Default backoff is 1m then 5m; keep waking well past both.
	for _, wait := range []time.Duration{time.Minute, 5 * time.Minute, 25 * time.Minute, time.Hour} {
		f.clock.Advance(wait)
		require.NoError(t, f.engine.Advance(context.Background(), id))
	}

	v := f.view(t, id)
	assert.Equal(t, schema.InstanceFailed, v.Instance.Status)
	require.Len(t, v.Executions, DefaultRetryPolicy().MaxAttempts)
	for i, ex := range v.Executions {
		assert.Equal(t, schema.ExecutionFailed, ex.Status)
		assert.Equal(t, i+1, ex.Attempt)
	}
	assert.Len(t, f.actions.calls, 3)
}

func TestEngine_BookThenRemindNextDay(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.template(t, "appointment_scheduled",
		schema.TaskSpec{Name: "book", ActionType: "appointment_booking"},
		schema.TaskSpec{Name: "remind", ActionType: "appointment_reminder", Delay: schema.NewDelay(24 * time.Hour)},
	)
	id := f.dispatch(t, "appointment_scheduled", "patient-11", nil)

	v := f.view(t, id)
	assert.Equal(t, schema.InstanceRunning, v.Instance.Status)
	assert.Equal(t, 1, v.Instance.CurrentTaskIndex)
	require.Len(t, v.Executions, 1)
	assert.Equal(t, "appointment_booking", v.Executions[0].ActionType)
	assert.Equal(t, schema.ExecutionSucceeded, v.Executions[0].Status)
	require.NotNil(t, v.Instance.WakeAt)

	f.clock.Advance(24 * time.Hour)
	require.NoError(t, f.engine.Advance(context.Background(), id))

	v = f.view(t, id)
	assert.Equal(t, schema.InstanceCompleted, v.Instance.Status)
	require.Len(t, v.Executions, 2)
	assert.Equal(t, "appointment_reminder", v.Executions[1].ActionType)
	assert.Equal(t, []string{"appointment_booking", "appointment_reminder"},
		[]string{f.actions.calls[0].actionType, f.actions.calls[1].actionType})
}

func TestEngine_ExpireOverdueUsesEngineClock(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.clock.mu.Lock()
	f.clock.t = time.Date(2021, 3, 1, 9, 0, 0, 0, time.UTC)
	f.clock.mu.Unlock()

	f.template(t, "treatment_planned",
		schema.TaskSpec{Name: "doctor approval", ActionType: "approval", IsHITL: true},
	)
	id := f.dispatch(t, "treatment_planned", "patient-12", nil)
	v := f.view(t, id)
	assert.True(t, v.Instance.UpdatedAt.Equal(f.clock.Now()))

	f.clock.Advance(72 * time.Hour)
	n, err := f.engine.ExpireOverdue(context.Background(), 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, schema.InstanceFailed, f.view(t, id).Instance.Status)
}
