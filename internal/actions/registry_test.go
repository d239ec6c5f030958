package actions

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/pkg/schema"
)

func newTestRegistry(t *testing.T, c Collaborators) *Registry {
	t.Helper()
	reg, err := NewRegistry(c)
	require.NoError(t, err)
	return reg
}

func TestNewRegistry_Catalog(t *testing.T) {
	reg := newTestRegistry(t, Collaborators{})

	expected := []ActionType{
		AppointmentBooking, AppointmentReminder, PatientResearch, InsuranceVerification,
		PrescriptionReminder, TestResultsNotification, ReferralCoordination, PatientOnboarding,
		PostVisitFollowup,
		CleaningReminder, TreatmentPlanFollowup, RecallScheduling,
		VoiceCall, SMS, Email, Task, CalendarEvent, CMAGeneration, Document,
		ReservationConfirmation, ReservationReminder, FeedbackRequest, SpecialOccasion,
		SendEmail, SendSMS, CreateTask, WebhookCall, WaitForReply,
	}
	assert.Equal(t, len(expected), reg.Count())
	for _, at := range expected {
		assert.True(t, reg.Has(string(at)), "missing %s", at)
	}
}

func TestRegistry_ConfigSchemasAreObjects(t *testing.T) {
	reg := newTestRegistry(t, Collaborators{})
	for _, info := range reg.List("") {
		raw, ok := reg.ConfigSchema(string(info.Type))
		require.True(t, ok)

		var s map[string]any
		require.NoError(t, json.Unmarshal(raw, &s), "schema of %s", info.Type)
		assert.Equal(t, "object", s["type"], "schema of %s", info.Type)
		assert.Contains(t, s, "properties")
	}
}

func TestRegistry_Get_Unknown(t *testing.T) {
	reg := newTestRegistry(t, Collaborators{})

	_, err := reg.Get("fax_blast")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))

	_, ok := reg.ConfigSchema("fax_blast")
	assert.False(t, ok)
	assert.False(t, reg.Has("fax_blast"))
}

func TestRegistry_Execute_Unknown(t *testing.T) {
	reg := newTestRegistry(t, Collaborators{})

	_, err := reg.Execute(context.Background(), "fax_blast", Request{})
	require.Error(t, err)

	var ae *schema.AutoflowError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, schema.ErrCodeConfiguration, ae.Code)
	assert.False(t, ae.IsRetryable())
}

func TestRegistry_Execute_MissingCollaborator(t *testing.T) {
	reg := newTestRegistry(t, Collaborators{})

	_, err := reg.Execute(context.Background(), string(SendSMS), Request{
		Config: schema.Values{"to": "+15550100", "body": "hi"},
	})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))
}

func TestRegistry_List(t *testing.T) {
	reg := newTestRegistry(t, Collaborators{})

	t.Run("all industries sorted by type", func(t *testing.T) {
		all := reg.List("")
		require.Len(t, all, reg.Count())
		for i := 1; i < len(all); i++ {
			assert.Less(t, all[i-1].Type, all[i].Type)
		}
	})

	t.Run("industry filter keeps general actions", func(t *testing.T) {
		dental := reg.List(schema.IndustryDental)
		types := make(map[ActionType]schema.Industry, len(dental))
		for _, info := range dental {
			types[info.Type] = info.Industry
		}
		assert.Contains(t, types, CleaningReminder)
		assert.Contains(t, types, SendEmail)
		assert.NotContains(t, types, AppointmentBooking)
		assert.NotContains(t, types, CMAGeneration)
		for at, ind := range types {
			assert.Contains(t, []schema.Industry{schema.IndustryDental, schema.IndustryGeneral}, ind, "action %s", at)
		}
	})
}

func TestRegistry_Register_Rejects(t *testing.T) {
	reg := &Registry{defs: map[ActionType]*Definition{}}
	noop := func(context.Context, Request) (schema.Values, error) { return nil, nil }

	err := reg.register(&Definition{Handler: noop})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = reg.register(&Definition{Type: "x"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	require.NoError(t, reg.register(&Definition{Type: "x", Handler: noop}))
	err = reg.register(&Definition{Type: "x", Handler: noop})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestRegistry_Execute_NilResult(t *testing.T) {
	reg := &Registry{defs: map[ActionType]*Definition{}}
	require.NoError(t, reg.register(&Definition{
		Type: "noop",
		Handler: func(_ context.Context, req Request) (schema.Values, error) {
			if req.Config == nil {
				return nil, schema.NewError(schema.ErrCodeExecution, "config not defaulted")
			}
			return nil, nil
		},
	}))

	out, err := reg.Execute(context.Background(), "noop", Request{})
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}
