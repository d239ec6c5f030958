package actions

import (
	"context"
	"net/http"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

const defaultBookingDuration = 30 * time.Minute

// messageSpec describes a messaging action. A fixed channel ignores the
// config's channel field.
type messageSpec struct {
	Type        ActionType
	Industry    schema.Industry
	Description string
	Channel     string
	Fixed       bool
	Extra       []string // required string config keys beyond to and body
	Metadata    map[string]string
}

func messageAction(spec messageSpec, m Messenger) Definition {
	required := append([]string{"to", "body"}, spec.Extra...)
	return Definition{
		Type:         spec.Type,
		Industry:     spec.Industry,
		Description:  spec.Description,
		ConfigSchema: objectSchema(messageProperties, spec.Extra, required...),
		Handler: func(ctx context.Context, req Request) (schema.Values, error) {
			if m == nil {
				return nil, missingCollaborator(spec.Type, "messenger")
			}
			if err := requireParam(req.Config, required...); err != nil {
				return nil, err
			}
			channel := spec.Channel
			if !spec.Fixed {
				channel = stringParam(req.Config, "channel", spec.Channel)
			}
			meta := stringMapParam(req.Config, "metadata")
			if meta == nil {
				meta = make(map[string]string, len(spec.Metadata)+len(spec.Extra)+1)
			}
			for k, v := range spec.Metadata {
				meta[k] = v
			}
			for _, k := range spec.Extra {
				meta[k] = stringParam(req.Config, k, "")
			}
			meta["action_type"] = string(spec.Type)

			receipt, err := m.Send(ctx, req.TenantID, Message{
				Channel:  channel,
				To:       stringParam(req.Config, "to", ""),
				Subject:  stringParam(req.Config, "subject", ""),
				Body:     stringParam(req.Config, "body", ""),
				Metadata: meta,
			}, req.IdempotencyKey)
			if err != nil {
				return nil, collaboratorError(spec.Type, err)
			}
			return schema.Values{
				"message_id":     receipt.ID,
				"message_status": receipt.Status,
				"channel":        channel,
			}, nil
		},
	}
}

type bookingSpec struct {
	Type        ActionType
	Industry    schema.Industry
	Description string
}

func bookingAction(spec bookingSpec, c Calendar) Definition {
	return Definition{
		Type:         spec.Type,
		Industry:     spec.Industry,
		Description:  spec.Description,
		ConfigSchema: objectSchema(bookingProperties, nil, "starts_at"),
		Handler: func(ctx context.Context, req Request) (schema.Values, error) {
			if c == nil {
				return nil, missingCollaborator(spec.Type, "calendar")
			}
			startsAt, err := timeParam(req.Config, "starts_at")
			if err != nil {
				return nil, err
			}
			duration := defaultBookingDuration
			if mins := intParam(req.Config, "duration_minutes", 0); mins > 0 {
				duration = time.Duration(mins) * time.Minute
			}
			receipt, err := c.Book(ctx, req.TenantID, Booking{
				SubjectRef: req.SubjectRef,
				ResourceID: stringParam(req.Config, "resource_id", ""),
				StartsAt:   startsAt,
				Duration:   duration,
				Location:   stringParam(req.Config, "location", ""),
				Notes:      stringParam(req.Config, "notes", ""),
				Confirm:    boolParam(req.Config, "send_confirmation", true),
			}, req.IdempotencyKey)
			if err != nil {
				return nil, collaboratorError(spec.Type, err)
			}
			return schema.Values{
				"booking_id": receipt.ID,
				"starts_at":  receipt.StartsAt.UTC(),
			}, nil
		},
	}
}

type recordSpec struct {
	Type         ActionType
	Industry     schema.Industry
	Description  string
	Kind         string
	DefaultTitle string
	Extra        []string // required string config keys, copied into the record fields
}

func recordAction(spec recordSpec, r Records) Definition {
	return Definition{
		Type:         spec.Type,
		Industry:     spec.Industry,
		Description:  spec.Description,
		ConfigSchema: objectSchema(recordProperties, spec.Extra, spec.Extra...),
		Handler: func(ctx context.Context, req Request) (schema.Values, error) {
			if r == nil {
				return nil, missingCollaborator(spec.Type, "records")
			}
			if err := requireParam(req.Config, spec.Extra...); err != nil {
				return nil, err
			}
			fields := schema.Values{}
			if f, ok := req.Config["fields"].(schema.Values); ok {
				fields = f.Clone()
			}
			for _, k := range spec.Extra {
				fields[k] = req.Config[k]
			}
			id, err := r.CreateRecord(ctx, req.TenantID, Record{
				Kind:       spec.Kind,
				SubjectRef: req.SubjectRef,
				Title:      stringParam(req.Config, "title", spec.DefaultTitle),
				Fields:     fields,
			}, req.IdempotencyKey)
			if err != nil {
				return nil, collaboratorError(spec.Type, err)
			}
			return schema.Values{
				"record_id":   id,
				"record_kind": spec.Kind,
			}, nil
		},
	}
}

func webhookAction(t ActionType, w Webhook) Definition {
	return Definition{
		Type:         t,
		Industry:     schema.IndustryGeneral,
		Description:  "Send an HTTP notification to an external endpoint.",
		ConfigSchema: objectSchema(webhookProperties, nil, "url"),
		Handler: func(ctx context.Context, req Request) (schema.Values, error) {
			if w == nil {
				return nil, missingCollaborator(t, "webhook")
			}
			if err := requireParam(req.Config, "url"); err != nil {
				return nil, err
			}
			payload := req.Config["payload"]
			if p, ok := payload.(schema.Values); ok {
				payload = p.Plain()
			}
			resp, err := w.Call(ctx, WebhookRequest{
				Method:  stringParam(req.Config, "method", http.MethodPost),
				URL:     stringParam(req.Config, "url", ""),
				Headers: stringMapParam(req.Config, "headers"),
				Payload: payload,
			}, req.IdempotencyKey)
			if err != nil {
				return nil, collaboratorError(t, err)
			}
			out := schema.Values{"status_code": float64(resp.StatusCode)}
			if len(resp.Body) > 0 {
				out["response"] = resp.Body
			}
			return out, nil
		},
	}
}

func missingCollaborator(t ActionType, name string) error {
	return schema.NewErrorf(schema.ErrCodeConfiguration, "action %s: no %s configured", t, name)
}

// collaboratorError keeps AutoflowErrors from collaborators as they are and
// wraps anything else as a retryable execution error.
func collaboratorError(t ActionType, err error) error {
	if schema.ErrorCode(err) != "" {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeExecution, "action %s: %s", t, err.Error()).WithCause(err)
}
