package actions

import (
	"context"
	"net/http"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

// RelayConfig names the provider endpoints the relay posts to. An empty URL
// leaves that collaborator unset.
type RelayConfig struct {
	MessagesURL string            `koanf:"messages_url"`
	BookingsURL string            `koanf:"bookings_url"`
	RecordsURL  string            `koanf:"records_url"`
	Headers     map[string]string `koanf:"headers"`
}

// Relay forwards messages, bookings and records to HTTP providers through a
// Webhook. Providers answer with {"id": ..., "status": ...}.
type Relay struct {
	webhook Webhook
	cfg     RelayConfig
}

// NewRelay creates a relay over w.
func NewRelay(w Webhook, cfg RelayConfig) *Relay {
	return &Relay{webhook: w, cfg: cfg}
}

// Collaborators returns the relay bound to every configured endpoint.
// webhook is always set.
func (r *Relay) Collaborators() Collaborators {
	c := Collaborators{Webhook: r.webhook}
	if r.cfg.MessagesURL != "" {
		c.Messenger = r
	}
	if r.cfg.BookingsURL != "" {
		c.Calendar = r
	}
	if r.cfg.RecordsURL != "" {
		c.Records = r
	}
	return c
}

func (r *Relay) post(ctx context.Context, url string, payload map[string]any, key string) (schema.Values, error) {
	resp, err := r.webhook.Call(ctx, WebhookRequest{
		Method:  http.MethodPost,
		URL:     url,
		Headers: r.cfg.Headers,
		Payload: payload,
	}, key)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Send implements Messenger.
func (r *Relay) Send(ctx context.Context, tenantID string, msg Message, idempotencyKey string) (MessageReceipt, error) {
	body, err := r.post(ctx, r.cfg.MessagesURL, map[string]any{
		"tenant_id": tenantID,
		"channel":   msg.Channel,
		"to":        msg.To,
		"subject":   msg.Subject,
		"body":      msg.Body,
		"metadata":  msg.Metadata,
	}, idempotencyKey)
	if err != nil {
		return MessageReceipt{}, err
	}
	status := body.String("status")
	if status == "" {
		status = "queued"
	}
	return MessageReceipt{ID: body.String("id"), Status: status}, nil
}

// Book implements Calendar.
func (r *Relay) Book(ctx context.Context, tenantID string, b Booking, idempotencyKey string) (BookingReceipt, error) {
	body, err := r.post(ctx, r.cfg.BookingsURL, map[string]any{
		"tenant_id":        tenantID,
		"subject_ref":      b.SubjectRef,
		"resource_id":      b.ResourceID,
		"starts_at":        b.StartsAt.UTC().Format(time.RFC3339),
		"duration_minutes": int(b.Duration / time.Minute),
		"location":         b.Location,
		"notes":            b.Notes,
		"confirm":          b.Confirm,
	}, idempotencyKey)
	if err != nil {
		return BookingReceipt{}, err
	}
	receipt := BookingReceipt{ID: body.String("id"), StartsAt: b.StartsAt}
	if raw := body.String("starts_at"); raw != "" {
		if t, perr := time.Parse(time.RFC3339, raw); perr == nil {
			receipt.StartsAt = t
		}
	}
	return receipt, nil
}

// CreateRecord implements Records.
func (r *Relay) CreateRecord(ctx context.Context, tenantID string, rec Record, idempotencyKey string) (string, error) {
	body, err := r.post(ctx, r.cfg.RecordsURL, map[string]any{
		"tenant_id":   tenantID,
		"kind":        rec.Kind,
		"subject_ref": rec.SubjectRef,
		"title":       rec.Title,
		"fields":      rec.Fields.Plain(),
	}, idempotencyKey)
	if err != nil {
		return "", err
	}
	id := body.String("id")
	if id == "" {
		return "", schema.NewErrorf(schema.ErrCodeExecution, "records provider returned no id for %s", rec.Kind)
	}
	return id, nil
}
