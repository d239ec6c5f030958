package actions

import (
	"context"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

// Message channels.
const (
	ChannelSMS   = "sms"
	ChannelEmail = "email"
	ChannelVoice = "voice"
)

// Message is an outbound SMS, email or voice call.
type Message struct {
	Channel  string            `json:"channel"`
	To       string            `json:"to"`
	Subject  string            `json:"subject,omitempty"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MessageReceipt is the provider acknowledgement of a Message.
type MessageReceipt struct {
	ID     string
	Status string
}

// Messenger delivers messages. Providers must deduplicate on idempotencyKey.
type Messenger interface {
	Send(ctx context.Context, tenantID string, msg Message, idempotencyKey string) (MessageReceipt, error)
}

// Booking is a calendar slot request.
type Booking struct {
	SubjectRef string
	ResourceID string
	StartsAt   time.Time
	Duration   time.Duration
	Location   string
	Notes      string
	// Confirm asks the calendar provider to send its own confirmation.
	Confirm bool
}

// BookingReceipt confirms a booked slot.
type BookingReceipt struct {
	ID       string
	StartsAt time.Time
}

// Calendar books appointments.
type Calendar interface {
	Book(ctx context.Context, tenantID string, b Booking, idempotencyKey string) (BookingReceipt, error)
}

// Record kinds created through Records.
const (
	RecordTask           = "task"
	RecordDocument       = "document"
	RecordResearch       = "research"
	RecordInsuranceCheck = "insurance_check"
	RecordReferral       = "referral"
	RecordOnboarding     = "onboarding"
	RecordCMA            = "cma"
)

// Record is a task, document or note attached to the subject.
type Record struct {
	Kind       string
	SubjectRef string
	Title      string
	Fields     schema.Values
}

// Records creates records in the system of record (CRM, EHR, PMS).
type Records interface {
	CreateRecord(ctx context.Context, tenantID string, r Record, idempotencyKey string) (string, error)
}

// WebhookRequest is an outbound HTTP notification.
type WebhookRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Payload any
}

// WebhookResponse carries the decoded response.
type WebhookResponse struct {
	StatusCode int
	Body       schema.Values
}

// Webhook sends HTTP notifications.
type Webhook interface {
	Call(ctx context.Context, req WebhookRequest, idempotencyKey string) (WebhookResponse, error)
}

// Collaborators are the external services handlers call into. Any of them
// may be nil; actions needing a missing collaborator fail with CONFIGURATION.
type Collaborators struct {
	Messenger Messenger
	Calendar  Calendar
	Records   Records
	Webhook   Webhook
}
