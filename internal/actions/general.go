package actions

import "github.com/rendis/autoflow/pkg/schema"

// General actions, available to every industry.
const (
	SendEmail    ActionType = "send_email"
	SendSMS      ActionType = "send_sms"
	CreateTask   ActionType = "create_task"
	WebhookCall  ActionType = "webhook"
	WaitForReply ActionType = "wait_for_reply"
)

func generalActions(c Collaborators) []Definition {
	const ind = schema.IndustryGeneral
	return []Definition{
		messageAction(messageSpec{
			Type: SendEmail, Industry: ind, Channel: ChannelEmail, Fixed: true,
			Description: "Send an email.",
		}, c.Messenger),
		messageAction(messageSpec{
			Type: SendSMS, Industry: ind, Channel: ChannelSMS, Fixed: true,
			Description: "Send a text message.",
		}, c.Messenger),
		recordAction(recordSpec{
			Type: CreateTask, Industry: ind, Kind: RecordTask, DefaultTitle: "Task",
			Description: "Create a task in the system of record.",
		}, c.Records),
		webhookAction(WebhookCall, c.Webhook),
		// The reply itself is captured by a following HITL task.
		messageAction(messageSpec{
			Type: WaitForReply, Industry: ind, Channel: ChannelSMS,
			Metadata:    map[string]string{"expect_reply": "true"},
			Description: "Send a prompt and flag the conversation as awaiting a reply.",
		}, c.Messenger),
	}
}
