package actions

import "github.com/rendis/autoflow/pkg/schema"

// Real estate actions.
const (
	VoiceCall     ActionType = "voice_call"
	SMS           ActionType = "sms"
	Email         ActionType = "email"
	Task          ActionType = "task"
	CalendarEvent ActionType = "calendar"
	CMAGeneration ActionType = "cma_generation"
	Document      ActionType = "document"
)

func realEstateActions(c Collaborators) []Definition {
	const ind = schema.IndustryRealEstate
	return []Definition{
		messageAction(messageSpec{
			Type: VoiceCall, Industry: ind, Channel: ChannelVoice, Fixed: true,
			Description: "Place an automated voice call to the lead.",
		}, c.Messenger),
		messageAction(messageSpec{
			Type: SMS, Industry: ind, Channel: ChannelSMS, Fixed: true,
			Description: "Text the lead.",
		}, c.Messenger),
		messageAction(messageSpec{
			Type: Email, Industry: ind, Channel: ChannelEmail, Fixed: true,
			Description: "Email the lead.",
		}, c.Messenger),
		recordAction(recordSpec{
			Type: Task, Industry: ind, Kind: RecordTask, DefaultTitle: "Follow up",
			Description: "Create a task for the agent on the deal.",
		}, c.Records),
		bookingAction(bookingSpec{
			Type: CalendarEvent, Industry: ind,
			Description: "Book a showing or listing appointment.",
		}, c.Calendar),
		recordAction(recordSpec{
			Type: CMAGeneration, Industry: ind, Kind: RecordCMA,
			DefaultTitle: "Comparative market analysis", Extra: []string{"address"},
			Description: "Request a comparative market analysis for a property.",
		}, c.Records),
		recordAction(recordSpec{
			Type: Document, Industry: ind, Kind: RecordDocument, Extra: []string{"title"},
			Description: "Generate a document (offer, disclosure) for the deal.",
		}, c.Records),
	}
}
