package actions

import "github.com/rendis/autoflow/pkg/schema"

// Hospitality actions.
const (
	ReservationConfirmation ActionType = "reservation_confirmation"
	ReservationReminder     ActionType = "reservation_reminder"
	FeedbackRequest         ActionType = "feedback_request"
	SpecialOccasion         ActionType = "special_occasion"
)

func hospitalityActions(c Collaborators) []Definition {
	const ind = schema.IndustryHospitality
	return []Definition{
		messageAction(messageSpec{
			Type: ReservationConfirmation, Industry: ind, Channel: ChannelSMS,
			Description: "Confirm a reservation with the guest.",
		}, c.Messenger),
		messageAction(messageSpec{
			Type: ReservationReminder, Industry: ind, Channel: ChannelSMS,
			Description: "Remind the guest of an upcoming reservation.",
		}, c.Messenger),
		messageAction(messageSpec{
			Type: FeedbackRequest, Industry: ind, Channel: ChannelEmail,
			Description: "Ask the guest for a review after the visit.",
		}, c.Messenger),
		messageAction(messageSpec{
			Type: SpecialOccasion, Industry: ind, Channel: ChannelEmail, Extra: []string{"occasion"},
			Description: "Greet the guest on a birthday or anniversary.",
		}, c.Messenger),
	}
}
