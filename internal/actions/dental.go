package actions

import "github.com/rendis/autoflow/pkg/schema"

// Dental actions.
const (
	CleaningReminder      ActionType = "cleaning_reminder"
	TreatmentPlanFollowup ActionType = "treatment_plan_followup"
	RecallScheduling      ActionType = "recall_scheduling"
)

func dentalActions(c Collaborators) []Definition {
	const ind = schema.IndustryDental
	return []Definition{
		messageAction(messageSpec{
			Type: CleaningReminder, Industry: ind, Channel: ChannelSMS,
			Description: "Remind the patient that a cleaning is due.",
		}, c.Messenger),
		messageAction(messageSpec{
			Type: TreatmentPlanFollowup, Industry: ind, Channel: ChannelEmail,
			Description: "Follow up on an accepted but unscheduled treatment plan.",
		}, c.Messenger),
		bookingAction(bookingSpec{
			Type: RecallScheduling, Industry: ind,
			Description: "Book the patient's recall visit.",
		}, c.Calendar),
	}
}
