package actions

import "github.com/rendis/autoflow/pkg/schema"

// Medical actions.
const (
	AppointmentBooking      ActionType = "appointment_booking"
	AppointmentReminder     ActionType = "appointment_reminder"
	PatientResearch         ActionType = "patient_research"
	InsuranceVerification   ActionType = "insurance_verification"
	PrescriptionReminder    ActionType = "prescription_reminder"
	TestResultsNotification ActionType = "test_results_notification"
	ReferralCoordination    ActionType = "referral_coordination"
	PatientOnboarding       ActionType = "patient_onboarding"
	PostVisitFollowup       ActionType = "post_visit_followup"
)

func medicalActions(c Collaborators) []Definition {
	const ind = schema.IndustryMedical
	return []Definition{
		bookingAction(bookingSpec{
			Type: AppointmentBooking, Industry: ind,
			Description: "Book a patient appointment in the practice calendar.",
		}, c.Calendar),
		messageAction(messageSpec{
			Type: AppointmentReminder, Industry: ind, Channel: ChannelSMS,
			Description: "Remind the patient of an upcoming appointment.",
		}, c.Messenger),
		recordAction(recordSpec{
			Type: PatientResearch, Industry: ind, Kind: RecordResearch,
			DefaultTitle: "Patient research",
			Description:  "Open a research note on the patient's history ahead of the visit.",
		}, c.Records),
		recordAction(recordSpec{
			Type: InsuranceVerification, Industry: ind, Kind: RecordInsuranceCheck,
			DefaultTitle: "Insurance verification", Extra: []string{"payer", "member_id"},
			Description: "Submit an insurance eligibility check for the patient.",
		}, c.Records),
		messageAction(messageSpec{
			Type: PrescriptionReminder, Industry: ind, Channel: ChannelSMS, Extra: []string{"medication"},
			Description: "Remind the patient to refill or take a prescription.",
		}, c.Messenger),
		messageAction(messageSpec{
			Type: TestResultsNotification, Industry: ind, Channel: ChannelEmail,
			Metadata:    map[string]string{"sensitivity": "phi"},
			Description: "Tell the patient that test results are available in the portal.",
		}, c.Messenger),
		recordAction(recordSpec{
			Type: ReferralCoordination, Industry: ind, Kind: RecordReferral,
			DefaultTitle: "Referral", Extra: []string{"specialist"},
			Description: "Create a referral to a specialist and track it.",
		}, c.Records),
		recordAction(recordSpec{
			Type: PatientOnboarding, Industry: ind, Kind: RecordOnboarding,
			DefaultTitle: "New patient onboarding",
			Description:  "Create the onboarding checklist for a new patient.",
		}, c.Records),
		messageAction(messageSpec{
			Type: PostVisitFollowup, Industry: ind, Channel: ChannelSMS,
			Description: "Follow up with the patient after a visit.",
		}, c.Messenger),
	}
}
