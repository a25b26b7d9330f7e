package template

// builtins are the templates the platform's calling subsystems rely on.
// Tenant-specific templates are registered on top at startup.
var builtins = []Definition{
	{
		ID:           "appointment_reminder",
		Title:        "Appointment reminder",
		Message:      "You have an appointment with {{.provider}} on {{.date}} at {{.time}}.",
		Subtitle:     "{{.location}}",
		EmailSubject: "Reminder: appointment on {{.date}}",
	},
	{
		ID:           "lab_result_ready",
		Title:        "Lab results available",
		Message:      "Results for {{.test}} are ready to view in your patient portal.",
		EmailSubject: "Your {{.test}} results are ready",
	},
	{
		ID:           "critical_lab_alert",
		Title:        "Critical result: {{.test}}",
		Message:      "A critical value was reported for {{.patient}} ({{.test}}: {{.value}}). Immediate review required.",
		EmailSubject: "CRITICAL: {{.test}} result for {{.patient}}",
	},
	{
		ID:           "medication_refill",
		Title:        "Refill due",
		Message:      "Your prescription for {{.medication}} is due for refill by {{.date}}.",
		EmailSubject: "Refill reminder: {{.medication}}",
	},
	{
		ID:           "new_message",
		Title:        "New message from {{.sender}}",
		Message:      "{{.preview}}",
		EmailSubject: "New message from {{.sender}}",
	},
}
