package twilio

import "net/http"

// StatusWebhook captures the subset of status-callback fields we care about.
// Twilio sends application/x-www-form-urlencoded.
type StatusWebhook struct {
	CallSID    string
	CallStatus string
	AnsweredBy string
}

// ParseStatusWebhook decodes a status-callback request. Business logic
// (state mapping) is not made here; this is provider-adapter-only.
func ParseStatusWebhook(r *http.Request) (StatusWebhook, error) {
	if err := r.ParseForm(); err != nil {
		return StatusWebhook{}, err
	}
	return StatusWebhook{
		CallSID:    r.PostFormValue("CallSid"),
		CallStatus: r.PostFormValue("CallStatus"),
		AnsweredBy: r.PostFormValue("AnsweredBy"),
	}, nil
}
