package twilio

import (
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestParseStatusWebhook(t *testing.T) {
	form := url.Values{}
	form.Set("CallSid", "CA42")
	form.Set("CallStatus", "in-progress")
	form.Set("AnsweredBy", "machine_end_beep")

	r := httptest.NewRequest("POST", "/status", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	hook, err := ParseStatusWebhook(r)
	if err != nil {
		t.Fatalf("ParseStatusWebhook() error = %v", err)
	}
	if hook.CallSID != "CA42" {
		t.Fatalf("CallSID = %q, want CA42", hook.CallSID)
	}
	if hook.CallStatus != "in-progress" {
		t.Fatalf("CallStatus = %q", hook.CallStatus)
	}
	if hook.AnsweredBy != "machine_end_beep" {
		t.Fatalf("AnsweredBy = %q", hook.AnsweredBy)
	}
}

func TestParseStatusWebhookEmptyBody(t *testing.T) {
	r := httptest.NewRequest("POST", "/status", strings.NewReader(""))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	hook, err := ParseStatusWebhook(r)
	if err != nil {
		t.Fatalf("ParseStatusWebhook() error = %v", err)
	}
	if hook.CallSID != "" || hook.CallStatus != "" {
		t.Fatalf("hook = %+v, want zero fields", hook)
	}
}
