package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseStreamEventStart(t *testing.T) {
	raw := []byte(`{"event":"start","start":{"streamSid":"MZ123","accountSid":"AC1"}}`)
	got, err := ParseStreamEvent(raw)
	if err != nil {
		t.Fatalf("ParseStreamEvent() error = %v", err)
	}
	start, ok := got.(StreamStart)
	if !ok {
		t.Fatalf("got %T, want StreamStart", got)
	}
	if start.StreamSID != "MZ123" {
		t.Fatalf("StreamSID = %q, want %q", start.StreamSID, "MZ123")
	}
}

func TestParseStreamEventStartWithoutSID(t *testing.T) {
	if _, err := ParseStreamEvent([]byte(`{"event":"start","start":{}}`)); err == nil {
		t.Fatalf("ParseStreamEvent() error = nil, want error for missing streamSid")
	}
}

func TestParseStreamEventMediaStringTimestamp(t *testing.T) {
	raw := []byte(`{"event":"media","media":{"timestamp":"1250","payload":"c29tZQ=="}}`)
	got, err := ParseStreamEvent(raw)
	if err != nil {
		t.Fatalf("ParseStreamEvent() error = %v", err)
	}
	media, ok := got.(StreamMedia)
	if !ok {
		t.Fatalf("got %T, want StreamMedia", got)
	}
	if media.Timestamp != 1250 {
		t.Fatalf("Timestamp = %d, want 1250", media.Timestamp)
	}
	if media.Payload != "c29tZQ==" {
		t.Fatalf("Payload = %q", media.Payload)
	}
}

func TestParseStreamEventMediaNumericTimestamp(t *testing.T) {
	got, err := ParseStreamEvent([]byte(`{"event":"media","media":{"timestamp":250,"payload":"x"}}`))
	if err != nil {
		t.Fatalf("ParseStreamEvent() error = %v", err)
	}
	if got.(StreamMedia).Timestamp != 250 {
		t.Fatalf("Timestamp = %d, want 250", got.(StreamMedia).Timestamp)
	}
}

func TestParseStreamEventDTMF(t *testing.T) {
	got, err := ParseStreamEvent([]byte(`{"event":"dtmf","dtmf":{"digit":"5"}}`))
	if err != nil {
		t.Fatalf("ParseStreamEvent() error = %v", err)
	}
	if got.(StreamDTMF).Digit != "5" {
		t.Fatalf("Digit = %q, want 5", got.(StreamDTMF).Digit)
	}
}

func TestParseStreamEventMarkAndClose(t *testing.T) {
	got, err := ParseStreamEvent([]byte(`{"event":"mark"}`))
	if err != nil {
		t.Fatalf("mark error = %v", err)
	}
	if _, ok := got.(StreamMark); !ok {
		t.Fatalf("got %T, want StreamMark", got)
	}

	got, err = ParseStreamEvent([]byte(`{"event":"close"}`))
	if err != nil {
		t.Fatalf("close error = %v", err)
	}
	if _, ok := got.(StreamClose); !ok {
		t.Fatalf("got %T, want StreamClose", got)
	}
}

func TestParseStreamEventUnsupported(t *testing.T) {
	_, err := ParseStreamEvent([]byte(`{"event":"connected"}`))
	if !errors.Is(err, ErrUnsupportedStreamEvent) {
		t.Fatalf("error = %v, want ErrUnsupportedStreamEvent", err)
	}
}

func TestParseStreamEventBadJSON(t *testing.T) {
	if _, err := ParseStreamEvent([]byte(`{"event":`)); err == nil {
		t.Fatalf("error = nil, want parse error")
	}
}

func TestOutboundFramesWireShape(t *testing.T) {
	body, err := json.Marshal(NewMediaOut("MZ1", "abc"))
	if err != nil {
		t.Fatalf("Marshal(MediaOut) error = %v", err)
	}
	want := `{"event":"media","streamSid":"MZ1","media":{"payload":"abc"}}`
	if string(body) != want {
		t.Fatalf("MediaOut = %s, want %s", body, want)
	}

	body, _ = json.Marshal(NewClearOut("MZ1"))
	want = `{"event":"clear","streamSid":"MZ1"}`
	if string(body) != want {
		t.Fatalf("ClearOut = %s, want %s", body, want)
	}

	body, _ = json.Marshal(NewMarkOut("MZ1"))
	want = `{"event":"mark","streamSid":"MZ1"}`
	if string(body) != want {
		t.Fatalf("MarkOut = %s, want %s", body, want)
	}
}
