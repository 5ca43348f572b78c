package protocol

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestParseModelEventKeepsRaw(t *testing.T) {
	raw := []byte(`{"type":"response.audio.delta","delta":"b64audio","item_id":"item_1"}`)
	ev, err := ParseModelEvent(raw)
	if err != nil {
		t.Fatalf("ParseModelEvent() error = %v", err)
	}
	if ev.Type != ModelAudioDelta {
		t.Fatalf("Type = %q, want %q", ev.Type, ModelAudioDelta)
	}
	if ev.Delta != "b64audio" || ev.ItemID != "item_1" {
		t.Fatalf("Delta = %q ItemID = %q", ev.Delta, ev.ItemID)
	}
	if !bytes.Equal(ev.Raw, raw) {
		t.Fatalf("Raw does not preserve the original frame")
	}
}

func TestParseModelEventMissingType(t *testing.T) {
	if _, err := ParseModelEvent([]byte(`{"delta":"x"}`)); err == nil {
		t.Fatalf("error = nil, want error for missing type")
	}
}

func TestIsFunctionCall(t *testing.T) {
	raw := []byte(`{"type":"response.output_item.done","item":{"type":"function_call","name":"end_call","call_id":"call_9","arguments":"{}"}}`)
	ev, err := ParseModelEvent(raw)
	if err != nil {
		t.Fatalf("ParseModelEvent() error = %v", err)
	}
	if !ev.IsFunctionCall() {
		t.Fatalf("IsFunctionCall() = false, want true")
	}
	if ev.Item.Name != "end_call" || ev.Item.CallID != "call_9" {
		t.Fatalf("Item = %+v", ev.Item)
	}

	ev, _ = ParseModelEvent([]byte(`{"type":"response.output_item.done","item":{"type":"message"}}`))
	if ev.IsFunctionCall() {
		t.Fatalf("IsFunctionCall() = true for message item")
	}
}

func TestNewItemTruncateWire(t *testing.T) {
	body, err := json.Marshal(NewItemTruncate("item_7", 150))
	if err != nil {
		t.Fatalf("Marshal error = %v", err)
	}
	want := `{"type":"conversation.item.truncate","item_id":"item_7","content_index":0,"audio_end_ms":150}`
	if string(body) != want {
		t.Fatalf("ItemTruncate = %s, want %s", body, want)
	}
}

func TestNewFunctionOutputItemWire(t *testing.T) {
	body, err := json.Marshal(NewFunctionOutputItem("call_9", `{"ok":true}`))
	if err != nil {
		t.Fatalf("Marshal error = %v", err)
	}
	var decoded struct {
		Type string `json:"type"`
		Item struct {
			Type   string `json:"type"`
			CallID string `json:"call_id"`
			Output string `json:"output"`
		} `json:"item"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if decoded.Type != "conversation.item.create" {
		t.Fatalf("type = %q", decoded.Type)
	}
	if decoded.Item.Type != "function_call_output" || decoded.Item.CallID != "call_9" {
		t.Fatalf("item = %+v", decoded.Item)
	}
	if decoded.Item.Output != `{"ok":true}` {
		t.Fatalf("output = %q", decoded.Item.Output)
	}
}

func TestNewSessionUpdateAndResponseCreate(t *testing.T) {
	up := NewSessionUpdate(map[string]any{"voice": "ash"})
	if up.Type != "session.update" || up.Session["voice"] != "ash" {
		t.Fatalf("SessionUpdate = %+v", up)
	}
	if NewResponseCreate().Type != "response.create" {
		t.Fatalf("ResponseCreate type mismatch")
	}
	if NewInputAudioAppend("xx").Type != "input_audio_buffer.append" {
		t.Fatalf("InputAudioAppend type mismatch")
	}
}
