package protocol

import (
	"encoding/json"
	"fmt"
)

// Model event types the bridge reacts to. Everything else is forwarded
// verbatim to the observer leg and otherwise ignored.
const (
	ModelSpeechStarted        = "input_audio_buffer.speech_started"
	ModelInputTranscriptDone  = "conversation.item.input_audio_transcription.completed"
	ModelAudioTranscriptDelta = "response.audio_transcript.delta"
	ModelAudioTranscriptDone  = "response.audio_transcript.done"
	ModelAudioDelta           = "response.audio.delta"
	ModelOutputItemDone       = "response.output_item.done"
)

// ModelEvent is one decoded frame from the realtime model leg. Raw keeps the
// original bytes so observer forwarding never re-marshals.
type ModelEvent struct {
	Type       string
	Transcript string
	Delta      string
	ItemID     string
	Item       *ModelItem
	Raw        []byte
}

// ModelItem is a conversation item attached to an output_item.done event.
type ModelItem struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	CallID    string `json:"call_id"`
	Arguments string `json:"arguments"`
}

type modelEnvelope struct {
	Type       string     `json:"type"`
	Transcript string     `json:"transcript"`
	Delta      string     `json:"delta"`
	ItemID     string     `json:"item_id"`
	Item       *ModelItem `json:"item"`
}

// ParseModelEvent decodes a realtime model frame.
func ParseModelEvent(raw []byte) (ModelEvent, error) {
	var env modelEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ModelEvent{}, fmt.Errorf("invalid model event: %w", err)
	}
	if env.Type == "" {
		return ModelEvent{}, fmt.Errorf("model event missing type")
	}
	return ModelEvent{
		Type:       env.Type,
		Transcript: env.Transcript,
		Delta:      env.Delta,
		ItemID:     env.ItemID,
		Item:       env.Item,
		Raw:        raw,
	}, nil
}

// IsFunctionCall reports whether the event carries a completed function-call item.
func (e ModelEvent) IsFunctionCall() bool {
	return e.Type == ModelOutputItemDone && e.Item != nil && e.Item.Type == "function_call"
}

// SessionUpdate configures (or re-configures) the model session.
type SessionUpdate struct {
	Type    string         `json:"type"`
	Session map[string]any `json:"session"`
}

func NewSessionUpdate(session map[string]any) SessionUpdate {
	return SessionUpdate{Type: "session.update", Session: session}
}

// InputAudioAppend streams caller audio into the model's input buffer.
type InputAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

func NewInputAudioAppend(audio string) InputAudioAppend {
	return InputAudioAppend{Type: "input_audio_buffer.append", Audio: audio}
}

// ItemTruncate tells the model how much of an assistant utterance the caller
// actually heard before barging in.
type ItemTruncate struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMS   int64  `json:"audio_end_ms"`
}

func NewItemTruncate(itemID string, audioEndMS int64) ItemTruncate {
	return ItemTruncate{
		Type:       "conversation.item.truncate",
		ItemID:     itemID,
		AudioEndMS: audioEndMS,
	}
}

// FunctionOutputItem returns a function-call result into the conversation.
type FunctionOutputItem struct {
	Type string             `json:"type"`
	Item FunctionOutputBody `json:"item"`
}

type FunctionOutputBody struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

func NewFunctionOutputItem(callID, output string) FunctionOutputItem {
	return FunctionOutputItem{
		Type: "conversation.item.create",
		Item: FunctionOutputBody{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}
}

// ResponseCreate asks the model to continue the conversation.
type ResponseCreate struct {
	Type string `json:"type"`
}

func NewResponseCreate() ResponseCreate {
	return ResponseCreate{Type: "response.create"}
}
