package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// StreamEventType identifies telephony media-stream payload variants.
type StreamEventType string

const (
	StreamEventStart StreamEventType = "start"
	StreamEventMedia StreamEventType = "media"
	StreamEventDTMF  StreamEventType = "dtmf"
	StreamEventMark  StreamEventType = "mark"
	StreamEventClose StreamEventType = "close"
)

var ErrUnsupportedStreamEvent = errors.New("unsupported stream event")

type streamEnvelope struct {
	Event StreamEventType `json:"event"`
	Start *struct {
		StreamSID string `json:"streamSid"`
	} `json:"start,omitempty"`
	Media *struct {
		// Twilio sends the playback timestamp as a decimal string.
		Timestamp json.Number `json:"timestamp"`
		Payload   string      `json:"payload"`
	} `json:"media,omitempty"`
	DTMF *struct {
		Digit string `json:"digit"`
	} `json:"dtmf,omitempty"`
}

// StreamStart announces a new media stream on the telephony leg.
type StreamStart struct {
	StreamSID string
}

// StreamMedia carries one inbound audio frame and its playback timestamp in ms.
type StreamMedia struct {
	Timestamp int64
	Payload   string
}

// StreamDTMF reports a keypad press during the call.
type StreamDTMF struct {
	Digit string
}

type StreamMark struct{}

// StreamClose signals that the provider has ended the media stream.
type StreamClose struct{}

// ParseStreamEvent decodes an inbound telephony frame into a typed variant.
func ParseStreamEvent(raw []byte) (any, error) {
	var env streamEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid stream envelope: %w", err)
	}

	switch env.Event {
	case StreamEventStart:
		if env.Start == nil || env.Start.StreamSID == "" {
			return nil, errors.New("invalid start event")
		}
		return StreamStart{StreamSID: env.Start.StreamSID}, nil
	case StreamEventMedia:
		if env.Media == nil {
			return nil, errors.New("invalid media event")
		}
		ts, err := env.Media.Timestamp.Int64()
		if err != nil {
			return nil, fmt.Errorf("invalid media timestamp %q: %w", env.Media.Timestamp, err)
		}
		return StreamMedia{Timestamp: ts, Payload: env.Media.Payload}, nil
	case StreamEventDTMF:
		var digit string
		if env.DTMF != nil {
			digit = env.DTMF.Digit
		}
		return StreamDTMF{Digit: digit}, nil
	case StreamEventMark:
		return StreamMark{}, nil
	case StreamEventClose:
		return StreamClose{}, nil
	default:
		return nil, ErrUnsupportedStreamEvent
	}
}

// MediaOut is an outbound audio frame for the telephony leg.
type MediaOut struct {
	Event     string          `json:"event"`
	StreamSID string          `json:"streamSid"`
	Media     MediaOutPayload `json:"media"`
}

type MediaOutPayload struct {
	Payload string `json:"payload"`
}

// MarkOut asks the telephony leg to echo a playback checkpoint.
type MarkOut struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// ClearOut flushes any audio the telephony leg has buffered but not yet played.
type ClearOut struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

func NewMediaOut(streamSID, payload string) MediaOut {
	return MediaOut{Event: "media", StreamSID: streamSID, Media: MediaOutPayload{Payload: payload}}
}

func NewMarkOut(streamSID string) MarkOut {
	return MarkOut{Event: "mark", StreamSID: streamSID}
}

func NewClearOut(streamSID string) ClearOut {
	return ClearOut{Event: "clear", StreamSID: streamSID}
}
