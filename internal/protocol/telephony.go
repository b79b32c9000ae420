package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// TelephonyEventType identifies media-stream payload variants sent by the
// telephony platform.
type TelephonyEventType string

const (
	TelephonyConnected TelephonyEventType = "connected"
	TelephonyStart     TelephonyEventType = "start"
	TelephonyMedia     TelephonyEventType = "media"
	TelephonyStop      TelephonyEventType = "stop"
	TelephonyMark      TelephonyEventType = "mark"
	TelephonyDTMF      TelephonyEventType = "dtmf"
)

var ErrMissingField = errors.New("missing required field")

type telephonyEnvelope struct {
	Event TelephonyEventType `json:"event"`
}

// MediaFormat describes the audio carried by a stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// StartEvent opens a stream and carries the stream identifier every outbound
// media frame must echo.
type StartEvent struct {
	StreamSID string `json:"streamSid"`
	// StreamID is the legacy spelling, used when streamSid is absent.
	StreamID         string            `json:"streamId,omitempty"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaEvent is one inbound audio frame. Payload is base64 µ-law.
type MediaEvent struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

// StopEvent marks the end of the stream on the platform side.
type StopEvent struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// OtherEvent is any telephony event that is logged but never forwarded.
type OtherEvent struct {
	Event TelephonyEventType
}

type telephonyInbound struct {
	Event     TelephonyEventType `json:"event"`
	StreamSID string             `json:"streamSid"`
	Start     *StartEvent        `json:"start"`
	Media     *MediaEvent        `json:"media"`
	Stop      *StopEvent         `json:"stop"`
}

// ParseTelephonyMessage decodes one inbound telephony frame into StartEvent,
// MediaEvent, StopEvent or OtherEvent.
func ParseTelephonyMessage(raw []byte) (any, error) {
	var env telephonyEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Event {
	case TelephonyStart:
		var msg telephonyInbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Start == nil {
			return nil, fmt.Errorf("start: %w", ErrMissingField)
		}
		start := *msg.Start
		if start.StreamSID == "" {
			start.StreamSID = start.StreamID
		}
		if start.StreamSID == "" {
			return nil, fmt.Errorf("start: streamSid: %w", ErrMissingField)
		}
		return start, nil
	case TelephonyMedia:
		var msg telephonyInbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Media == nil || msg.Media.Payload == "" {
			return nil, fmt.Errorf("media: payload: %w", ErrMissingField)
		}
		return *msg.Media, nil
	case TelephonyStop:
		var msg telephonyInbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Stop == nil {
			return StopEvent{}, nil
		}
		return *msg.Stop, nil
	case "":
		return nil, fmt.Errorf("event: %w", ErrMissingField)
	default:
		return OtherEvent{Event: env.Event}, nil
	}
}

// OutboundMedia is an audio frame played back to the caller.
type OutboundMedia struct {
	Event     TelephonyEventType `json:"event"`
	StreamSID string             `json:"streamSid"`
	Media     OutboundPayload    `json:"media"`
}

type OutboundPayload struct {
	Payload string `json:"payload"`
}

// NewOutboundMedia wraps a base64 payload for the given stream. The payload is
// copied as-is.
func NewOutboundMedia(streamSID, payload string) OutboundMedia {
	return OutboundMedia{
		Event:     TelephonyMedia,
		StreamSID: streamSID,
		Media:     OutboundPayload{Payload: payload},
	}
}
