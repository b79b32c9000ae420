package protocol

import (
	"encoding/json"
	"fmt"
)

// RealtimeEventType identifies speech-session events exchanged with the AI leg.
type RealtimeEventType string

const (
	RealtimeSessionUpdate     RealtimeEventType = "session.update"
	RealtimeInputAudioAppend  RealtimeEventType = "input_audio_buffer.append"
	RealtimeSessionCreated    RealtimeEventType = "session.created"
	RealtimeSessionUpdated    RealtimeEventType = "session.updated"
	RealtimeRateLimitsUpdated RealtimeEventType = "rate_limits.updated"
	RealtimeBufferCommitted   RealtimeEventType = "input_audio_buffer.committed"
	RealtimeSpeechStarted     RealtimeEventType = "input_audio_buffer.speech_started"
	RealtimeSpeechStopped     RealtimeEventType = "input_audio_buffer.speech_stopped"
	RealtimeResponseDone      RealtimeEventType = "response.done"
	RealtimeContentDone       RealtimeEventType = "response.content.done"
	RealtimeAudioDelta        RealtimeEventType = "response.audio.delta"
	RealtimeError             RealtimeEventType = "error"
)

// IsDiagnostic reports whether t belongs to the fixed set of events that are
// only logged.
func (t RealtimeEventType) IsDiagnostic() bool {
	switch t {
	case RealtimeSessionCreated,
		RealtimeRateLimitsUpdated,
		RealtimeBufferCommitted,
		RealtimeSpeechStarted,
		RealtimeSpeechStopped,
		RealtimeResponseDone,
		RealtimeContentDone:
		return true
	default:
		return false
	}
}

type realtimeEnvelope struct {
	Type RealtimeEventType `json:"type"`
}

// DiagnosticEvent is one of the logged-only events. Raw keeps the full payload.
type DiagnosticEvent struct {
	Type RealtimeEventType
	Raw  json.RawMessage
}

// ErrorDetail is the error object of an error event.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
	EventID string `json:"event_id"`
}

// ErrorEvent is an application-level error reported by the AI leg.
type ErrorEvent struct {
	EventID string          `json:"event_id"`
	Error   ErrorDetail     `json:"error"`
	Raw     json.RawMessage `json:"-"`
}

// SessionUpdated acknowledges that the session configuration was accepted.
type SessionUpdated struct {
	Raw json.RawMessage
}

// AudioDelta carries one chunk of base64 output audio.
type AudioDelta struct {
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
}

// UnknownEvent is any event outside the known vocabulary.
type UnknownEvent struct {
	Type RealtimeEventType
}

// ParseRealtimeEvent decodes one AI leg event into DiagnosticEvent, ErrorEvent,
// SessionUpdated, AudioDelta or UnknownEvent.
func ParseRealtimeEvent(raw []byte) (any, error) {
	var env realtimeEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch {
	case env.Type == RealtimeAudioDelta:
		var msg AudioDelta
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case env.Type == RealtimeError:
		var msg ErrorEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Raw = append(json.RawMessage(nil), raw...)
		return msg, nil
	case env.Type == RealtimeSessionUpdated:
		return SessionUpdated{Raw: append(json.RawMessage(nil), raw...)}, nil
	case env.Type.IsDiagnostic():
		return DiagnosticEvent{Type: env.Type, Raw: append(json.RawMessage(nil), raw...)}, nil
	default:
		return UnknownEvent{Type: env.Type}, nil
	}
}

// TurnDetection selects how the remote session detects end of speech.
type TurnDetection struct {
	Type string `json:"type"`
}

// SessionConfig is the fixed AI session configuration sent once per call.
type SessionConfig struct {
	TurnDetection     TurnDetection `json:"turn_detection"`
	InputAudioFormat  string        `json:"input_audio_format"`
	OutputAudioFormat string        `json:"output_audio_format"`
	Voice             string        `json:"voice"`
	Instructions      string        `json:"instructions"`
	Modalities        []string      `json:"modalities"`
	Temperature       float64       `json:"temperature"`
}

// NewSessionConfig returns the telephony profile: server-side VAD and G.711
// µ-law in both directions.
func NewSessionConfig(voice, instructions string, temperature float64) SessionConfig {
	return SessionConfig{
		TurnDetection:     TurnDetection{Type: "server_vad"},
		InputAudioFormat:  "g711_ulaw",
		OutputAudioFormat: "g711_ulaw",
		Voice:             voice,
		Instructions:      instructions,
		Modalities:        []string{"text", "audio"},
		Temperature:       temperature,
	}
}

type SessionUpdate struct {
	Type    RealtimeEventType `json:"type"`
	Session SessionConfig     `json:"session"`
}

func NewSessionUpdate(cfg SessionConfig) SessionUpdate {
	return SessionUpdate{Type: RealtimeSessionUpdate, Session: cfg}
}

type InputAudioAppend struct {
	Type  RealtimeEventType `json:"type"`
	Audio string            `json:"audio"`
}

func NewInputAudioAppend(audio string) InputAudioAppend {
	return InputAudioAppend{Type: RealtimeInputAudioAppend, Audio: audio}
}
