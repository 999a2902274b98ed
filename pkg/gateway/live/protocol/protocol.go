// Package protocol defines the JSON messages exchanged over the live
// session channel. Inbound frames are decoded through a type envelope into
// concrete structs; outbound events all carry an event name and an RFC 3339
// timestamp.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const ProtocolVersion1 = "1"

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

// Wire error codes surfaced to the caller.
const (
	CodeInvalidJSON        = "invalid_json"
	CodeUnknownMessageType = "unknown_message_type"
)

func invalidJSON(message string) *DecodeError {
	return &DecodeError{Code: CodeInvalidJSON, Message: message}
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: CodeInvalidJSON, Message: message, Param: param}
}

func unknownType(message string) *DecodeError {
	return &DecodeError{Code: CodeUnknownMessageType, Message: message, Param: "type"}
}

// Inbound message types.
const (
	TypeTranscriptPartial = "transcript_partial"
	TypeTranscriptFinal   = "transcript_final"
	TypeUserInterrupt     = "user_interrupt"
	TypeEndSession        = "end_session"
	TypePing              = "ping"
)

type ClientTranscriptPartial struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

type ClientTranscriptFinal struct {
	Type        string  `json:"type"`
	Text        string  `json:"text"`
	Confidence  float64 `json:"confidence"`
	Interrupted bool    `json:"interrupted,omitempty"`
}

type ClientUserInterrupt struct {
	Type string `json:"type"`
}

type ClientEndSession struct {
	Type string `json:"type"`
}

type ClientPing struct {
	Type string `json:"type"`
}

// DecodeClientMessage parses one inbound frame into its concrete message
// struct. Unparseable frames and unknown types return a DecodeError whose
// Code maps directly onto the wire error taxonomy.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, invalidJSON("invalid json frame")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeTranscriptPartial:
		var msg ClientTranscriptPartial
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, invalidJSON("invalid transcript_partial frame")
		}
		if err := validateConfidence(msg.Confidence); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeTranscriptFinal:
		var msg ClientTranscriptFinal
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, invalidJSON("invalid transcript_final frame")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("transcript_final.text is required", "text")
		}
		if err := validateConfidence(msg.Confidence); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeUserInterrupt:
		var msg ClientUserInterrupt
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, invalidJSON("invalid user_interrupt frame")
		}
		return msg, nil
	case TypeEndSession:
		var msg ClientEndSession
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, invalidJSON("invalid end_session frame")
		}
		return msg, nil
	case TypePing:
		var msg ClientPing
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, invalidJSON("invalid ping frame")
		}
		return msg, nil
	default:
		return nil, unknownType("unknown message type: " + typ)
	}
}

func validateConfidence(v float64) error {
	if v < 0 || v > 1 {
		return badRequest("confidence must be within [0, 1]", "confidence")
	}
	return nil
}

// Outbound event names.
const (
	EventSessionStarted         = "session_started"
	EventTranscriptPartial      = "transcript_partial"
	EventTranscriptFinal        = "transcript_final"
	EventAgentResponse          = "agent_response"
	EventAgentResponseStarted   = "agent_response_started"
	EventAgentResponseCompleted = "agent_response_completed"
	EventPlaybackStopped        = "playback_stopped"
	EventSessionEnded           = "session_ended"
	EventError                  = "error"
	EventPong                   = "pong"
)

// Stamp formats an outbound event timestamp.
func Stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

type ServerSessionStarted struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	SessionID string `json:"session_id"`
	Version   string `json:"version"`
}

type ServerTranscriptPartial struct {
	Event      string  `json:"event"`
	Timestamp  string  `json:"timestamp"`
	SessionID  string  `json:"session_id"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

type ServerTranscriptFinal struct {
	Event       string  `json:"event"`
	Timestamp   string  `json:"timestamp"`
	SessionID   string  `json:"session_id"`
	UtteranceID string  `json:"utterance_id"`
	Text        string  `json:"text"`
	Confidence  float64 `json:"confidence"`
	Interrupted bool    `json:"interrupted,omitempty"`
}

type ServerAgentResponse struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	SessionID string `json:"session_id"`
	Agent     string `json:"agent"`
	Text      string `json:"text"`
}

type ServerAgentResponseStarted struct {
	Event      string `json:"event"`
	Timestamp  string `json:"timestamp"`
	SessionID  string `json:"session_id"`
	PlaybackID string `json:"playback_id"`
	Agent      string `json:"agent"`
	Text       string `json:"text"`
}

type ServerAgentResponseCompleted struct {
	Event      string `json:"event"`
	Timestamp  string `json:"timestamp"`
	SessionID  string `json:"session_id"`
	PlaybackID string `json:"playback_id"`
}

// Playback stop reasons.
const (
	StopReasonBargeIn    = "barge_in"
	StopReasonSessionEnd = "session_end"
)

type ServerPlaybackStopped struct {
	Event      string `json:"event"`
	Timestamp  string `json:"timestamp"`
	SessionID  string `json:"session_id"`
	PlaybackID string `json:"playback_id,omitempty"`
	Reason     string `json:"reason"`
}

type ServerSessionEnded struct {
	Event           string  `json:"event"`
	Timestamp       string  `json:"timestamp"`
	SessionID       string  `json:"session_id"`
	DurationSeconds float64 `json:"duration_seconds"`
}

type ServerError struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	SessionID string `json:"session_id,omitempty"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

type ServerPong struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
}
