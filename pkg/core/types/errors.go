package types

import (
	"time"

	"github.com/google/uuid"
)

// ErrorType is the fixed taxonomy of error categories emitted across the
// gateway. Protocol-level categories (invalid_json, unknown_message_type)
// are handled locally; subsystem categories are recorded and surfaced as a
// generic caller-facing error.
type ErrorType string

const (
	ErrTranscription      ErrorType = "transcription_error"
	ErrTTS                ErrorType = "tts_error"
	ErrGeneration         ErrorType = "llm_api_error"
	ErrWebSocket          ErrorType = "websocket_error"
	ErrSession            ErrorType = "session_error"
	ErrInvalidJSON        ErrorType = "invalid_json"
	ErrUnknownMessageType ErrorType = "unknown_message_type"
	ErrInternal           ErrorType = "internal_error"
)

// ErrorEvent is one recorded error occurrence. Append-only; never mutated
// after creation.
type ErrorEvent struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      ErrorType      `json:"error_type"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

// NewErrorEvent builds an event with a fresh identity.
func NewErrorEvent(t ErrorType, message string, details map[string]any, sessionID string, now time.Time) ErrorEvent {
	return ErrorEvent{
		ID:        uuid.NewString(),
		Timestamp: now,
		Type:      t,
		Message:   message,
		Details:   details,
		SessionID: sessionID,
	}
}
