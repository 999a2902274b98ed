package types

import (
	"time"

	"github.com/google/uuid"
)

// MessageType classifies an AgentMessage.
type MessageType string

const (
	MessagePlan        MessageType = "plan"
	MessageAction      MessageType = "action"
	MessageObservation MessageType = "observation"
	MessageResponse    MessageType = "response"
	MessageError       MessageType = "error"
)

// AgentMessage is a single message produced by an agent invocation. It is
// immutable once constructed; consumers read, never mutate.
type AgentMessage struct {
	ID        string      `json:"id"`
	Agent     string      `json:"agent"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   Payload     `json:"payload,omitempty"`
}

// Payload is the tagged union of per-type message bodies. At most one of the
// typed fields is set, matching the message Type; Extra carries
// forward-compatible opaque fields.
type Payload struct {
	Response    *ResponsePayload    `json:"response,omitempty"`
	Error       *ErrorPayload       `json:"error,omitempty"`
	Plan        *PlanPayload        `json:"plan,omitempty"`
	Action      *ActionPayload      `json:"action,omitempty"`
	Observation *ObservationPayload `json:"observation,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// ResponsePayload carries a spoken response for the caller.
type ResponsePayload struct {
	Text                string   `json:"text"`
	OriginalUtterance   string   `json:"original_utterance,omitempty"`
	InterruptionHandled bool     `json:"interruption_handled,omitempty"`
	ToolsUsed           []string `json:"tools_used,omitempty"`
}

// ErrorPayload describes a failed agent invocation.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// PlanPayload lists intended steps before acting.
type PlanPayload struct {
	Steps []string `json:"steps"`
}

// ActionPayload records a tool or external action the agent is taking.
type ActionPayload struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ObservationPayload records what the agent learned from an action.
type ObservationPayload struct {
	Text string `json:"text"`
}

// NewResponseMessage builds a response-type message from the named agent.
func NewResponseMessage(agent string, now time.Time, body ResponsePayload) *AgentMessage {
	return &AgentMessage{
		ID:        uuid.NewString(),
		Agent:     agent,
		Type:      MessageResponse,
		Timestamp: now,
		Payload:   Payload{Response: &body},
	}
}

// NewErrorMessage builds an error-type message from the named agent.
func NewErrorMessage(agent string, now time.Time, body ErrorPayload) *AgentMessage {
	return &AgentMessage{
		ID:        uuid.NewString(),
		Agent:     agent,
		Type:      MessageError,
		Timestamp: now,
		Payload:   Payload{Error: &body},
	}
}

// IsError reports whether this message carries an error.
func (m *AgentMessage) IsError() bool { return m.Type == MessageError }

// IsResponse reports whether this message carries a caller-facing response.
func (m *AgentMessage) IsResponse() bool { return m.Type == MessageResponse }

// ResponseText returns the spoken text for response messages, or "".
func (m *AgentMessage) ResponseText() string {
	if m.Payload.Response == nil {
		return ""
	}
	return m.Payload.Response.Text
}
