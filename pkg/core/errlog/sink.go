// Package errlog keeps a bounded in-memory record of subsystem errors and
// mirrors each one to structured logging. Recording never fails and never
// blocks the caller beyond a short mutex hold; when the ring fills, the
// oldest events are dropped.
package errlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/careline/voicegate/pkg/core/redact"
	"github.com/careline/voicegate/pkg/core/types"
)

// DefaultCapacity bounds the in-memory event ring.
const DefaultCapacity = 1000

// Sink records error events. Safe for concurrent use.
type Sink struct {
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	events []types.ErrorEvent
	cap    int
}

// NewSink builds a sink with the default capacity. A nil logger falls back
// to slog.Default.
func NewSink(logger *slog.Logger) *Sink {
	return NewSinkCap(logger, DefaultCapacity)
}

// NewSinkCap builds a sink holding at most capacity events.
func NewSinkCap(logger *slog.Logger, capacity int) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Sink{
		logger: logger,
		now:    time.Now,
		events: make([]types.ErrorEvent, 0, capacity),
		cap:    capacity,
	}
}

// Emit records one error event and logs it at a level derived from its
// type. The returned event includes the assigned ID and timestamp.
func (s *Sink) Emit(t types.ErrorType, message string, details map[string]any, sessionID string) types.ErrorEvent {
	event := types.NewErrorEvent(t, redact.All(message), details, sessionID, s.now())

	s.mu.Lock()
	s.events = append(s.events, event)
	if len(s.events) > s.cap {
		overflow := len(s.events) - s.cap
		s.events = append(s.events[:0], s.events[overflow:]...)
	}
	s.mu.Unlock()

	attrs := []any{
		slog.String("error_type", string(t)),
		slog.String("event_id", event.ID),
	}
	if sessionID != "" {
		attrs = append(attrs, slog.String("session_id", sessionID))
	}
	s.logger.Log(context.Background(), levelFor(t), event.Message, attrs...)
	return event
}

// Transcription records a speech-to-text failure.
func (s *Sink) Transcription(message, sessionID string, confidence float64) types.ErrorEvent {
	return s.Emit(types.ErrTranscription, message, map[string]any{
		"source":     "transcription",
		"confidence": confidence,
	}, sessionID)
}

// TTS records a synthesis failure.
func (s *Sink) TTS(message, sessionID string, textLength int) types.ErrorEvent {
	return s.Emit(types.ErrTTS, message, map[string]any{
		"source":      "tts",
		"text_length": textLength,
	}, sessionID)
}

// Generation records an agent response failure.
func (s *Sink) Generation(message, sessionID, agent string) types.ErrorEvent {
	details := map[string]any{"source": "generation"}
	if agent != "" {
		details["agent"] = agent
	}
	return s.Emit(types.ErrGeneration, message, details, sessionID)
}

// WebSocket records a session channel failure.
func (s *Sink) WebSocket(message, sessionID string) types.ErrorEvent {
	return s.Emit(types.ErrWebSocket, message, map[string]any{
		"source": "websocket",
	}, sessionID)
}

// Session records a session lifecycle failure.
func (s *Sink) Session(message, sessionID, operation string) types.ErrorEvent {
	details := map[string]any{"source": "session"}
	if operation != "" {
		details["operation"] = operation
	}
	return s.Emit(types.ErrSession, message, details, sessionID)
}

// Recent returns up to limit events, newest first, optionally filtered by
// type ("" matches all).
func (s *Sink) Recent(limit int, filter types.ErrorType) []types.ErrorEvent {
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	matched := make([]types.ErrorEvent, 0, limit)
	for i := len(s.events) - 1; i >= 0 && len(matched) < limit; i-- {
		if filter != "" && s.events[i].Type != filter {
			continue
		}
		matched = append(matched, s.events[i])
	}
	s.mu.Unlock()
	return matched
}

// Stats summarizes the recorded events.
type Stats struct {
	Total      int                     `json:"total_errors"`
	ByType     map[types.ErrorType]int `json:"error_types"`
	LastHour   int                     `json:"recent_error_rate"`
	MostRecent *types.ErrorEvent       `json:"last_error,omitempty"`
}

// Snapshot computes stats over the current ring contents.
func (s *Sink) Snapshot() Stats {
	cutoff := s.now().Add(-time.Hour)

	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{ByType: make(map[types.ErrorType]int)}
	st.Total = len(s.events)
	for _, e := range s.events {
		st.ByType[e.Type]++
		if e.Timestamp.After(cutoff) {
			st.LastHour++
		}
	}
	if n := len(s.events); n > 0 {
		last := s.events[n-1]
		st.MostRecent = &last
	}
	return st
}

// Clear drops all recorded events.
func (s *Sink) Clear() {
	s.mu.Lock()
	s.events = s.events[:0]
	s.mu.Unlock()
	s.logger.Info("cleared error events")
}

func levelFor(t types.ErrorType) slog.Level {
	switch t {
	case types.ErrTranscription, types.ErrTTS:
		return slog.LevelWarn
	case types.ErrInternal:
		return slog.LevelError + 4
	default:
		return slog.LevelError
	}
}
