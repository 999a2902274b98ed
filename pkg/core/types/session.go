package types

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a voice session. The only
// transition is active -> ended; ended is terminal.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// SessionSchemaVersion is stamped on every new session record.
const SessionSchemaVersion = "1.0.0"

// ErrAlreadyEnded is returned by Session.EndSession when the session has
// already been ended. The store-level Store.End is tolerant of this; the
// entity-level transition is not.
var ErrAlreadyEnded = errors.New("session is already ended")

// Session is one voice interaction session between a caller and the agent
// system, from first connection through termination. Mutated only by the
// owning session store.
type Session struct {
	ID        string        `json:"id"`
	Status    SessionStatus `json:"status"`
	StartTime time.Time     `json:"start_time"`
	EndTime   *time.Time    `json:"end_time,omitempty"`
	Version   string        `json:"version"`
}

// NewSession returns an active session starting now. An empty id is replaced
// with a generated UUID.
func NewSession(id string, now time.Time) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{
		ID:        id,
		Status:    SessionActive,
		StartTime: now,
		Version:   SessionSchemaVersion,
	}
}

// EndSession transitions the session to ended and records the end time.
// Ending an already-ended session is a caller error at this level.
func (s *Session) EndSession(now time.Time) error {
	if s.Status == SessionEnded {
		return ErrAlreadyEnded
	}
	s.Status = SessionEnded
	s.EndTime = &now
	return nil
}

// IsActive reports whether the session has not been ended.
func (s *Session) IsActive() bool {
	return s.Status == SessionActive
}

// Duration returns the session length. The second return is false while the
// session is still active.
func (s *Session) Duration() (time.Duration, bool) {
	if s.EndTime == nil {
		return 0, false
	}
	return s.EndTime.Sub(s.StartTime), true
}
