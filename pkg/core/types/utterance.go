package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Utterance is one recognized segment of caller speech. Partial utterances
// may be superseded; a finalized utterance is immutable once routed.
type Utterance struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Text        string    `json:"text"`
	Confidence  float64   `json:"confidence"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Interrupted bool      `json:"interrupted"`
}

// NewUtterance builds a finalized utterance for the given session.
func NewUtterance(sessionID, text string, confidence float64, now time.Time) *Utterance {
	return &Utterance{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Text:       text,
		Confidence: confidence,
		StartTime:  now,
		EndTime:    now,
	}
}

// Duration is the span between start and end of the speech segment.
func (u *Utterance) Duration() time.Duration {
	return u.EndTime.Sub(u.StartTime)
}

// IsHighConfidence reports whether the transcription confidence meets the
// threshold.
func (u *Utterance) IsHighConfidence(threshold float64) bool {
	return u.Confidence >= threshold
}

// WordCount returns the number of whitespace-separated words.
func (u *Utterance) WordCount() int {
	return len(strings.Fields(u.Text))
}

// MarkInterrupted flags the utterance as cut off by barge-in.
func (u *Utterance) MarkInterrupted() {
	u.Interrupted = true
}
