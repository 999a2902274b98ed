// Package stt assembles streaming transcript fragments into finalized
// utterances. The gateway receives transcripts from the caller's device
// already decoded; this package tracks partials per session, applies the
// confidence threshold, and produces the utterance the agent layer
// consumes.
package stt

import (
	"log/slog"
	"sync"
	"time"

	"github.com/careline/voicegate/pkg/core/types"
)

// DefaultConfidenceThreshold marks the boundary between high and low
// confidence transcripts.
const DefaultConfidenceThreshold = 0.75

// Assembler tracks in-progress utterances per session. Safe for concurrent
// use across sessions; within a session the event loop serializes calls.
type Assembler struct {
	logger    *slog.Logger
	threshold float64
	now       func() time.Time

	mu      sync.Mutex
	pending map[string]*types.Utterance // session ID -> open utterance
}

// Option adjusts an Assembler.
type Option func(*Assembler)

// WithThreshold overrides the confidence threshold.
func WithThreshold(v float64) Option {
	return func(a *Assembler) {
		if v > 0 && v <= 1 {
			a.threshold = v
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAssembler builds an assembler with the default threshold. A nil
// logger falls back to slog.Default.
func NewAssembler(logger *slog.Logger, opts ...Option) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Assembler{
		logger:    logger,
		threshold: DefaultConfidenceThreshold,
		now:       time.Now,
		pending:   make(map[string]*types.Utterance),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Partial records a partial transcript for the session. The first partial
// opens an utterance; later partials update its text, confidence, and end
// time. The returned utterance reflects the current accumulated state.
func (a *Assembler) Partial(sessionID, text string, confidence float64) *types.Utterance {
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	utt, ok := a.pending[sessionID]
	if !ok {
		utt = types.NewUtterance(sessionID, text, confidence, now)
		a.pending[sessionID] = utt
		return utt
	}
	utt.Text = text
	utt.Confidence = confidence
	utt.EndTime = now
	return utt
}

// Finalize closes the session's open utterance with the final transcript.
// When no partial preceded the final, a fresh utterance is created. The
// session's pending slot is cleared either way.
func (a *Assembler) Finalize(sessionID, text string, confidence float64, interrupted bool) *types.Utterance {
	now := a.now()

	a.mu.Lock()
	utt, ok := a.pending[sessionID]
	if ok {
		delete(a.pending, sessionID)
	}
	a.mu.Unlock()

	if !ok {
		utt = types.NewUtterance(sessionID, text, confidence, now)
	}
	if text != "" {
		utt.Text = text
	}
	utt.Confidence = confidence
	utt.EndTime = now
	if interrupted {
		utt.MarkInterrupted()
	}

	if !utt.IsHighConfidence(a.threshold) {
		a.logger.Debug("low confidence utterance",
			slog.String("session_id", sessionID),
			slog.Float64("confidence", confidence),
		)
	}
	return utt
}

// Abandon drops any open utterance for the session, returning it if one
// existed. Used when the session ends mid-utterance.
func (a *Assembler) Abandon(sessionID string) *types.Utterance {
	a.mu.Lock()
	defer a.mu.Unlock()
	utt, ok := a.pending[sessionID]
	if !ok {
		return nil
	}
	delete(a.pending, sessionID)
	return utt
}

// HighConfidence reports whether the utterance clears the configured
// threshold.
func (a *Assembler) HighConfidence(utt *types.Utterance) bool {
	return utt.IsHighConfidence(a.threshold)
}

// Pending reports how many sessions currently have an open utterance.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
