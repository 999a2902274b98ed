// Package tts defines the speech-synthesis boundary the session loop
// speaks through, plus an in-memory engine used by default and in tests.
// Real engines sit behind the Synthesizer interface; the loop only ever
// starts playbacks and stops them by ID.
package tts

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Playback identifies one in-flight synthesis/playback.
type Playback struct {
	ID        string
	SessionID string
	Agent     string
	Text      string
	StartedAt time.Time
}

// Synthesizer converts response text into caller-audible speech. Synthesize
// blocks until playback completes, the context is canceled, or Stop is
// called; it must be safe to call Stop from another goroutine.
type Synthesizer interface {
	// Synthesize starts speaking text and returns once playback is done.
	// The returned playback carries the ID the engine assigned; started is
	// invoked with the playback as soon as audio begins, before any
	// blocking.
	Synthesize(ctx context.Context, sessionID, agent, text string, started func(Playback)) (Playback, error)

	// Stop cancels the identified playback. It reports whether a playback
	// was actually interrupted; stopping an unknown or finished playback
	// is a no-op returning false.
	Stop(playbackID string) bool
}

// Engine is an in-memory synthesizer that models playback as a timed wait
// proportional to the text length. It is the default engine of the gateway
// and the fake used by session tests.
type Engine struct {
	logger *slog.Logger

	// PerWord is the simulated speaking time per word.
	perWord time.Duration

	mu      sync.Mutex
	current map[string]chan struct{} // playback ID -> cancel signal
}

// EngineOption adjusts an Engine.
type EngineOption func(*Engine)

// WithPerWord overrides the simulated per-word speaking time.
func WithPerWord(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.perWord = d
		}
	}
}

// NewEngine builds the in-memory engine. A nil logger falls back to
// slog.Default.
func NewEngine(logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		logger:  logger,
		perWord: 300 * time.Millisecond,
		current: make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Synthesize speaks text for a duration derived from its word count.
func (e *Engine) Synthesize(ctx context.Context, sessionID, agent, text string, started func(Playback)) (Playback, error) {
	pb := Playback{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Agent:     agent,
		Text:      text,
		StartedAt: time.Now(),
	}

	cancelCh := make(chan struct{})
	e.mu.Lock()
	e.current[pb.ID] = cancelCh
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.current, pb.ID)
		e.mu.Unlock()
	}()

	e.logger.Debug("playback started",
		slog.String("playback_id", pb.ID),
		slog.String("session_id", sessionID),
		slog.String("agent", agent),
	)
	if started != nil {
		started(pb)
	}

	dur := e.speakingTime(text)
	t := time.NewTimer(dur)
	defer t.Stop()

	select {
	case <-t.C:
		e.logger.Debug("playback completed", slog.String("playback_id", pb.ID))
		return pb, nil
	case <-cancelCh:
		e.logger.Debug("playback stopped", slog.String("playback_id", pb.ID))
		return pb, context.Canceled
	case <-ctx.Done():
		return pb, ctx.Err()
	}
}

// Stop interrupts the identified playback if it is still speaking.
func (e *Engine) Stop(playbackID string) bool {
	e.mu.Lock()
	cancelCh, ok := e.current[playbackID]
	if ok {
		delete(e.current, playbackID)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	close(cancelCh)
	return true
}

// Active reports how many playbacks are currently speaking.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.current)
}

func (e *Engine) speakingTime(text string) time.Duration {
	words := len(strings.Fields(text))
	if words < 1 {
		words = 1
	}
	return time.Duration(words) * e.perWord
}
