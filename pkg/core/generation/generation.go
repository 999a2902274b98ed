// Package generation abstracts the external text-generation capability that
// produces agent replies. The turn state machine talks only to Provider; the
// concrete backend (realtime voice API, chat completion, scripted simulation)
// is a swappable collaborator.
package generation

import (
	"context"
	"errors"
)

// ErrResponseActive is the recoverable conflict reported when the downstream
// engine already has a response in flight for this conversation. The caller
// clears its guard and lets the next input retry cleanly.
var ErrResponseActive = errors.New("generation: a response is already active")

// Request is one generation call for a single turn.
type Request struct {
	SessionID    string
	Agent        string
	Instructions string
	Input        string
}

// Delta is one streamed fragment of a response. Done marks the terminal
// delta; Text on the terminal delta is the complete response.
type Delta struct {
	Text string
	Done bool
}

// Provider generates a response as a stream of deltas. The returned channel
// is closed after the terminal delta or when ctx is canceled. Errors that
// occur mid-stream are returned by Err on the stream.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (Stream, error)
}

// Stream yields response deltas for one request.
type Stream interface {
	// Deltas is closed after the terminal delta, on error, or on cancel.
	Deltas() <-chan Delta
	// Err reports why the stream ended, nil on clean completion.
	Err() error
	Close() error
}
