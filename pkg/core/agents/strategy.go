package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/careline/voicegate/pkg/core/contextbuf"
	"github.com/careline/voicegate/pkg/core/generation"
	"github.com/careline/voicegate/pkg/core/types"
)

// Strategy turns a finalized utterance into an agent response. The session
// loop owns invocation and cancellation; strategies must honor ctx and
// return promptly once it is done.
type Strategy interface {
	// ProcessUtterance produces the response message for a finalized
	// utterance. history is the conversation so far, oldest first, not
	// including the utterance itself.
	ProcessUtterance(ctx context.Context, utt *types.Utterance, history []contextbuf.Turn) (*types.AgentMessage, error)

	// HandleInterruption is invoked when the caller barges in over an
	// in-progress response for the utterance.
	HandleInterruption(ctx context.Context, utt *types.Utterance) (*types.AgentMessage, error)
}

// EchoStrategy mirrors the caller's words back. It is the zero-dependency
// default used when no generation provider is configured.
type EchoStrategy struct{}

func (EchoStrategy) ProcessUtterance(_ context.Context, utt *types.Utterance, _ []contextbuf.Turn) (*types.AgentMessage, error) {
	return types.NewResponseMessage("EchoAgent", time.Now(), types.ResponsePayload{
		Text:              fmt.Sprintf("I heard you say: %s", utt.Text),
		OriginalUtterance: utt.Text,
	}), nil
}

func (EchoStrategy) HandleInterruption(_ context.Context, utt *types.Utterance) (*types.AgentMessage, error) {
	return types.NewResponseMessage("EchoAgent", time.Now(), types.ResponsePayload{
		Text:                "Go ahead, I'm listening.",
		OriginalUtterance:   utt.Text,
		InterruptionHandled: true,
	}), nil
}

// RoutedStrategy classifies each utterance to an agent identity and streams
// a response from a generation provider using that identity's instructions.
type RoutedStrategy struct {
	provider generation.Provider
}

// NewRoutedStrategy wires a generation provider behind keyword routing.
func NewRoutedStrategy(provider generation.Provider) *RoutedStrategy {
	return &RoutedStrategy{provider: provider}
}

func (s *RoutedStrategy) ProcessUtterance(ctx context.Context, utt *types.Utterance, history []contextbuf.Turn) (*types.AgentMessage, error) {
	identity := Classify(utt.Text)
	req := generation.Request{
		SessionID:    utt.SessionID,
		Agent:        string(identity),
		Instructions: BuildInstructions(identity, utt.Text, history),
		Input:        utt.Text,
	}

	stream, err := s.provider.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("generate for %s: %w", identity, err)
	}
	defer stream.Close()

	// Incremental deltas accumulate; a final Done delta, when present,
	// carries the authoritative full text and supersedes them.
	var b strings.Builder
	var final string
	for delta := range stream.Deltas() {
		if delta.Done {
			final = delta.Text
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(delta.Text)
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("stream from %s: %w", identity, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if final == "" {
		final = b.String()
	}

	return types.NewResponseMessage(string(identity), time.Now(), types.ResponsePayload{
		Text:              final,
		OriginalUtterance: utt.Text,
	}), nil
}

func (s *RoutedStrategy) HandleInterruption(_ context.Context, utt *types.Utterance) (*types.AgentMessage, error) {
	identity := Classify(utt.Text)
	return types.NewResponseMessage(string(identity), time.Now(), types.ResponsePayload{
		Text:                "Of course, go ahead.",
		OriginalUtterance:   utt.Text,
		InterruptionHandled: true,
	}), nil
}

// Runtime is the registry of named strategies a gateway process exposes.
// Lookup is by name; the zero name resolves to the configured default.
type Runtime struct {
	strategies  map[string]Strategy
	defaultName string
	created     time.Time
}

// NewRuntime builds a registry with the echo strategy preinstalled as the
// default.
func NewRuntime() *Runtime {
	rt := &Runtime{
		strategies: make(map[string]Strategy),
		created:    time.Now(),
	}
	rt.Register("echo", EchoStrategy{})
	rt.defaultName = "echo"
	return rt
}

// Register installs or replaces a strategy under name.
func (rt *Runtime) Register(name string, s Strategy) {
	rt.strategies[name] = s
}

// SetDefault nominates the strategy returned for the empty name. It is a
// no-op if name is not registered.
func (rt *Runtime) SetDefault(name string) {
	if _, ok := rt.strategies[name]; ok {
		rt.defaultName = name
	}
}

// Resolve returns the strategy for name, falling back to the default for
// the empty string or an unknown name.
func (rt *Runtime) Resolve(name string) Strategy {
	if name == "" {
		name = rt.defaultName
	}
	if s, ok := rt.strategies[name]; ok {
		return s
	}
	return rt.strategies[rt.defaultName]
}

// Names lists the registered strategy names.
func (rt *Runtime) Names() []string {
	out := make([]string, 0, len(rt.strategies))
	for name := range rt.strategies {
		out = append(out, name)
	}
	return out
}
