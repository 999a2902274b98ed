package generation

import (
	"context"
	"strings"
	"sync"
)

// Scripted is a deterministic in-process backend that answers with a fixed
// response per agent identity. It stands in for the realtime generation
// engine in development and tests, and doubles as the static simulation
// backend for demo calls.
type Scripted struct {
	mu        sync.Mutex
	responses map[string]string
	fallback  string
	// chunkWords controls streaming granularity; the response is emitted in
	// chunks of this many words followed by a terminal delta.
	chunkWords int
}

// Default scripted responses, keyed by agent identity. These mirror the
// caregiver appointment-preparation scenario the default agents serve.
var defaultScripts = map[string]string{
	"InfoAgent": "To prepare for your mother's cardiology appointment, bring her recent medical records, " +
		"a list of current medications, a log of symptoms, and any questions you'd like to ask.",
	"PatientContextAgent": "Your mother's recent diagnoses include hypertension and atrial fibrillation. " +
		"Her last EKG was performed two months ago and showed mild arrhythmia. I've included these in the checklist.",
	"ActionAgent": "I've created a checklist for your mother's appointment: recent medical records, " +
		"medication list including supplements, symptom log, family history, and questions for the doctor. " +
		"Would you like me to send this checklist to your phone or email?",
}

// NewScripted returns a backend seeded with the default per-agent scripts.
func NewScripted() *Scripted {
	responses := make(map[string]string, len(defaultScripts))
	for k, v := range defaultScripts {
		responses[k] = v
	}
	return &Scripted{
		responses:  responses,
		fallback:   "I'm sorry, I don't have guidance for that yet. Could you rephrase your question?",
		chunkWords: 6,
	}
}

// SetResponse overrides the script for one agent identity.
func (s *Scripted) SetResponse(agent, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[agent] = text
}

func (s *Scripted) Name() string { return "scripted" }

// Generate streams the scripted response for req.Agent in word chunks.
func (s *Scripted) Generate(ctx context.Context, req Request) (Stream, error) {
	s.mu.Lock()
	text, ok := s.responses[req.Agent]
	chunk := s.chunkWords
	s.mu.Unlock()
	if !ok {
		text = s.fallback
	}

	st := newMemStream()
	go func() {
		defer close(st.ch)
		words := strings.Fields(text)
		for i := 0; i < len(words); i += chunk {
			end := i + chunk
			if end > len(words) {
				end = len(words)
			}
			select {
			case st.ch <- Delta{Text: strings.Join(words[i:end], " ")}:
			case <-ctx.Done():
				st.setErr(ctx.Err())
				return
			case <-st.done:
				return
			}
		}
		select {
		case st.ch <- Delta{Text: text, Done: true}:
		case <-ctx.Done():
			st.setErr(ctx.Err())
		case <-st.done:
		}
	}()
	return st, nil
}

type memStream struct {
	ch   chan Delta
	done chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
}

func newMemStream() *memStream {
	return &memStream{
		ch:   make(chan Delta, 8),
		done: make(chan struct{}),
	}
}

func (s *memStream) Deltas() <-chan Delta { return s.ch }

func (s *memStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *memStream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *memStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Echo is a trivial backend that repeats the caller's input. Used for
// fallback wiring and tests.
type Echo struct{}

func (Echo) Name() string { return "echo" }

func (Echo) Generate(ctx context.Context, req Request) (Stream, error) {
	st := newMemStream()
	go func() {
		defer close(st.ch)
		text := "I heard you say: " + req.Input
		select {
		case st.ch <- Delta{Text: text, Done: true}:
		case <-ctx.Done():
			st.setErr(ctx.Err())
		case <-st.done:
		}
	}()
	return st, nil
}
