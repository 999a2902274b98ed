// Package contextbuf maintains the bounded rolling window of conversation
// turns for a single voice session. Writes come from the session's event
// loop; reads can come from HTTP handlers serving session summaries, so the
// buffer guards its slice with a mutex.
package contextbuf

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxTurns is the turn cap when none is configured.
const DefaultMaxTurns = 10

// tokensPerWord is a deliberate, documented approximation (~1.3 tokens per
// whitespace word) used instead of a tokenizer call.
const tokensPerWord = 1.3

// TurnType attributes a turn to the caller or an agent.
type TurnType string

const (
	TurnUser  TurnType = "user"
	TurnAgent TurnType = "agent"
)

// Turn is one unit of conversational content in the buffer.
type Turn struct {
	ID        string
	Type      TurnType
	Content   string
	Speaker   string
	Timestamp time.Time
	Metadata  TurnMetadata
}

// TurnMetadata carries per-turn annotations.
type TurnMetadata struct {
	Confidence    float64
	HasConfidence bool
	Interrupted   bool
	WordCount     int
	Agent         string
	ToolsUsed     []string
}

// Buffer is the rolling context window for one session.
type Buffer struct {
	maxTurns  int
	maxTokens int // 0 disables the token budget
	now       func() time.Time

	mu    sync.Mutex
	turns []Turn
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithMaxTurns overrides the turn cap.
func WithMaxTurns(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.maxTurns = n
		}
	}
}

// WithMaxTokens enables the estimated-token budget.
func WithMaxTokens(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.maxTokens = n
		}
	}
}

// WithClock overrides the timestamp source, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) {
		if now != nil {
			b.now = now
		}
	}
}

// New returns an empty buffer with the default turn cap.
func New(opts ...Option) *Buffer {
	b := &Buffer{
		maxTurns: DefaultMaxTurns,
		now:      time.Now,
		turns:    make([]Turn, 0, DefaultMaxTurns),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddUserTurn appends a caller turn. Never fails.
func (b *Buffer) AddUserTurn(text string, confidence float64, interrupted bool) {
	b.append(Turn{
		ID:        uuid.NewString(),
		Type:      TurnUser,
		Content:   text,
		Speaker:   "user",
		Timestamp: b.now(),
		Metadata: TurnMetadata{
			Confidence:    confidence,
			HasConfidence: true,
			Interrupted:   interrupted,
			WordCount:     len(strings.Fields(text)),
		},
	})
}

// AddAgentTurn appends an agent turn. Never fails.
func (b *Buffer) AddAgentTurn(text, agentName string, toolsUsed []string) {
	if agentName == "" {
		agentName = "assistant"
	}
	b.append(Turn{
		ID:        uuid.NewString(),
		Type:      TurnAgent,
		Content:   text,
		Speaker:   agentName,
		Timestamp: b.now(),
		Metadata: TurnMetadata{
			Agent:     agentName,
			ToolsUsed: toolsUsed,
			WordCount: len(strings.Fields(text)),
		},
	})
}

func (b *Buffer) append(t Turn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turns = append(b.turns, t)
	b.enforceLimits()
}

// enforceLimits evicts strictly oldest-first: past the turn cap, then while
// over the token budget. The buffer is never evicted below one turn.
func (b *Buffer) enforceLimits() {
	if b.maxTurns > 0 && len(b.turns) > b.maxTurns {
		b.turns = append(b.turns[:0], b.turns[len(b.turns)-b.maxTurns:]...)
	}
	if b.maxTokens > 0 {
		for len(b.turns) > 1 && b.estimateTokens() > b.maxTokens {
			b.turns = append(b.turns[:0], b.turns[1:]...)
		}
	}
}

func (b *Buffer) estimateTokens() int {
	words := 0
	for _, t := range b.turns {
		words += t.Metadata.WordCount
	}
	return int(float64(words) * tokensPerWord)
}

// Len returns the current number of turns.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.turns)
}

// Snapshot is a point-in-time copy handed to agent invocation.
type Snapshot struct {
	Turns           []Turn
	Truncated       bool
	EstimatedTokens int
}

// Snapshot returns an ordered copy of the current turns. Truncated is true
// iff the buffer currently sits at its cap.
func (b *Buffer) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Turn, len(b.turns))
	copy(out, b.turns)
	return Snapshot{
		Turns:           out,
		Truncated:       b.maxTurns > 0 && len(b.turns) == b.maxTurns,
		EstimatedTokens: b.estimateTokens(),
	}
}

// Recent returns up to n of the newest turns, oldest first.
func (b *Buffer) Recent(n int) []Turn {
	if n <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.turns) {
		n = len(b.turns)
	}
	out := make([]Turn, n)
	copy(out, b.turns[len(b.turns)-n:])
	return out
}

// Summary aggregates the conversation covered by the buffer.
type Summary struct {
	TotalTurns        int
	UserTurns         int
	AgentTurns        int
	Interruptions     int
	AvgUserConfidence float64
	HasConfidence     bool
	DurationCovered   time.Duration
	HasDuration       bool
}

// Summary computes counts, interruption tally, average user confidence, and
// the time span between oldest and newest turn (absent with fewer than 2
// turns).
func (b *Buffer) Summary() Summary {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Summary{TotalTurns: len(b.turns)}
	confSum := 0.0
	confN := 0
	for _, t := range b.turns {
		switch t.Type {
		case TurnUser:
			s.UserTurns++
			if t.Metadata.HasConfidence {
				confSum += t.Metadata.Confidence
				confN++
			}
		case TurnAgent:
			s.AgentTurns++
		}
		if t.Metadata.Interrupted {
			s.Interruptions++
		}
	}
	if confN > 0 {
		s.AvgUserConfidence = confSum / float64(confN)
		s.HasConfidence = true
	}
	if len(b.turns) >= 2 {
		s.DurationCovered = b.turns[len(b.turns)-1].Timestamp.Sub(b.turns[0].Timestamp)
		s.HasDuration = true
	}
	return s
}

// Clear empties the buffer; used on session teardown or explicit reset.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turns = b.turns[:0]
}
