package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/careline/voicegate/pkg/core/agents"
	"github.com/careline/voicegate/pkg/core/contextbuf"
	"github.com/careline/voicegate/pkg/core/errlog"
	"github.com/careline/voicegate/pkg/core/generation"
	"github.com/careline/voicegate/pkg/core/types"
	"github.com/careline/voicegate/pkg/core/voice/tts"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn is an in-memory socket: inbound frames come from a channel, and
// every written frame is captured for assertion.
type fakeConn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu     sync.Mutex
	frames [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-c.inbound:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseGoingAway}
	}
}

func (c *fakeConn) SetReadLimit(int64) {}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(t *testing.T, frame string) {
	t.Helper()
	select {
	case c.inbound <- []byte(frame):
	case <-time.After(2 * time.Second):
		t.Fatal("inbound queue stuck")
	}
}

type wireEvent struct {
	Event           string  `json:"event"`
	Text            string  `json:"text"`
	Agent           string  `json:"agent"`
	Reason          string  `json:"reason"`
	ErrorType       string  `json:"error_type"`
	Message         string  `json:"message"`
	PlaybackID      string  `json:"playback_id"`
	DurationSeconds float64 `json:"duration_seconds"`
}

func (c *fakeConn) events() []wireEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wireEvent, 0, len(c.frames))
	for _, frame := range c.frames {
		var ev wireEvent
		if err := json.Unmarshal(frame, &ev); err == nil {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) countEvent(name string) int {
	n := 0
	for _, ev := range c.events() {
		if ev.Event == name {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForEvent(t *testing.T, c *fakeConn, name string) {
	t.Helper()
	waitFor(t, name+" event", func() bool { return c.countEvent(name) > 0 })
}

// stubStrategy scripts ProcessUtterance per call and records what it saw.
type stubStrategy struct {
	fn func(call int, ctx context.Context, utt *types.Utterance) (*types.AgentMessage, error)

	mu          sync.Mutex
	calls       int
	historyLens []int
}

func (s *stubStrategy) ProcessUtterance(ctx context.Context, utt *types.Utterance, history []contextbuf.Turn) (*types.AgentMessage, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.historyLens = append(s.historyLens, len(history))
	s.mu.Unlock()
	return s.fn(call, ctx, utt)
}

func (s *stubStrategy) HandleInterruption(context.Context, *types.Utterance) (*types.AgentMessage, error) {
	return nil, nil
}

func (s *stubStrategy) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func reply(agent, text string) *types.AgentMessage {
	return types.NewResponseMessage(agent, time.Now(), types.ResponsePayload{Text: text})
}

type fixture struct {
	conn   *fakeConn
	ls     *LiveSession
	sink   *errlog.Sink
	done   chan struct{}
	runErr error
}

func startSession(t *testing.T, strategy agents.Strategy, perWord time.Duration, cfg Config) *fixture {
	t.Helper()
	conn := newFakeConn()
	logger := discardLogger()
	sink := errlog.NewSink(logger)
	ls, err := New(Dependencies{
		Conn:        conn,
		Logger:      logger,
		Session:     types.NewSession("sess-1", time.Now()),
		Strategy:    strategy,
		Synthesizer: tts.NewEngine(logger, tts.WithPerWord(perWord)),
		Errors:      sink,
		Config:      cfg,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f := &fixture{conn: conn, ls: ls, sink: sink, done: make(chan struct{})}
	go func() {
		f.runErr = ls.Run(context.Background())
		close(f.done)
	}()
	t.Cleanup(func() {
		conn.Close()
		select {
		case <-f.done:
		case <-time.After(5 * time.Second):
			t.Error("session did not shut down")
		}
	})
	return f
}

func (f *fixture) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-f.done:
		return f.runErr
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Dependencies{})
	if err == nil {
		t.Fatal("New with no deps succeeded")
	}
}

func TestTurnLifecycle(t *testing.T) {
	strategy := &stubStrategy{fn: func(_ int, _ context.Context, utt *types.Utterance) (*types.AgentMessage, error) {
		return reply("CareInfoAgent", "Bring her insurance card."), nil
	}}
	f := startSession(t, strategy, time.Millisecond, Config{})

	waitForEvent(t, f.conn, "session_started")
	f.conn.send(t, `{"type":"transcript_final","text":"what should I bring","confidence":0.9}`)
	waitForEvent(t, f.conn, "agent_response_completed")

	var order []string
	for _, ev := range f.conn.events() {
		order = append(order, ev.Event)
	}
	want := []string{"session_started", "transcript_final", "agent_response", "agent_response_started", "agent_response_completed"}
	if len(order) != len(want) {
		t.Fatalf("events = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("events = %v, want %v", order, want)
		}
	}

	sum := f.ls.History().Summary()
	if sum.UserTurns != 1 || sum.AgentTurns != 1 {
		t.Fatalf("history = %d user / %d agent turns, want 1/1", sum.UserTurns, sum.AgentTurns)
	}

	f.conn.send(t, `{"type":"ping"}`)
	waitForEvent(t, f.conn, "pong")

	f.conn.send(t, `{"type":"end_session"}`)
	if err := f.wait(t); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	waitForEvent(t, f.conn, "session_ended")
}

func TestHistorySnapshotExcludesCurrentUtterance(t *testing.T) {
	strategy := &stubStrategy{fn: func(call int, _ context.Context, _ *types.Utterance) (*types.AgentMessage, error) {
		return reply("CareInfoAgent", fmt.Sprintf("answer %d", call)), nil
	}}
	f := startSession(t, strategy, time.Millisecond, Config{})

	f.conn.send(t, `{"type":"transcript_final","text":"first question","confidence":0.9}`)
	waitForEvent(t, f.conn, "agent_response_completed")
	f.conn.send(t, `{"type":"transcript_final","text":"second question","confidence":0.9}`)
	waitFor(t, "second completion", func() bool { return f.conn.countEvent("agent_response_completed") == 2 })

	strategy.mu.Lock()
	lens := append([]int(nil), strategy.historyLens...)
	strategy.mu.Unlock()
	if len(lens) != 2 || lens[0] != 0 || lens[1] != 2 {
		t.Fatalf("history lengths per call = %v, want [0 2]", lens)
	}
}

func TestBargeInStopsPlaybackBeforeNextResponse(t *testing.T) {
	strategy := &stubStrategy{fn: func(call int, _ context.Context, _ *types.Utterance) (*types.AgentMessage, error) {
		return reply("CareInfoAgent", fmt.Sprintf("reply %d", call)), nil
	}}
	f := startSession(t, strategy, time.Minute, Config{})

	f.conn.send(t, `{"type":"transcript_final","text":"first question","confidence":0.9}`)
	waitForEvent(t, f.conn, "agent_response_started")

	f.conn.send(t, `{"type":"transcript_partial","text":"actually wait","confidence":0.8}`)
	waitForEvent(t, f.conn, "playback_stopped")

	f.conn.send(t, `{"type":"transcript_final","text":"actually wait tell me more","confidence":0.9}`)
	waitFor(t, "second response", func() bool { return f.conn.countEvent("agent_response") == 2 })

	stoppedAt, secondAt := -1, -1
	for i, ev := range f.conn.events() {
		switch {
		case ev.Event == "playback_stopped":
			if stoppedAt == -1 {
				stoppedAt = i
				if ev.Reason != "barge_in" {
					t.Fatalf("stop reason = %q, want barge_in", ev.Reason)
				}
			}
		case ev.Event == "agent_response" && ev.Text == "reply 2":
			secondAt = i
		}
	}
	if stoppedAt == -1 || secondAt == -1 || stoppedAt > secondAt {
		t.Fatalf("playback_stopped at %d, second response at %d; stop must come first", stoppedAt, secondAt)
	}

	// The interrupted reply never reaches the context buffer.
	sum := f.ls.History().Summary()
	if sum.AgentTurns != 0 {
		t.Fatalf("AgentTurns = %d, want 0 while second playback is live", sum.AgentTurns)
	}
	if f.conn.countEvent("agent_response_completed") != 0 {
		t.Fatal("interrupted playback reported completion")
	}
}

func TestNewestInputWins(t *testing.T) {
	strategy := &stubStrategy{fn: func(call int, ctx context.Context, _ *types.Utterance) (*types.AgentMessage, error) {
		if call == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return reply("CareInfoAgent", "answer two"), nil
	}}
	f := startSession(t, strategy, time.Millisecond, Config{})

	f.conn.send(t, `{"type":"transcript_final","text":"question one","confidence":0.9}`)
	waitFor(t, "first turn in flight", func() bool { return strategy.callCount() == 1 })
	f.conn.send(t, `{"type":"transcript_final","text":"question two","confidence":0.9}`)
	waitForEvent(t, f.conn, "agent_response_completed")

	if n := f.conn.countEvent("agent_response"); n != 1 {
		t.Fatalf("agent_response count = %d, want 1", n)
	}
	for _, ev := range f.conn.events() {
		if ev.Event == "agent_response" && ev.Text != "answer two" {
			t.Fatalf("response text = %q, want %q", ev.Text, "answer two")
		}
	}
}

func TestUserInterruptWithoutActivePlayback(t *testing.T) {
	strategy := &stubStrategy{fn: func(int, context.Context, *types.Utterance) (*types.AgentMessage, error) {
		return reply("CareInfoAgent", "unused"), nil
	}}
	f := startSession(t, strategy, time.Millisecond, Config{})
	waitForEvent(t, f.conn, "session_started")

	f.conn.send(t, `{"type":"user_interrupt"}`)
	f.conn.send(t, `{"type":"ping"}`)
	waitForEvent(t, f.conn, "pong")

	if n := f.conn.countEvent("playback_stopped"); n != 0 {
		t.Fatalf("playback_stopped count = %d, want 0 for idle interrupt", n)
	}
}

func TestUserInterruptAcknowledged(t *testing.T) {
	f := startSession(t, agents.EchoStrategy{}, time.Minute, Config{})

	f.conn.send(t, `{"type":"transcript_final","text":"tell me everything","confidence":0.9}`)
	waitForEvent(t, f.conn, "agent_response_started")

	f.conn.send(t, `{"type":"user_interrupt"}`)
	waitForEvent(t, f.conn, "playback_stopped")
	waitFor(t, "interruption ack", func() bool {
		for _, ev := range f.conn.events() {
			if ev.Event == "agent_response" && ev.Text == "Go ahead, I'm listening." {
				return true
			}
		}
		return false
	})
}

func TestStateTransitions(t *testing.T) {
	f := startSession(t, agents.EchoStrategy{}, time.Minute, Config{})
	waitForEvent(t, f.conn, "session_started")

	if got := f.ls.State(); got != StateIdle {
		t.Fatalf("initial state = %q, want idle", got)
	}

	f.conn.send(t, `{"type":"transcript_partial","text":"so about","confidence":0.8}`)
	waitFor(t, "listening state", func() bool { return f.ls.State() == StateListening })

	f.conn.send(t, `{"type":"transcript_final","text":"so about the appointment","confidence":0.9}`)
	waitFor(t, "speaking state", func() bool { return f.ls.State() == StateSpeaking })

	f.conn.send(t, `{"type":"user_interrupt"}`)
	waitFor(t, "idle after interrupt", func() bool { return f.ls.State() == StateIdle })
}

func TestMalformedFrameKeepsSessionAlive(t *testing.T) {
	strategy := &stubStrategy{fn: func(int, context.Context, *types.Utterance) (*types.AgentMessage, error) {
		return reply("CareInfoAgent", "ok"), nil
	}}
	f := startSession(t, strategy, time.Millisecond, Config{})

	f.conn.send(t, `{nope`)
	waitForEvent(t, f.conn, "error")
	f.conn.send(t, `{"type":"telepathy"}`)
	waitFor(t, "unknown type error", func() bool { return f.conn.countEvent("error") == 2 })

	var gotTypes []string
	for _, ev := range f.conn.events() {
		if ev.Event == "error" {
			gotTypes = append(gotTypes, ev.ErrorType)
		}
	}
	if gotTypes[0] != "invalid_json" || gotTypes[1] != "unknown_message_type" {
		t.Fatalf("error types = %v, want [invalid_json unknown_message_type]", gotTypes)
	}

	// Session still serves traffic.
	f.conn.send(t, `{"type":"ping"}`)
	waitForEvent(t, f.conn, "pong")
}

func TestTranscriptEventsRedacted(t *testing.T) {
	strategy := &stubStrategy{fn: func(int, context.Context, *types.Utterance) (*types.AgentMessage, error) {
		return reply("CareInfoAgent", "noted"), nil
	}}
	f := startSession(t, strategy, time.Millisecond, Config{})

	f.conn.send(t, `{"type":"transcript_final","text":"my ssn is 123-45-6789","confidence":0.9}`)
	waitForEvent(t, f.conn, "transcript_final")

	for _, ev := range f.conn.events() {
		if ev.Event == "transcript_final" {
			if strings.Contains(ev.Text, "123-45-6789") {
				t.Fatalf("transcript_final leaked SSN: %q", ev.Text)
			}
			if !strings.Contains(ev.Text, "[REDACTED-SSN]") {
				t.Fatalf("transcript_final text = %q, want SSN placeholder", ev.Text)
			}
		}
	}
}

func TestGenerationFailureSpeaksApology(t *testing.T) {
	strategy := &stubStrategy{fn: func(int, context.Context, *types.Utterance) (*types.AgentMessage, error) {
		return nil, errors.New("upstream exploded")
	}}
	f := startSession(t, strategy, time.Millisecond, Config{})

	f.conn.send(t, `{"type":"transcript_final","text":"hello","confidence":0.9}`)
	waitForEvent(t, f.conn, "agent_response_completed")

	found := false
	for _, ev := range f.conn.events() {
		if ev.Event == "agent_response" {
			found = true
			if ev.Agent != fallbackAgent || ev.Text != apologyText {
				t.Fatalf("fallback response = %q from %q", ev.Text, ev.Agent)
			}
		}
	}
	if !found {
		t.Fatal("no fallback agent_response")
	}
	events := f.sink.Recent(10, types.ErrGeneration)
	if len(events) != 1 {
		t.Fatalf("generation error events = %d, want 1", len(events))
	}
}

func TestResponseConflictRetriesOnce(t *testing.T) {
	strategy := &stubStrategy{fn: func(call int, _ context.Context, _ *types.Utterance) (*types.AgentMessage, error) {
		if call == 1 {
			return nil, generation.ErrResponseActive
		}
		return reply("CareInfoAgent", "recovered"), nil
	}}
	f := startSession(t, strategy, time.Millisecond, Config{})

	f.conn.send(t, `{"type":"transcript_final","text":"hello","confidence":0.9}`)
	waitForEvent(t, f.conn, "agent_response_completed")

	if got := strategy.callCount(); got != 2 {
		t.Fatalf("strategy calls = %d, want 2", got)
	}
	for _, ev := range f.conn.events() {
		if ev.Event == "agent_response" && ev.Text != "recovered" {
			t.Fatalf("response text = %q, want %q", ev.Text, "recovered")
		}
	}
}

func TestResponseConflictPersistsApologizes(t *testing.T) {
	strategy := &stubStrategy{fn: func(int, context.Context, *types.Utterance) (*types.AgentMessage, error) {
		return nil, generation.ErrResponseActive
	}}
	f := startSession(t, strategy, time.Millisecond, Config{})

	f.conn.send(t, `{"type":"transcript_final","text":"hello","confidence":0.9}`)
	waitForEvent(t, f.conn, "agent_response_completed")

	if got := strategy.callCount(); got != 2 {
		t.Fatalf("strategy calls = %d, want 2", got)
	}
	for _, ev := range f.conn.events() {
		if ev.Event == "agent_response" && ev.Text != apologyText {
			t.Fatalf("response text = %q, want apology", ev.Text)
		}
	}
}

func TestTurnTimeoutReportsError(t *testing.T) {
	strategy := &stubStrategy{fn: func(_ int, ctx context.Context, _ *types.Utterance) (*types.AgentMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	f := startSession(t, strategy, time.Millisecond, Config{TurnTimeout: 30 * time.Millisecond})

	f.conn.send(t, `{"type":"transcript_final","text":"hello","confidence":0.9}`)
	waitForEvent(t, f.conn, "error")

	for _, ev := range f.conn.events() {
		if ev.Event == "error" {
			if ev.ErrorType != string(types.ErrGeneration) || ev.Message != "response timed out" {
				t.Fatalf("error event = %+v", ev)
			}
		}
	}

	// Loop recovered; next input gets a fresh turn.
	f.conn.send(t, `{"type":"ping"}`)
	waitForEvent(t, f.conn, "pong")
}

func TestMaxSessionAgeEndsSession(t *testing.T) {
	strategy := &stubStrategy{fn: func(int, context.Context, *types.Utterance) (*types.AgentMessage, error) {
		return reply("CareInfoAgent", "unused"), nil
	}}
	f := startSession(t, strategy, time.Millisecond, Config{MaxSessionAge: 40 * time.Millisecond})

	if err := f.wait(t); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	waitForEvent(t, f.conn, "session_ended")
}

func TestClientCloseEndsCleanly(t *testing.T) {
	strategy := &stubStrategy{fn: func(int, context.Context, *types.Utterance) (*types.AgentMessage, error) {
		return reply("CareInfoAgent", "unused"), nil
	}}
	f := startSession(t, strategy, time.Millisecond, Config{})
	waitForEvent(t, f.conn, "session_started")

	close(f.conn.inbound)
	if err := f.wait(t); err != nil {
		t.Fatalf("Run returned %v on clean close", err)
	}
}
