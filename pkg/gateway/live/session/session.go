// Package session runs the per-connection event loop for one live voice
// session: it reads transcript frames off the socket, drives the turn state
// machine, and streams agent responses and playback events back to the
// caller. All turn state is owned by the single Run goroutine; collaborators
// report back over channels.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/careline/voicegate/pkg/core/agents"
	"github.com/careline/voicegate/pkg/core/contextbuf"
	"github.com/careline/voicegate/pkg/core/errlog"
	"github.com/careline/voicegate/pkg/core/generation"
	"github.com/careline/voicegate/pkg/core/redact"
	"github.com/careline/voicegate/pkg/core/retry"
	"github.com/careline/voicegate/pkg/core/types"
	"github.com/careline/voicegate/pkg/core/voice/stt"
	"github.com/careline/voicegate/pkg/core/voice/tts"
	"github.com/careline/voicegate/pkg/gateway/live/protocol"
	"github.com/careline/voicegate/pkg/gateway/metrics"
)

// Conn is the subset of *websocket.Conn the session uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	SetReadLimit(limit int64)
	wsWriter
}

const (
	defaultMaxMessageBytes   = 64 * 1024
	defaultPingInterval      = 20 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultTurnTimeout       = 10 * time.Second
	defaultOutboundQueueSize = 64

	fallbackAgent = "assistant"
	apologyText   = "I'm sorry, I'm having trouble responding right now. Could you say that again?"
)

// Config carries the per-session tunables.
type Config struct {
	MaxMessageBytes     int64
	PingInterval        time.Duration
	WriteTimeout        time.Duration
	MaxSessionAge       time.Duration // 0 disables the age cap
	TurnTimeout         time.Duration
	ConfidenceThreshold float64
	OutboundQueueSize   int
}

func (c *Config) applyDefaults() {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = defaultTurnTimeout
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = defaultOutboundQueueSize
	}
}

// Dependencies wires a LiveSession to its collaborators. Conn, Session,
// Strategy, and Synthesizer are required; the rest default sensibly.
type Dependencies struct {
	Conn        Conn
	Logger      *slog.Logger
	Session     *types.Session
	Strategy    agents.Strategy
	Synthesizer tts.Synthesizer
	Assembler   *stt.Assembler
	Context     *contextbuf.Buffer
	Errors      *errlog.Sink
	Metrics     *metrics.Metrics
	Retry       *retry.Executor
	Config      Config
	Now         func() time.Time
}

// State identifies where the turn state machine currently is. The loop
// transitions Idle -> Listening -> Routing -> Generating -> Speaking and
// back to Idle; Canceling is entered from Generating or Speaking when the
// caller interrupts.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateRouting    State = "routing"
	StateGenerating State = "generating"
	StateSpeaking   State = "speaking"
	StateCanceling  State = "canceling"
)

// LiveSession is the event loop for a single connected caller.
type LiveSession struct {
	conn     Conn
	logger   *slog.Logger
	sess     *types.Session
	strategy agents.Strategy
	synth    tts.Synthesizer
	asm      *stt.Assembler
	history  *contextbuf.Buffer
	errors   *errlog.Sink
	metrics  *metrics.Metrics
	retry    *retry.Executor
	cfg      Config
	now      func() time.Time

	state atomic.Value // State
}

// New validates deps and builds a LiveSession ready to Run.
func New(deps Dependencies) (*LiveSession, error) {
	if deps.Conn == nil {
		return nil, errors.New("session: Conn is required")
	}
	if deps.Session == nil {
		return nil, errors.New("session: Session is required")
	}
	if deps.Strategy == nil {
		return nil, errors.New("session: Strategy is required")
	}
	if deps.Synthesizer == nil {
		return nil, errors.New("session: Synthesizer is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", deps.Session.ID)
	asm := deps.Assembler
	if asm == nil {
		opts := []stt.Option{}
		if deps.Config.ConfidenceThreshold > 0 {
			opts = append(opts, stt.WithThreshold(deps.Config.ConfidenceThreshold))
		}
		asm = stt.NewAssembler(logger, opts...)
	}
	history := deps.Context
	if history == nil {
		history = contextbuf.New()
	}
	sink := deps.Errors
	if sink == nil {
		sink = errlog.NewSink(logger)
	}
	mx := deps.Metrics
	if mx == nil {
		mx = metrics.New("")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	cfg := deps.Config
	cfg.applyDefaults()
	s := &LiveSession{
		conn:     deps.Conn,
		logger:   logger,
		sess:     deps.Session,
		strategy: deps.Strategy,
		synth:    deps.Synthesizer,
		asm:      asm,
		history:  history,
		errors:   sink,
		metrics:  mx,
		retry:    deps.Retry,
		cfg:      cfg,
		now:      now,
	}
	s.state.Store(StateIdle)
	return s, nil
}

// History exposes the session's context buffer for summary endpoints.
func (s *LiveSession) History() *contextbuf.Buffer { return s.history }

// State reports the loop's current turn state.
func (s *LiveSession) State() State { return s.state.Load().(State) }

func (s *LiveSession) setState(st State) { s.state.Store(st) }

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

type runResult struct {
	turnID uint64
	utt    *types.Utterance
	msg    *types.AgentMessage
	err    error
}

type playbackStarted struct {
	turnID   uint64
	playback tts.Playback
}

type ttsResult struct {
	turnID     uint64
	playbackID string
	agent      string
	text       string
	completed  bool
	canceled   bool
	err        error
}

var errBackpressure = errors.New("outbound queue full")

func enqueueNormal(ch chan outboundFrame, frame outboundFrame) error {
	select {
	case ch <- frame:
		return nil
	default:
		return errBackpressure
	}
}

// enqueuePriority never drops the new frame; under pressure it evicts the
// oldest queued priority frame instead.
func enqueuePriority(ch chan outboundFrame, frame outboundFrame) {
	for {
		select {
		case ch <- frame:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Run owns the connection until the caller ends the session, the socket
// fails, or ctx is canceled. It returns after all session goroutines exit.
func (s *LiveSession) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sid := s.sess.ID
	start := s.now()
	endStatus := "error"
	s.metrics.RecordSessionStart()
	defer func() {
		s.metrics.RecordSessionEnd(endStatus, s.now().Sub(start))
	}()

	s.conn.SetReadLimit(s.cfg.MaxMessageBytes)

	priority := make(chan outboundFrame, s.cfg.OutboundQueueSize)
	normal := make(chan outboundFrame, s.cfg.OutboundQueueSize)
	writer := &outboundWriter{
		ws:           s.conn,
		ctx:          ctx,
		pingInterval: s.cfg.PingInterval,
		writeTimeout: s.cfg.WriteTimeout,
		priority:     priority,
		normal:       normal,
	}

	writerErrCh := make(chan error, 1)
	readCh := make(chan inboundFrame)
	runResultCh := make(chan runResult)
	playbackStartCh := make(chan playbackStarted)
	ttsDoneCh := make(chan ttsResult)

	// Cancel must precede the wait: every session goroutine unblocks on ctx.
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := writer.Run()
		if err != nil {
			// The writer closes the socket on the shutdown path; on a write
			// failure it has not, and the read loop needs the close to
			// unblock.
			_ = s.conn.Close()
		}
		writerErrCh <- err
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.readLoop(ctx, readCh)
	}()

	var maxAgeCh <-chan time.Time
	if s.cfg.MaxSessionAge > 0 {
		t := time.NewTimer(s.cfg.MaxSessionAge)
		defer t.Stop()
		maxAgeCh = t.C
	}

	// Turn state, owned exclusively by this goroutine.
	var (
		turnID           uint64
		responseActive   bool
		cancelRun        context.CancelFunc
		cancelTTS        context.CancelFunc
		activePlaybackID string
		activeAgent      string
		turnStartedAt    time.Time
		turnInterrupted  bool
		conflictRetried  bool
		lastUtterance    *types.Utterance
		lastHistory      []contextbuf.Turn
	)
	defer func() {
		if cancelRun != nil {
			cancelRun()
		}
		if cancelTTS != nil {
			cancelTTS()
		}
	}()

	stamp := func() string { return protocol.Stamp(s.now()) }

	// Conversation log: what was said, by whom, already redacted.
	clog := s.logger.WithGroup("conversation")

	sendPriority := func(v any) {
		data, err := json.Marshal(v)
		if err != nil {
			s.logger.Error("encode outbound event", "error", err)
			return
		}
		enqueuePriority(priority, outboundFrame{payload: data})
	}

	// sendNormal reports false when the outbound queue is saturated, which
	// the loop treats as a dead connection.
	sendNormal := func(v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			s.logger.Error("encode outbound event", "error", err)
			return true
		}
		if err := enqueueNormal(normal, outboundFrame{payload: data}); err != nil {
			s.errors.WebSocket("outbound queue overflow", sid)
			s.metrics.RecordError(string(types.ErrWebSocket))
			return false
		}
		return true
	}

	clearTurn := func() {
		responseActive = false
		activePlaybackID = ""
		activeAgent = ""
		if cancelRun != nil {
			cancelRun()
			cancelRun = nil
		}
		if cancelTTS != nil {
			cancelTTS()
			cancelTTS = nil
		}
		s.setState(StateIdle)
	}

	launchTurn := func(utt *types.Utterance, history []contextbuf.Turn) {
		clearTurn()
		turnID++
		id := turnID
		responseActive = true
		turnInterrupted = false
		turnStartedAt = s.now()
		s.setState(StateGenerating)
		runCtx, cancelTurn := context.WithTimeout(ctx, s.cfg.TurnTimeout)
		cancelRun = cancelTurn
		wg.Add(1)
		go func() {
			defer wg.Done()
			var msg *types.AgentMessage
			op := func(c context.Context) error {
				m, err := s.strategy.ProcessUtterance(c, utt, history)
				if err != nil {
					return err
				}
				msg = m
				return nil
			}
			var err error
			if s.retry != nil {
				err = s.retry.Do(runCtx, op)
			} else {
				err = op(runCtx)
			}
			select {
			case runResultCh <- runResult{turnID: id, utt: utt, msg: msg, err: err}:
			case <-ctx.Done():
			}
		}()
	}

	startTurn := func(utt *types.Utterance) {
		s.setState(StateRouting)
		snapshot := s.history.Snapshot().Turns
		s.history.AddUserTurn(utt.Text, utt.Confidence, utt.Interrupted)
		lastUtterance = utt
		lastHistory = snapshot
		conflictRetried = false
		clog.Info("caller said", "utterance_id", utt.ID, "text", redact.ForLog(utt.Text, 160), "confidence", utt.Confidence)
		launchTurn(utt, snapshot)
	}

	startSpeak := func(id uint64, agent, text string) {
		ttsCtx, cancelPlayback := context.WithCancel(ctx)
		cancelTTS = cancelPlayback
		activeAgent = agent
		s.setState(StateSpeaking)
		wg.Add(1)
		go func() {
			defer wg.Done()
			playback, err := s.synth.Synthesize(ttsCtx, sid, agent, text, func(p tts.Playback) {
				select {
				case playbackStartCh <- playbackStarted{turnID: id, playback: p}:
				case <-ctx.Done():
				}
			})
			res := ttsResult{turnID: id, playbackID: playback.ID, agent: agent, text: text, err: err}
			switch {
			case err == nil:
				res.completed = true
			case errors.Is(err, context.Canceled):
				res.canceled = true
			}
			select {
			case ttsDoneCh <- res:
			case <-ctx.Done():
			}
		}()
	}

	// interrupt stops active playback and cancels any in-flight turn. The
	// playback_stopped event must reach the caller before any event from a
	// subsequent turn, hence the priority queue.
	interrupt := func(reason string) {
		if !responseActive && activePlaybackID == "" {
			return
		}
		s.setState(StateCanceling)
		if activePlaybackID != "" {
			s.synth.Stop(activePlaybackID)
			sendPriority(protocol.ServerPlaybackStopped{
				Event:      protocol.EventPlaybackStopped,
				Timestamp:  stamp(),
				SessionID:  sid,
				PlaybackID: activePlaybackID,
				Reason:     reason,
			})
		}
		turnInterrupted = true
		if activeAgent != "" {
			s.metrics.RecordTurn(activeAgent, "interrupted", s.now().Sub(turnStartedAt))
		}
		clearTurn()
		if reason == protocol.StopReasonBargeIn {
			s.metrics.RecordBargeIn()
		}
	}

	speakFallback := func(text string) {
		if !sendNormal(protocol.ServerAgentResponse{
			Event:     protocol.EventAgentResponse,
			Timestamp: stamp(),
			SessionID: sid,
			Agent:     fallbackAgent,
			Text:      text,
		}) {
			return
		}
		responseActive = true
		startSpeak(turnID, fallbackAgent, text)
	}

	if !sendNormal(protocol.ServerSessionStarted{
		Event:     protocol.EventSessionStarted,
		Timestamp: stamp(),
		SessionID: sid,
		Version:   protocol.ProtocolVersion1,
	}) {
		return errBackpressure
	}
	s.logger.Info("session started")

	endAndClose := func(reason string) {
		interrupt(reason)
		s.asm.Abandon(sid)
		s.history.Clear()
		sendPriority(protocol.ServerSessionEnded{
			Event:           protocol.EventSessionEnded,
			Timestamp:       stamp(),
			SessionID:       sid,
			DurationSeconds: s.now().Sub(s.sess.StartTime).Seconds(),
		})
		s.logger.Info("session ended", "reason", reason)
	}

	for {
		select {
		case <-ctx.Done():
			endStatus = "canceled"
			s.asm.Abandon(sid)
			return ctx.Err()

		case <-maxAgeCh:
			endAndClose(protocol.StopReasonSessionEnd)
			endStatus = "expired"
			return nil

		case err := <-writerErrCh:
			if err != nil {
				s.errors.WebSocket("outbound write failed: "+err.Error(), sid)
				s.metrics.RecordError(string(types.ErrWebSocket))
				s.asm.Abandon(sid)
				return err
			}
			endStatus = "completed"
			return nil

		case frame := <-readCh:
			if frame.err != nil {
				s.asm.Abandon(sid)
				if websocket.IsUnexpectedCloseError(frame.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.errors.WebSocket("read failed: "+frame.err.Error(), sid)
					s.metrics.RecordError(string(types.ErrWebSocket))
					return frame.err
				}
				endStatus = "completed"
				return nil
			}
			if frame.messageType != websocket.TextMessage {
				continue
			}
			msg, err := protocol.DecodeClientMessage(frame.data)
			if err != nil {
				// Malformed frames are reported but never tear down the
				// session; the caller may simply resend.
				errorType := string(types.ErrInvalidJSON)
				message := "invalid message"
				var de *protocol.DecodeError
				if errors.As(err, &de) {
					errorType = de.Code
					message = de.Message
				}
				s.errors.Emit(types.ErrorType(errorType), message, nil, sid)
				s.metrics.RecordError(errorType)
				sendPriority(protocol.ServerError{
					Event:     protocol.EventError,
					Timestamp: stamp(),
					SessionID: sid,
					ErrorType: errorType,
					Message:   message,
				})
				continue
			}

			switch m := msg.(type) {
			case protocol.ClientTranscriptPartial:
				s.asm.Partial(sid, m.Text, m.Confidence)
				if s.State() == StateIdle {
					s.setState(StateListening)
				}
				if !sendNormal(protocol.ServerTranscriptPartial{
					Event:      protocol.EventTranscriptPartial,
					Timestamp:  stamp(),
					SessionID:  sid,
					Text:       redact.Transcript(m.Text),
					Confidence: m.Confidence,
				}) {
					return errBackpressure
				}
				// Caller speech over active playback is a barge-in.
				if activePlaybackID != "" {
					interrupt(protocol.StopReasonBargeIn)
				}

			case protocol.ClientTranscriptFinal:
				utt := s.asm.Finalize(sid, m.Text, m.Confidence, m.Interrupted)
				if !sendNormal(protocol.ServerTranscriptFinal{
					Event:       protocol.EventTranscriptFinal,
					Timestamp:   stamp(),
					SessionID:   sid,
					UtteranceID: utt.ID,
					Text:        redact.Transcript(utt.Text),
					Confidence:  utt.Confidence,
					Interrupted: utt.Interrupted,
				}) {
					return errBackpressure
				}
				// Newest input wins: any in-flight response yields to the
				// caller's latest utterance.
				interrupt(protocol.StopReasonBargeIn)
				startTurn(utt)

			case protocol.ClientUserInterrupt:
				wasActive := responseActive || activePlaybackID != ""
				interrupt(protocol.StopReasonBargeIn)
				if wasActive && lastUtterance != nil {
					ack, err := s.strategy.HandleInterruption(ctx, lastUtterance)
					if err == nil && ack != nil && ack.ResponseText() != "" {
						if !sendNormal(protocol.ServerAgentResponse{
							Event:     protocol.EventAgentResponse,
							Timestamp: stamp(),
							SessionID: sid,
							Agent:     ack.Agent,
							Text:      ack.ResponseText(),
						}) {
							return errBackpressure
						}
					}
				}

			case protocol.ClientEndSession:
				endAndClose(protocol.StopReasonSessionEnd)
				endStatus = "completed"
				return nil

			case protocol.ClientPing:
				sendPriority(protocol.ServerPong{
					Event:     protocol.EventPong,
					Timestamp: stamp(),
				})
			}

		case res := <-runResultCh:
			if res.turnID != turnID || turnInterrupted {
				s.logger.Debug("stale turn result dropped", "turn_id", res.turnID, "current_turn", turnID)
				continue
			}
			if res.err != nil {
				switch {
				case errors.Is(res.err, context.Canceled):
					// Turn was superseded.
				case errors.Is(res.err, generation.ErrResponseActive):
					clearTurn()
					if !conflictRetried {
						conflictRetried = true
						launchTurn(res.utt, lastHistory)
						continue
					}
					s.errors.Generation("response conflict persisted after retry", sid, fallbackAgent)
					s.metrics.RecordError(string(types.ErrGeneration))
					speakFallback(apologyText)
				case errors.Is(res.err, context.DeadlineExceeded):
					clog.Warn("response timed out", "utterance_id", res.utt.ID)
					s.errors.Generation("turn deadline exceeded", sid, fallbackAgent)
					s.metrics.RecordError(string(types.ErrGeneration))
					s.metrics.RecordTurn(fallbackAgent, "timeout", s.now().Sub(turnStartedAt))
					sendPriority(protocol.ServerError{
						Event:     protocol.EventError,
						Timestamp: stamp(),
						SessionID: sid,
						ErrorType: string(types.ErrGeneration),
						Message:   "response timed out",
					})
					clearTurn()
				default:
					s.errors.Generation(res.err.Error(), sid, fallbackAgent)
					s.metrics.RecordError(string(types.ErrGeneration))
					clearTurn()
					speakFallback(apologyText)
				}
				continue
			}
			text := res.msg.ResponseText()
			if text == "" {
				clearTurn()
				continue
			}
			clog.Info("agent replied", "agent", res.msg.Agent, "text", redact.ForLog(text, 160))
			if !sendNormal(protocol.ServerAgentResponse{
				Event:     protocol.EventAgentResponse,
				Timestamp: stamp(),
				SessionID: sid,
				Agent:     res.msg.Agent,
				Text:      text,
			}) {
				return errBackpressure
			}
			startSpeak(res.turnID, res.msg.Agent, text)

		case p := <-playbackStartCh:
			if p.turnID != turnID || turnInterrupted {
				continue
			}
			activePlaybackID = p.playback.ID
			if !sendNormal(protocol.ServerAgentResponseStarted{
				Event:      protocol.EventAgentResponseStarted,
				Timestamp:  stamp(),
				SessionID:  sid,
				PlaybackID: p.playback.ID,
				Agent:      p.playback.Agent,
				Text:       p.playback.Text,
			}) {
				return errBackpressure
			}

		case d := <-ttsDoneCh:
			if d.turnID != turnID {
				continue
			}
			if d.err != nil && !d.canceled {
				s.errors.TTS(d.err.Error(), sid, len(d.text))
				s.metrics.RecordError(string(types.ErrTTS))
				sendPriority(protocol.ServerError{
					Event:     protocol.EventError,
					Timestamp: stamp(),
					SessionID: sid,
					ErrorType: string(types.ErrTTS),
					Message:   "speech synthesis failed",
				})
				clearTurn()
				continue
			}
			if d.completed && !turnInterrupted {
				s.history.AddAgentTurn(d.text, d.agent, nil)
				if !sendNormal(protocol.ServerAgentResponseCompleted{
					Event:      protocol.EventAgentResponseCompleted,
					Timestamp:  stamp(),
					SessionID:  sid,
					PlaybackID: d.playbackID,
				}) {
					return errBackpressure
				}
				s.metrics.RecordTurn(d.agent, "completed", s.now().Sub(turnStartedAt))
			}
			clearTurn()
		}
	}
}

// readLoop pumps socket frames into the event loop. The read error frame is
// delivered too so the loop can distinguish clean closes from failures.
func (s *LiveSession) readLoop(ctx context.Context, out chan<- inboundFrame) {
	for {
		messageType, data, err := s.conn.ReadMessage()
		select {
		case out <- inboundFrame{messageType: messageType, data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}
