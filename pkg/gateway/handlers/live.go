package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/careline/voicegate/pkg/core/agents"
	"github.com/careline/voicegate/pkg/core/contextbuf"
	"github.com/careline/voicegate/pkg/core/errlog"
	"github.com/careline/voicegate/pkg/core/retry"
	"github.com/careline/voicegate/pkg/core/voice/tts"
	"github.com/careline/voicegate/pkg/gateway/config"
	"github.com/careline/voicegate/pkg/gateway/live/protocol"
	"github.com/careline/voicegate/pkg/gateway/live/session"
	"github.com/careline/voicegate/pkg/gateway/live/sessions"
	"github.com/careline/voicegate/pkg/gateway/metrics"
)

// StreamHandler upgrades GET /v1/stream to the live session channel and
// runs one LiveSession per connection.
type StreamHandler struct {
	Config  config.Config
	Logger  *slog.Logger
	Store   *sessions.Store
	Live    *sessions.Tracker
	Runtime *agents.Runtime
	Synth   tts.Synthesizer
	Errors  *errlog.Sink
	Metrics *metrics.Metrics
	Retry   *retry.Executor

	// Draining, when set and true, refuses new sessions during shutdown.
	Draining func() bool
}

func (h StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Draining != nil && h.Draining() {
		writeError(w, r, http.StatusServiceUnavailable, "session_error", "gateway is draining")
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return h.originAllowed(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		return
	}
	defer conn.Close()

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sess, err := h.Store.Create(r.URL.Query().Get("session_id"))
	if err != nil {
		h.writeWSError(conn, "", "session_error", err.Error())
		return
	}

	strategyName := r.URL.Query().Get("strategy")
	if strategyName == "" {
		strategyName = h.Config.Strategy
	}
	strategy := h.Runtime.Resolve(strategyName)

	historyOpts := []contextbuf.Option{}
	if h.Config.ContextMaxTurns > 0 {
		historyOpts = append(historyOpts, contextbuf.WithMaxTurns(h.Config.ContextMaxTurns))
	}
	if h.Config.ContextMaxTokens > 0 {
		historyOpts = append(historyOpts, contextbuf.WithMaxTokens(h.Config.ContextMaxTokens))
	}
	history := contextbuf.New(historyOpts...)

	live, err := session.New(session.Dependencies{
		Conn:        conn,
		Logger:      logger,
		Session:     sess,
		Strategy:    strategy,
		Synthesizer: h.Synth,
		Context:     history,
		Errors:      h.Errors,
		Metrics:     h.Metrics,
		Retry:       h.Retry,
		Config: session.Config{
			MaxMessageBytes:     h.Config.WSMaxMessageBytes,
			PingInterval:        h.Config.WSPingInterval,
			WriteTimeout:        h.Config.WSWriteTimeout,
			MaxSessionAge:       h.Config.WSMaxSessionAge,
			TurnTimeout:         h.Config.TurnTimeout,
			ConfidenceThreshold: h.Config.ConfidenceThreshold,
			OutboundQueueSize:   h.Config.WSOutboundQueue,
		},
	})
	if err != nil {
		h.writeWSError(conn, sess.ID, "session_error", "failed to start session")
		_, _ = h.Store.End(sess.ID)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	unregister := h.Live.Register(sess.ID, sessions.Handle{Cancel: cancel, History: history})
	defer unregister()

	runErr := live.Run(ctx)
	if _, endErr := h.Store.End(sess.ID); endErr != nil {
		logger.Warn("end session after run", "session_id", sess.ID, "error", endErr)
	}
	if runErr != nil && ctx.Err() == nil {
		logger.Warn("live session failed", "session_id", sess.ID, "error", runErr)
	}
}

func (h StreamHandler) originAllowed(r *http.Request) bool {
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if _, ok := h.Config.CORSAllowedOrigins["*"]; ok {
		return true
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h StreamHandler) writeWSError(conn *websocket.Conn, sessionID, errType, message string) {
	payload, err := json.Marshal(protocol.ServerError{
		Event:     protocol.EventError,
		Timestamp: protocol.Stamp(time.Now()),
		SessionID: sessionID,
		ErrorType: errType,
		Message:   message,
	})
	if err != nil {
		return
	}
	writeTimeout := h.Config.WSWriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	deadline := time.Now().Add(writeTimeout)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteMessage(websocket.TextMessage, payload)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, errType), deadline)
}
