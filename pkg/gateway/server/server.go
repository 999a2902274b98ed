// Package server assembles the gateway: router, shared subsystems, and the
// lifecycle controls the process entrypoint drives.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/careline/voicegate/pkg/core/agents"
	"github.com/careline/voicegate/pkg/core/errlog"
	"github.com/careline/voicegate/pkg/core/generation"
	"github.com/careline/voicegate/pkg/core/retry"
	"github.com/careline/voicegate/pkg/core/voice/tts"
	"github.com/careline/voicegate/pkg/gateway/config"
	"github.com/careline/voicegate/pkg/gateway/handlers"
	"github.com/careline/voicegate/pkg/gateway/live/sessions"
	"github.com/careline/voicegate/pkg/gateway/metrics"
	"github.com/careline/voicegate/pkg/gateway/mw"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	router chi.Router

	store    *sessions.Store
	live     *sessions.Tracker
	runtime  *agents.Runtime
	provider generation.Provider
	synth    *tts.Engine
	errors   *errlog.Sink
	metrics  *metrics.Metrics
	retry    *retry.Executor
	draining atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	m := metrics.New("")
	provider := generation.NewScripted()
	runtime := agents.NewRuntime()
	runtime.Register("routed", agents.NewRoutedStrategy(provider))
	runtime.SetDefault(cfg.Strategy)

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		store:    sessions.NewStore(logger),
		live:     sessions.NewTracker(),
		runtime:  runtime,
		provider: provider,
		synth:    tts.NewEngine(logger, tts.WithPerWord(cfg.TTSPerWord)),
		errors:   errlog.NewSink(logger),
		metrics:  m,
		retry: retry.New(
			retry.WithMaxRetries(cfg.RetryMaxAttempts),
			retry.WithBaseDelay(cfg.RetryBaseDelay),
			retry.WithBackoffFactor(cfg.RetryBackoff),
			retry.WithMaxDelay(cfg.RetryMaxDelay),
			retry.WithClassifier(retry.ForGeneration),
			retry.WithOnRetry(func(int, time.Duration, error) {
				m.RecordRetry("generation")
			}),
		),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mw.AccessLog(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(mw.CORS(s.cfg.CORSAllowedOrigins))

	sessionsHandler := handlers.SessionsHandler{Store: s.store, Live: s.live}

	r.Method(http.MethodGet, "/health", handlers.HealthHandler{
		Store:      s.store,
		Live:       s.live,
		Runtime:    s.runtime,
		Generation: s.provider,
		Synth:      s.synth,
		Errors:     s.errors,
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Method(http.MethodGet, "/v1/stream", handlers.StreamHandler{
		Config:   s.cfg,
		Logger:   s.logger,
		Store:    s.store,
		Live:     s.live,
		Runtime:  s.runtime,
		Synth:    s.synth,
		Errors:   s.errors,
		Metrics:  s.metrics,
		Retry:    s.retry,
		Draining: s.draining.Load,
	})
	r.Post("/sessions", sessionsHandler.Create)
	r.Get("/sessions/{id}", sessionsHandler.Get)
	r.Delete("/sessions/{id}", sessionsHandler.Delete)
	r.NotFound(handlers.NotFound)
	return r
}

func (s *Server) Handler() http.Handler { return s.router }

// SetDraining makes /v1/stream refuse new sessions.
func (s *Server) SetDraining() { s.draining.Store(true) }

// CancelLiveSessions fires the cancel on every connected session.
func (s *Server) CancelLiveSessions() int { return s.live.CancelAll() }

// WaitLiveSessions blocks until all live connections unregister or ctx
// ends, reporting whether the drain completed.
func (s *Server) WaitLiveSessions(ctx context.Context) bool { return s.live.Wait(ctx) }

// LiveSessionCount reports currently connected sessions.
func (s *Server) LiveSessionCount() int { return s.live.Count() }

// RunJanitor periodically evicts long-ended sessions until ctx ends.
func (s *Server) RunJanitor(ctx context.Context) {
	interval := s.cfg.CleanupInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.store.CleanupEnded(s.cfg.SessionMaxAge)
		}
	}
}
