// Package config loads gateway settings from VOICEGATE_* environment
// variables. Every knob has a default; malformed values fall back rather
// than fail, and validation catches combinations the gateway cannot run
// with.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Log verbosity: debug|info|warn|error.
	LogLevel string

	// Strategy the live session loop routes utterances through.
	Strategy string

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Live WebSocket channel (/v1/stream).
	WSMaxMessageBytes int64
	WSWriteTimeout    time.Duration
	WSPingInterval    time.Duration
	WSMaxSessionAge   time.Duration
	WSOutboundQueue   int

	// Turn orchestration.
	TurnTimeout         time.Duration
	ConfidenceThreshold float64

	// Conversation memory.
	ContextMaxTurns  int
	ContextMaxTokens int

	// Subsystem retry policy.
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryBackoff     float64
	RetryMaxDelay    time.Duration

	// Simulated speech pacing for the in-memory synthesizer.
	TTSPerWord time.Duration

	// Session store hygiene.
	CleanupInterval time.Duration
	SessionMaxAge   time.Duration

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("VOICEGATE_ADDR", ":8080"),
		LogLevel:            strings.ToLower(envOr("VOICEGATE_LOG_LEVEL", "info")),
		Strategy:            envOr("VOICEGATE_STRATEGY", "routed"),
		CORSAllowedOrigins:  make(map[string]struct{}),
		WSMaxMessageBytes:   envInt64Or("VOICEGATE_WS_MAX_MESSAGE_BYTES", 64*1024),
		WSWriteTimeout:      envDurationOr("VOICEGATE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSPingInterval:      envDurationOr("VOICEGATE_WS_PING_INTERVAL", 20*time.Second),
		WSMaxSessionAge:     envDurationOr("VOICEGATE_WS_MAX_SESSION_AGE", 2*time.Hour),
		WSOutboundQueue:     envIntOr("VOICEGATE_WS_OUTBOUND_QUEUE", 64),
		TurnTimeout:         envDurationOr("VOICEGATE_TURN_TIMEOUT", 10*time.Second),
		ConfidenceThreshold: envFloat64Or("VOICEGATE_CONFIDENCE_THRESHOLD", 0.75),
		ContextMaxTurns:     envIntOr("VOICEGATE_CONTEXT_MAX_TURNS", 10),
		ContextMaxTokens:    envIntOr("VOICEGATE_CONTEXT_MAX_TOKENS", 0),
		RetryMaxAttempts:    envIntOr("VOICEGATE_RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:      envDurationOr("VOICEGATE_RETRY_BASE_DELAY", time.Second),
		RetryBackoff:        envFloat64Or("VOICEGATE_RETRY_BACKOFF", 2.0),
		RetryMaxDelay:       envDurationOr("VOICEGATE_RETRY_MAX_DELAY", 30*time.Second),
		TTSPerWord:          envDurationOr("VOICEGATE_TTS_PER_WORD", 300*time.Millisecond),
		CleanupInterval:     envDurationOr("VOICEGATE_CLEANUP_INTERVAL", 10*time.Minute),
		SessionMaxAge:       envDurationOr("VOICEGATE_SESSION_MAX_AGE", 24*time.Hour),
		ReadHeaderTimeout:   envDurationOr("VOICEGATE_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:         envDurationOr("VOICEGATE_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod: envDurationOr("VOICEGATE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("VOICEGATE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("VOICEGATE_LOG_LEVEL must be one of debug|info|warn|error")
	}
	switch cfg.Strategy {
	case "routed", "echo":
	default:
		return Config{}, fmt.Errorf("VOICEGATE_STRATEGY must be one of routed|echo")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSMaxSessionAge <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_WS_MAX_SESSION_AGE must be > 0")
	}
	if cfg.WSOutboundQueue <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_WS_OUTBOUND_QUEUE must be > 0")
	}
	if cfg.TurnTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_TURN_TIMEOUT must be > 0")
	}
	if cfg.ConfidenceThreshold <= 0 || cfg.ConfidenceThreshold > 1 {
		return Config{}, fmt.Errorf("VOICEGATE_CONFIDENCE_THRESHOLD must be within (0, 1]")
	}
	if cfg.ContextMaxTurns <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_CONTEXT_MAX_TURNS must be > 0")
	}
	if cfg.ContextMaxTokens < 0 {
		return Config{}, fmt.Errorf("VOICEGATE_CONTEXT_MAX_TOKENS must be >= 0")
	}
	if cfg.RetryMaxAttempts < 0 {
		return Config{}, fmt.Errorf("VOICEGATE_RETRY_MAX_ATTEMPTS must be >= 0")
	}
	if cfg.RetryBaseDelay <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_RETRY_BASE_DELAY must be > 0")
	}
	if cfg.RetryBackoff < 1 {
		return Config{}, fmt.Errorf("VOICEGATE_RETRY_BACKOFF must be >= 1")
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		return Config{}, fmt.Errorf("VOICEGATE_RETRY_MAX_DELAY must be >= VOICEGATE_RETRY_BASE_DELAY")
	}
	if cfg.TTSPerWord <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_TTS_PER_WORD must be > 0")
	}
	if cfg.CleanupInterval <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_CLEANUP_INTERVAL must be > 0")
	}
	if cfg.SessionMaxAge <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_SESSION_MAX_AGE must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
