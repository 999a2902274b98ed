package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/careline/voicegate/pkg/gateway/config"
)

func testConfig() config.Config {
	return config.Config{
		Addr:            ":0",
		LogLevel:        "info",
		Strategy:        "echo",
		TurnTimeout:     time.Second,
		TTSPerWord:      time.Millisecond,
		CleanupInterval: time.Minute,
		SessionMaxAge:   time.Hour,
	}
}

func newTestServer() *Server {
	return New(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRoutes(t *testing.T) {
	s := newTestServer()

	tests := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodPost, "/sessions", `{"session_id":"call-1"}`, http.StatusCreated},
		{http.MethodGet, "/sessions/call-1", "", http.StatusOK},
		{http.MethodDelete, "/sessions/call-1", "", http.StatusNoContent},
		{http.MethodGet, "/sessions/missing", "", http.StatusNotFound},
		{http.MethodGet, "/nope", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		var body io.Reader
		if tt.body != "" {
			body = strings.NewReader(tt.body)
		}
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, body))
		if rec.Code != tt.want {
			t.Fatalf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.want)
		}
	}
}

func TestNotFoundIsJSON(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	var envelope struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode 404 body: %v", err)
	}
	if envelope.Error.Type != "not_found" {
		t.Fatalf("error type = %q, want not_found", envelope.Error.Type)
	}
}

func TestStreamRefusedWhileDraining(t *testing.T) {
	s := newTestServer()
	s.SetDraining()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/stream", nil)
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestMetricsExposition(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "voicegate_sessions_active") {
		t.Fatalf("metrics body missing gauge: %s", rec.Body.String()[:min(200, rec.Body.Len())])
	}
}
