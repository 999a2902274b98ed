package handlers

import (
	"net/http"

	"github.com/careline/voicegate/pkg/core/agents"
	"github.com/careline/voicegate/pkg/core/errlog"
	"github.com/careline/voicegate/pkg/core/generation"
	"github.com/careline/voicegate/pkg/core/voice/tts"
	"github.com/careline/voicegate/pkg/gateway/live/sessions"
)

// HealthHandler reports aggregate gateway health with per-subsystem detail.
type HealthHandler struct {
	Store      *sessions.Store
	Live       *sessions.Tracker
	Runtime    *agents.Runtime
	Generation generation.Provider
	Synth      *tts.Engine
	Errors     *errlog.Sink
}

type sessionsHealth struct {
	Active          int `json:"active"`
	Ended           int `json:"ended"`
	Total           int `json:"total"`
	LiveConnections int `json:"live_connections"`
}

type agentsHealth struct {
	Strategies []string `json:"strategies"`
}

type generationHealth struct {
	Backend string `json:"backend"`
}

type ttsHealth struct {
	ActivePlaybacks int `json:"active_playbacks"`
}

type errorsHealth struct {
	Total    int `json:"total"`
	LastHour int `json:"last_hour"`
}

type healthResponse struct {
	Status     string `json:"status"`
	Subsystems struct {
		Sessions   sessionsHealth   `json:"sessions"`
		Agents     agentsHealth     `json:"agents"`
		Generation generationHealth `json:"generation"`
		TTS        ttsHealth        `json:"tts"`
		Errors     errorsHealth     `json:"errors"`
	} `json:"subsystems"`
}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var resp healthResponse
	resp.Status = "ok"

	if h.Store != nil {
		counts := h.Store.Count()
		resp.Subsystems.Sessions = sessionsHealth{
			Active: counts.Active,
			Ended:  counts.Ended,
			Total:  counts.Total,
		}
	}
	if h.Live != nil {
		resp.Subsystems.Sessions.LiveConnections = h.Live.Count()
	}
	if h.Runtime != nil {
		resp.Subsystems.Agents = agentsHealth{Strategies: h.Runtime.Names()}
	}
	if h.Generation != nil {
		resp.Subsystems.Generation = generationHealth{Backend: h.Generation.Name()}
	}
	if h.Synth != nil {
		resp.Subsystems.TTS = ttsHealth{ActivePlaybacks: h.Synth.Active()}
	}
	if h.Errors != nil {
		stats := h.Errors.Snapshot()
		resp.Subsystems.Errors = errorsHealth{
			Total:    stats.Total,
			LastHour: stats.LastHour,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
