package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/careline/voicegate/pkg/core/types"
	"github.com/careline/voicegate/pkg/gateway/live/sessions"
)

// SessionsHandler serves session management: create, inspect, delete.
type SessionsHandler struct {
	Store *sessions.Store
	Live  *sessions.Tracker
}

type createSessionRequest struct {
	SessionID string `json:"session_id"`
}

type createSessionResponse struct {
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	StartTime time.Time `json:"start_time"`
}

func (h SessionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	// An empty body means a generated ID; a malformed one is an error.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	sess, err := h.Store.Create(req.SessionID)
	if err != nil {
		if errors.Is(err, sessions.ErrDuplicateSession) {
			writeError(w, r, http.StatusConflict, "session_error", "session already exists")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "session_error", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: sess.ID,
		Status:    "created",
		StartTime: sess.StartTime,
	})
}

type contextSummary struct {
	TotalTurns        int     `json:"total_turns"`
	UserTurns         int     `json:"user_turns"`
	AgentTurns        int     `json:"agent_turns"`
	Interruptions     int     `json:"interruptions"`
	AvgUserConfidence float64 `json:"avg_user_confidence,omitempty"`
}

type getSessionResponse struct {
	Session *types.Session  `json:"session"`
	Live    bool            `json:"live"`
	Context *contextSummary `json:"context,omitempty"`
}

func (h SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := h.Store.Get(id)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "session_error", "session not found")
		return
	}

	resp := getSessionResponse{Session: sess}
	if h.Live != nil {
		if handle, ok := h.Live.Lookup(id); ok && handle.History != nil {
			sum := handle.History.Summary()
			resp.Live = true
			resp.Context = &contextSummary{
				TotalTurns:        sum.TotalTurns,
				UserTurns:         sum.UserTurns,
				AgentTurns:        sum.AgentTurns,
				Interruptions:     sum.Interruptions,
				AvgUserConfidence: sum.AvgUserConfidence,
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h SessionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.Live != nil {
		if handle, ok := h.Live.Lookup(id); ok && handle.Cancel != nil {
			handle.Cancel()
		}
	}
	if !h.Store.Delete(id) {
		writeError(w, r, http.StatusNotFound, "session_error", "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
