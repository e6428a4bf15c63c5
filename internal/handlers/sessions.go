package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/termshare/termshare/internal/session"
	"github.com/termshare/termshare/internal/sshtransport"
)

type createSessionRequest struct {
	Owner    string `json:"owner"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`

	// Exactly one credential must be set.
	Password    string `json:"password,omitempty"`
	KeyFile     string `json:"key_file,omitempty"`
	AgentSocket string `json:"agent_socket,omitempty"`
}

func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Owner == "" || req.Host == "" || req.Port <= 0 || req.Username == "" {
		writeError(w, http.StatusBadRequest, "owner, host, port, and username are required")
		return
	}

	creds := sshtransport.Credentials{
		Password:    req.Password,
		KeyFile:     req.KeyFile,
		AgentSocket: req.AgentSocket,
	}
	if err := creds.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	endpoint := sshtransport.Endpoint{Host: req.Host, Port: req.Port, Username: req.Username}
	id, err := a.Manager.CreateSession(req.Owner, endpoint, creds)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"session_id": id,
		"status":     string(session.StatusConnecting),
	})
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	participant := r.URL.Query().Get("participant")
	sessions := a.Manager.ListSessions(participant)
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	info, ok := a.Manager.GetSession(chi.URLParam(r, "sessionID"))
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *API) closeSession(w http.ResponseWriter, r *http.Request) {
	// Close is idempotent: closing an already-closed or unknown session
	// leaves the same end state.
	a.Manager.CloseSession(chi.URLParam(r, "sessionID"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

type participantRequest struct {
	Participant string `json:"participant"`
}

func (a *API) attachViewer(w http.ResponseWriter, r *http.Request) {
	var req participantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Participant == "" {
		writeError(w, http.StatusBadRequest, "participant is required")
		return
	}
	if !a.Manager.AttachViewer(chi.URLParam(r, "sessionID"), req.Participant) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "attached"})
}

func (a *API) detachViewer(w http.ResponseWriter, r *http.Request) {
	participant := chi.URLParam(r, "participant")
	if participant == "" {
		writeError(w, http.StatusBadRequest, "participant is required")
		return
	}
	err := a.Manager.DetachViewer(chi.URLParam(r, "sessionID"), participant)
	if errors.Is(err, session.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to detach viewer")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "detached"})
}

func (a *API) setController(w http.ResponseWriter, r *http.Request) {
	var req participantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Participant == "" {
		writeError(w, http.StatusBadRequest, "participant is required")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if _, ok := a.Manager.GetSession(sessionID); !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if !a.Manager.SetController(sessionID, req.Participant) {
		writeError(w, http.StatusConflict, "Participant is not an observer of this session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"controller": req.Participant})
}
