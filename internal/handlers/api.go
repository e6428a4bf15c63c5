// Package handlers exposes the session-management REST surface and the
// WebSocket streaming endpoint. Authentication of participants is the
// caller's responsibility; these handlers enforce only intra-session
// rules (who controls, who observes).
package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/termshare/termshare/internal/audit"
	"github.com/termshare/termshare/internal/logging"
	"github.com/termshare/termshare/internal/push"
	"github.com/termshare/termshare/internal/session"
)

// API bundles the handler dependencies. Constructed once in main and
// mounted on the router; no package-level state.
type API struct {
	Manager *session.Manager
	Hub     *push.Hub
	Auditor *audit.Auditor // optional
}

// Routes returns the /api/v1 router.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", a.health)
	r.Get("/logs/tail", a.logsTail)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", a.createSession)
		r.Get("/", a.listSessions)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", a.getSession)
			r.Delete("/", a.closeSession)
			r.Get("/ws", a.sessionWS)
			r.Get("/audit", a.sessionAudit)
			r.Post("/viewers", a.attachViewer)
			r.Delete("/viewers/{participant}", a.detachViewer)
			r.Put("/controller", a.setController)
		})
	})

	return r
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": a.Manager.SessionCount(),
	})
}

func (a *API) logsTail(w http.ResponseWriter, r *http.Request) {
	lines := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid lines parameter")
			return
		}
		lines = n
	}
	tail, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": tail})
}

func (a *API) sessionAudit(w http.ResponseWriter, r *http.Request) {
	if a.Auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Auditing is disabled")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	records, err := a.Auditor.ForSession(sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit records")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": records})
}
