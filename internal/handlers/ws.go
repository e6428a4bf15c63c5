package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/termshare/termshare/internal/push"
	"github.com/termshare/termshare/internal/session"
	"github.com/termshare/termshare/internal/sshtransport"
)

// sessionWS streams a session over a WebSocket. The participant (query
// parameter) must already be an observer of the session; output arrives
// as terminal_output messages, and input messages are forwarded to the
// shell only while the participant holds control. Disconnecting does not
// detach the participant: membership changes only through the REST
// detach operation.
func (a *API) sessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	participant := r.URL.Query().Get("participant")
	if participant == "" {
		http.Error(w, "participant query parameter is required", http.StatusBadRequest)
		return
	}
	if _, ok := a.Manager.GetSession(sessionID); !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	if !a.Manager.IsObserver(sessionID, participant) {
		http.Error(w, "Participant is not an observer of this session", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[ws] failed to accept websocket for session %s: %v", sessionID, err)
		return
	}
	defer conn.CloseNow()

	conn.SetReadLimit(1024 * 1024)

	ctx := r.Context()
	a.Hub.Register(participant, conn)
	defer a.Hub.Unregister(participant, conn)
	log.Printf("[ws] %s connected to session %s", participant, sessionID)

	limiter := newTokenBucket(wsRateBurst, wsRateLimit)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			log.Printf("[ws] %s disconnected from session %s", participant, sessionID)
			return
		}

		if !limiter.allow() {
			continue
		}
		if len(data) > sshtransport.MaxInputMessageSize {
			log.Printf("[ws] oversized message from %s on session %s (%d bytes)", participant, sessionID, len(data))
			a.sendNotice(ctx, conn, "message too large")
			continue
		}

		msg, err := push.Decode(data)
		if err != nil {
			a.sendNotice(ctx, conn, err.Error())
			continue
		}

		switch v := msg.(type) {
		case push.Input:
			err := a.Manager.WriteInput(sessionID, participant, []byte(v.Data))
			switch {
			case errors.Is(err, session.ErrNotController):
				// Dropped and logged by the manager; silent for the sender.
			case errors.Is(err, session.ErrSessionNotFound):
				a.sendNotice(ctx, conn, "session no longer exists")
				conn.Close(websocket.StatusNormalClosure, "session closed")
				return
			case err != nil:
				a.sendNotice(ctx, conn, "input failed")
			}

		case push.Resize:
			if err := a.Manager.ResizeTerminal(sessionID, participant, v.Cols, v.Rows); err != nil &&
				!errors.Is(err, session.ErrNotController) {
				log.Printf("[ws] resize failed for session %s: %v", sessionID, err)
			}

		default:
			a.sendNotice(ctx, conn, "unexpected message type")
		}
	}
}

// sendNotice writes an error notice to one connection, best-effort.
func (a *API) sendNotice(ctx context.Context, conn *websocket.Conn, message string) {
	data, err := push.Marshal(push.ErrorNotice{Message: message})
	if err != nil {
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, data)
}
