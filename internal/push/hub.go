package push

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Sink delivers a message to one participant. The session broadcaster
// fans output out through this interface; delivery is best-effort and a
// failure never changes session membership.
type Sink interface {
	Deliver(ctx context.Context, participant string, msg Message) error
}

// Hub routes messages to the WebSocket connections of participants. A
// participant may hold several connections (several open tabs); a message
// is written to all of them.
type Hub struct {
	writeTimeout time.Duration

	mu    sync.RWMutex
	conns map[string]map[*websocket.Conn]struct{}
}

// NewHub creates a Hub. writeTimeout bounds each connection write so one
// stalled client cannot block the broadcaster.
func NewHub(writeTimeout time.Duration) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Hub{
		writeTimeout: writeTimeout,
		conns:        make(map[string]map[*websocket.Conn]struct{}),
	}
}

// Register adds a connection for a participant.
func (h *Hub) Register(participant string, c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[participant]
	if !ok {
		set = make(map[*websocket.Conn]struct{})
		h.conns[participant] = set
	}
	set[c] = struct{}{}
}

// Unregister removes a connection for a participant.
func (h *Hub) Unregister(participant string, c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[participant]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.conns, participant)
	}
}

// ConnCount returns the number of open connections for a participant.
func (h *Hub) ConnCount(participant string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[participant])
}

// Deliver writes the message to every connection of the participant. A
// participant with no connections is not an error: output is simply not
// observable for them right now. Write failures are joined and returned.
func (h *Hub) Deliver(ctx context.Context, participant string, msg Message) error {
	data, err := Marshal(msg)
	if err != nil {
		return err
	}

	h.mu.RLock()
	targets := make([]*websocket.Conn, 0, len(h.conns[participant]))
	for c := range h.conns[participant] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	var errs []error
	for _, c := range targets {
		wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
		err := c.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
