// Package session implements shared remote-terminal sessions: the session
// record and its state machine, the manager that orchestrates lifecycle
// and control handoff, and the per-session output broadcaster.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/termshare/termshare/internal/snapshot"
	"github.com/termshare/termshare/internal/sshtransport"
)

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusConnecting is the initial state, set at record creation while
	// the transport is acquired asynchronously.
	StatusConnecting Status = "connecting"
	// StatusConnected means the shell is live and the broadcaster runs.
	StatusConnected Status = "connected"
	// StatusError means transport acquisition or shell start failed.
	// Terminal: a failed session is recreated, never retried in place.
	StatusError Status = "error"
	// StatusClosed means the session ended. Terminal.
	StatusClosed Status = "closed"
)

// canTransition reports whether the state machine permits a move. The
// machine is acyclic: Connecting is never re-entered, Error and Closed
// have no exits.
func canTransition(from, to Status) bool {
	switch from {
	case StatusConnecting:
		return to == StatusConnected || to == StatusError || to == StatusClosed
	case StatusConnected:
		return to == StatusClosed
	default:
		return false
	}
}

// Session is one logical remote-shell conversation. Identity fields are
// immutable after creation; everything mutable sits behind the session's
// own mutex, which is the per-session critical section all manager
// operations serialize through. The live shell and broadcaster task are
// owned by the Manager in parallel maps, never by the record itself.
type Session struct {
	ID        string
	Owner     string
	Endpoint  sshtransport.Endpoint
	CreatedAt time.Time

	mu           sync.Mutex
	status       Status
	controller   string // empty means no controller
	observers    map[string]struct{}
	lastActivity time.Time
	persistedAt  time.Time
	errorMessage string
}

// newSession allocates a Connecting session with the owner as sole
// observer and initial controller.
func newSession(owner string, endpoint sshtransport.Endpoint) *Session {
	now := time.Now()
	return &Session{
		ID:           uuid.New().String(),
		Owner:        owner,
		Endpoint:     endpoint,
		CreatedAt:    now,
		status:       StatusConnecting,
		controller:   owner,
		observers:    map[string]struct{}{owner: {}},
		lastActivity: now,
	}
}

// restoreSession rebuilds a session from a durable snapshot. The status
// is forced to Error regardless of what was persisted: a transport is
// never assumed alive across a restart.
func restoreSession(snap snapshot.Snapshot, reason string) *Session {
	observers := make(map[string]struct{}, len(snap.Observers))
	for _, o := range snap.Observers {
		observers[o] = struct{}{}
	}
	msg := reason
	if Status(snap.Status) == StatusError && snap.ErrorMessage != "" {
		msg = snap.ErrorMessage
	}
	return &Session{
		ID:    snap.SessionID,
		Owner: snap.Owner,
		Endpoint: sshtransport.Endpoint{
			Host:     snap.Host,
			Port:     snap.Port,
			Username: snap.Username,
		},
		CreatedAt:    snap.CreatedAt,
		status:       StatusError,
		controller:   snap.Controller,
		observers:    observers,
		lastActivity: snap.LastActivity,
		errorMessage: msg,
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Controller returns the current controller, or "" if none.
func (s *Session) Controller() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controller
}

// Observers returns a sorted snapshot of the observer set.
func (s *Session) Observers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.observers))
	for o := range s.observers {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

// HasObserver reports whether the participant may view this session.
func (s *Session) HasObserver(participant string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.observers[participant]
	return ok
}

// LastActivity returns the time of the last management operation or
// successful I/O.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// ErrorMessage returns the failure description for an Error session.
func (s *Session) ErrorMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorMessage
}

// transition moves the session to a new status if the state machine
// permits it. errMsg is recorded only when entering Error.
func (s *Session) transition(to Status, errMsg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.status, to) {
		return false
	}
	s.status = to
	if to == StatusError {
		s.errorMessage = errMsg
	}
	s.lastActivity = time.Now()
	return true
}

// attach adds a participant to the observer set. Control is not granted.
func (s *Session) attach(participant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers[participant] = struct{}{}
	s.lastActivity = time.Now()
}

// detach removes a participant from the observer set. If the participant
// held control, control reverts to nobody; there is no implicit handoff.
// Returns the remaining observer count and whether control was cleared.
func (s *Session) detach(participant string) (remaining int, controllerCleared bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.observers, participant)
	if s.controller == participant {
		s.controller = ""
		controllerCleared = true
	}
	s.lastActivity = time.Now()
	return len(s.observers), controllerCleared
}

// setController hands exclusive input rights to the participant. Fails if
// the participant is not an observer, leaving the prior controller in
// place. The previous controller is displaced silently: control is
// cooperative, last request wins.
func (s *Session) setController(participant string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.observers[participant]; !ok {
		return false
	}
	s.controller = participant
	s.lastActivity = time.Now()
	return true
}

// touch refreshes last_activity. Returns true when the snapshot should be
// re-persisted to refresh its TTL; I/O-driven touches are throttled so a
// chatty shell does not hammer the durable cache.
func (s *Session) touch(persistEvery time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.lastActivity = now
	if now.Sub(s.persistedAt) < persistEvery {
		return false
	}
	return true
}

// markPersisted records that a snapshot write just happened.
func (s *Session) markPersisted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistedAt = time.Now()
}

// snapshot builds the durable representation of the session. Live
// transport and task handles are excluded by construction.
func (s *Session) snapshot() snapshot.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	observers := make([]string, 0, len(s.observers))
	for o := range s.observers {
		observers = append(observers, o)
	}
	sort.Strings(observers)
	return snapshot.Snapshot{
		SessionID:    s.ID,
		Owner:        s.Owner,
		Host:         s.Endpoint.Host,
		Port:         s.Endpoint.Port,
		Username:     s.Endpoint.Username,
		Status:       string(s.status),
		Controller:   s.controller,
		Observers:    observers,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
		ErrorMessage: s.errorMessage,
	}
}

// Info is the read-only view of a session returned by listing operations.
type Info struct {
	ID           string    `json:"session_id"`
	Owner        string    `json:"owner"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	Username     string    `json:"username"`
	Status       Status    `json:"status"`
	Controller   string    `json:"controller,omitempty"`
	Observers    []string  `json:"observers"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// info builds the read-only view.
func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	observers := make([]string, 0, len(s.observers))
	for o := range s.observers {
		observers = append(observers, o)
	}
	sort.Strings(observers)
	return Info{
		ID:           s.ID,
		Owner:        s.Owner,
		Host:         s.Endpoint.Host,
		Port:         s.Endpoint.Port,
		Username:     s.Endpoint.Username,
		Status:       s.status,
		Controller:   s.controller,
		Observers:    observers,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
		ErrorMessage: s.errorMessage,
	}
}
