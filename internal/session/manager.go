package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/termshare/termshare/internal/audit"
	"github.com/termshare/termshare/internal/push"
	"github.com/termshare/termshare/internal/snapshot"
	"github.com/termshare/termshare/internal/sshtransport"
)

var (
	// ErrSessionNotFound means the operation referenced an unknown or
	// expired session ID.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotController means input came from an observer without control.
	// Such input is dropped, not escalated.
	ErrNotController = errors.New("participant is not the session controller")
	// ErrNotConnected means the session has no live shell to write to.
	ErrNotConnected = errors.New("session is not connected")
)

// restoredMessage explains why a restored session starts in Error.
const restoredMessage = "restored after restart; remote connection was not preserved"

// persistStoreTimeout bounds each durable-cache call so a slow cache
// never stalls a session operation indefinitely.
const persistStoreTimeout = 5 * time.Second

// Config wires a Manager's collaborators and tunables.
type Config struct {
	Pool    *sshtransport.Pool
	Store   snapshot.Store
	Sink    push.Sink
	Auditor *audit.Auditor // optional; nil disables auditing

	// IdleTimeout is how long a session may stay inactive before the
	// reaper closes it. Also the snapshot TTL.
	IdleTimeout time.Duration
	// PollTimeout bounds each broadcaster output read so the loop stays
	// responsive to cancellation.
	PollTimeout time.Duration
	// PollMaxBytes caps a single output read.
	PollMaxBytes int
}

// Manager orchestrates session lifecycle: create, attach, detach, control
// handoff, close, idle reaping, and restart-time restore. It owns the
// session records and, in parallel maps keyed by session ID, the live
// shells and broadcaster tasks; the records themselves never reference
// either, so there is no cycle between a session and its task.
type Manager struct {
	pool    *sshtransport.Pool
	store   snapshot.Store
	sink    push.Sink
	auditor *audit.Auditor

	idleTimeout  time.Duration
	pollTimeout  time.Duration
	pollMaxBytes int
	persistEvery time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
	shells   map[string]*sshtransport.Shell
	tasks    map[string]*task
}

// task tracks a running broadcaster so close can cancel it and wait for
// it to stop before the transport goes back to pool bookkeeping.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a Manager. Pool, Store, and Sink are required.
func NewManager(cfg Config) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.PollMaxBytes <= 0 {
		cfg.PollMaxBytes = 32 * 1024
	}
	persistEvery := cfg.IdleTimeout / 10
	if persistEvery > 30*time.Second {
		persistEvery = 30 * time.Second
	}
	return &Manager{
		pool:         cfg.Pool,
		store:        cfg.Store,
		sink:         cfg.Sink,
		auditor:      cfg.Auditor,
		idleTimeout:  cfg.IdleTimeout,
		pollTimeout:  cfg.PollTimeout,
		pollMaxBytes: cfg.PollMaxBytes,
		persistEvery: persistEvery,
		sessions:     make(map[string]*Session),
		shells:       make(map[string]*sshtransport.Shell),
		tasks:        make(map[string]*task),
	}
}

// CreateSession allocates a session for the owner, persists it, and
// returns its ID immediately. Transport acquisition and shell start run
// asynchronously; the caller is never blocked on network I/O. Credential
// problems surface on the session record as an Error status, not here.
func (m *Manager) CreateSession(owner string, endpoint sshtransport.Endpoint, creds sshtransport.Credentials) (string, error) {
	if owner == "" {
		return "", fmt.Errorf("owner is required")
	}
	if endpoint.Host == "" || endpoint.Port <= 0 || endpoint.Username == "" {
		return "", fmt.Errorf("endpoint host, port, and username are required")
	}

	s := newSession(owner, endpoint)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.persist(s)
	m.audit(s.ID, owner, audit.ActionSessionCreated, endpoint.String())
	log.Printf("[session-mgr] created session %s for %s -> %s", s.ID, owner, endpoint)

	go m.connectAndStream(s, creds)

	return s.ID, nil
}

// connectAndStream acquires a transport, starts the shell, and launches
// the broadcaster. Any failure is contained to this session: the record
// moves to Error and nothing else is affected.
func (m *Manager) connectAndStream(s *Session, creds sshtransport.Credentials) {
	ctx := context.Background()

	shell, err := m.acquireShell(ctx, s.Endpoint, creds)
	if err != nil {
		if s.transition(StatusError, err.Error()) {
			m.persist(s)
		}
		m.audit(s.ID, s.Owner, audit.ActionSessionError, err.Error())
		log.Printf("[session-mgr] session %s connect failed: %v", s.ID, err)
		return
	}

	if !s.transition(StatusConnected, "") {
		// Closed while the connect was in flight. The transport stays
		// pooled; only this shell goes away.
		shell.Close()
		return
	}

	bctx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if _, ok := m.sessions[s.ID]; !ok {
		m.mu.Unlock()
		cancel()
		shell.Close()
		return
	}
	m.shells[s.ID] = shell
	m.tasks[s.ID] = t
	m.mu.Unlock()

	m.persist(s)
	m.audit(s.ID, s.Owner, audit.ActionSessionConnected, s.Endpoint.String())
	log.Printf("[session-mgr] session %s connected to %s", s.ID, s.Endpoint)

	go m.runBroadcaster(bctx, s, shell, t)
}

// acquireShell gets a pooled transport and starts a shell over it. When a
// cached transport passes the liveness check but fails at shell start, it
// is discarded and the acquire retried once with a fresh connection.
func (m *Manager) acquireShell(ctx context.Context, endpoint sshtransport.Endpoint, creds sshtransport.Credentials) (*sshtransport.Shell, error) {
	transport, err := m.pool.Acquire(ctx, endpoint, creds)
	if err != nil {
		return nil, err
	}
	shell, err := transport.StartInteractiveShell()
	if err == nil {
		return shell, nil
	}
	if !errors.Is(err, sshtransport.ErrTransportDead) {
		return nil, err
	}

	log.Printf("[session-mgr] cached transport for %s died at shell start; retrying with a fresh connection", endpoint)
	m.pool.Discard(endpoint)
	transport, err = m.pool.Acquire(ctx, endpoint, creds)
	if err != nil {
		return nil, err
	}
	return transport.StartInteractiveShell()
}

// AttachViewer adds the participant to the session's observer set.
// Returns false if the session does not exist. Control is not granted.
func (m *Manager) AttachViewer(sessionID, participant string) bool {
	m.mu.RLock()
	s := m.sessions[sessionID]
	m.mu.RUnlock()
	if s == nil || participant == "" {
		return false
	}
	s.attach(participant)
	m.persist(s)
	m.audit(sessionID, participant, audit.ActionViewerAttached, "")
	return true
}

// DetachViewer removes the participant from the observer set. If the
// participant held control, control reverts to nobody. Detaching the last
// observer closes the session: no audience, no reason to keep resources.
func (m *Manager) DetachViewer(sessionID, participant string) error {
	m.mu.RLock()
	s := m.sessions[sessionID]
	m.mu.RUnlock()
	if s == nil {
		return ErrSessionNotFound
	}

	remaining, controllerCleared := s.detach(participant)
	detail := ""
	if controllerCleared {
		detail = "controller cleared"
	}
	m.audit(sessionID, participant, audit.ActionViewerDetached, detail)

	if remaining == 0 {
		log.Printf("[session-mgr] session %s has no observers left; closing", sessionID)
		m.CloseSession(sessionID)
		return nil
	}
	m.persist(s)
	return nil
}

// SetController hands exclusive input rights to the participant. Succeeds
// only if the participant is an observer of the session; otherwise the
// prior controller is unchanged and false is returned.
func (m *Manager) SetController(sessionID, participant string) bool {
	m.mu.RLock()
	s := m.sessions[sessionID]
	m.mu.RUnlock()
	if s == nil {
		return false
	}
	if !s.setController(participant) {
		return false
	}
	m.persist(s)
	m.audit(sessionID, participant, audit.ActionControllerChanged, "")
	log.Printf("[session-mgr] session %s controller is now %s", sessionID, participant)
	return true
}

// WriteInput forwards raw bytes to the session's shell if the sender is
// the current controller. Input from anyone else is dropped with
// ErrNotController.
func (m *Manager) WriteInput(sessionID, participant string, data []byte) error {
	m.mu.RLock()
	s := m.sessions[sessionID]
	shell := m.shells[sessionID]
	m.mu.RUnlock()
	if s == nil {
		return ErrSessionNotFound
	}
	if s.Controller() != participant {
		log.Printf("[session-mgr] dropped input for session %s from %s (not controller)", sessionID, participant)
		m.audit(sessionID, participant, audit.ActionInputRejected, "not controller")
		return ErrNotController
	}
	if shell == nil {
		return fmt.Errorf("%w: session %s has status %s", ErrNotConnected, sessionID, s.Status())
	}
	if _, err := shell.WriteInput(data); err != nil {
		return fmt.Errorf("write input: %w", err)
	}
	m.touch(s)
	return nil
}

// ResizeTerminal changes the session PTY dimensions. Controller only.
func (m *Manager) ResizeTerminal(sessionID, participant string, cols, rows uint16) error {
	m.mu.RLock()
	s := m.sessions[sessionID]
	shell := m.shells[sessionID]
	m.mu.RUnlock()
	if s == nil {
		return ErrSessionNotFound
	}
	if s.Controller() != participant {
		return ErrNotController
	}
	if shell == nil {
		return fmt.Errorf("%w: session %s has status %s", ErrNotConnected, sessionID, s.Status())
	}
	if err := shell.Resize(cols, rows); err != nil {
		return fmt.Errorf("resize: %w", err)
	}
	m.touch(s)
	return nil
}

// CloseSession tears a session down: the broadcaster is cancelled and
// waited for before the shell closes, so no ghost task keeps reading a
// transport the pool may hand to someone else. The record and its durable
// snapshot are removed. Idempotent; closing an unknown ID is a no-op.
func (m *Manager) CloseSession(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	shell := m.shells[sessionID]
	t := m.tasks[sessionID]
	delete(m.sessions, sessionID)
	delete(m.shells, sessionID)
	delete(m.tasks, sessionID)
	m.mu.Unlock()

	s.transition(StatusClosed, "")
	if t != nil {
		t.cancel()
		<-t.done
	}
	if shell != nil {
		shell.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistStoreTimeout)
	defer cancel()
	if err := m.store.Delete(ctx, sessionID); err != nil {
		log.Printf("[session-mgr] WARNING: durable cache unavailable, snapshot for %s not deleted: %v", sessionID, err)
	}
	m.audit(sessionID, "", audit.ActionSessionClosed, "")
	log.Printf("[session-mgr] closed session %s", sessionID)
}

// GetSession returns the read-only view of one session.
func (m *Manager) GetSession(sessionID string) (Info, bool) {
	m.mu.RLock()
	s := m.sessions[sessionID]
	m.mu.RUnlock()
	if s == nil {
		return Info{}, false
	}
	return s.info(), true
}

// IsObserver reports whether the participant may view the session.
func (m *Manager) IsObserver(sessionID, participant string) bool {
	m.mu.RLock()
	s := m.sessions[sessionID]
	m.mu.RUnlock()
	return s != nil && s.HasObserver(participant)
}

// ListSessions returns a read-only snapshot of all sessions, ordered by
// creation time. A non-empty participant filters to sessions where that
// participant is an observer.
func (m *Manager) ListSessions(participant string) []Info {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(all))
	for _, s := range all {
		if participant != "" && !s.HasObserver(participant) {
			continue
		}
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SessionCount returns the number of tracked sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// RestoreOnStartup repopulates in-memory records from non-expired durable
// snapshots. Restored sessions always start in Error with no transport:
// discoverable metadata, not live streams. Returns the number restored.
func (m *Manager) RestoreOnStartup(ctx context.Context) int {
	snaps, err := m.store.List(ctx)
	if err != nil {
		log.Printf("[session-mgr] WARNING: durable cache unavailable, no sessions restored: %v", err)
		return 0
	}

	restored := 0
	for _, snap := range snaps {
		m.mu.Lock()
		if _, exists := m.sessions[snap.SessionID]; exists {
			m.mu.Unlock()
			continue
		}
		s := restoreSession(snap, restoredMessage)
		m.sessions[s.ID] = s
		m.mu.Unlock()
		m.persist(s)
		restored++
	}
	if restored > 0 {
		log.Printf("[session-mgr] restored %d session(s) from durable snapshots", restored)
	}
	return restored
}

// ReapIdle closes every session whose last activity is older than the
// idle timeout, through the same teardown path as an explicit close.
// Returns the number of sessions reaped.
func (m *Manager) ReapIdle() int {
	cutoff := time.Now().Add(-m.idleTimeout)

	m.mu.RLock()
	var stale []string
	for id, s := range m.sessions {
		if s.LastActivity().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		log.Printf("[session-mgr] reaping idle session %s", id)
		m.CloseSession(id)
	}
	return len(stale)
}

// Shutdown stops every broadcaster and shell but keeps the durable
// snapshots, so sessions remain discoverable after the next start. Used
// only at process exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := m.sessions
	shells := m.shells
	tasks := m.tasks
	m.sessions = make(map[string]*Session)
	m.shells = make(map[string]*sshtransport.Shell)
	m.tasks = make(map[string]*task)
	m.mu.Unlock()

	for id, s := range sessions {
		if t := tasks[id]; t != nil {
			t.cancel()
			<-t.done
		}
		if shell := shells[id]; shell != nil {
			shell.Close()
		}
		m.persist(s)
	}
	log.Printf("[session-mgr] shut down with %d session(s) snapshotted", len(sessions))
}

// persist writes the session's snapshot with the idle-timeout TTL. A
// durable cache failure degrades to in-memory-only operation with a
// logged warning; live sessions do not depend on the cache.
func (m *Manager) persist(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), persistStoreTimeout)
	defer cancel()
	if err := m.store.Save(ctx, s.snapshot(), m.idleTimeout); err != nil {
		log.Printf("[session-mgr] WARNING: durable cache unavailable, session %s held in memory only: %v", s.ID, err)
		return
	}
	s.markPersisted()
}

// touch refreshes the session's activity time and, if enough time has
// passed since the last snapshot write, re-persists to refresh the TTL.
func (m *Manager) touch(s *Session) {
	if s.touch(m.persistEvery) {
		m.persist(s)
	}
}

// audit records a lifecycle event when auditing is enabled.
func (m *Manager) audit(sessionID, participant, action, detail string) {
	if m.auditor == nil {
		return
	}
	m.auditor.Log(sessionID, participant, action, detail)
}
