package session

import (
	"context"
	"log"
	"time"

	"github.com/termshare/termshare/internal/push"
)

// shellIO is the slice of the shell surface the broadcaster needs.
// Satisfied by *sshtransport.Shell; tests substitute scripted fakes.
type shellIO interface {
	ReadOutput(maxBytes int, timeout time.Duration) []byte
	ReadStderr(maxBytes int, timeout time.Duration) []byte
	Exited() bool
}

// runBroadcaster drains shell output and fans it out to every current
// observer. One broadcaster runs per Connected session. Reads are bounded
// by the poll timeout so the loop notices cancellation promptly; idle
// polls deliver nothing and do not count as activity.
func (m *Manager) runBroadcaster(ctx context.Context, s *Session, shell shellIO, t *task) {
	defer close(t.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		out := shell.ReadOutput(m.pollMaxBytes, m.pollTimeout)
		errOut := shell.ReadStderr(m.pollMaxBytes, 0)

		if len(out) > 0 {
			m.fanOut(ctx, s, push.Output{SessionID: s.ID, Data: string(out)})
		}
		if len(errOut) > 0 {
			m.fanOut(ctx, s, push.Output{SessionID: s.ID, Data: string(errOut)})
		}
		if len(out) > 0 || len(errOut) > 0 {
			m.touch(s)
		}

		if shell.Exited() {
			m.flushRemaining(ctx, s, shell)
			m.fanOut(ctx, s, push.Closed{SessionID: s.ID})
			log.Printf("[broadcaster] session %s shell exited", s.ID)
			// CloseSession waits for this task to finish, so the teardown
			// must run outside the loop goroutine's own lifetime.
			go m.CloseSession(s.ID)
			return
		}
	}
}

// flushRemaining forwards output buffered before the shell exited.
func (m *Manager) flushRemaining(ctx context.Context, s *Session, shell shellIO) {
	for {
		out := shell.ReadOutput(m.pollMaxBytes, 0)
		errOut := shell.ReadStderr(m.pollMaxBytes, 0)
		if len(out) == 0 && len(errOut) == 0 {
			return
		}
		if len(out) > 0 {
			m.fanOut(ctx, s, push.Output{SessionID: s.ID, Data: string(out)})
		}
		if len(errOut) > 0 {
			m.fanOut(ctx, s, push.Output{SessionID: s.ID, Data: string(errOut)})
		}
	}
}

// fanOut delivers one message to a snapshot of the current observers, in
// the order the data was read. A delivery failure to one observer is
// logged and isolated: the observer stays a member, and the other
// observers still receive the message.
func (m *Manager) fanOut(ctx context.Context, s *Session, msg push.Message) {
	for _, observer := range s.Observers() {
		if err := m.sink.Deliver(ctx, observer, msg); err != nil {
			log.Printf("[broadcaster] session %s: delivery to %s failed: %v", s.ID, observer, err)
		}
	}
}
