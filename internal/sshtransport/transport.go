// Package sshtransport provides authenticated SSH connections to remote
// hosts, PTY-backed interactive shells over those connections, and a
// bounded pool that reuses connections across sessions targeting the same
// endpoint.
//
// A Transport is one multiplexed SSH connection; every shell started over
// it gets its own SSH channel, so multiple sessions can share a Transport
// without sharing a shell process.
package sshtransport

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// MaxInputMessageSize is the maximum size in bytes for a single input
// write. Larger messages are rejected by the handlers to prevent abuse.
const MaxInputMessageSize = 64 * 1024 // 64 KB

// MaxResizeCols and MaxResizeRows define upper bounds for terminal resize
// requests. Values beyond these are clamped.
const (
	MaxResizeCols uint16 = 500
	MaxResizeRows uint16 = 500
)

// Endpoint identifies a remote SSH target. Transports are pooled by this
// exact tuple.
type Endpoint struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
}

// Addr returns the host:port dial address.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.Username + "@" + e.Addr()
}

// Credentials holds the authentication material for a connect attempt.
// Exactly one field must be set.
type Credentials struct {
	Password    string
	KeyFile     string
	AgentSocket string
}

// Validate checks that exactly one credential is supplied.
func (c Credentials) Validate() error {
	set := 0
	if c.Password != "" {
		set++
	}
	if c.KeyFile != "" {
		set++
	}
	if c.AgentSocket != "" {
		set++
	}
	if set == 0 {
		return ErrAuthenticationMissing
	}
	if set > 1 {
		return fmt.Errorf("%w: exactly one of password, key file, or agent socket must be set", ErrAuthenticationMissing)
	}
	return nil
}

// method builds the SSH auth method for the credential. The returned
// closer releases any resources held open for authentication (the agent
// socket connection) and is safe to call when nil work is needed.
func (c Credentials) method() (ssh.AuthMethod, func(), error) {
	noop := func() {}
	if err := c.Validate(); err != nil {
		return nil, noop, err
	}

	switch {
	case c.Password != "":
		return ssh.Password(c.Password), noop, nil

	case c.KeyFile != "":
		data, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, noop, fmt.Errorf("%w: read key file: %v", ErrAuthenticationFailed, err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, noop, fmt.Errorf("%w: parse key file: %v", ErrAuthenticationFailed, err)
		}
		return ssh.PublicKeys(signer), noop, nil

	default:
		conn, err := net.Dial("unix", c.AgentSocket)
		if err != nil {
			return nil, noop, fmt.Errorf("%w: dial agent socket: %v", ErrAuthenticationFailed, err)
		}
		ag := agent.NewClient(conn)
		return ssh.PublicKeysCallback(ag.Signers), func() { conn.Close() }, nil
	}
}

// Transport is one authenticated SSH connection to an endpoint. It is safe
// for concurrent use; each StartInteractiveShell call opens an independent
// SSH channel over the same connection.
type Transport struct {
	endpoint Endpoint
	client   *ssh.Client

	dead      chan struct{} // closed when the underlying connection ends
	authClose func()
	closeOnce sync.Once
}

// Connect establishes an authenticated SSH connection to the endpoint.
// Failures are classified into the package sentinel errors and never
// panic past this boundary.
func Connect(ctx context.Context, endpoint Endpoint, creds Credentials, timeout time.Duration) (*Transport, error) {
	auth, authClose, err := creds.method()
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            endpoint.Username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", endpoint.Addr())
	if err != nil {
		authClose()
		return nil, fmt.Errorf("%w: dial %s: %v", ErrEndpointUnreachable, endpoint.Addr(), err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, endpoint.Addr(), cfg)
	if err != nil {
		netConn.Close()
		authClose()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %s: %v", ErrAuthenticationFailed, endpoint, err)
		}
		return nil, fmt.Errorf("%w: ssh handshake with %s: %v", ErrEndpointUnreachable, endpoint.Addr(), err)
	}

	t := &Transport{
		endpoint:  endpoint,
		client:    ssh.NewClient(sshConn, chans, reqs),
		dead:      make(chan struct{}),
		authClose: authClose,
	}
	go func() {
		t.client.Wait()
		close(t.dead)
	}()
	return t, nil
}

// Endpoint returns the remote target this transport is connected to.
func (t *Transport) Endpoint() Endpoint { return t.endpoint }

// IsAlive reports whether the underlying connection is still usable.
// Cheap and non-blocking.
func (t *Transport) IsAlive() bool {
	select {
	case <-t.dead:
		return false
	default:
		return true
	}
}

// Disconnect closes the connection and releases authentication resources.
// Idempotent; safe to call multiple times.
func (t *Transport) Disconnect() {
	t.closeOnce.Do(func() {
		t.client.Close()
		t.authClose()
	})
}

// StartInteractiveShell opens a new SSH channel with a PTY and starts the
// remote user's login shell. Must be called before reading output. Each
// call produces an independent shell; closing one does not affect others
// on the same transport.
func (t *Transport) StartInteractiveShell() (*Shell, error) {
	if !t.IsAlive() {
		return nil, fmt.Errorf("%w: connection to %s is closed", ErrTransportDead, t.endpoint)
	}

	session, err := t.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: open ssh channel to %s: %v", ErrTransportDead, t.endpoint, err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}

	if err := session.RequestPty("xterm-256color", 24, 80, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	s := &Shell{
		session: session,
		stdin:   stdin,
		stdout:  newStreamReader(stdout),
		stderr:  newStreamReader(stderr),
		exited:  make(chan struct{}),
	}
	go func() {
		session.Wait()
		close(s.exited)
	}()
	return s, nil
}

// Shell is one PTY-backed shell process over a Transport. Read methods are
// intended for a single consumer (the session's broadcaster); WriteInput
// and Resize may be called from other goroutines.
type Shell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  *streamReader
	stderr  *streamReader

	exited    chan struct{} // closed when the shell process ends
	closeOnce sync.Once
}

// WriteInput forwards raw bytes to the shell's stdin.
func (s *Shell) WriteInput(data []byte) (int, error) {
	return s.stdin.Write(data)
}

// ReadOutput returns up to maxBytes of stdout data, waiting at most
// timeout for something to arrive. An empty result is not an error: it
// means the shell produced nothing in the window. Data buffered before
// process exit is still returned by subsequent calls.
func (s *Shell) ReadOutput(maxBytes int, timeout time.Duration) []byte {
	return s.stdout.read(maxBytes, timeout)
}

// ReadStderr is ReadOutput for the error stream.
func (s *Shell) ReadStderr(maxBytes int, timeout time.Duration) []byte {
	return s.stderr.read(maxBytes, timeout)
}

// Exited reports whether the shell process has ended. Non-blocking.
func (s *Shell) Exited() bool {
	select {
	case <-s.exited:
		return true
	default:
		return false
	}
}

// Resize changes the PTY dimensions. Values beyond the package maximums
// are clamped.
func (s *Shell) Resize(cols, rows uint16) error {
	if cols > MaxResizeCols {
		cols = MaxResizeCols
	}
	if rows > MaxResizeRows {
		rows = MaxResizeRows
	}
	return s.session.WindowChange(int(rows), int(cols))
}

// Close terminates the shell channel. Idempotent. The underlying
// Transport stays open for other shells.
func (s *Shell) Close() error {
	s.closeOnce.Do(func() {
		s.session.Close()
	})
	return nil
}

// streamReader pumps an output pipe into a channel so reads can be
// bounded by a timeout. A pump goroutine owns the pipe; read() is for a
// single consumer.
type streamReader struct {
	ch      chan []byte
	pending []byte
}

func newStreamReader(r io.Reader) *streamReader {
	sr := &streamReader{ch: make(chan []byte, 16)}
	go func() {
		defer close(sr.ch)
		buf := make([]byte, 32*1024)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				sr.ch <- data
			}
			if err != nil {
				return
			}
		}
	}()
	return sr
}

// read returns up to maxBytes, waiting at most timeout for data. A
// timeout of zero or less drains already-buffered data without waiting.
// maxBytes of zero or less means unbounded.
func (sr *streamReader) read(maxBytes int, timeout time.Duration) []byte {
	if len(sr.pending) > 0 {
		return sr.take(maxBytes)
	}

	if timeout <= 0 {
		select {
		case data, ok := <-sr.ch:
			if !ok {
				return nil
			}
			sr.pending = data
			return sr.take(maxBytes)
		default:
			return nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case data, ok := <-sr.ch:
		if !ok {
			return nil
		}
		sr.pending = data
		return sr.take(maxBytes)
	case <-timer.C:
		return nil
	}
}

func (sr *streamReader) take(maxBytes int) []byte {
	if maxBytes <= 0 || maxBytes >= len(sr.pending) {
		out := sr.pending
		sr.pending = nil
		return out
	}
	out := sr.pending[:maxBytes]
	sr.pending = sr.pending[maxBytes:]
	return out
}
