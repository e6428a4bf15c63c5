// Package sshtest runs an in-process SSH server for exercising the
// transport, pool, session, and handler layers in tests.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"testing"

	"golang.org/x/crypto/ssh"
)

// Options configures the test server.
type Options struct {
	// Password accepted for any username.
	Password string
	// AuthorizedKey, when set, is also accepted for public-key auth.
	AuthorizedKey ssh.PublicKey
	// OnShell handles the shell after a successful "shell" request. The
	// default is EchoShell.
	OnShell func(ch ssh.Channel)
}

// Start listens on a random loopback port and serves SSH connections
// until cleanup is called.
func Start(t *testing.T, opts Options) (addr string, cleanup func()) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host key signer: %v", err)
	}

	config := &ssh.ServerConfig{}
	if opts.Password != "" {
		password := opts.Password
		config.PasswordCallback = func(conn ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("wrong password")
		}
	}
	if opts.AuthorizedKey != nil {
		authorized := ssh.FingerprintSHA256(opts.AuthorizedKey)
		config.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if ssh.FingerprintSHA256(key) == authorized {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		}
	}
	config.AddHostKey(hostSigner)

	onShell := opts.OnShell
	if onShell == nil {
		onShell = EchoShell
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			go handleConnection(netConn, config, onShell)
		}
	}()

	return listener.Addr().String(), func() {
		listener.Close()
		<-done
	}
}

func handleConnection(netConn net.Conn, config *ssh.ServerConfig, onShell func(ch ssh.Channel)) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go handleSession(ch, requests, onShell)
	}
}

func handleSession(ch ssh.Channel, requests <-chan *ssh.Request, onShell func(ch ssh.Channel)) {
	defer ch.Close()

	for req := range requests {
		switch req.Type {
		case "pty-req", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "shell", "exec":
			if req.WantReply {
				req.Reply(true, nil)
			}
			go onShell(ch)
			// Keep processing requests (e.g. window-change) after the
			// shell starts.

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// EchoShell echoes stdin back with an "echo:" prefix. The line "exit"
// terminates the shell with a zero exit status.
func EchoShell(ch ssh.Channel) {
	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			if string(buf[:n]) == "exit\n" {
				SendExit(ch, 0)
				return
			}
			ch.Write(append([]byte("echo:"), buf[:n]...))
		}
		if err != nil {
			return
		}
	}
}

// SendExit reports an exit status and closes the channel, the way a real
// sshd ends a shell session.
func SendExit(ch ssh.Channel, status uint32) {
	payload := ssh.Marshal(struct{ Status uint32 }{status})
	ch.SendRequest("exit-status", false, payload)
	ch.Close()
}
