package sshtransport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/termshare/termshare/internal/sshtest"
	"golang.org/x/crypto/ssh"
)

const testPassword = "swordfish"

// startServer runs the in-process SSH server and returns its endpoint.
func startServer(t *testing.T, opts sshtest.Options) (Endpoint, func()) {
	t.Helper()
	if opts.Password == "" && opts.AuthorizedKey == nil {
		opts.Password = testPassword
	}
	addr, cleanup := sshtest.Start(t, opts)
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return Endpoint{Host: host, Port: port, Username: "tester"}, cleanup
}

// readUntil keeps calling ReadOutput until the accumulated data contains
// want or the deadline passes.
func readUntil(t *testing.T, shell *Shell, want string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var got strings.Builder
	for time.Now().Before(deadline) {
		got.Write(shell.ReadOutput(4096, 100*time.Millisecond))
		if strings.Contains(got.String(), want) {
			return got.String()
		}
	}
	t.Fatalf("did not read %q within %s; got %q", want, timeout, got.String())
	return ""
}

func TestCredentialsValidate(t *testing.T) {
	tests := []struct {
		name    string
		creds   Credentials
		wantErr bool
	}{
		{"none", Credentials{}, true},
		{"password only", Credentials{Password: "x"}, false},
		{"key file only", Credentials{KeyFile: "/tmp/key"}, false},
		{"agent only", Credentials{AgentSocket: "/tmp/sock"}, false},
		{"password and key", Credentials{Password: "x", KeyFile: "/tmp/key"}, true},
		{"all three", Credentials{Password: "x", KeyFile: "k", AgentSocket: "s"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.creds.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrAuthenticationMissing) {
					t.Errorf("expected ErrAuthenticationMissing, got %v", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestConnect_MissingCredentials(t *testing.T) {
	endpoint, cleanup := startServer(t, sshtest.Options{})
	defer cleanup()

	_, err := Connect(context.Background(), endpoint, Credentials{}, 5*time.Second)
	if !errors.Is(err, ErrAuthenticationMissing) {
		t.Fatalf("expected ErrAuthenticationMissing, got %v", err)
	}
}

func TestConnect_WrongPassword(t *testing.T) {
	endpoint, cleanup := startServer(t, sshtest.Options{})
	defer cleanup()

	_, err := Connect(context.Background(), endpoint, Credentials{Password: "wrong"}, 5*time.Second)
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	// Grab a port that nothing listens on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)
	endpoint := Endpoint{Host: host, Port: port, Username: "tester"}

	_, err = Connect(context.Background(), endpoint, Credentials{Password: testPassword}, 2*time.Second)
	if !errors.Is(err, ErrEndpointUnreachable) {
		t.Fatalf("expected ErrEndpointUnreachable, got %v", err)
	}
}

func TestConnect_PasswordAuthAndEcho(t *testing.T) {
	endpoint, cleanup := startServer(t, sshtest.Options{})
	defer cleanup()

	transport, err := Connect(context.Background(), endpoint, Credentials{Password: testPassword}, 5*time.Second)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer transport.Disconnect()

	if !transport.IsAlive() {
		t.Fatal("expected transport to be alive after connect")
	}

	shell, err := transport.StartInteractiveShell()
	if err != nil {
		t.Fatalf("StartInteractiveShell: %v", err)
	}
	defer shell.Close()

	if _, err := shell.WriteInput([]byte("hello\n")); err != nil {
		t.Fatalf("WriteInput: %v", err)
	}
	readUntil(t, shell, "echo:hello", 5*time.Second)
}

func TestConnect_KeyFileAuth(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	endpoint, cleanup := startServer(t, sshtest.Options{AuthorizedKey: sshPub})
	defer cleanup()

	transport, err := Connect(context.Background(), endpoint, Credentials{KeyFile: keyPath}, 5*time.Second)
	if err != nil {
		t.Fatalf("Connect with key file: %v", err)
	}
	transport.Disconnect()
}

func TestConnect_BadKeyFile(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "garbage")
	if err := os.WriteFile(keyPath, []byte("not a key"), 0600); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	endpoint, cleanup := startServer(t, sshtest.Options{})
	defer cleanup()

	_, err := Connect(context.Background(), endpoint, Credentials{KeyFile: keyPath}, 5*time.Second)
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed for unparsable key, got %v", err)
	}
}

func TestReadOutput_EmptyOnIdle(t *testing.T) {
	endpoint, cleanup := startServer(t, sshtest.Options{})
	defer cleanup()

	transport, err := Connect(context.Background(), endpoint, Credentials{Password: testPassword}, 5*time.Second)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer transport.Disconnect()

	shell, err := transport.StartInteractiveShell()
	if err != nil {
		t.Fatalf("StartInteractiveShell: %v", err)
	}
	defer shell.Close()

	start := time.Now()
	out := shell.ReadOutput(1024, 150*time.Millisecond)
	if len(out) != 0 {
		t.Errorf("expected empty read on idle shell, got %q", out)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("read returned too early (%s); expected it to wait for the timeout", elapsed)
	}
}

func TestReadOutput_MaxBytes(t *testing.T) {
	endpoint, cleanup := startServer(t, sshtest.Options{})
	defer cleanup()

	transport, err := Connect(context.Background(), endpoint, Credentials{Password: testPassword}, 5*time.Second)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer transport.Disconnect()

	shell, err := transport.StartInteractiveShell()
	if err != nil {
		t.Fatalf("StartInteractiveShell: %v", err)
	}
	defer shell.Close()

	if _, err := shell.WriteInput([]byte("abcdef\n")); err != nil {
		t.Fatalf("WriteInput: %v", err)
	}

	// The echo reply is "echo:abcdef\n". Read it in bounded pieces.
	var got strings.Builder
	deadline := time.Now().Add(5 * time.Second)
	for got.Len() < len("echo:abcdef\n") && time.Now().Before(deadline) {
		chunk := shell.ReadOutput(3, 200*time.Millisecond)
		if len(chunk) > 3 {
			t.Fatalf("read %d bytes, want at most 3", len(chunk))
		}
		got.Write(chunk)
	}
	if !strings.Contains(got.String(), "echo:abcdef") {
		t.Errorf("reassembled output %q missing echo", got.String())
	}
}

func TestShellExitDetection(t *testing.T) {
	endpoint, cleanup := startServer(t, sshtest.Options{})
	defer cleanup()

	transport, err := Connect(context.Background(), endpoint, Credentials{Password: testPassword}, 5*time.Second)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer transport.Disconnect()

	shell, err := transport.StartInteractiveShell()
	if err != nil {
		t.Fatalf("StartInteractiveShell: %v", err)
	}
	defer shell.Close()

	if shell.Exited() {
		t.Fatal("shell reported exited immediately after start")
	}

	if _, err := shell.WriteInput([]byte("exit\n")); err != nil {
		t.Fatalf("WriteInput: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !shell.Exited() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if !shell.Exited() {
		t.Fatal("shell did not report exit")
	}

	// The transport outlives the shell.
	if !transport.IsAlive() {
		t.Error("transport died when one shell exited")
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	endpoint, cleanup := startServer(t, sshtest.Options{})
	defer cleanup()

	transport, err := Connect(context.Background(), endpoint, Credentials{Password: testPassword}, 5*time.Second)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	transport.Disconnect()
	transport.Disconnect()
	transport.Disconnect()

	deadline := time.Now().Add(2 * time.Second)
	for transport.IsAlive() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if transport.IsAlive() {
		t.Error("transport still alive after disconnect")
	}
}

func TestEndpointString(t *testing.T) {
	e := Endpoint{Host: "10.0.0.5", Port: 2222, Username: "deploy"}
	if e.String() != "deploy@10.0.0.5:2222" {
		t.Errorf("unexpected string form %q", e.String())
	}
	if e.Addr() != "10.0.0.5:2222" {
		t.Errorf("unexpected addr %q", e.Addr())
	}
}
