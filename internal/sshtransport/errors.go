package sshtransport

import "errors"

// Sentinel errors for connect and shell failures. Callers classify with
// errors.Is; the concrete cause is carried in the wrapped message.
var (
	// ErrAuthenticationMissing means no usable credential was supplied.
	// Exactly one of password, key file, or agent socket is required.
	ErrAuthenticationMissing = errors.New("no authentication credential supplied")

	// ErrAuthenticationFailed means the remote host rejected the supplied
	// credential during the SSH handshake.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrEndpointUnreachable means the TCP connection to the endpoint
	// could not be established.
	ErrEndpointUnreachable = errors.New("endpoint unreachable")

	// ErrTransportDead means an established connection is no longer
	// usable. The pool retries once with a fresh connection before this
	// surfaces to callers.
	ErrTransportDead = errors.New("transport connection is dead")
)
