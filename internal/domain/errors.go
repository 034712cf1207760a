package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport covers dial and handshake failures; retried with backoff.
	ErrTransport = errors.New("transport error")
	// ErrAuthentication is terminal: the credential was rejected.
	ErrAuthentication = errors.New("authentication failed")
	// ErrProtocol marks malformed or unexpected payloads.
	ErrProtocol = errors.New("protocol error")
	// ErrSendTimeout marks a pending send that was never confirmed.
	ErrSendTimeout = errors.New("send not acknowledged")
	// ErrCapacity means reconnect attempts are exhausted.
	ErrCapacity = errors.New("reconnect attempts exhausted")

	ErrNotConnected   = errors.New("not connected")
	ErrSessionClosed  = errors.New("session closed")
	ErrUnknownMessage = errors.New("unknown message")
	ErrEmptyBody      = errors.New("message body is empty")
)

// ConnectionError is the payload of connection_error events.
type ConnectionError struct {
	Op string
	// Attempt is the consecutive attempt that failed; zero for a drop of
	// an established connection.
	Attempt int
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
