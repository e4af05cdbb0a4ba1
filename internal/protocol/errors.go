package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the connection layer.
var (
	// ErrConnectionClosed rejects pending requests when the transport goes
	// away, voluntarily or not.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrTimeout rejects a pending request whose deadline elapsed.
	ErrTimeout = errors.New("request timed out")
	// ErrNotConnected rejects calls issued while disconnected.
	ErrNotConnected = errors.New("not connected")
)

// ProtocolError is an explicit error frame returned by the authority for a
// specific request. It affects only that request, never the connection.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("remote error: %s", e.Message)
}

// AuthError aborts a connect attempt during the handshake.
type AuthError struct {
	Step string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed at %s: %v", e.Step, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }
