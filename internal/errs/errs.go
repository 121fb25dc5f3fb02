// Package errs defines the client error taxonomy shared by the hub, media
// and session packages.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors for state checks with errors.Is.
var (
	// ErrNotConnected is returned when a hub method is invoked while the
	// connection is not in the Connected state.
	ErrNotConnected = errors.New("hub not connected")
	// ErrClosed is returned when an operation is attempted on a connection
	// that has been closed. Closed is terminal; a new connection must be created.
	ErrClosed = errors.New("hub connection closed")
	// ErrTornDown is returned when a media operation is attempted after Teardown.
	ErrTornDown = errors.New("media session torn down")
	// ErrUnknownReaction is logged (never surfaced) when an unrecognized
	// reaction kind arrives.
	ErrUnknownReaction = errors.New("unknown reaction kind")
)

// ConnectionError wraps a failed hub handshake or an unrecoverable transport
// error. User-visible; the screen should allow a manual retry.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("hub connection to %s failed: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// InvocationError wraps a failed server method invocation, including the
// guarded not-connected case.
type InvocationError struct {
	Method string
	Err    error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %s: %v", e.Method, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// NegotiationError wraps a failed SDP exchange. The session is unusable and
// must be torn down.
type NegotiationError struct {
	Stage string // "set_remote", "create_answer", "set_local"
	Err   error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("media negotiation failed at %s: %v", e.Stage, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
