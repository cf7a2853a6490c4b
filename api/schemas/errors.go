package schemas

import (
	"errors"
	"fmt"
)

// Sentinel errors of the session layer. Callers match them with errors.Is.
var (
	// ErrSessionClosed is returned by operations on a session that has been
	// closed or is closing.
	ErrSessionClosed = errors.New("session closed")
	// ErrConnectionLost marks transport-level failures that degraded the
	// session.
	ErrConnectionLost = errors.New("connection lost")
	// ErrNotFound is returned by element queries that match nothing.
	ErrNotFound = errors.New("element not found")
	// ErrBusClosed is returned by publishes against a closed event bus.
	ErrBusClosed = errors.New("event bus closed")
)

// AttachError reports a failed target attach: no matching target, or the
// protocol handshake timed out.
type AttachError struct {
	Target string
	Err    error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("failed to attach to target %q: %v", e.Target, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }
