package session

import (
	"errors"
	"fmt"
)

// State is the connection state owned by the Manager.
type State int

const (
	Unauthenticated State = iota
	AwaitingPairing
	Connected
	Closing
	Terminated
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case AwaitingPairing:
		return "awaiting_pairing"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CloseReason classifies why the transport closed.
type CloseReason string

const (
	ReasonLoggedOut        CloseReason = "logged_out"
	ReasonConnectionLost   CloseReason = "connection_lost"
	ReasonConnectionClosed CloseReason = "connection_closed"
	ReasonTimedOut         CloseReason = "timed_out"
	ReasonReplaced         CloseReason = "connection_replaced"
	ReasonRestartRequired  CloseReason = "restart_required"
	ReasonShutdown         CloseReason = "shutdown"
	ReasonBudgetExhausted  CloseReason = "reconnect_budget_exhausted"
)

// Fatal reports whether the reason forbids reconnecting.
func (r CloseReason) Fatal() bool {
	return r == ReasonLoggedOut
}

var (
	ErrNotConnected      = errors.New("session not connected")
	ErrSessionTerminated = errors.New("session terminated")
)

// TransportError wraps a connectivity or protocol failure from the transport.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// notConnected builds the error returned by Send outside Connected.
// While terminated it matches both ErrNotConnected and ErrSessionTerminated.
func notConnected(s State) error {
	if s == Terminated {
		return fmt.Errorf("%w: %w", ErrNotConnected, ErrSessionTerminated)
	}
	return fmt.Errorf("%w (state=%s)", ErrNotConnected, s)
}
