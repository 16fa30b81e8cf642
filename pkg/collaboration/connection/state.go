// Package connection keeps a board's broadcast channel alive. It is an
// explicit state machine driven by discrete events: subscription status
// reports, reconnect timers, sign-out, manual retry and close.
package connection

import (
	"time"

	"github.com/developer-mesh/boardsync/pkg/channel"
)

// State of the connection
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	// StateDisconnected is terminal until Retry
	StateDisconnected State = "disconnected"
	// StateAuthExpired is terminal; the user has to sign in again
	StateAuthExpired State = "auth_expired"
)

// AllStates lists every state, for metrics
var AllStates = []State{StateConnecting, StateConnected, StateReconnecting, StateDisconnected, StateAuthExpired}

// Terminal reports whether the manager stays in s without outside action
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateAuthExpired
}

// EventKind discriminates manager events
type EventKind int

const (
	// EventStart opens the first connection
	EventStart EventKind = iota
	// EventStatus carries a subscription status of the transport generation it names
	EventStatus
	// EventTimerFired is the reconnect timer of the generation it names
	EventTimerFired
	// EventSignedOut is the authentication layer's session-expiry signal
	EventSignedOut
	// EventRetry is the user's explicit retry after exhausting attempts
	EventRetry
	// EventClose is component teardown
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventStatus:
		return "status"
	case EventTimerFired:
		return "timer_fired"
	case EventSignedOut:
		return "signed_out"
	case EventRetry:
		return "retry"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is one input to the state machine
type Event struct {
	Kind       EventKind
	Status     channel.Status
	Err        error
	Generation uint64
}

// StateChange is delivered to observers on every transition
type StateChange struct {
	From     State
	To       State
	Attempts int
	// RetryIn is the scheduled reconnect delay when To is StateReconnecting
	RetryIn time.Duration
	Err     error
}
