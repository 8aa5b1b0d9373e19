// Package session implements the per-transfer finite-state machine shared
// as a specification by both the sender and receiver engines (spec §4.2),
// plus the in-memory Session bookkeeping it guards (spec §3).
package session

import "fmt"

// State is one node of the transfer state machine.
type State int

const (
	Idle State = iota
	Negotiating
	Transferring
	Finalizing
	Completed
	Failed
	Cancelled
	TimedOut
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Negotiating:
		return "Negotiating"
	case Transferring:
		return "Transferring"
	case Finalizing:
		return "Finalizing"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	case Cancelled:
		return "Cancelled"
	case TimedOut:
		return "TimedOut"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether s is one of the four terminal states, out of
// which no further transition is permitted.
func (s State) IsTerminal() bool {
	switch s {
	case Completed, Failed, Cancelled, TimedOut:
		return true
	default:
		return false
	}
}

// Role distinguishes which side of the transfer a Session represents.
type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// validEdges enumerates the non-terminal-to-any edges allowed by spec §4.2,
// excluding the from-any-non-terminal-state Cancelled/TimedOut edges, which
// are checked separately since they apply uniformly.
var validEdges = map[State]map[State]bool{
	Idle:         {Negotiating: true},
	Negotiating:  {Transferring: true, Failed: true},
	Transferring: {Finalizing: true, Failed: true},
	Finalizing:   {Completed: true, Failed: true},
}

// ErrInvalidTransition is returned by TransitionTo for any edge not present
// in the state machine, including any edge out of a terminal state.
type ErrInvalidTransition struct {
	From, To State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("session: invalid transition %s -> %s", e.From, e.To)
}

// checkTransition reports whether moving from `from` to `to` is legal.
func checkTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	if to == Cancelled || to == TimedOut {
		return true
	}
	return validEdges[from][to]
}
