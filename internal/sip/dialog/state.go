package dialog

import "fmt"

// CallState is the lifecycle state of a SIP dialog with the telephony
// provider, per RFC 3261's INVITE transaction and dialog state machine.
type CallState int

const (
	// StateInitial is set when the dialog is created from an inbound INVITE.
	StateInitial CallState = iota
	// StateEarly follows a 1xx provisional (100 Trying, 183 Session Progress).
	StateEarly
	// StateWaitingACK follows the 200 OK we sent, pending the caller's ACK.
	StateWaitingACK
	// StateConfirmed is set once ACK arrives; media may flow.
	StateConfirmed
	// StateTerminating is set once we've sent BYE, pending the final response.
	StateTerminating
	// StateTerminated is the terminal state; no further transitions apply.
	StateTerminated
)

func (s CallState) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateEarly:
		return "Early"
	case StateWaitingACK:
		return "WaitingACK"
	case StateConfirmed:
		return "Confirmed"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

var validTransitions = map[CallState][]CallState{
	StateInitial:     {StateEarly, StateTerminated},
	StateEarly:       {StateWaitingACK, StateTerminated},
	StateWaitingACK:  {StateConfirmed, StateTerminated},
	StateConfirmed:   {StateTerminating, StateTerminated},
	StateTerminating: {StateTerminated},
	StateTerminated:  {},
}

// CanTransitionTo reports whether next is reachable from s.
func (s CallState) CanTransitionTo(next CallState) bool {
	for _, state := range validTransitions[s] {
		if state == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is the dialog's final state.
func (s CallState) IsTerminal() bool {
	return s == StateTerminated
}

// TerminateReason explains why a dialog ended. Distinct from
// bridgepb.TerminateReason, which carries the same classification across
// the gRPC boundary to the Call Orchestrator.
type TerminateReason int

const (
	// ReasonLocalBYE means the Adapter initiated teardown (e.g. the
	// orchestrator asked CloseChannel after the AI session ended the call).
	ReasonLocalBYE TerminateReason = iota
	// ReasonRemoteBYE means the telephony provider sent BYE.
	ReasonRemoteBYE
	// ReasonCancel means CANCEL arrived during the early dialog.
	ReasonCancel
	// ReasonTimeout means ACK, or a pending response, never arrived.
	ReasonTimeout
	// ReasonError means the dialog failed for a reason other than the above.
	ReasonError
)

func (r TerminateReason) String() string {
	switch r {
	case ReasonLocalBYE:
		return "LocalBYE"
	case ReasonRemoteBYE:
		return "RemoteBYE"
	case ReasonCancel:
		return "Cancel"
	case ReasonTimeout:
		return "Timeout"
	case ReasonError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", r)
	}
}
