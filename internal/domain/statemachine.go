package domain

// transitions is the complete table of legal state changes.
var transitions = map[State][]State{
	StateCreated:         {StateAnalyzing},
	StateAnalyzing:       {StateDecided},
	StateDecided:         {StateWaitingForHuman},
	StateWaitingForHuman: {StateClosed, StateAnalyzing},
	StateClosed:          {},
}

// IsValid checks if the state is one of the known lifecycle states.
func (s State) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal returns true if no transition leaves the state.
func (s State) IsTerminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// RequiresApproval returns true if transitions out of the state are taken
// only through an approval decision.
func (s State) RequiresApproval() bool {
	return s == StateWaitingForHuman
}

// IsValidTransition reports whether moving from one state to another is legal.
// It performs no I/O.
func IsValidTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the states reachable from the given state.
func AllowedTransitions(from State) []State {
	next := transitions[from]
	out := make([]State, len(next))
	copy(out, next)
	return out
}

// ApprovalAction is the decision taken on an incident waiting for a human.
type ApprovalAction string

// Approval actions.
const (
	ApprovalActionApprove ApprovalAction = "APPROVE"
	ApprovalActionReject  ApprovalAction = "REJECT"
)

// IsValid checks if the approval action is valid.
func (a ApprovalAction) IsValid() bool {
	return a == ApprovalActionApprove || a == ApprovalActionReject
}

// TargetState returns the state an approval action leads to.
func (a ApprovalAction) TargetState() State {
	if a == ApprovalActionApprove {
		return StateClosed
	}
	return StateAnalyzing
}

// EventType returns the event type recorded for the action.
func (a ApprovalAction) EventType() EventType {
	if a == ApprovalActionApprove {
		return EventTypeIncidentApproved
	}
	return EventTypeIncidentRejected
}
