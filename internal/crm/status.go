package crm

// transitions lists the allowed status moves. EXECUTED may return to
// PROPOSED only after its resulting activities were unwound by a
// reconciliation edit.
var transitions = map[ActionStatus][]ActionStatus{
	StatusProposed: {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved: {StatusExecuted, StatusRejected, StatusCancelled},
	StatusExecuted: {StatusProposed, StatusCancelled},
}

// CanTransition reports whether an action may move from one status to another.
func CanTransition(from, to ActionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves a to the target status or returns a StateConflictError.
func Transition(a *ProposedAction, to ActionStatus) error {
	if !CanTransition(a.Status, to) {
		return &StateConflictError{ActionID: a.ID, Target: to, Actual: a.Status}
	}
	a.Status = to
	return nil
}
