package crm

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound marks an absent opportunity, action, activity or stage.
	ErrNotFound = errors.New("not found")
	// ErrInvalidOracleOutput marks output that failed schema or ground-truth checks.
	ErrInvalidOracleOutput = errors.New("invalid oracle output")
	// ErrStateConflict is matched by every StateConflictError via errors.Is.
	ErrStateConflict = errors.New("state conflict")
)

// NotFound wraps ErrNotFound with the entity and id that were missing.
func NotFound(entity, id string) error {
	return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
}

// StateConflictError reports an operation on an action in the wrong status.
type StateConflictError struct {
	ActionID string
	Target   ActionStatus
	Expected []ActionStatus
	Actual   ActionStatus
}

func (e *StateConflictError) Error() string {
	if len(e.Expected) > 0 {
		want := make([]string, len(e.Expected))
		for i, s := range e.Expected {
			want[i] = string(s)
		}
		return fmt.Sprintf("action %s is %s, expected %s", e.ActionID, e.Actual, strings.Join(want, " or "))
	}
	return fmt.Sprintf("action %s cannot move from %s to %s", e.ActionID, e.Actual, e.Target)
}

// Is lets errors.Is(err, ErrStateConflict) match.
func (e *StateConflictError) Is(target error) bool { return target == ErrStateConflict }

// ExpectStatus returns a StateConflictError unless a is in one of want.
func ExpectStatus(a ProposedAction, want ...ActionStatus) error {
	for _, s := range want {
		if a.Status == s {
			return nil
		}
	}
	return &StateConflictError{ActionID: a.ID, Expected: want, Actual: a.Status}
}

// ExecutionError wraps the failure of a handler's side-effecting call.
type ExecutionError struct {
	ActionID string
	Type     ActionType
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute %s action %s: %v", e.Type, e.ActionID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
