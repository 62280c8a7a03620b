package machine

import (
	"errors"
	"fmt"
)

var (
	// ErrMachineFinished is returned by Send in strict mode once a final state was entered.
	ErrMachineFinished = errors.New("machine is finished")

	// ErrNoTransition is returned by Send in strict mode when no transition matches.
	ErrNoTransition = errors.New("no matching transition")

	// ErrUnknownState is returned when a state id is not declared.
	ErrUnknownState = errors.New("unknown state")

	// ErrInvalidHook is returned by RegisterHook for malformed hooks.
	ErrInvalidHook = errors.New("invalid hook")

	// ErrDuplicateHook is returned by RegisterHook when the id is taken.
	ErrDuplicateHook = errors.New("duplicate hook id")
)

// Stage names where a transition failed.
const (
	StageGuard  = "guard"
	StageAction = "action"
)

// TransitionError is returned by Send when a guard or action fails.
type TransitionError struct {
	From  StateID
	To    StateID
	Event EventType
	Stage string
	Err   error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transition %s --%s--> %s: %s failed: %v", e.From, e.Event, e.To, e.Stage, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

// AsTransitionError extracts a *TransitionError from err.
func AsTransitionError(err error) (*TransitionError, bool) {
	var te *TransitionError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
