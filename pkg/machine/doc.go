// Package machine implements a generic, declarative state machine with a
// prioritized hook registry.
//
// A Definition declares states and transitions. Transitions are matched in
// declaration order against the current state (or the Wildcard source) and
// the event type; the first transition whose guard passes is taken. Each
// executed transition runs the hook phases in a fixed order:
//
//	before_transition, before_exit, action, after_exit,
//	before_enter, after_enter, after_transition
//
// Guard and action failures abort the transition, run the on_error hooks and
// are returned to the caller as a *TransitionError. Hook failures, including
// panics, are logged and counted but never abort a transition.
//
// Send calls are serialized. Hooks, guards and actions run while the machine
// holds its send lock and must not call Send on the same machine.
package machine
